package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BadgerOps/expansiond/internal/authority"
	"github.com/BadgerOps/expansiond/internal/config"
	"github.com/BadgerOps/expansiond/internal/download"
	"github.com/BadgerOps/expansiond/internal/expansion"
	"github.com/BadgerOps/expansiond/internal/notify"
	"github.com/BadgerOps/expansiond/internal/store"
	"github.com/BadgerOps/expansiond/internal/store/bucket"
)

// ledgerHandle is a ledger the command must close when done.
type ledgerHandle interface {
	expansion.Ledger
	Close() error
}

// runHistory is implemented by ledgers that keep run history (the sqlite store).
type runHistory interface {
	ListRuns(limit int) ([]expansion.Run, error)
	PruneRuns(keep int) (int64, error)
}

// openLedger opens the ledger selected by ledger.driver
func openLedger(ctx context.Context, cfg *config.Config) (ledgerHandle, error) {
	switch cfg.Ledger.Driver {
	case config.LedgerBucket:
		l, err := bucket.Open(ctx, cfg.Ledger.BucketURL, cfg.Ledger.Prefix, cfg.App.VersionCode, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open bucket ledger: %w", err)
		}
		return l, nil
	case config.LedgerSQLite, "":
		dbPath := cfg.LedgerDBPath()
		if dbPath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
				return nil, fmt.Errorf("failed to create ledger directory: %w", err)
			}
		}
		st, err := store.New(dbPath, cfg.App.VersionCode, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize store: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", cfg.Ledger.Driver)
	}
}

// closeLedger closes l and logs any error
func closeLedger(l ledgerHandle) {
	if err := l.Close(); err != nil {
		logger.Error("failed to close ledger", "error", err)
	}
}

// newAuthority returns the licensing client when an endpoint is configured,
// otherwise a static authority over manifest.files.
func newAuthority(cfg *config.Config) (expansion.EntitlementGate, expansion.ManifestAuthority, error) {
	if cfg.License.Endpoint != "" {
		c, err := authority.NewClient(cfg.License.Endpoint, cfg.Network.UserAgent, cfg.Timeouts(), logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create license client: %w", err)
		}
		return c, c, nil
	}

	s, err := authority.NewStatic(cfg.Manifest.Files)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return s, s, nil
}

func newTransferer(cfg *config.Config, ledger expansion.Ledger) (*download.Transferer, error) {
	rate, err := cfg.RateLimitBytes()
	if err != nil {
		return nil, err
	}
	return download.NewTransferer(ledger, download.Options{
		UserAgent:    cfg.Network.UserAgent,
		BufferSize:   cfg.Network.BufferSize,
		RateLimit:    rate,
		ContentTypes: cfg.Network.ContentTypes,
		Timeouts:     cfg.Timeouts(),

		InactivityTimeout: cfg.Network.Timeouts.Inactivity,
	}, logger), nil
}

// newNotifier fans engine events out to the log and, if configured, a webhook
func newNotifier(cfg *config.Config) (expansion.Sink, error) {
	sinks := []expansion.Sink{
		notify.NewLogNotifier(logger, cfg.Notify.JobID, cfg.Notify.NotificationID),
	}
	if cfg.Notify.WebhookURL != "" {
		w, err := notify.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.Label,
			cfg.Notify.JobID, cfg.Notify.NotificationID, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create webhook notifier: %w", err)
		}
		sinks = append(sinks, w)
	}
	return notify.Multi(sinks...), nil
}
