package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/BadgerOps/expansiond/internal/download"
	"github.com/BadgerOps/expansiond/internal/engine"
	"github.com/BadgerOps/expansiond/internal/expansion"
	"github.com/BadgerOps/expansiond/internal/server"
)

// Exit codes for fetch.
const (
	exitPaused = 2
	exitFailed = 3
)

var (
	fetchListen        string
	fetchRetries       int
	fetchRetryInterval time.Duration
	fetchForce         bool
)

func newFetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download or resume the expansion files",
		Long: `Check entitlement, reconcile the local ledger with the manifest and download
every expansion file that is missing or incomplete.

SIGINT or SIGTERM pauses the transfer at the next chunk boundary; the next
fetch resumes from the checkpoint. A second signal aborts immediately.

Exit status is 0 when the files are ready, 2 when the download paused and
can be retried later, and 3 when it failed.`,
		Example: `  expansiond fetch
  expansiond fetch --listen 127.0.0.1:8686
  expansiond fetch --retry 10 --retry-interval 1m`,
		RunE: fetchRun,
	}

	cmd.Flags().StringVar(&fetchListen, "listen", "", "serve status and progress events on this address (overrides server.listen)")
	cmd.Flags().IntVar(&fetchRetries, "retry", 0, "number of times to retry a paused download")
	cmd.Flags().DurationVar(&fetchRetryInterval, "retry-interval", 30*time.Second, "wait between retries")
	cmd.Flags().BoolVar(&fetchForce, "force", false, "contact the authority even when the files are already present")

	return cmd
}

func fetchRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if err := globalCfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	parent := context.Background()
	if cmd != nil && cmd.Context() != nil {
		parent = cmd.Context()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	dir := download.NewDir(globalCfg.DownloadDir)
	unlock, err := dir.Lock()
	if err != nil {
		return err
	}
	defer func() {
		if err := unlock(); err != nil {
			logger.Error("failed to release lock", "error", err)
		}
	}()

	ledger, err := openLedger(ctx, globalCfg)
	if err != nil {
		return err
	}
	defer closeLedger(ledger)

	tracker := engine.NewTracker()

	if !fetchForce {
		avail, paths, err := engine.CheckAvailability(ledger, dir)
		if err != nil {
			return fmt.Errorf("failed to check availability: %w", err)
		}
		if avail == expansion.AvailabilityReady {
			tracker.SetReady(paths)
			logger.Info("expansion files already present", "files", len(paths))
			printPaths(paths)
			return nil
		}
		logger.Debug("download required", "availability", avail.String())
	}

	gate, manifest, err := newAuthority(globalCfg)
	if err != nil {
		return err
	}
	transferer, err := newTransferer(globalCfg, ledger)
	if err != nil {
		return err
	}
	notifier, err := newNotifier(globalCfg)
	if err != nil {
		return err
	}
	dcfg, err := globalCfg.DownloaderConfig()
	if err != nil {
		return err
	}

	eng := engine.New(gate, manifest, ledger, dir, transferer, logger)
	eng.SetUISink(tracker)

	listen := globalCfg.Server.Listen
	if fetchListen != "" {
		listen = fetchListen
	}

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	// stopped is closed on the first signal so a pending retry wait ends too
	stopped := make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)

	var out engine.Outcome
	g.Go(func() error {
		defer cancel()
		out = runWithRetries(gctx, eng, dcfg, notifier, stopped)
		return nil
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case sig := <-sigChan:
			logger.Info("received signal, pausing download", "signal", sig)
			eng.Stop()
			close(stopped)
		}
		select {
		case <-gctx.Done():
		case sig := <-sigChan:
			logger.Warn("received second signal, aborting", "signal", sig)
			cancel()
		}
		return nil
	})

	if listen != "" {
		var runs server.RunLister
		if h, ok := ledger.(runHistory); ok {
			runs = h
		}
		srv := server.NewServer(tracker, runs, logger)
		g.Go(func() error {
			return srv.Start(gctx, listen)
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancelShutdown()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown error: %w", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	pruneRuns(ledger)

	switch {
	case out.OK():
		fmt.Printf("Expansion files ready (%s transferred)\n", humanize.IBytes(uint64(out.BytesTransferred)))
		printPaths(out.Paths)
		return nil
	case out.Reschedule:
		return &exitError{code: exitPaused, err: fmt.Errorf("download paused (%s): %w", out.State, out.Err)}
	default:
		return &exitError{code: exitFailed, err: fmt.Errorf("download failed (%s): %w", out.State, out.Err)}
	}
}

// runWithRetries calls ProcessDownload until it completes, fails, is stopped
// or runs out of retries.
func runWithRetries(ctx context.Context, eng *engine.Engine, dcfg expansion.DownloaderConfig, notifier expansion.Sink, stopped <-chan struct{}) engine.Outcome {
	for attempt := 0; ; attempt++ {
		out := eng.ProcessDownload(ctx, dcfg, notifier)
		if out.OK() || !out.Reschedule || !eng.Running() || attempt >= fetchRetries {
			return out
		}

		logger.Info("download paused, retrying",
			"state", out.State.String(),
			"attempt", attempt+1,
			"of", fetchRetries,
			"in", fetchRetryInterval)

		timer := time.NewTimer(fetchRetryInterval)
		select {
		case <-timer.C:
		case <-stopped:
			timer.Stop()
			return out
		case <-ctx.Done():
			timer.Stop()
			return out
		}
	}
}

func pruneRuns(ledger ledgerHandle) {
	h, ok := ledger.(runHistory)
	if !ok || globalCfg.Ledger.KeepRuns <= 0 {
		return
	}
	n, err := h.PruneRuns(globalCfg.Ledger.KeepRuns)
	if err != nil {
		logger.Warn("failed to prune run history", "error", err)
		return
	}
	if n > 0 {
		logger.Debug("pruned run history", "removed", n)
	}
}

func printPaths(paths []string) {
	if quiet {
		return
	}
	for _, p := range paths {
		fmt.Println(p)
	}
}
