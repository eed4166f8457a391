package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/expansiond/internal/download"
	"github.com/BadgerOps/expansiond/internal/expansion"
)

var (
	resetSlot  int
	resetPurge bool
)

func newResetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Forget download progress so the next fetch starts over",
		Long: `Delete the ledger records for all slots, or a single slot with --slot,
along with any partial temporary files. Completed files stay on disk unless
--purge is given.`,
		Example: `  expansiond reset
  expansiond reset --slot 1
  expansiond reset --purge`,
		RunE: resetRun,
	}

	cmd.Flags().IntVar(&resetSlot, "slot", -1, "only reset this slot (0 primary, 1 patch)")
	cmd.Flags().BoolVar(&resetPurge, "purge", false, "also delete completed expansion files")

	return cmd
}

func resetRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	slots := []int{expansion.SlotPrimary, expansion.SlotSupplementary}
	if resetSlot >= 0 {
		if !expansion.ValidSlot(resetSlot) {
			return fmt.Errorf("invalid slot %d", resetSlot)
		}
		slots = []int{resetSlot}
	}

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

	ledger, err := openLedger(context.Background(), globalCfg)
	if err != nil {
		return err
	}
	defer closeLedger(ledger)

	for _, slot := range slots {
		rec, err := ledger.KnownDownload(slot)
		if err != nil {
			return err
		}
		if rec == nil {
			continue
		}

		tmp, err := dir.TempPath(rec)
		if err != nil {
			return err
		}
		if err := removeIfExists(tmp); err != nil {
			return err
		}
		if resetPurge {
			final, err := dir.FinalPath(rec)
			if err != nil {
				return err
			}
			if err := removeIfExists(final); err != nil {
				return err
			}
		}

		if err := ledger.DeleteFile(slot); err != nil {
			return err
		}
		logger.Info("reset slot", "slot", slot, "name", rec.Name, "purged", resetPurge)
		if !quiet {
			fmt.Printf("Reset slot %d (%s)\n", slot, rec.Name)
		}
	}

	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}
