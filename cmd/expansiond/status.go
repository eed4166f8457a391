package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/expansiond/internal/download"
	"github.com/BadgerOps/expansiond/internal/engine"
)

var statusRuns int

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Display the state of the expansion files",
		Long: `Display whether the expansion files can be used as-is, the progress the
ledger holds for each slot and, for the sqlite ledger, the most recent runs.`,
		Example: `  expansiond status
  expansiond status --runs 20`,
		RunE: statusRun,
	}

	cmd.Flags().IntVar(&statusRuns, "runs", 5, "number of recent runs to show (sqlite ledger only)")

	return cmd
}

func statusRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	ledger, err := openLedger(context.Background(), globalCfg)
	if err != nil {
		return err
	}
	defer closeLedger(ledger)

	dir := download.NewDir(globalCfg.DownloadDir)

	avail, _, err := engine.CheckAvailability(ledger, dir)
	if err != nil {
		return fmt.Errorf("failed to check availability: %w", err)
	}
	recs, err := engine.KnownDownloads(ledger)
	if err != nil {
		return err
	}

	fmt.Println("Expansion Status")
	fmt.Println("================")
	fmt.Println("")
	fmt.Printf("Package:      %s (version %d)\n", globalCfg.App.Package, globalCfg.App.VersionCode)
	fmt.Printf("Directory:    %s\n", dir.Root())
	fmt.Printf("Availability: %s\n", avail)
	fmt.Println("")

	if len(recs) == 0 {
		fmt.Println("No known downloads")
	} else {
		fmt.Printf("%-5s %-40s %12s %12s %8s %-10s\n", "Slot", "File", "Downloaded", "Size", "Percent", "Resumable")
		fmt.Println(strings.Repeat("-", 92))
		for _, rec := range recs {
			var pct float64
			if rec.Size > 0 {
				pct = float64(rec.Downloaded) / float64(rec.Size) * 100
			}
			resumable := "no"
			if rec.Resumable() {
				resumable = "yes"
			}
			fmt.Printf("%-5d %-40s %12s %12s %7.1f%% %-10s\n",
				rec.Slot,
				rec.Name,
				humanize.IBytes(uint64(rec.Downloaded)),
				humanize.IBytes(uint64(rec.Size)),
				pct,
				resumable,
			)
		}
	}

	h, ok := ledger.(runHistory)
	if !ok || statusRuns <= 0 {
		return nil
	}
	runs, err := h.ListRuns(statusRuns)
	if err != nil {
		return err
	}

	fmt.Println("")
	if len(runs) == 0 {
		fmt.Println("No recorded runs")
		return nil
	}
	fmt.Printf("%-6s %-17s %-28s %12s %-10s\n", "Run", "Started", "State", "Transferred", "Took")
	fmt.Println(strings.Repeat("-", 78))
	for _, run := range runs {
		fmt.Printf("%-6d %-17s %-28s %12s %-10s\n",
			run.ID,
			run.StartTime.Local().Format("2006-01-02 15:04"),
			run.State,
			humanize.IBytes(uint64(run.BytesTransferred)),
			run.EndTime.Sub(run.StartTime).Round(time.Second),
		)
		if run.Message != "" {
			fmt.Printf("       %s\n", run.Message)
		}
	}
	fmt.Println("")
	fmt.Printf("Last run %s\n", humanize.Time(runs[0].EndTime))

	return nil
}
