package main

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	historySerial string
	historyLimit  int
	historyRun    string
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent provisioning runs",
		Long: `List provisioning runs recorded in the station database, newest first,
with a per-status total. Use --run to show the step events of one run.
Requires station.db_path to be set.`,
		Example: `  hubflash history
  hubflash history --serial CC01-24060001
  hubflash history --run 3f1c2a9e-5b7d-4f0e-9a61-2d8b7c4e1f00`,
		RunE: historyRunCmd,
	}

	cmd.Flags().StringVar(&historySerial, "serial", "", "only runs for this serial")
	cmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum runs to list")
	cmd.Flags().StringVar(&historyRun, "run", "", "show the step events of one run")

	return cmd
}

func historyRunCmd(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalStore == nil {
		return fmt.Errorf("run history is disabled: set station.db_path in the config")
	}

	if historyRun != "" {
		return printRunEvents(historyRun)
	}

	runs, err := globalStore.ListRuns(historySerial, historyLimit)
	if err != nil {
		return fmt.Errorf("listing runs: %w", err)
	}
	log.Debug("history request", "serial", historySerial, "runs", len(runs))

	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return nil
	}

	fmt.Printf("%-36s %-16s %-13s %-8s %-22s %s\n", "RUN", "SERIAL", "STATUS", "MODE", "BUNDLE", "STARTED")
	for _, r := range runs {
		mode := r.Compression
		if mode == "" {
			mode = "-"
		}
		fmt.Printf("%-36s %-16s %-13s %-8s %-22s %s\n",
			r.ID, r.Serial, r.Status, mode, r.Bundle, humanize.Time(r.StartTime))
		if r.ErrorMessage != "" {
			fmt.Printf("    error: %s\n", r.ErrorMessage)
		}
	}

	counts, err := globalStore.CountRunsByStatus()
	if err != nil {
		return fmt.Errorf("counting runs: %w", err)
	}
	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)

	fmt.Println("\n=== TOTALS ===")
	for _, s := range statuses {
		fmt.Printf("%-13s %s\n", s+":", humanize.Comma(int64(counts[s])))
	}
	return nil
}

func printRunEvents(runID string) error {
	run, err := globalStore.GetRun(runID)
	if err != nil {
		return fmt.Errorf("loading run %s: %w", runID, err)
	}
	events, err := globalStore.ListEvents(runID)
	if err != nil {
		return fmt.Errorf("listing events: %w", err)
	}

	fmt.Printf("Run:     %s\n", run.ID)
	fmt.Printf("Serial:  %s\n", run.Serial)
	fmt.Printf("Bundle:  %s\n", run.Bundle)
	fmt.Printf("Port:    %s\n", run.Port)
	fmt.Printf("Status:  %s\n", run.Status)
	if !run.EndTime.IsZero() {
		fmt.Printf("Took:    %s\n", run.EndTime.Sub(run.StartTime).Round(time.Millisecond))
	}
	fmt.Println()
	for _, ev := range events {
		line := fmt.Sprintf("%s  %-8s %s", ev.Time.Format("15:04:05.000"), ev.Status, ev.Step)
		if ev.Message != "" {
			line += ": " + ev.Message
		}
		fmt.Println(line)
	}
	return nil
}
