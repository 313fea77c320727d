// Command ingestorctl is the administrative CLI for the ingestion
// orchestrator: trigger a tick, resync symbols, and inspect queue state
// from an operator's terminal. Command tree and per-command flag wiring
// follow the reference pack's cobra usage (qntx-code's buildIxGitCommand:
// a *cobra.Command built by a small constructor function, flags bound to
// local vars, a RunE closing over them); output goes to plain stdout via
// fmt since this pack's CLI examples without a TUI library use that.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/algomatic/ingestor/internal/apiclient"
)

func main() {
	var apiAddr string

	root := &cobra.Command{
		Use:   "ingestorctl",
		Short: "Administrative CLI for the ingestion orchestrator",
	}
	root.PersistentFlags().StringVar(&apiAddr, "api", "http://localhost:8080", "Base URL of the ingestor API")

	root.AddCommand(
		buildTriggerCommand(&apiAddr),
		buildSyncSymbolsCommand(&apiAddr),
		buildStatusCommand(&apiAddr),
		buildSweepStuckCommand(&apiAddr),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newClient(apiAddr string) *apiclient.Client {
	return apiclient.NewClient(apiAddr, nil)
}

func buildTriggerCommand(apiAddr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "trigger",
		Short: "Trigger one orchestrator tick",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			result, err := newClient(*apiAddr).Trigger(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("defs_scanned=%d slices_enqueued=%d workers_dispatched=%d\n",
				result.DefsScanned, result.SlicesEnqueued, result.WorkersDispatched)
			return nil
		},
	}
}

func buildSyncSymbolsCommand(apiAddr *string) *cobra.Command {
	var symbols string
	var source string
	var timeframes string

	cmd := &cobra.Command{
		Use:   "sync-symbols",
		Short: "Resync a batch of symbols and (re)enable their job definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if symbols == "" {
				return fmt.Errorf("--symbols is required")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			result, err := newClient(*apiAddr).SyncUserSymbols(ctx, apiclient.SyncUserSymbolsRequest{
				Symbols:    splitCSV(symbols),
				Source:     source,
				Timeframes: splitCSV(timeframes),
			})
			if err != nil {
				return err
			}
			fmt.Printf("symbols_tracked=%d/%d jobs_updated=%d priority=%d\n",
				result.SymbolsTracked, result.SymbolsRequested, result.JobsUpdated, result.Priority)
			return nil
		},
	}

	cmd.Flags().StringVar(&symbols, "symbols", "", "Comma-separated tickers, e.g. AAPL,MSFT")
	cmd.Flags().StringVar(&source, "source", "watchlist", "watchlist|chart_view|recent_search")
	cmd.Flags().StringVar(&timeframes, "timeframes", "m15,h1,d1", "Comma-separated timeframes")

	return cmd
}

func buildStatusCommand(apiAddr *string) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue depth and rate-bucket status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			status, err := newClient(*apiAddr).QueueStatus(ctx)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			}

			fmt.Printf("oldest_queued_age_seconds=%.1f\n", status.OldestQueuedSecs)
			for runStatus, count := range status.CountsByStatus {
				fmt.Printf("  %-10s %d\n", runStatus, count)
			}
			fmt.Println("rate buckets:")
			for provider, bucket := range status.Buckets {
				fmt.Printf("  %-10s tokens=%.1f seconds_until_full=%.1f\n",
					provider, bucket.ProjectedTokens, bucket.SecondsUntilFull)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print raw JSON instead of a table")
	return cmd
}

func buildSweepStuckCommand(apiAddr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep-stuck",
		Short: "Mark long-running runs as failed outside the normal once-per-tick sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			result, err := newClient(*apiAddr).SweepStuck(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("runs_swept=%d\n", result.RunsSwept)
			return nil
		},
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
