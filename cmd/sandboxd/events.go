package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/sandboxd/internal/lint"
	"github.com/michaelbrown/sandboxd/internal/storage"
	"github.com/michaelbrown/sandboxd/internal/storage/sqlite"
)

var (
	opFilter     string
	limitFlag    int
	eventsFormat string
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recent sandbox operations from the journal",
	Long: `Show recent start/logs/lint/stop operations recorded in the journal.

The journal is in-memory unless storage.db_path points at a file, so this
only shows history from a server configured with a file-backed journal.`,
	RunE: runEvents,
}

var lintConfigCmd = &cobra.Command{
	Use:   "lint-config",
	Short: "Print the ESLint configuration used for lint requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := lint.ConfigJSON()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return err
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd, lintConfigCmd)

	eventsCmd.Flags().StringVar(&opFilter, "op", "", "Filter by operation (start, logs, lint, stop)")
	eventsCmd.Flags().IntVar(&limitFlag, "limit", 20, "Max events to show")
	eventsCmd.Flags().StringVar(&eventsFormat, "format", "table", "Output format: table, md or json")
}

func runEvents(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Storage.DBPath == ":memory:" {
		fmt.Fprintln(os.Stderr, "storage.db_path is :memory:; nothing persists between runs.")
	}

	j, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer j.Close()

	events, err := j.List(context.Background(), storage.ListOptions{Op: opFilter, Limit: limitFlag})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch eventsFormat {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(events)
	case "md":
		_, err := fmt.Fprint(out, storage.ExportMarkdown(events))
		return err
	case "table":
		printEvents(out, events, time.Now())
		return nil
	default:
		return fmt.Errorf("unknown format %q (use table, md or json)", eventsFormat)
	}
}

func printEvents(w io.Writer, events []storage.Event, now time.Time) {
	if len(events) == 0 {
		fmt.Fprintln(w, "No events found.")
		return
	}

	fmt.Fprintf(w, "%-16s %-6s %-14s %-20s %-12s %-9s %s\n", "WHEN", "OP", "CONTAINER", "IMAGE", "OUTCOME", "TOOK", "DETAIL")
	fmt.Fprintln(w, strings.Repeat("─", 100))

	for _, e := range events {
		id := e.ContainerID
		if len(id) > 12 {
			id = id[:12]
		}
		detail := strings.ReplaceAll(e.Detail, "\n", " ")
		if len(detail) > 40 {
			detail = detail[:38] + ".."
		}
		fmt.Fprintf(w, "%-16s %-6s %-14s %-20s %-12s %-9s %s\n",
			units.HumanDuration(now.Sub(e.CreatedAt))+" ago",
			e.Op,
			id,
			e.Image,
			e.Outcome,
			(time.Duration(e.DurationMS) * time.Millisecond).String(),
			detail,
		)
	}
}
