package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tasked/tasked/internal/engine"
	"github.com/tasked/tasked/internal/outbox"
	"github.com/tasked/tasked/internal/ui"
)

var pendingCmd = &cobra.Command{
	Use:     "pending",
	GroupID: "sync",
	Short:   "List edits the server rejected",
	Long: `List edits that could not be saved.

Every write the server rejects, or that keeps failing after its retries, is
recorded in a local outbox (` + "`outbox.path`" + ` in the config). A later
successful write of the same field clears the entry.

Use 'tasked pending retry' to send the recorded values again.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}

		if _, err := os.Stat(cfg.Outbox.Path); os.IsNotExist(err) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s No outbox at %s\n", ui.RenderPass("✓"), cfg.Outbox.Path)
			return nil
		}
		box, err := outbox.Open(cfg.Outbox.Path, logger)
		if err != nil {
			return err
		}
		defer box.Close()

		ctx, cancel := commandContext()
		defer cancel()
		entries, err := box.List(ctx, all)
		if err != nil {
			return err
		}

		if format != ui.FormatTable {
			return ui.Encode(cmd.OutOrStdout(), format, pendingRows(entries))
		}
		if len(entries) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "%s No pending edits\n", ui.RenderPass("✓"))
			return nil
		}
		cells := make([][]string, len(entries))
		for i, r := range pendingRows(entries) {
			state := ui.RenderFail("failed")
			if r.Resolved {
				state = ui.RenderMuted("resolved")
			} else if r.Retryable {
				state = ui.RenderWarn("retryable")
			}
			cells[i] = []string{strconv.FormatInt(r.ID, 10), r.Entity, r.Field, r.Value, strconv.Itoa(r.Attempts), state, r.Error}
		}
		fmt.Fprintln(cmd.OutOrStdout(), ui.Table([]string{"ID", "ENTITY", "FIELD", "VALUE", "TRIES", "STATE", "ERROR"}, cells))
		return nil
	},
}

type pendingRow struct {
	ID        int64     `json:"id" yaml:"id"`
	Entity    string    `json:"entity" yaml:"entity"`
	Field     string    `json:"field" yaml:"field"`
	Value     string    `json:"value" yaml:"value"`
	Attempts  int       `json:"attempts" yaml:"attempts"`
	Retryable bool      `json:"retryable" yaml:"retryable"`
	Resolved  bool      `json:"resolved" yaml:"resolved"`
	Error     string    `json:"error" yaml:"error"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

func pendingRows(entries []outbox.Entry) []pendingRow {
	rows := make([]pendingRow, len(entries))
	for i := range entries {
		e := &entries[i]
		value := "(clear)"
		if e.Value != nil {
			value = fmt.Sprint(e.Value)
		}
		rows[i] = pendingRow{
			ID:        e.ID,
			Entity:    string(e.EntityType) + "/" + e.EntityID,
			Field:     string(e.Field),
			Value:     value,
			Attempts:  e.Attempts,
			Retryable: e.Retryable,
			Resolved:  e.Resolved(),
			Error:     e.Error,
			UpdatedAt: e.UpdatedAt,
		}
	}
	return rows
}

var pendingRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Send every pending edit again",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := engine.New(cfg, engine.Options{Logger: logger})
		if err != nil {
			return err
		}
		defer func() { _ = e.Stop() }()

		ctx, cancel := commandContext()
		defer cancel()

		start := time.Now()
		result, err := e.ReplayPending(ctx)
		if err != nil {
			return fmt.Errorf("retry stopped: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Retried in %v\n", ui.RenderAccent("»"), time.Since(start).Round(time.Millisecond))
		fmt.Fprintf(cmd.OutOrStdout(), "   Saved:  %d\n", result.Resolved)
		fmt.Fprintf(cmd.OutOrStdout(), "   Failed: %d\n", result.Failed)
		if l := e.API().Latency(); l.Count > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "   Latency: avg %v, p95 %v over %d requests\n",
				l.Avg.Round(time.Millisecond), l.P95.Round(time.Millisecond), l.Count)
		}
		if result.Failed > 0 {
			return fmt.Errorf("%d edits still failing", result.Failed)
		}
		return nil
	},
}

var pendingResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Discard a pending edit without sending it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid entry id %q", args[0])
		}
		box, err := outbox.Open(cfg.Outbox.Path, logger)
		if err != nil {
			return err
		}
		defer box.Close()

		ctx, cancel := commandContext()
		defer cancel()
		if err := box.MarkResolved(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Discarded entry %d\n", ui.RenderPass("✓"), id)
		return nil
	},
}

func init() {
	pendingCmd.PersistentFlags().StringP("output", "o", "table", "output format: table, json or yaml")
	pendingCmd.Flags().Bool("all", false, "include resolved entries")

	pendingCmd.AddCommand(pendingRetryCmd)
	pendingCmd.AddCommand(pendingResolveCmd)
	rootCmd.AddCommand(pendingCmd)
}
