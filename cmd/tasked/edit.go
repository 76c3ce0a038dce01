package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/tasked/tasked/internal/engine"
	"github.com/tasked/tasked/internal/idle"
	"github.com/tasked/tasked/internal/tui"
	"github.com/tasked/tasked/internal/ui"
)

const settleTimeout = 10 * time.Second

var editCmd = &cobra.Command{
	Use:     "edit <task-id>",
	GroupID: "work",
	Short:   "Edit a task interactively",
	Long: `Open a task in the terminal editor.

Title and description are saved as you type, after a short pause. The due
date accepts natural language ("next friday") and is saved on enter or when
you leave the field. Changes made elsewhere show up live; while you are typing
in a field, changes to that field are held until you leave it or go idle.

Logs are written to the configured log file (default ` + "`<config dir>/tasked.log`" + `).`,
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{"interactive": "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if !ui.IsTerminal(os.Stdout) {
			return fmt.Errorf("edit needs a terminal")
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		input := make(chan idle.InputEvent, 64)
		e, err := engine.New(cfg, engine.Options{
			ConfigPath: watchedConfigPath(),
			Input:      input,
			Logger:     logger,
		})
		if err != nil {
			return err
		}
		if err := e.Run(ctx); err != nil {
			return err
		}
		defer func() { _ = e.Stop() }()

		m, err := tui.New(ctx, tui.Options{
			Runner:     e,
			Editor:     e.EditorOptions(args[0]),
			Input:      input,
			PushStatus: e.Push().Status,
			Logger:     logger,
		})
		if err != nil {
			return err
		}

		p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithReportFocus(), tea.WithContext(ctx))
		if _, err := p.Run(); err != nil && ctx.Err() == nil {
			return fmt.Errorf("editor failed: %w", err)
		}

		settleCtx, cancelSettle := context.WithTimeout(context.Background(), settleTimeout)
		defer cancelSettle()
		if err := m.Settle(settleCtx); err != nil {
			logger.Warnw("Exiting with unsaved edits", "task", args[0], "error", err)
			fmt.Fprintf(cmd.ErrOrStderr(), "%s some edits may not have been saved; see 'tasked pending'\n", ui.RenderWarn("!"))
		}
		if l := e.API().Latency(); l.Count > 0 {
			logger.Infow("API latency", "requests", l.Count, "avg", l.Avg, "p95", l.P95, "p99", l.P99, "max", l.Max)
		}
		return m.Close(settleCtx)
	},
}

func init() {
	rootCmd.AddCommand(editCmd)
}
