package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tasked/tasked/internal/config"
	"github.com/tasked/tasked/internal/engine"
	"github.com/tasked/tasked/internal/model"
	"github.com/tasked/tasked/internal/pushchan"
	"github.com/tasked/tasked/internal/querycache"
	"github.com/tasked/tasked/internal/ui"
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: "sync",
	Short:   "Print change events from the push channel",
	Long: `Connect to the push channel and print every change event as it arrives,
together with the cached queries it invalidates.

Each event names an entity kind and, for updates, the entity id:
  create task          invalidates every task query
  update task/t1       invalidates [task t1]
  destroy project/p2   invalidates [project p2] and the project list

The connection status is printed whenever it changes; after a reconnect the
whole cache is invalidated because events may have been missed.

Example usage:
  tasked watch
  tasked watch --config ./staging.toml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		e, err := engine.New(cfg, engine.Options{
			ConfigPath: watchedConfigPath(),
			NoOutbox:   true,
			Logger:     logger,
			OnEvent: func(ev model.ChangeEvent, keys []querycache.Key) {
				fmt.Fprintf(out, "%s %-28s %s\n",
					ui.RenderMuted(time.Now().Format("15:04:05")),
					ev.String(),
					formatKeys(keys))
			},
			OnStatus: func(s pushchan.Status) {
				glyph := ui.RenderWarn("●")
				if s == pushchan.StatusConnected {
					glyph = ui.RenderPass("●")
				}
				fmt.Fprintf(out, "%s push channel %s\n", glyph, s)
			},
		})
		if err != nil {
			return err
		}

		fmt.Fprintf(out, "%s Watching %s\n", ui.RenderAccent("»"), e.Push().Endpoint())
		fmt.Fprintln(out, "Press Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := e.Start(ctx); err != nil {
			return fmt.Errorf("watch stopped: %w", err)
		}

		stats := e.Router().GetStats()
		fmt.Fprintf(out, "\n%d events, %d invalidations, %d resyncs\n",
			stats.Total, stats.Invalidations, stats.Resyncs)
		return nil
	},
}

func formatKeys(keys []querycache.Key) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k.String()
	}
	return strings.Join(parts, " ")
}

// watchedConfigPath returns the config file to hot-reload, if one exists.
func watchedConfigPath() string {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
