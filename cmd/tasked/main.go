// Command tasked is a terminal client for the task tracker.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tasked/tasked/internal/config"
	"github.com/tasked/tasked/internal/logging"
	"github.com/tasked/tasked/internal/ui"
)

var (
	configPath string
	logLevel   string

	// Loaded by the root pre-run for every command except config init.
	cfg         *config.Config
	logger      *zap.SugaredLogger
	closeLogger = func() error { return nil }
)

var rootCmd = &cobra.Command{
	Use:   "tasked",
	Short: "Terminal client for the task tracker",
	Long: `tasked edits tasks and projects on a task tracker server.

Edits are saved optimistically: fields are written in the background as you
type, and changes made by other clients arrive over the push channel and
refresh what you see without clobbering what you are typing.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		ui.ConfigureColor(os.Stdout)
		if cmd.Annotations["skipConfig"] == "true" {
			return nil
		}
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		return setupLogging(cmd, cfg.Log)
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return closeLogger()
	},
}

// setupLogging builds the process logger. Interactive commands always log to
// a file so log lines do not corrupt the screen.
func setupLogging(cmd *cobra.Command, lc config.LogConfig) error {
	lcfg := logging.DefaultConfig()
	lcfg.Level = lc.Level
	lcfg.Format = logging.Format(lc.Format)
	lcfg.File = lc.File
	if logLevel != "" {
		lcfg.Level = logLevel
	}
	if cmd.Annotations["interactive"] == "true" && lcfg.File == "" {
		lcfg.File = defaultLogFile()
	}

	l, closeFn, err := logging.New(lcfg)
	if err != nil {
		return err
	}
	logger, closeLogger = l, closeFn
	return nil
}

func defaultLogFile() string {
	return filepath.Join(config.Dir(), "tasked.log")
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default "+config.DefaultPath()+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "work", Title: "Working with tasks:"},
		&cobra.Group{ID: "sync", Title: "Sync and diagnostics:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		_ = closeLogger()
		os.Exit(1)
	}
}
