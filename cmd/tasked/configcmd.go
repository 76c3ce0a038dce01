package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/tasked/tasked/internal/config"
	"github.com/tasked/tasked/internal/ui"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:         "init",
	Short:       "Write the default configuration file",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{"skipConfig": "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			path = config.DefaultPath()
		}
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Wrote %s\n", ui.RenderPass("✓"), path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, the config file and TASKED_*
environment overrides have been applied.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}
		settings := cfg.Settings()
		if format != ui.FormatTable {
			values := make(map[string]string, len(settings))
			for k, v := range settings {
				values[k] = fmt.Sprint(v)
			}
			return ui.Encode(cmd.OutOrStdout(), format, values)
		}

		keys := make([]string, 0, len(settings))
		for k := range settings {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		rows := make([][]string, len(keys))
		for i, k := range keys {
			rows[i] = []string{k, fmt.Sprint(settings[k])}
		}
		fmt.Fprintln(cmd.OutOrStdout(), ui.Table([]string{"KEY", "VALUE"}, rows))
		return nil
	},
}

func init() {
	configShowCmd.Flags().StringP("output", "o", "table", "output format: table, json or yaml")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
