package main

import (
	"github.com/spf13/cobra"

	"virtool/internal/config"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "virtool",
		Short:         "Sample, analysis and job server",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "path to a YAML, TOML or JSON settings file")
	root.PersistentFlags().String("data_path", "", "directory holding samples, references and uploads")
	root.PersistentFlags().String("log_level", "", "debug, info, warn or error")

	root.AddCommand(newServeCmd(), newCheckCmd(), newOrganizeCmd())
	return root
}

// loadSettings reads settings for cmd. Only flags the user set override
// the file and environment.
func loadSettings(cmd *cobra.Command) (config.Settings, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return config.Settings{}, err
	}
	changed := pflagSubset(cmd)
	return config.Load(path, changed)
}
