package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"virtool/internal/check"
)

func newCheckCmd() *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Report inconsistencies between stored documents and sample directories",
		Long: `Check compares the samples and analyses in the document store with the
sample directories under data_path. It prints a JSON report and exits with a
non-zero status when analyses are missing or read file counts disagree.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), settings, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := check.Run(cmd.Context(), a.store, settings.PathsFor().Samples(), check.Options{Concurrency: concurrency})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if report.Failed {
				return errCheckFailed
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 8, "sample directories scanned at once")
	return cmd
}
