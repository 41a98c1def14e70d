package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"virtool/internal/organize"
)

func newOrganizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "organize",
		Short: "Apply pending data migrations and exit",
		Args:  cobra.NoArgs,
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

			applied, err := organize.NewRunner(a.store, settings, version, organize.WithLogger(a.logger)).Run(cmd.Context())
			for _, id := range applied {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return err
		},
	}
}
