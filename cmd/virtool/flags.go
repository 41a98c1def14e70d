package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// pflagSubset copies the changed settings flags of cmd into a new set so
// unset flags do not shadow configured values with their zero defaults.
func pflagSubset(cmd *cobra.Command) *pflag.FlagSet {
	set := pflag.NewFlagSet(cmd.Name(), pflag.ContinueOnError)
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if f.Name == "config" {
			return
		}
		set.AddFlag(f)
	})
	return set
}
