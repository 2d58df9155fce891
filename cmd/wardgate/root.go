package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "wardgate",
		Short:         "Conversational gateway for hospital staff",
		Long:          "wardgate routes staff chat messages through a reasoning loop onto hospital backend systems, with critical-action confirmation gating, clinical fact memory and an append-only audit ledger.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(
		newServeCmd(),
	)

	return rootCmd
}
