package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "agl",
		Short:         "Agent Lightning command line",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newStoreCmd())
	return root
}

// Execute runs the command tree and exits 1 on any startup or runtime error.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "agl:", err)
		os.Exit(1)
	}
}
