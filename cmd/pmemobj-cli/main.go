package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pmemobj-cli",
		Short: "Inspect and manipulate persistent-memory object pools",
		Long: `pmemobj-cli opens pool files built on the pmemobj object manager:
a reference-counted, transactional object store with persistent lists,
a type registry, and a tracing garbage collector.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	}

	rootCmd.AddCommand(
		newCreateCommand(),
		newRootCommand(),
		newListCommand(),
		newGCCommand(),
		newLedgerCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
