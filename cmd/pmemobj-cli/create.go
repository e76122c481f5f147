package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tahitihat/pmemobj/internal/pmem"
	"github.com/tahitihat/pmemobj/pkg/pmemobj"
)

func newCreateCommand() *cobra.Command {
	var size uint64
	var flag string

	cmd := &cobra.Command{
		Use:   "create <path>",
		Short: "Create a new pool file",
		Long: `Create an empty pool file with a bootstrapped type registry and no root
object. --flag selects the open mode spec.md §4.9 describes: x (default,
fail if the file exists), c (create if missing, else open), w (fail unless
the file already exists).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if size == 0 {
				size = pmem.MinPoolSize
			}
			if len(flag) != 1 {
				return fmt.Errorf("create pool: --flag must be exactly one of w, x, c")
			}
			p, err := pmemobj.OpenPool(args[0], pmemobj.Mode(flag[0]), size)
			if err != nil {
				return fmt.Errorf("create pool: %w", err)
			}
			defer p.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "Created pool %s (%d bytes)\n", args[0], size)
			return nil
		},
	}

	cmd.Flags().Uint64Var(&size, "size", 0, "pool size in bytes (defaults to the minimum pool size)")
	cmd.Flags().StringVar(&flag, "flag", "x", "open mode: w (must exist), x (must not exist), c (create or open)")
	return cmd
}
