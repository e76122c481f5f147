package main

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"github.com/tahitihat/pmemobj/pkg/pmemobj"
)

func newGCCommand() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "gc <path>",
		Short: "Run the garbage collector and report what's still live",
		Long:  "Sweep orphaned allocations, trace reachability from the type table and root object, reclaim unreachable reference cycles, and print a per-class histogram of everything still live.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pmemobj.Open(args[0])
			if err != nil {
				return fmt.Errorf("open pool: %w", err)
			}
			defer p.Close()

			var out io.Writer = io.Discard
			if debug {
				out = os.Stderr
			}
			typeCounts, stats, err := p.GC(debug, out)
			if err != nil {
				return fmt.Errorf("gc: %w", err)
			}

			stdout := cmd.OutOrStdout()
			fmt.Fprintf(stdout, "orphans swept:    %d\n", stats["orphans0-gced"])
			fmt.Fprintf(stdout, "cycles reclaimed: %d\n", stats["collections-gced"])
			fmt.Fprintln(stdout, "live objects by class:")
			names := make([]string, 0, len(typeCounts))
			for name := range typeCounts {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(stdout, "  %-16s %d\n", name, typeCounts[name])
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&debug, "debug", false, "write a phase-by-phase trace to stderr")
	return cmd
}
