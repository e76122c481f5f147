package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/tahitihat/pmemobj/pkg/pmemobj"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "root <path>",
		Short: "Print the pool's root object",
		Long:  "Resurrect and print the application root object, or report that none is set.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pmemobj.Open(args[0])
			if err != nil {
				return fmt.Errorf("open pool: %w", err)
			}
			defer p.Close()

			out := cmd.OutOrStdout()
			oid := p.Root()
			if oid.IsNull() {
				fmt.Fprintln(out, "(no root object)")
				return nil
			}
			fmt.Fprintf(out, "root: %s\n", pmemobj.FormatOID(oid))
			describeValue(out, p, oid, "  ")
			return nil
		},
	}

	cmd.AddCommand(newRootNewListCommand())
	return cmd
}

func newRootNewListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "new-list <path>",
		Short: "Set the pool's root object to a freshly allocated empty list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pmemobj.Open(args[0])
			if err != nil {
				return fmt.Errorf("open pool: %w", err)
			}
			defer p.Close()

			var oid pmemobj.OID
			err = p.Transaction(func(*pmemobj.Txn) error {
				l, err := p.NewList()
				if err != nil {
					return err
				}
				oid = l.OID()
				return p.SetRoot(oid)
			})
			if err != nil {
				return fmt.Errorf("set root: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "root is now the empty list %s\n", pmemobj.FormatOID(oid))
			return nil
		},
	}
}

// describeValue writes a one-line human-readable rendering of the value
// stored at oid to out: a list prints its length and is not recursed
// into, a scalar prints its resurrected Go value.
func describeValue(out io.Writer, p *pmemobj.Pool, oid pmemobj.OID, indent string) {
	v, err := p.Resurrect(oid)
	if err != nil {
		fmt.Fprintf(out, "%s<error: %v>\n", indent, err)
		return
	}
	if l, ok := v.(*pmemobj.List); ok {
		fmt.Fprintf(out, "%slist, length %d\n", indent, l.Len())
		return
	}
	fmt.Fprintf(out, "%s%v (%T)\n", indent, v, v)
}
