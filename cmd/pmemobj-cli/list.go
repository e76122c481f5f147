package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/tahitihat/pmemobj/pkg/pmemobj"
)

// newListCommand groups operations on the pool's root list, creating it on
// first use the same way root new-list does explicitly.
func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <path>",
		Short: "Print every element of the pool's root list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, list, err := openRootList(args[0], false)
			if err != nil {
				return err
			}
			defer p.Close()
			out := cmd.OutOrStdout()
			if list == nil {
				fmt.Fprintln(out, "(root is not a list; run 'root new-list' first)")
				return nil
			}
			for i, oid := range list.Traverse() {
				fmt.Fprintf(out, "%d: ", i)
				describeValue(out, p, oid, "")
			}
			return nil
		},
	}

	cmd.AddCommand(newListAppendCommand())
	cmd.AddCommand(newListDelCommand())
	cmd.AddCommand(newListClearCommand())
	return cmd
}

func newListAppendCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "append <path> <value>",
		Short: "Append a value to the pool's root list",
		Long:  "Append value to the root list, creating the root list first if none exists. value is parsed as an int64 if possible, else a float64, else stored as a string.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, list, err := openRootList(args[0], true)
			if err != nil {
				return err
			}
			defer p.Close()

			return p.Transaction(func(*pmemobj.Txn) error {
				oid, err := p.New(parseValue(args[1]))
				if err != nil {
					return err
				}
				return list.Append(oid)
			})
		},
	}
}

func newListDelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "del <path> <index>",
		Short: "Remove the element at index from the pool's root list",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			i, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid index %q: %w", args[1], err)
			}
			p, list, err := openRootList(args[0], false)
			if err != nil {
				return err
			}
			defer p.Close()
			if list == nil {
				return fmt.Errorf("root is not a list")
			}
			return p.Transaction(func(*pmemobj.Txn) error {
				removed, err := list.Del(i)
				if err != nil {
					return err
				}
				return pmemobj.Decref(p, removed)
			})
		},
	}
}

func newListClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear <path>",
		Short: "Remove every element from the pool's root list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, list, err := openRootList(args[0], false)
			if err != nil {
				return err
			}
			defer p.Close()
			if list == nil {
				return fmt.Errorf("root is not a list")
			}
			return p.Transaction(func(*pmemobj.Txn) error {
				return p.ClearList(list)
			})
		},
	}
}

// openRootList opens path and resolves its root object as a *List. If the
// root is unset and createIfMissing is true, a new empty list is allocated
// and set as root. list is nil (with no error) if the root exists but
// isn't a list.
func openRootList(path string, createIfMissing bool) (*pmemobj.Pool, *pmemobj.List, error) {
	p, err := pmemobj.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open pool: %w", err)
	}

	oid := p.Root()
	if oid.IsNull() {
		if !createIfMissing {
			return p, nil, nil
		}
		var list *pmemobj.List
		err := p.Transaction(func(*pmemobj.Txn) error {
			var err error
			list, err = p.NewList()
			if err != nil {
				return err
			}
			return p.SetRoot(list.OID())
		})
		if err != nil {
			p.Close()
			return nil, nil, fmt.Errorf("initialize root list: %w", err)
		}
		return p, list, nil
	}

	v, err := p.Resurrect(oid)
	if err != nil {
		p.Close()
		return nil, nil, fmt.Errorf("resurrect root: %w", err)
	}
	list, ok := v.(*pmemobj.List)
	if !ok {
		return p, nil, nil
	}
	return p, list, nil
}

// parseValue interprets a command-line argument the way the pool's three
// built-in scalar codecs would: an int64 if it parses as one, else a
// float64, else the literal string.
func parseValue(s string) interface{} {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
