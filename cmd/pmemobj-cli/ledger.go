package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/tahitihat/pmemobj/pkg/pmemobj"
)

// newLedgerCommand is a small worked example built on the object manager's
// public API, generalizing the account-ledger demo this module's design
// is grounded on: a root list of two-element "account" entry lists, each
// holding the account name and its balance. Run with no subcommand to
// print every account and the net worth across all of them; run "create"
// to add or update one.
func newLedgerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger <path>",
		Short: "A small persistent account ledger built on the object manager",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, ledger, err := openLedger(args[0], false)
			if err != nil {
				return err
			}
			defer p.Close()
			return printLedger(cmd.OutOrStdout(), p, ledger)
		},
	}
	cmd.AddCommand(newLedgerCreateCommand())
	return cmd
}

func newLedgerCreateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "create <path> <account> [amount]",
		Short: "Create or update an account's balance",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			account := args[1]
			amount := 0.0
			if len(args) == 3 {
				var err error
				amount, err = strconv.ParseFloat(args[2], 64)
				if err != nil {
					return fmt.Errorf("invalid amount %q: %w", args[2], err)
				}
			}

			p, ledger, err := openLedger(args[0], true)
			if err != nil {
				return err
			}
			defer p.Close()

			err = p.Transaction(func(*pmemobj.Txn) error {
				for _, entryOID := range ledger.Traverse() {
					entry, err := openEntry(p, entryOID)
					if err != nil {
						return err
					}
					if entry.name == account {
						return setBalance(p, entryOID, amount)
					}
				}
				return appendEntry(p, ledger, account, amount)
			})
			if err != nil {
				return fmt.Errorf("create account: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created account %q with balance %.2f.\n", account, amount)
			return nil
		},
	}
}

type ledgerEntry struct {
	name    string
	balance float64
}

func openEntry(p *pmemobj.Pool, oid pmemobj.OID) (ledgerEntry, error) {
	v, err := p.Resurrect(oid)
	if err != nil {
		return ledgerEntry{}, err
	}
	entry, ok := v.(*pmemobj.List)
	if !ok || entry.Len() != 2 {
		return ledgerEntry{}, fmt.Errorf("malformed ledger entry at %s", pmemobj.FormatOID(oid))
	}
	nameOID, err := entry.Get(0)
	if err != nil {
		return ledgerEntry{}, err
	}
	balOID, err := entry.Get(1)
	if err != nil {
		return ledgerEntry{}, err
	}
	name, err := p.Resurrect(nameOID)
	if err != nil {
		return ledgerEntry{}, err
	}
	bal, err := p.Resurrect(balOID)
	if err != nil {
		return ledgerEntry{}, err
	}
	return ledgerEntry{name: name.(string), balance: bal.(float64)}, nil
}

func setBalance(p *pmemobj.Pool, entryOID pmemobj.OID, amount float64) error {
	v, err := p.Resurrect(entryOID)
	if err != nil {
		return err
	}
	entry := v.(*pmemobj.List)
	newBalOID, err := p.New(amount)
	if err != nil {
		return err
	}
	old, err := entry.Set(1, newBalOID)
	if err != nil {
		return err
	}
	return pmemobj.Decref(p, old)
}

func appendEntry(p *pmemobj.Pool, ledger *pmemobj.List, account string, amount float64) error {
	entry, err := p.NewList()
	if err != nil {
		return err
	}
	nameOID, err := p.New(account)
	if err != nil {
		return err
	}
	if err := entry.Append(nameOID); err != nil {
		return err
	}
	balOID, err := p.New(amount)
	if err != nil {
		return err
	}
	if err := entry.Append(balOID); err != nil {
		return err
	}
	return ledger.Append(entry.OID())
}

func printLedger(out io.Writer, p *pmemobj.Pool, ledger *pmemobj.List) error {
	entries := ledger.Traverse()
	if len(entries) == 0 {
		fmt.Fprintln(out, "No accounts currently exist. Add one with 'ledger create'.")
		return nil
	}

	fmt.Fprintln(out, "Account           Balance")
	fmt.Fprintln(out, "-------           -------")
	var total float64
	for _, oid := range entries {
		entry, err := openEntry(p, oid)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%-18s%.2f\n", entry.name, entry.balance)
		total += entry.balance
	}
	fmt.Fprintln(out, "                         _______")
	fmt.Fprintf(out, "    Net Worth:           %.2f\n", total)
	return nil
}

// openLedger opens path and resolves its root object as the ledger list,
// creating an empty one and setting it as root on first use when
// createIfMissing is true.
func openLedger(path string, createIfMissing bool) (*pmemobj.Pool, *pmemobj.List, error) {
	p, list, err := openRootList(path, createIfMissing)
	if err != nil {
		return nil, nil, err
	}
	if list == nil {
		p.Close()
		return nil, nil, fmt.Errorf("root is not a ledger list; run 'ledger create' first")
	}
	return p, list, nil
}
