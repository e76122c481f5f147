package pmemobj

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/tahitihat/pmemobj/internal/pmem"
)

func TestWithTransactionCommitsOnSuccess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "txstack-commit.pmemobj")
	low, err := pmem.Create(path, pmem.MinPoolSize)
	if err != nil {
		t.Fatalf("pmem.Create: %v", err)
	}
	defer low.Close()

	var oid OID
	err = WithTransaction(low, func(txn *Txn) error {
		var err error
		oid, err = newString(low, "committed")
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if readString(low, oid) != "committed" {
		t.Fatalf("readString = %q, want %q", readString(low, oid), "committed")
	}
}

func TestWithTransactionAbortsOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "txstack-abort.pmemobj")
	low, err := pmem.Create(path, pmem.MinPoolSize)
	if err != nil {
		t.Fatalf("pmem.Create: %v", err)
	}
	defer low.Close()

	sentinel := errors.New("boom")
	err = WithTransaction(low, func(txn *Txn) error {
		if _, err := newString(low, "rolled back"); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("WithTransaction error = %v, want %v", err, sentinel)
	}
	if low.InTransaction() {
		t.Fatal("transaction still open after an aborted WithTransaction")
	}
}

func TestWithTransactionRePanicsAfterUnwinding(t *testing.T) {
	path := filepath.Join(t.TempDir(), "txstack-panic.pmemobj")
	low, err := pmem.Create(path, pmem.MinPoolSize)
	if err != nil {
		t.Fatalf("pmem.Create: %v", err)
	}
	defer low.Close()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("WithTransaction did not re-panic")
		}
		if low.InTransaction() {
			t.Fatal("transaction still open after a panicking WithTransaction")
		}
	}()
	_ = WithTransaction(low, func(txn *Txn) error {
		panic("deliberate")
	})
}
