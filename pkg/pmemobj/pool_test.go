package pmemobj

import (
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/tahitihat/pmemobj/internal/pmem"
)

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.pmemobj")
	p, err := Create(path, pmem.MinPoolSize)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestNewAndResurrectScalars(t *testing.T) {
	p := newTestPool(t)

	var intOID, strOID, floatOID OID
	err := p.Transaction(func(*Txn) error {
		var err error
		if intOID, err = p.New(int64(42)); err != nil {
			return err
		}
		if strOID, err = p.New("hello"); err != nil {
			return err
		}
		if floatOID, err = p.New(3.5); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}

	if v, err := p.Resurrect(intOID); err != nil || v.(int64) != 42 {
		t.Fatalf("Resurrect int: %v, %v", v, err)
	}
	if v, err := p.Resurrect(strOID); err != nil || v.(string) != "hello" {
		t.Fatalf("Resurrect string: %v, %v", v, err)
	}
	if v, err := p.Resurrect(floatOID); err != nil || v.(float64) != 3.5 {
		t.Fatalf("Resurrect float: %v, %v", v, err)
	}
}

func TestNewDedupesImmutableValues(t *testing.T) {
	p := newTestPool(t)

	var a, b OID
	err := p.Transaction(func(*Txn) error {
		var err error
		if a, err = p.New("shared"); err != nil {
			return err
		}
		if b, err = p.New("shared"); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("New(\"shared\") twice allocated distinct objects: %v != %v", a, b)
	}
	refcount, _ := p.ReadHeaderRaw(a)
	if refcount != 0 {
		t.Fatalf("refcount after two New() calls on the same value = %d, want 0 (New never increfs; ownership is claimed by whatever consumes the OID)", refcount)
	}
}

func TestListAppendGetSetDel(t *testing.T) {
	p := newTestPool(t)

	var list *List
	var items [3]OID
	err := p.Transaction(func(*Txn) error {
		var err error
		if list, err = p.NewList(); err != nil {
			return err
		}
		for i, v := range []int64{10, 20, 30} {
			oid, err := p.New(v)
			if err != nil {
				return err
			}
			items[i] = oid
			if err := list.Append(oid); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if list.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", list.Len())
	}
	got, err := list.Get(1)
	if err != nil || got != items[1] {
		t.Fatalf("Get(1) = %v, %v, want %v", got, err, items[1])
	}

	err = p.Transaction(func(*Txn) error {
		var replacedOID OID
		newOID, err := p.New(int64(99))
		if err != nil {
			return err
		}
		replacedOID, err = list.Set(0, newOID)
		if err != nil {
			return err
		}
		return Decref(p, replacedOID)
	})
	if err != nil {
		t.Fatal(err)
	}
	v, _ := list.Get(0)
	resurrected, _ := p.Resurrect(v)
	if resurrected.(int64) != 99 {
		t.Fatalf("after Set, Get(0) resurrects to %v, want 99", resurrected)
	}

	err = p.Transaction(func(*Txn) error {
		removed, err := list.Del(1)
		if err != nil {
			return err
		}
		return Decref(p, removed)
	})
	if err != nil {
		t.Fatal(err)
	}
	if list.Len() != 2 {
		t.Fatalf("Len() after Del = %d, want 2", list.Len())
	}
}

func TestListOutOfRange(t *testing.T) {
	p := newTestPool(t)
	var list *List
	if err := p.Transaction(func(*Txn) error {
		var err error
		list, err = p.NewList()
		return err
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := list.Get(0); err == nil {
		t.Fatal("Get on empty list: want error, got nil")
	}
	var pmemErr *Error
	if _, err := list.Get(0); err != nil {
		if !asError(err, &pmemErr) || pmemErr.Kind != ErrIndexOutOfRange {
			t.Fatalf("Get out of range error = %v, want ErrIndexOutOfRange", err)
		}
	}
}

func asError(err error, target **Error) bool {
	e, ok := err.(*Error)
	if ok {
		*target = e
	}
	return ok
}

func TestSetRootRoundtrip(t *testing.T) {
	p := newTestPool(t)

	var list *List
	err := p.Transaction(func(*Txn) error {
		var err error
		if list, err = p.NewList(); err != nil {
			return err
		}
		return p.SetRoot(list.OID())
	})
	if err != nil {
		t.Fatal(err)
	}

	if p.Root() != list.OID() {
		t.Fatalf("Root() = %v, want %v", p.Root(), list.OID())
	}
}

func TestGCReclaimsUnreachableCycle(t *testing.T) {
	p := newTestPool(t)

	var a, b *List
	err := p.Transaction(func(*Txn) error {
		var err error
		if a, err = p.NewList(); err != nil {
			return err
		}
		if b, err = p.NewList(); err != nil {
			return err
		}
		// a references b and b references a: a cycle, with no external
		// reference once we return without setting either as root.
		// Append incref's the appended OID itself, so the cycle's two
		// mutual references are each already accounted for.
		if err := a.Append(b.OID()); err != nil {
			return err
		}
		return b.Append(a.OID())
	})
	if err != nil {
		t.Fatal(err)
	}

	_, stats, err := p.GC(false, nil)
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if stats["collections-gced"] < 2 {
		t.Fatalf("GC reclaimed %d cyclic objects, want at least 2", stats["collections-gced"])
	}
}

func TestFreedChunkIsReusedByNextAlloc(t *testing.T) {
	p := newTestPool(t)

	var first, second OID
	err := p.Transaction(func(*Txn) error {
		var err error
		if first, err = p.New(int64(1)); err != nil {
			return err
		}
		// New() leaves a freshly persisted object at refcount 0 and
		// unowned; claim a reference before dropping it so Decref has
		// something to free rather than asserting on an already-zero
		// count.
		if err := Incref(p, first); err != nil {
			return err
		}
		return Decref(p, first)
	})
	if err != nil {
		t.Fatal(err)
	}
	err = p.Transaction(func(*Txn) error {
		var err error
		second, err = p.New(int64(99999999))
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if first.Off != second.Off {
		t.Fatalf("freed scalar chunk was not reused: first=%v second=%v", first, second)
	}
}

// TestCreateOpenRoundTrip covers spec.md §8 property 1 and scenario S1:
// create; root = v; close; open; the read-back root equals v, for a list
// of strings.
func TestCreateOpenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roundtrip.pmemobj")

	p, err := Create(path, pmem.MinPoolSize)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	err = p.Transaction(func(*Txn) error {
		l, err := p.NewList()
		if err != nil {
			return err
		}
		for _, s := range []string{"a", "b", "c", "d"} {
			oid, err := p.New(s)
			if err != nil {
				return err
			}
			if err := l.Append(oid); err != nil {
				return err
			}
		}
		return p.SetRoot(l.OID())
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	p2, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p2.Close()

	rootOID := p2.Root()
	if rootOID.IsNull() {
		t.Fatal("Root() after reopen is null")
	}
	v, err := p2.Resurrect(rootOID)
	if err != nil {
		t.Fatalf("Resurrect root: %v", err)
	}
	l, ok := v.(*List)
	if !ok {
		t.Fatalf("root resurrected as %T, want *List", v)
	}
	want := []string{"a", "b", "c", "d"}
	if l.Len() != len(want) {
		t.Fatalf("Len() after reopen = %d, want %d", l.Len(), len(want))
	}
	for i, w := range want {
		oid, err := l.Get(i)
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		got, err := p2.Resurrect(oid)
		if err != nil {
			t.Fatalf("Resurrect(%d): %v", i, err)
		}
		if got.(string) != w {
			t.Fatalf("list[%d] = %q, want %q", i, got, w)
		}
	}
}

// TestCloseIsIdempotent covers spec.md §8 property 2.
func TestCloseIsIdempotent(t *testing.T) {
	p := newTestPool(t)
	if err := p.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close should not error: %v", err)
	}
}

// TestOpenPoolFlagMatrix covers spec.md §8 property 3 and scenario S5.
func TestOpenPoolFlagMatrix(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "missing.pmemobj")
	existing := filepath.Join(dir, "existing.pmemobj")

	if p, err := Create(existing, pmem.MinPoolSize); err != nil {
		t.Fatalf("Create: %v", err)
	} else if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := OpenPool(missing, ModeOpenExisting, pmem.MinPoolSize); err == nil {
		t.Fatal("OpenPool(missing, 'w') should fail")
	}
	if p, err := OpenPool(existing, ModeOpenExisting, pmem.MinPoolSize); err != nil {
		t.Fatalf("OpenPool(existing, 'w'): %v", err)
	} else {
		p.Close()
	}

	if _, err := OpenPool(existing, ModeCreateExclusive, pmem.MinPoolSize); err == nil {
		t.Fatal("OpenPool(existing, 'x') should fail")
	}
	xPath := filepath.Join(dir, "fresh.pmemobj")
	if p, err := OpenPool(xPath, ModeCreateExclusive, pmem.MinPoolSize); err != nil {
		t.Fatalf("OpenPool(missing, 'x'): %v", err)
	} else {
		p.Close()
	}

	cMissing := filepath.Join(dir, "c-missing.pmemobj")
	if p, err := OpenPool(cMissing, ModeCreateOrOpen, pmem.MinPoolSize); err != nil {
		t.Fatalf("OpenPool(missing, 'c') should create: %v", err)
	} else {
		p.Close()
	}
	if p, err := OpenPool(existing, ModeCreateOrOpen, pmem.MinPoolSize); err != nil {
		t.Fatalf("OpenPool(existing, 'c') should open: %v", err)
	} else {
		p.Close()
	}

	if _, err := OpenPool(existing, ModeReadOnly, pmem.MinPoolSize); err == nil {
		t.Fatal("OpenPool(_, 'r') should always fail")
	}
}

// TestCreateBelowMinPoolSizeFails covers spec.md §8 property 4 and
// scenario S6: the error message mentions both the requested and minimum
// sizes.
func TestCreateBelowMinPoolSizeFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "toosmall.pmemobj")
	requested := uint64(pmem.MinPoolSize - 1)
	_, err := Create(path, requested)
	if err == nil {
		t.Fatal("Create below MinPoolSize should fail")
	}
	msg := err.Error()
	if !strings.Contains(msg, strconv.FormatUint(requested, 10)) {
		t.Fatalf("error %q does not mention the requested size %d", msg, requested)
	}
	if !strings.Contains(msg, strconv.FormatUint(pmem.MinPoolSize, 10)) {
		t.Fatalf("error %q does not mention MinPoolSize %d", msg, pmem.MinPoolSize)
	}
}

// TestTransactionAbortRestoresState covers spec.md §8 properties 5 and 6,
// and scenario S2: a mutation that fails inside a scoped transaction
// leaves the pool's observable state exactly as it was, and aborting the
// innermost of several nested transactions unwinds all of them.
func TestTransactionAbortRestoresState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "abort.pmemobj")
	p, err := Create(path, pmem.MinPoolSize)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer p.Close()

	if p.Root() != NullOID {
		t.Fatal("fresh pool's root is not null")
	}

	wantErr := errSentinel{}
	err = p.Transaction(func(*Txn) error {
		oid, err := p.New(int64(10))
		if err != nil {
			return err
		}
		if err := p.SetRoot(oid); err != nil {
			return err
		}
		return wantErr
	})
	if err == nil {
		t.Fatal("Transaction should have propagated the error")
	}
	if p.Root() != NullOID {
		t.Fatalf("Root() after aborted transaction = %v, want null", p.Root())
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	p2, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p2.Close()
	if p2.Root() != NullOID {
		t.Fatalf("Root() after reopen = %v, want null", p2.Root())
	}
}

// TestNestedTransactionAbortUnwindsAllLevels covers spec.md §8 property 6:
// aborting the innermost of three nested transactions leaves the root
// unchanged.
func TestNestedTransactionAbortUnwindsAllLevels(t *testing.T) {
	p := newTestPool(t)

	var outerOID OID
	err := p.Transaction(func(*Txn) error {
		var err error
		if outerOID, err = p.New(int64(1)); err != nil {
			return err
		}
		if err := p.SetRoot(outerOID); err != nil {
			return err
		}
		return p.Transaction(func(*Txn) error {
			return p.Transaction(func(*Txn) error {
				return errSentinel{}
			})
		})
	})
	if err == nil {
		t.Fatal("nested Transaction should have propagated the innermost error")
	}
	if p.Root() != NullOID {
		t.Fatalf("Root() after nested abort = %v, want null", p.Root())
	}
}

type errSentinel struct{}

func (e errSentinel) Error() string { return "injected test failure" }
