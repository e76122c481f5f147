package pmemobj

import (
	"path/filepath"
	"testing"

	"github.com/tahitihat/pmemobj/internal/pmem"
)

func newTestLowPool(t *testing.T) *pmem.Pool {
	t.Helper()
	path := filepath.Join(t.TempDir(), "low.pmemobj")
	low, err := pmem.Create(path, pmem.MinPoolSize)
	if err != nil {
		t.Fatalf("pmem.Create: %v", err)
	}
	t.Cleanup(func() { low.Close() })
	return low
}

func TestGrowthCapacityMatchesOverAllocationFormula(t *testing.T) {
	cases := []struct {
		newLen, want uint64
	}{
		{0, 3},
		{1, 4},
		{4, 7},
		{8, 12},
		{9, 16},
		{25, 34},
	}
	for _, c := range cases {
		if got := growthCapacity(c.newLen); got != c.want {
			t.Errorf("growthCapacity(%d) = %d, want %d", c.newLen, got, c.want)
		}
	}
}

func TestListInsertShiftsRight(t *testing.T) {
	low := newTestLowPool(t)

	var list *List
	var a, b, c OID
	if err := withTxn(low, func() error {
		var err error
		if list, err = NewList(low); err != nil {
			return err
		}
		if a, err = newString(low, "a"); err != nil {
			return err
		}
		if b, err = newString(low, "b"); err != nil {
			return err
		}
		if c, err = newString(low, "c"); err != nil {
			return err
		}
		if err := list.Append(a); err != nil {
			return err
		}
		if err := list.Append(c); err != nil {
			return err
		}
		return list.Insert(1, b)
	}); err != nil {
		t.Fatal(err)
	}

	got := list.Traverse()
	want := []OID{a, b, c}
	for i, oid := range want {
		if got[i] != oid {
			t.Fatalf("Traverse()[%d] = %v, want %v", i, got[i], oid)
		}
	}
}

func TestListReleaseContentsEmptiesList(t *testing.T) {
	low := newTestLowPool(t)

	var list *List
	var a OID
	if err := withTxn(low, func() error {
		var err error
		if list, err = NewList(low); err != nil {
			return err
		}
		if a, err = newString(low, "held"); err != nil {
			return err
		}
		return list.Append(a)
	}); err != nil {
		t.Fatal(err)
	}

	var held []OID
	if err := withTxn(low, func() error {
		var err error
		held, err = list.ReleaseContents()
		return err
	}); err != nil {
		t.Fatal(err)
	}
	if len(held) != 1 || held[0] != a {
		t.Fatalf("ReleaseContents() = %v, want [%v]", held, a)
	}
	if list.Len() != 0 {
		t.Fatalf("Len() after ReleaseContents = %d, want 0", list.Len())
	}
}

func TestListInsertNegativeIndexScenario(t *testing.T) {
	// spec.md §8 S3: create(fn) -> L = []; L.insert(0,'b'); L.insert(-1,'a');
	// L.insert(2,'c'); L.insert(-10,'z'); L.insert(10,'y') -> L == ["z","a","b","c","y"].
	low := newTestLowPool(t)

	var list *List
	if err := withTxn(low, func() error {
		var err error
		list, err = NewList(low)
		return err
	}); err != nil {
		t.Fatal(err)
	}

	insert := func(i int, s string) {
		t.Helper()
		if err := withTxn(low, func() error {
			v, err := newString(low, s)
			if err != nil {
				return err
			}
			return list.Insert(i, v)
		}); err != nil {
			t.Fatalf("Insert(%d, %q): %v", i, s, err)
		}
	}
	insert(0, "b")
	insert(-1, "a")
	insert(2, "c")
	insert(-10, "z")
	insert(10, "y")

	want := []string{"z", "a", "b", "c", "y"}
	if list.Len() != len(want) {
		t.Fatalf("Len() = %d, want %d", list.Len(), len(want))
	}
	for i, w := range want {
		oid, err := list.Get(i)
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		got := readString(low, oid)
		if got != w {
			t.Fatalf("list[%d] = %q, want %q", i, got, w)
		}
	}
}

func TestListNegativeIndexNormalization(t *testing.T) {
	low := newTestLowPool(t)

	var list *List
	var a, b, c OID
	if err := withTxn(low, func() error {
		var err error
		if list, err = NewList(low); err != nil {
			return err
		}
		if a, err = newString(low, "a"); err != nil {
			return err
		}
		if b, err = newString(low, "b"); err != nil {
			return err
		}
		if c, err = newString(low, "c"); err != nil {
			return err
		}
		for _, v := range []OID{a, b, c} {
			if err := list.Append(v); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if got, err := list.Get(-1); err != nil || got != c {
		t.Fatalf("Get(-1) = %v, %v, want %v, nil", got, err, c)
	}
	if got, err := list.Get(-3); err != nil || got != a {
		t.Fatalf("Get(-3) = %v, %v, want %v, nil", got, err, a)
	}
	if _, err := list.Get(-4); err == nil {
		t.Fatal("Get(-4) on a 3-element list should be out of range")
	}
	if _, err := list.Get(3); err == nil {
		t.Fatal("Get(3) on a 3-element list should be out of range")
	}

	if err := withTxn(low, func() error {
		old, err := list.Set(-1, a)
		if err != nil {
			return err
		}
		if old != c {
			t.Fatalf("Set(-1, a) displaced %v, want %v", old, c)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if err := withTxn(low, func() error {
		old, err := list.Del(-1)
		if err != nil {
			return err
		}
		if old != a {
			t.Fatalf("Del(-1) removed %v, want %v", old, a)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if list.Len() != 2 {
		t.Fatalf("Len() after Del(-1) = %d, want 2", list.Len())
	}
}

func TestListDelShrinksBackingArrayPastHalfCapacity(t *testing.T) {
	low := newTestLowPool(t)

	var list *List
	if err := withTxn(low, func() error {
		var err error
		list, err = NewList(low)
		return err
	}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 20; i++ {
		if err := withTxn(low, func() error {
			v, err := newString(low, "x")
			if err != nil {
				return err
			}
			return list.Append(v)
		}); err != nil {
			t.Fatalf("Append #%d: %v", i, err)
		}
	}
	// Growth only recomputes capacity when allocated < newLen, so 20
	// sequential appends ratchet through growthCapacity(1), (5), (9), and
	// (17) rather than landing on growthCapacity(20) itself; the last
	// trigger (at length 17) leaves the array sized for 25 elements.
	_, allocatedAfterGrowth := readListBody(low, list.OID())
	if want := growthCapacity(17); allocatedAfterGrowth != want {
		t.Fatalf("allocated after 20 appends = %d, want %d", allocatedAfterGrowth, want)
	}

	// Deleting down to one element drops well below allocated/2, so the
	// capacity policy must reallocate the backing array down rather than
	// leaving it sized for the old length (spec.md §4.8's shrink rule).
	for list.Len() > 1 {
		if err := withTxn(low, func() error {
			_, err := list.Del(0)
			return err
		}); err != nil {
			t.Fatal(err)
		}
	}
	_, allocatedAfterShrink := readListBody(low, list.OID())
	if want := growthCapacity(1); allocatedAfterShrink != want {
		t.Fatalf("allocated after shrinking to len 1 = %d, want %d", allocatedAfterShrink, want)
	}
}

func TestListDelWithinHalfCapacityDoesNotReallocate(t *testing.T) {
	low := newTestLowPool(t)

	var list *List
	if err := withTxn(low, func() error {
		var err error
		list, err = NewList(low)
		return err
	}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 8; i++ {
		if err := withTxn(low, func() error {
			v, err := newString(low, "x")
			if err != nil {
				return err
			}
			return list.Append(v)
		}); err != nil {
			t.Fatalf("Append #%d: %v", i, err)
		}
	}
	itemsBefore, allocatedBefore := readListBody(low, list.OID())

	// One delete keeps size within [allocated/2, allocated]; the item
	// array OID must be untouched.
	if err := withTxn(low, func() error {
		_, err := list.Del(0)
		return err
	}); err != nil {
		t.Fatal(err)
	}
	itemsAfter, allocatedAfter := readListBody(low, list.OID())
	if itemsAfter != itemsBefore || allocatedAfter != allocatedBefore {
		t.Fatalf("single Del reallocated: items %v->%v, allocated %d->%d",
			itemsBefore, itemsAfter, allocatedBefore, allocatedAfter)
	}
}

// withTxn is a small helper so list_test.go doesn't need to repeat
// pmemobj.WithTransaction's pool-transaction-begin/commit boilerplate for
// every case exercising the low-level pmem.Pool directly.
func withTxn(low *pmem.Pool, fn func() error) error {
	return WithTransaction(low, func(*Txn) error { return fn() })
}
