package pmemobj

import (
	"encoding/binary"

	"github.com/tahitihat/pmemobj/internal/pmem"
)

// listBodySize is the fixed-size body of a list object: the OID of its
// (separately allocated, unrefcounted) item-pointer array, and that
// array's allocated capacity in elements. The list's logical length lives
// in the variable-size header's size field (spec.md §3 "list body").
const listBodySize = 16 + 8 // items OID (2 x uint64) + allocated count

// oidSize is the width of one OID slot in a list's item-pointer array.
const oidSize = 16

// List is a persistent, reference-counted, ordered sequence of OIDs —
// the one built-in container type, tagged with TypeCodeList and reserved
// index 0 in the type registry (spec.md §4.8).
type List struct {
	pool *pmem.Pool
	oid  OID
}

// NewList allocates an empty list. Must run inside an active
// transaction.
func NewList(pool *pmem.Pool) (*List, error) {
	oid, err := pool.Alloc(varHeaderSize+listBodySize, pmem.KindObject)
	if err != nil {
		return nil, wrapErr(ErrOutOfMemory, err, "allocate list")
	}
	if err := pool.AddRange(oid.Off, varHeaderSize+listBodySize); err != nil {
		return nil, wrapErr(ErrInternal, err, "snapshot new list")
	}
	writeHeader(pool, oid, 0, TypeCodeList)
	writeVarSize(pool, oid, 0)
	putListBody(pool, oid, NullOID, 0)
	return &List{pool: pool, oid: oid}, nil
}

// OpenList wraps an existing list object.
func OpenList(pool *pmem.Pool, oid OID) *List {
	return &List{pool: pool, oid: oid}
}

// OID returns the list's own object identifier.
func (l *List) OID() OID { return l.oid }

func putListBody(pool *pmem.Pool, oid OID, items OID, allocated uint64) {
	b := body(pool, oid, listBodySize)
	binary.LittleEndian.PutUint64(b[0:8], items.PoolUUIDLo)
	binary.LittleEndian.PutUint64(b[8:16], items.Off)
	binary.LittleEndian.PutUint64(b[16:24], allocated)
}

func readListBody(pool *pmem.Pool, oid OID) (items OID, allocated uint64) {
	b := body(pool, oid, listBodySize)
	items.PoolUUIDLo = binary.LittleEndian.Uint64(b[0:8])
	items.Off = binary.LittleEndian.Uint64(b[8:16])
	allocated = binary.LittleEndian.Uint64(b[16:24])
	return
}

// Len returns the list's current logical length.
func (l *List) Len() int {
	return int(readVarSize(l.pool, l.oid))
}

func (l *List) itemAt(items OID, i int) OID {
	b := l.pool.Direct(items, uint64(i+1)*oidSize)
	off := uint64(i) * oidSize
	var oid OID
	oid.PoolUUIDLo = binary.LittleEndian.Uint64(b[off : off+8])
	oid.Off = binary.LittleEndian.Uint64(b[off+8 : off+16])
	return oid
}

func (l *List) setItemAt(items OID, i int, v OID) error {
	off := uint64(i) * oidSize
	if err := l.pool.AddRange(items.Off+off, oidSize); err != nil {
		return wrapErr(ErrInternal, err, "snapshot list slot %d", i)
	}
	b := l.pool.Direct(items, off+oidSize)
	binary.LittleEndian.PutUint64(b[off:off+8], v.PoolUUIDLo)
	binary.LittleEndian.PutUint64(b[off+8:off+16], v.Off)
	return nil
}

// normalizeIndex turns a possibly-negative index (counted from the end,
// as -1 is the last element) into an absolute index, failing if it still
// falls outside [0, n) once normalized (spec.md §4.8 "Normalize index
// (negative means from end); fail out-of-range").
func normalizeIndex(i, n int) (int, error) {
	if i < 0 {
		i += n
	}
	if i < 0 || i >= n {
		return 0, newErr(ErrIndexOutOfRange, "list index %d out of range [0,%d)", i, n)
	}
	return i, nil
}

// Get returns the OID stored at index i. i may be negative, counting
// from the end of the list.
func (l *List) Get(i int) (OID, error) {
	n := l.Len()
	i, err := normalizeIndex(i, n)
	if err != nil {
		return NullOID, err
	}
	items, _ := readListBody(l.pool, l.oid)
	return l.itemAt(items, i), nil
}

// growthCapacity implements the CPython-style over-allocation formula
// spec.md §4.8 specifies, so repeated appends are amortized O(1).
func growthCapacity(newLen uint64) uint64 {
	overhead := uint64(6)
	if newLen < 9 {
		overhead = 3
	}
	return (newLen >> 3) + overhead + newLen
}

// resize applies the list's capacity policy symmetrically in both
// directions and updates the logical length, mirroring the original's
// single `_resize(newsize)` call used by insert, append, del, and clear
// alike (spec.md §4.8 "Capacity policy"): when newLen stays within
// `[allocated/2, allocated]`, the backing item array is left alone and
// only the length changes; otherwise the array is grown or shrunk to
// growthCapacity(newLen), or freed entirely when newLen is 0. Must run
// inside an active transaction.
func (l *List) resize(newLen uint64) error {
	items, allocated := readListBody(l.pool, l.oid)
	if allocated >= newLen && newLen >= allocated>>1 {
		return l.setLen(newLen)
	}

	var newAlloc uint64
	if newLen != 0 {
		newAlloc = growthCapacity(newLen)
	}

	var newItems OID
	var err error
	switch {
	case newAlloc == 0:
		if !items.IsNull() {
			if err := l.pool.Free(items); err != nil {
				return wrapErr(ErrInternal, err, "free list item array")
			}
		}
		newItems = NullOID
	case items.IsNull():
		newItems, err = l.pool.Alloc(newAlloc*oidSize, pmem.KindListPtrArray)
	default:
		newItems, err = l.pool.Realloc(items, newAlloc*oidSize, pmem.KindListPtrArray)
	}
	if err != nil {
		return wrapErr(ErrOutOfMemory, err, "resize list to %d elements", newAlloc)
	}
	if err := l.pool.AddRange(l.oid.Off+objHeaderSize+8, listBodySize); err != nil {
		return wrapErr(ErrInternal, err, "snapshot list body")
	}
	putListBody(l.pool, l.oid, newItems, newAlloc)
	return l.setLen(newLen)
}

func (l *List) setLen(n uint64) error {
	if err := l.pool.AddRange(l.oid.Off+objHeaderSize, 8); err != nil {
		return wrapErr(ErrInternal, err, "snapshot list length")
	}
	writeVarSize(l.pool, l.oid, n)
	return nil
}

// Append adds item to the end of the list, incref'ing it: the list is
// now one of its owners (spec.md §4.8 "append(v): equivalent to insert
// at size").
func (l *List) Append(item OID) error {
	n := uint64(l.Len())
	if err := l.resize(n + 1); err != nil {
		return err
	}
	items, _ := readListBody(l.pool, l.oid)
	if err := l.setItemAt(items, int(n), item); err != nil {
		return err
	}
	return increfRaw(l.pool, item)
}

// Insert inserts item at index i, shifting subsequent elements right.
// Insertion at i == Len() is equivalent to Append. Unlike Get/Set/Del, an
// out-of-range i (including negative-after-adjustment) is clamped rather
// than rejected, matching the original's insert(): "Clamp i to [0, size]"
// (spec.md §4.8).
func (l *List) Insert(i int, item OID) error {
	n := l.Len()
	if i < 0 {
		i += n
		if i < 0 {
			i = 0
		}
	}
	if i > n {
		i = n
	}
	if err := l.resize(uint64(n + 1)); err != nil {
		return err
	}
	items, _ := readListBody(l.pool, l.oid)
	for j := n; j > i; j-- {
		if err := l.setItemAt(items, j, l.itemAt(items, j-1)); err != nil {
			return err
		}
	}
	if err := l.setItemAt(items, i, item); err != nil {
		return err
	}
	return increfRaw(l.pool, item)
}

// Set replaces the element at index i with item, incref'ing it, and
// returns the element that was there for the caller to xdecref (spec.md
// §4.8 "set(i, v): ...xdecref old slot; write new OID; incref new" — the
// xdecref of the old slot is left to the caller since it may cascade
// into a full deallocation, which needs the pool facade this list
// doesn't hold a reference to).
func (l *List) Set(i int, item OID) (OID, error) {
	n := l.Len()
	i, err := normalizeIndex(i, n)
	if err != nil {
		return NullOID, err
	}
	items, _ := readListBody(l.pool, l.oid)
	old := l.itemAt(items, i)
	if err := l.setItemAt(items, i, item); err != nil {
		return NullOID, err
	}
	if err := increfRaw(l.pool, item); err != nil {
		return NullOID, err
	}
	return old, nil
}

// Del removes the element at index i, shifting subsequent elements left
// and shrinking the backing item array per the capacity policy, and
// returns the removed OID for the caller to decref (spec.md §4.8
// "del(i): ...decref slot...shrink to size-1"; the decref itself is left
// to the caller for the same reason Set does).
func (l *List) Del(i int) (OID, error) {
	n := l.Len()
	i, err := normalizeIndex(i, n)
	if err != nil {
		return NullOID, err
	}
	items, _ := readListBody(l.pool, l.oid)
	old := l.itemAt(items, i)
	for j := i; j < n-1; j++ {
		if err := l.setItemAt(items, j, l.itemAt(items, j+1)); err != nil {
			return NullOID, err
		}
	}
	if err := l.resize(uint64(n - 1)); err != nil {
		return NullOID, err
	}
	return old, nil
}

// Traverse returns a snapshot of every element OID currently in the list,
// for the garbage collector's reachability trace (spec.md §4.10) or for
// release-contents below. It does not mutate the list.
func (l *List) Traverse() []OID {
	n := l.Len()
	items, _ := readListBody(l.pool, l.oid)
	out := make([]OID, n)
	for i := 0; i < n; i++ {
		out[i] = l.itemAt(items, i)
	}
	return out
}

// ReleaseContents empties the list and returns every element OID it held,
// for the caller to decref, then frees the (now-empty) item array. It
// does not free the list object itself — that is the deallocator's job
// once the list's own refcount reaches zero (spec.md §4.7's
// "substructures" hook).
func (l *List) ReleaseContents() ([]OID, error) {
	held := l.Traverse()
	if err := l.resize(0); err != nil {
		return nil, err
	}
	return held, nil
}

// Clear is ReleaseContents, discarding the held OIDs rather than
// returning them. It does not decref what it discards: ordinary callers
// should use Pool.ClearList, which does, matching spec.md §4.8's "clear"
// contract. The deallocator does not use Clear; it calls ReleaseContents
// and decrefs the returned OIDs itself.
func (l *List) Clear() error {
	_, err := l.ReleaseContents()
	return err
}
