package pmemobj

import (
	"github.com/tahitihat/pmemobj/internal/pmem"
)

// TypeCodeString and TypeCodeList are the two bootstrap type codes
// spec.md §3 reserves: index 0 for the built-in PersistentList, index 1
// for the built-in string. Every PersistentList and every string object
// is tagged with these constants directly — neither goes through the
// dynamic type registry, which is what breaks the registry's own
// chicken-and-egg dependency on both (the registry is itself a
// PersistentList of strings).
const (
	TypeCodeList   uint64 = 0
	TypeCodeString uint64 = 1
)

// newString persists s as a new string object: a variable-size header
// (refcount, type code 1, byte length) followed by the UTF-8 bytes and a
// trailing NUL, matching the persisted string body layout in spec.md §3.
// Must run inside an active transaction.
func newString(pool *pmem.Pool, s string) (OID, error) {
	n := uint64(len(s))
	oid, err := pool.Alloc(varHeaderSize+n+1, pmem.KindObject)
	if err != nil {
		return NullOID, wrapErr(ErrOutOfMemory, err, "allocate string %q", s)
	}
	if err := pool.AddRange(oid.Off, varHeaderSize+n+1); err != nil {
		return NullOID, wrapErr(ErrInternal, err, "snapshot new string")
	}
	writeHeader(pool, oid, 0, TypeCodeString)
	writeVarSize(pool, oid, n)
	b := body(pool, oid, n+1)
	copy(b[:n], s)
	b[n] = 0
	return oid, nil
}

// readString resurrects the Go string stored at oid.
func readString(pool *pmem.Pool, oid OID) string {
	n := readVarSize(pool, oid)
	b := body(pool, oid, n+1)
	return string(b[:n])
}
