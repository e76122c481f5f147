package pmemobj

import (
	"fmt"

	"github.com/tahitihat/pmemobj/internal/pmem"
)

// OID identifies a persistent object: a pool instance identifier plus a
// byte offset into that pool. OID is a plain value type — comparable with
// ==, usable as a map key, and with a defined null value (the spec's
// "OID pointer type" and its "comparison helper").
type OID = pmem.OID

// NullOID is the OID that refers to no object.
var NullOID = pmem.Null

// FormatOID renders an OID the way pool dumps and error messages do, as
// the "to tuple" normalizer spec.md §4.2 calls for.
func FormatOID(oid OID) string {
	if oid.IsNull() {
		return "OID(nil)"
	}
	return fmt.Sprintf("OID(%#x, %#x)", oid.PoolUUIDLo, oid.Off)
}
