package pmemobj

import (
	"encoding/binary"

	"github.com/tahitihat/pmemobj/internal/pmem"
)

// objHeaderSize is the size, in bytes, of the fixed object header every
// reference-counted persistent object begins with: a refcount and a type
// code indexing the type registry (spec.md §3 "object header").
const objHeaderSize = 16

// varHeaderSize is objHeaderSize plus the one extra uint64 a variable-size
// object (a string, or a list body) carries: its logical size, distinct
// from the allocator's rounded-up chunk size (spec.md §3 "variable-size
// header").
const varHeaderSize = objHeaderSize + 8

// readHeader reads the refcount and type code out of the object at oid.
func readHeader(p *pmem.Pool, oid OID) (refcount uint64, typeCode uint64) {
	b := p.Direct(oid, objHeaderSize)
	refcount = binary.LittleEndian.Uint64(b[0:8])
	typeCode = binary.LittleEndian.Uint64(b[8:16])
	return
}

// writeHeader overwrites the refcount and type code of the object at oid.
// The caller must have AddRange'd objHeaderSize bytes at oid.Off first.
func writeHeader(p *pmem.Pool, oid OID, refcount, typeCode uint64) {
	b := p.Direct(oid, objHeaderSize)
	binary.LittleEndian.PutUint64(b[0:8], refcount)
	binary.LittleEndian.PutUint64(b[8:16], typeCode)
}

// readVarSize reads the logical size field of a variable-size object.
func readVarSize(p *pmem.Pool, oid OID) uint64 {
	b := p.Direct(oid, varHeaderSize)
	return binary.LittleEndian.Uint64(b[objHeaderSize:varHeaderSize])
}

// writeVarSize overwrites the logical size field of a variable-size
// object. The caller must have AddRange'd varHeaderSize bytes first.
func writeVarSize(p *pmem.Pool, oid OID, size uint64) {
	b := p.Direct(oid, varHeaderSize)
	binary.LittleEndian.PutUint64(b[objHeaderSize:varHeaderSize], size)
}

// body returns the payload bytes following the fixed header of a
// variable-size object whose logical size is size.
func body(p *pmem.Pool, oid OID, size uint64) []byte {
	full := p.Direct(oid, varHeaderSize+size)
	return full[varHeaderSize:]
}

// fixedBody returns the payload bytes following the fixed (non-variable)
// object header, e.g. the 8-byte float body.
func fixedBody(p *pmem.Pool, oid OID, size uint64) []byte {
	full := p.Direct(oid, objHeaderSize+size)
	return full[objHeaderSize:]
}
