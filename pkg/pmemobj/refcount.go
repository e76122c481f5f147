package pmemobj

import "github.com/tahitihat/pmemobj/internal/pmem"

// Incref increments oid's reference count. Must run inside an active
// transaction.
func Incref(p *Pool, oid OID) error {
	return increfRaw(p.pmem, oid)
}

// increfRaw is Incref's implementation, taking the low-level PMEM pool
// directly so List's mutators (list.go) can incref a newly-stored value
// without needing the pmemobj.Pool facade a full Decref would require to
// run a deallocation cascade.
func increfRaw(pool *pmem.Pool, oid OID) error {
	if oid.IsNull() {
		return nil
	}
	if err := pool.AddRange(oid.Off, objHeaderSize); err != nil {
		return wrapErr(ErrInternal, err, "snapshot header for incref")
	}
	refcount, typeCode := readHeader(pool, oid)
	writeHeader(pool, oid, refcount+1, typeCode)
	return nil
}

// Decref decrements oid's reference count and, if it reaches zero,
// deallocates the object — recursively releasing (and decref'ing) any
// substructure it owns, exactly as spec.md §4.7 describes. Must run
// inside an active transaction.
func Decref(p *Pool, oid OID) error {
	if oid.IsNull() {
		return nil
	}
	return decref(p, oid, nil)
}

// Xdecref is Decref that tolerates a null OID, matching the Py_XDECREF
// convention spec.md's glossary borrows the name from.
func Xdecref(p *Pool, oid OID) error {
	if oid.IsNull() {
		return nil
	}
	return Decref(p, oid)
}

// decref is the shared implementation behind Decref and the garbage
// collector's cycle reclamation pass. When trackFree is non-nil (GC mode)
// it records every OID actually deallocated in this call tree instead of
// assuming each object is reached exactly once, so an object reachable
// through more than one already-dead reference in a cycle is freed once.
func decref(p *Pool, oid OID, trackFree map[OID]bool) error {
	// In GC cycle-reclaim mode an oid already force-deallocated by a
	// sibling in the same cycle must not be touched again — its chunk
	// header bytes may already have been overwritten by the allocator's
	// free list.
	if trackFree != nil && trackFree[oid] {
		return nil
	}
	if err := p.pmem.AddRange(oid.Off, objHeaderSize); err != nil {
		return wrapErr(ErrInternal, err, "snapshot header for decref")
	}
	refcount, typeCode := readHeader(p.pmem, oid)
	if refcount == 0 {
		return newErr(ErrInternal, "decref on object %s with refcount already zero", FormatOID(oid))
	}
	refcount--
	writeHeader(p.pmem, oid, refcount, typeCode)
	if refcount > 0 {
		return nil
	}
	return deallocate(p, oid, typeCode, trackFree)
}

// forceDeallocate frees oid regardless of its stored refcount, for the
// garbage collector's cycle-reclaim pass (spec.md §4.10): an object
// unreachable from the roots is garbage even though cyclic internal
// references keep its refcount above zero. trackFree is shared across the
// whole reclaim pass so an object reached from more than one dead cycle
// member is only freed once — the "incref-then-deallocate trick" spec.md
// §9 references, without needing the incref half once decref itself
// checks trackFree first.
func forceDeallocate(p *Pool, oid OID, trackFree map[OID]bool) error {
	_, typeCode := readHeader(p.pmem, oid)
	return deallocate(p, oid, typeCode, trackFree)
}

// deallocate frees oid's storage, releasing any owned substructure first.
func deallocate(p *Pool, oid OID, typeCode uint64, trackFree map[OID]bool) error {
	if trackFree != nil {
		if trackFree[oid] {
			return nil
		}
		trackFree[oid] = true
	}

	p.cache.Forget(oid)

	switch typeCode {
	case TypeCodeList:
		list := OpenList(p.pmem, oid)
		held, err := list.ReleaseContents()
		if err != nil {
			return err
		}
		for _, child := range held {
			if child.IsNull() {
				continue
			}
			if err := decref(p, child, trackFree); err != nil {
				return err
			}
		}
		return freeOrTrack(p, oid, trackFree)
	case TypeCodeString:
		return freeOrTrack(p, oid, trackFree)
	default:
		name, err := p.registry.ClassName(typeCode)
		if err != nil {
			return wrapErr(ErrTypeNotPersistable, err, "deallocate object %s", FormatOID(oid))
		}
		if codec, ok := p.codecs.forName(name); ok {
			if releaser, ok := codec.(Releaser); ok {
				if err := releaser.Release(p, oid); err != nil {
					return err
				}
			}
		}
		return freeOrTrack(p, oid, trackFree)
	}
}

// Releaser is an optional extension to Codec: a user-defined type whose
// persisted form owns substructure (nested OIDs) implements it to decref
// them before its own storage is freed, the same hook List's
// ReleaseContents serves for the built-in container.
type Releaser interface {
	Release(p *Pool, oid OID) error
}

func freeOrTrack(p *Pool, oid OID, trackFree map[OID]bool) error {
	if err := p.pmem.Free(oid); err != nil {
		return wrapErr(ErrInternal, err, "free object %s", FormatOID(oid))
	}
	_ = trackFree // recorded above before recursing; nothing further to do here
	return nil
}
