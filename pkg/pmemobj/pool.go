// Package pmemobj implements a persistent-memory object manager: a stable
// on-media layout for reference-counted generic objects, an OID pointer
// type, a type registry, transactional mutation over an underlying PMEM
// transaction primitive (internal/pmem), a persistent list container, and
// reference-count plus tracing garbage collection.
package pmemobj

import (
	"encoding/binary"
	"os"

	"github.com/tahitihat/pmemobj/internal/pmem"
)

// AllocKind re-exports the PMEM binding's allocator-kind enum so callers
// implementing a Codec (see codec.go) never need to import internal/pmem
// themselves.
type AllocKind = pmem.Kind

const (
	KindObject       = pmem.KindObject
	KindListPtrArray = pmem.KindListPtrArray
)

// rootRecordSize is the persisted root record's fixed layout: the type
// table's OID followed by the application root object's OID (spec.md §3
// "persistent root record"). It is the one allocation in a pool with no
// refcount/type-code header of its own — it is the anchor everything
// else is found from, not itself a managed object.
const rootRecordSize = 16 + 16

// Pool is the object manager's facade: Open/Create/Close, the root
// getter/setter, gc(), transaction(), and new(class, args) (spec.md §4.9,
// §6).
type Pool struct {
	pmem     *pmem.Pool
	registry *Registry
	cache    *Cache
	codecs   *codecTable
	rootRec  OID
	closed   bool
}

// Create creates a new pool file, bootstraps its type registry and root
// record, and returns it open.
func Create(path string, size uint64) (*Pool, error) {
	low, err := pmem.Create(path, size)
	if err != nil {
		return nil, wrapErr(ErrInvalidArgument, err, "create pool %s", path)
	}
	p := &Pool{pmem: low, cache: newCache(), codecs: newCodecTable()}

	err = WithTransaction(low, func(*Txn) error {
		reg, err := bootstrapRegistry(low)
		if err != nil {
			return err
		}
		p.registry = reg

		rootRec, err := low.Root(rootRecordSize)
		if err != nil {
			return wrapErr(ErrOutOfMemory, err, "allocate root record")
		}
		if err := low.AddRange(rootRec.Off, rootRecordSize); err != nil {
			return wrapErr(ErrInternal, err, "snapshot root record")
		}
		buf := low.Direct(rootRec, rootRecordSize)
		putOIDBytes(buf[0:16], reg.TableOID())
		putOIDBytes(buf[16:32], NullOID)
		p.rootRec = rootRec
		return nil
	})
	if err != nil {
		low.Close()
		return nil, err
	}
	return p, nil
}

// Open opens an existing pool. Per spec.md §9's open-question decision,
// Open always runs an orphan-sweeping GC pass unconditionally (the source
// this distills does the same, with its own "should fix this to only run
// after a crash" note — kept here as a TODO rather than silently
// resolved, since resolving it needs the crash-detection this module
// doesn't implement).
func Open(path string) (*Pool, error) {
	low, err := pmem.Open(path)
	if err != nil {
		return nil, wrapErr(ErrInvalidArgument, err, "open pool %s", path)
	}
	p := &Pool{pmem: low, cache: newCache(), codecs: newCodecTable()}

	rootRec, err := low.Root(0)
	if err != nil {
		low.Close()
		return nil, wrapErr(ErrInternal, err, "read root record")
	}
	if rootRec.IsNull() {
		low.Close()
		return nil, newErr(ErrPoolNotInitialized, "pool %s has no root record", path)
	}
	p.rootRec = rootRec

	buf := low.Direct(rootRec, rootRecordSize)
	tableOID := getOIDBytes(buf[0:16])
	reg, err := openRegistry(low, tableOID)
	if err != nil {
		low.Close()
		return nil, err
	}
	p.registry = reg

	// TODO: only run this after an unclean shutdown once the binding can
	// detect one; for now it runs every open, matching the source.
	if _, _, err := p.GC(false, nil); err != nil {
		low.Close()
		return nil, err
	}
	return p, nil
}

// Close runs a GC pass to collect any unreachable cycles, then closes
// the pool's underlying file mapping (spec.md §4.9). Idempotent: closing
// an already-closed pool is not an error.
func (p *Pool) Close() error {
	if p.closed {
		return nil
	}
	if _, _, err := p.GC(false, nil); err != nil {
		return err
	}
	if err := p.pmem.Close(); err != nil {
		return wrapErr(ErrInternal, err, "close pool")
	}
	p.closed = true
	return nil
}

// Mode selects Open's behavior with respect to an existing file at the
// given path, mirroring the flag argument spec.md §4.9 describes.
type Mode byte

const (
	// ModeOpenExisting ("w") fails unless the pool file already exists.
	ModeOpenExisting Mode = 'w'
	// ModeCreateExclusive ("x") fails if the pool file already exists,
	// and creates it otherwise.
	ModeCreateExclusive Mode = 'x'
	// ModeCreateOrOpen ("c") creates the pool file if it is missing,
	// else opens the existing one.
	ModeCreateOrOpen Mode = 'c'
	// ModeReadOnly ("r") is not supported; any attempt to use it fails
	// with ErrInvalidArgument, as spec.md §4.9 requires.
	ModeReadOnly Mode = 'r'
)

// OpenPool is the unified entry point spec.md §4.9/§6 describes:
// Open(path, mode). size is only consulted when mode causes a new pool
// file to be created (ModeCreateExclusive, or ModeCreateOrOpen on a
// missing path); it is ignored otherwise.
func OpenPool(path string, mode Mode, size uint64) (*Pool, error) {
	switch mode {
	case ModeReadOnly:
		return nil, newErr(ErrInvalidArgument, "open mode 'r' (read-only) is not supported")
	case ModeOpenExisting:
		if _, err := os.Stat(path); err != nil {
			return nil, wrapErr(ErrInvalidArgument, err, "open pool %s: mode 'w' requires an existing file", path)
		}
		return Open(path)
	case ModeCreateExclusive:
		if _, err := os.Stat(path); err == nil {
			return nil, newErr(ErrInvalidArgument, "open pool %s: mode 'x' requires the file not already exist", path)
		}
		return Create(path, size)
	case ModeCreateOrOpen:
		if _, err := os.Stat(path); err == nil {
			return Open(path)
		}
		return Create(path, size)
	default:
		return nil, newErr(ErrInvalidArgument, "unknown open mode %q", string(mode))
	}
}

func putOIDBytes(b []byte, oid OID) {
	binary.LittleEndian.PutUint64(b[0:8], oid.PoolUUIDLo)
	binary.LittleEndian.PutUint64(b[8:16], oid.Off)
}

func getOIDBytes(b []byte) OID {
	return OID{
		PoolUUIDLo: binary.LittleEndian.Uint64(b[0:8]),
		Off:        binary.LittleEndian.Uint64(b[8:16]),
	}
}

// Root returns the application's root object OID, or the null OID if
// none has been set yet.
func (p *Pool) Root() OID {
	buf := p.pmem.Direct(p.rootRec, rootRecordSize)
	return getOIDBytes(buf[16:32])
}

// SetRoot replaces the application's root object, incref'ing the new
// value and decref'ing the old one. Must run inside an active
// transaction.
func (p *Pool) SetRoot(oid OID) error {
	old := p.Root()
	if old == oid {
		return nil
	}
	if err := Incref(p, oid); err != nil {
		return err
	}
	if err := p.pmem.AddRange(p.rootRec.Off+16, 16); err != nil {
		return wrapErr(ErrInternal, err, "snapshot root record")
	}
	buf := p.pmem.Direct(p.rootRec, rootRecordSize)
	putOIDBytes(buf[16:32], oid)
	return Xdecref(p, old)
}

func (p *Pool) rootObject() (OID, error) {
	return p.Root(), nil
}

// Transaction runs fn inside a scoped, nestable transaction, keeping the
// object cache's staging overlay (cache.go) in lockstep with the
// underlying PMEM undo log: fn's error or panic aborts both, its normal
// return commits both (spec.md §4.4, §6 "transaction() context").
func (p *Pool) Transaction(fn func(*Txn) error) error {
	p.cache.Begin()
	committed := false
	defer func() {
		if !committed {
			p.cache.Abort()
		}
	}()
	if err := WithTransaction(p.pmem, fn); err != nil {
		return err
	}
	committed = true
	p.cache.Commit()
	return nil
}

// New persists value as a new object, reusing an existing OID from the
// object cache if an equal immutable value was already persisted in this
// pool handle's lifetime (spec.md §4.5). New does not itself incref the
// returned OID — a freshly persisted object starts at refcount 0 and is
// unowned until something claims it (SetRoot, List.Append/Insert/Set, or
// an explicit Incref); see spec.md §4.8's per-operation incref/decref
// contract. Must run inside an active transaction.
func (p *Pool) New(value interface{}) (OID, error) {
	if oid, ok := p.cache.LookupByValue(value); ok {
		return oid, nil
	}
	codec, ok := p.codecs.forValue(value)
	if !ok {
		return NullOID, newErr(ErrTypeNotPersistable, "no codec registered for %T", value)
	}
	typeCode, err := p.registry.RegisterClass(codec.ClassName())
	if err != nil {
		return NullOID, err
	}
	oid, err := codec.Persist(p, typeCode, value)
	if err != nil {
		return NullOID, err
	}
	p.cache.Record(value, oid)
	return oid, nil
}

// NewList allocates a new, empty persistent list and returns a handle to
// it. Must run inside an active transaction.
func (p *Pool) NewList() (*List, error) {
	l, err := NewList(p.pmem)
	if err != nil {
		return nil, err
	}
	p.cache.Record(l, l.OID())
	return l, nil
}

// ClearList empties l, xdecref'ing each element it held (spec.md §4.8
// "clear: for each non-null slot: null it, decref the prior OID; then
// resize to 0"). Must run inside an active transaction.
func (p *Pool) ClearList(l *List) error {
	held, err := l.ReleaseContents()
	if err != nil {
		return err
	}
	for _, oid := range held {
		if err := Xdecref(p, oid); err != nil {
			return err
		}
	}
	return nil
}

// Resurrect reconstructs the host value stored at oid, returning the same
// Go value (or, for a list, the same *List) if oid was already resolved
// earlier in this pool handle's lifetime.
func (p *Pool) Resurrect(oid OID) (interface{}, error) {
	if oid.IsNull() {
		return nil, nil
	}
	if v, ok := p.cache.LookupByOID(oid); ok {
		return v, nil
	}
	_, typeCode := readHeader(p.pmem, oid)
	if typeCode == TypeCodeList {
		l := OpenList(p.pmem, oid)
		p.cache.Record(l, oid)
		return l, nil
	}
	name, err := p.registry.ClassName(typeCode)
	if err != nil {
		return nil, err
	}
	codec, ok := p.codecs.forName(name)
	if !ok {
		return nil, newErr(ErrTypeNotPersistable, "no codec registered for class %q", name)
	}
	v, err := codec.Resurrect(p, oid)
	if err != nil {
		return nil, err
	}
	p.cache.Record(v, oid)
	return v, nil
}

// RegisterCodec adds a user-defined persistent type's codec (spec.md
// §4.6). It should be called once, before any value of that type is
// persisted or resurrected.
func (p *Pool) RegisterCodec(c Codec) {
	p.codecs.register(c)
}

// RegisterClass returns the type code for name, registering it in the
// type table if needed. Exposed for user-defined Codec implementations
// that need their own type code; Persist/Resurrect get it passed in
// already for the common case. Must run inside an active transaction the
// first time name is seen.
func (p *Pool) RegisterClass(name string) (uint64, error) {
	return p.registry.RegisterClass(name)
}

// ClassName returns the class-identifier string registered under code.
func (p *Pool) ClassName(code uint64) (string, error) {
	return p.registry.ClassName(code)
}

// AllocRaw, FreeRaw, AddRangeRaw and DirectRaw are the low-level
// primitives a user-defined Codec needs to lay out its own persisted
// representation; they are thin passthroughs to the PMEM binding so a
// Codec implementation never has to import internal/pmem itself.
func (p *Pool) AllocRaw(size uint64, kind AllocKind) (OID, error) { return p.pmem.Alloc(size, kind) }
func (p *Pool) FreeRaw(oid OID) error                        { return p.pmem.Free(oid) }
func (p *Pool) AddRangeRaw(offset, size uint64) error        { return p.pmem.AddRange(offset, size) }
func (p *Pool) DirectRaw(oid OID, size uint64) []byte        { return p.pmem.Direct(oid, size) }

// WriteHeaderRaw and ReadHeaderRaw let a user-defined Codec manage its
// object's refcount/type-code header directly.
func (p *Pool) WriteHeaderRaw(oid OID, refcount, typeCode uint64) {
	writeHeader(p.pmem, oid, refcount, typeCode)
}
func (p *Pool) ReadHeaderRaw(oid OID) (refcount, typeCode uint64) {
	return readHeader(p.pmem, oid)
}
