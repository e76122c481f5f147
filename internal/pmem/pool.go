// Package pmem implements the persistent-memory binding this module builds
// against: an mmap'd file, a free-list allocator over it, and a nestable
// undo-log transaction. It stands in for the external PMEM library
// (PMDK-style pmemobj) the object manager in pkg/pmemobj is written
// against — there is no cgo binding to that library in this module, so
// this package gives pkg/pmemobj a real implementation of the primitive
// surface it expects: Alloc/Realloc/Free, AddRange, Direct, TypeNum,
// First/Next, Root/RootSize, Open/Create/Close.
package pmem

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
)

const (
	poolMagic   uint64 = 0x504D454D4F424A31 // "PMEMOBJ1"
	poolVersion uint32 = 1

	superblockSize = 128
	chunkHeaderSize = 24

	// MinPoolSize is the smallest pool this binding will create.
	MinPoolSize = 1 << 20 // 1MB

	alignment = 8
)

// Kind identifies the allocator kind of a chunk, mirroring the
// POBJECT/LIST_PTR_ARRAY distinction in the persisted layout: the garbage
// collector's catalog only walks KindObject allocations, KindListPtrArray
// chunks are reachable only via their owning list, and KindRoot is the
// single reserved root record, outside both buckets.
type Kind uint32

const (
	KindFree  Kind = 0
	KindObject Kind = 1
	KindListPtrArray Kind = 2
	KindRoot Kind = 3
)

// OID is a pool-relative object identifier: a pool instance identifier
// plus a byte offset into that pool's mapped region. The zero value is
// the null OID.
type OID struct {
	PoolUUIDLo uint64
	Off        uint64
}

// Null is the zero OID, used as a nil object reference.
var Null = OID{}

// IsNull reports whether oid is the null OID.
func (oid OID) IsNull() bool {
	return oid == Null
}

// Normalize returns Null (zero PoolUUIDLo as well) when oid's Off is zero,
// so that OIDs constructed in Go and OIDs read back from mapped memory
// compare equal.
func (oid OID) Normalize() OID {
	if oid.Off == 0 {
		return Null
	}
	return oid
}

var (
	ErrInvalidArgument = errors.New("pmem: invalid argument")
	ErrOutOfMemory     = errors.New("pmem: out of memory")
	ErrNotInitialized  = errors.New("pmem: pool not initialized")
	ErrNoTransaction   = errors.New("pmem: no active transaction")
	ErrInternal        = errors.New("pmem: internal error")
)

type logEntry struct {
	offset uint64
	old    []byte
}

// txState is the single active transaction for a Pool. The PMEM binding is
// single-threaded (spec.md §5), so one Pool has at most one txState alive
// at a time; nested Begin calls only bump the level counter, mirroring
// mansub1029's undoTx.Begin/End.
type txState struct {
	level int
	log   []logEntry
}

// Pool is an mmap'd, transactional persistent memory pool.
type Pool struct {
	mu   sync.Mutex
	path string
	f    *os.File
	data []byte
	size uint64
	tx   *txState
}

// Create creates a new pool file of the given size and opens it.
func Create(path string, size uint64) (*Pool, error) {
	if size < MinPoolSize {
		return nil, fmt.Errorf("pmem: create %s: %w: requested size %d is below the minimum pool size %d", path, ErrInvalidArgument, size, MinPoolSize)
	}
	size = align(size, alignment)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("pmem: create %s: %w", path, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("pmem: truncate %s: %w", path, err)
	}

	p, err := mapFile(f, size, path)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}

	uuid := make([]byte, 8)
	if _, err := rand.Read(uuid); err != nil {
		p.Close()
		return nil, fmt.Errorf("pmem: generate pool uuid: %w", err)
	}

	sb := superblock{
		magic:   poolMagic,
		version: poolVersion,
		size:    size,
		bump:    superblockSize,
		uuidLo:  binary.LittleEndian.Uint64(uuid),
	}
	sb.put(p.data)
	return p, nil
}

// Open opens an existing pool file.
func Open(path string) (*Pool, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("pmem: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("pmem: stat %s: %w", path, err)
	}
	size := uint64(info.Size())

	p, err := mapFile(f, size, path)
	if err != nil {
		f.Close()
		return nil, err
	}

	sb := readSuperblock(p.data)
	if sb.magic != poolMagic {
		p.Close()
		return nil, fmt.Errorf("pmem: %s: %w: bad magic", path, ErrInvalidArgument)
	}
	if sb.version != poolVersion {
		p.Close()
		return nil, fmt.Errorf("pmem: %s: %w: unsupported version %d", path, ErrInvalidArgument, sb.version)
	}
	if sb.size != size {
		p.Close()
		return nil, fmt.Errorf("pmem: %s: %w: size mismatch", path, ErrInvalidArgument)
	}
	return p, nil
}

func mapFile(f *os.File, size uint64, path string) (*Pool, error) {
	data, err := syscall.Mmap(int(f.Fd()), 0, int(size), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("pmem: mmap %s: %w", path, err)
	}
	return &Pool{path: path, f: f, data: data, size: size}, nil
}

// Close unmaps and closes the pool file.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	if p.data != nil {
		err = syscall.Munmap(p.data)
		p.data = nil
	}
	if p.f != nil {
		if cerr := p.f.Close(); err == nil {
			err = cerr
		}
		p.f = nil
	}
	return err
}

func align(n uint64, a uint64) uint64 {
	return (n + a - 1) &^ (a - 1)
}

// ---- superblock ----

type superblock struct {
	magic        uint64
	version      uint32
	size         uint64
	bump         uint64
	freeListHead uint64
	rootOff      uint64
	rootSize     uint64
	uuidLo       uint64
}

func readSuperblock(data []byte) superblock {
	var sb superblock
	sb.magic = binary.LittleEndian.Uint64(data[0:8])
	sb.version = binary.LittleEndian.Uint32(data[8:12])
	sb.size = binary.LittleEndian.Uint64(data[16:24])
	sb.bump = binary.LittleEndian.Uint64(data[24:32])
	sb.freeListHead = binary.LittleEndian.Uint64(data[32:40])
	sb.rootOff = binary.LittleEndian.Uint64(data[40:48])
	sb.rootSize = binary.LittleEndian.Uint64(data[48:56])
	sb.uuidLo = binary.LittleEndian.Uint64(data[56:64])
	return sb
}

func (sb superblock) put(data []byte) {
	binary.LittleEndian.PutUint64(data[0:8], sb.magic)
	binary.LittleEndian.PutUint32(data[8:12], sb.version)
	binary.LittleEndian.PutUint64(data[16:24], sb.size)
	binary.LittleEndian.PutUint64(data[24:32], sb.bump)
	binary.LittleEndian.PutUint64(data[32:40], sb.freeListHead)
	binary.LittleEndian.PutUint64(data[40:48], sb.rootOff)
	binary.LittleEndian.PutUint64(data[48:56], sb.rootSize)
	binary.LittleEndian.PutUint64(data[56:64], sb.uuidLo)
}

func (p *Pool) superblock() superblock {
	return readSuperblock(p.data)
}

// putSuperblock writes sb back, snapshotting the superblock region first
// if a transaction is active.
func (p *Pool) putSuperblock(sb superblock) error {
	if err := p.addRangeLocked(0, superblockSize); err != nil {
		return err
	}
	sb.put(p.data)
	return nil
}

// ---- chunk header ----

type chunkHeader struct {
	size     uint64
	kind     Kind
	free     uint32
	nextFree uint64
}

func readChunkHeader(data []byte, off uint64) chunkHeader {
	var h chunkHeader
	h.size = binary.LittleEndian.Uint64(data[off : off+8])
	h.kind = Kind(binary.LittleEndian.Uint32(data[off+8 : off+12]))
	h.free = binary.LittleEndian.Uint32(data[off+12 : off+16])
	h.nextFree = binary.LittleEndian.Uint64(data[off+16 : off+24])
	return h
}

func (h chunkHeader) put(data []byte, off uint64) {
	binary.LittleEndian.PutUint64(data[off:off+8], h.size)
	binary.LittleEndian.PutUint32(data[off+8:off+12], uint32(h.kind))
	binary.LittleEndian.PutUint32(data[off+12:off+16], h.free)
	binary.LittleEndian.PutUint64(data[off+16:off+24], h.nextFree)
}

// ---- transactions ----

// Begin starts (or nests into) a transaction on the pool.
func (p *Pool) Begin() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tx == nil {
		p.tx = &txState{}
	}
	p.tx.level++
	return nil
}

// Commit ends one nesting level. The outermost Commit discards the undo
// log — writes already happened in place, matching an undo-log (not a
// redo-log) transaction.
func (p *Pool) Commit() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tx == nil {
		return ErrNoTransaction
	}
	p.tx.level--
	if p.tx.level <= 0 {
		p.tx = nil
	}
	return nil
}

// Abort rewinds every write logged since the outermost Begin, in reverse
// order, then ends every nesting level: an inner abort aborts the whole
// transaction.
func (p *Pool) Abort() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tx == nil {
		return ErrNoTransaction
	}
	for i := len(p.tx.log) - 1; i >= 0; i-- {
		e := p.tx.log[i]
		copy(p.data[e.offset:e.offset+uint64(len(e.old))], e.old)
	}
	p.tx.log = nil
	p.tx.level = 0
	p.tx = nil
	return nil
}

// InTransaction reports whether a transaction is currently active.
func (p *Pool) InTransaction() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tx != nil
}

// AddRange snapshots [offset, offset+size) into the undo log before the
// caller mutates it directly via Direct. It is the PMEM analogue of
// tx_add_range_direct / mansub1029's Log.
func (p *Pool) AddRange(offset, size uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addRangeLocked(offset, size)
}

func (p *Pool) addRangeLocked(offset, size uint64) error {
	if p.tx == nil {
		return ErrNoTransaction
	}
	if offset+size > p.size {
		return ErrInvalidArgument
	}
	old := make([]byte, size)
	copy(old, p.data[offset:offset+size])
	p.tx.log = append(p.tx.log, logEntry{offset: offset, old: old})
	return nil
}

// ---- allocation ----

// Alloc reserves size bytes of the given kind and returns its OID. Must be
// called inside an active transaction.
func (p *Pool) Alloc(size uint64, kind Kind) (OID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tx == nil {
		return Null, ErrNoTransaction
	}
	if size == 0 {
		return Null, ErrInvalidArgument
	}
	payload := align(size, alignment)

	off, err := p.findOrExtend(payload)
	if err != nil {
		return Null, err
	}
	h := chunkHeader{size: payload, kind: kind, free: 0}
	if err := p.addRangeLocked(off, chunkHeaderSize+payload); err != nil {
		return Null, err
	}
	h.put(p.data, off)
	zero(p.data[off+chunkHeaderSize : off+chunkHeaderSize+payload])

	return OID{PoolUUIDLo: p.superblock().uuidLo, Off: off + chunkHeaderSize}, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// findOrExtend returns the offset of a chunk header for a free chunk of
// at least payload bytes, splitting it if there's enough room for a new
// free chunk in the remainder, or extends the bump arena if no free chunk
// fits.
func (p *Pool) findOrExtend(payload uint64) (uint64, error) {
	sb := p.superblock()

	var prevFreeOff uint64 // offset of header whose nextFree points at the match; 0 == freeListHead itself
	cur := sb.freeListHead
	for cur != 0 {
		h := readChunkHeader(p.data, cur)
		if h.size >= payload {
			// unlink
			if prevFreeOff == 0 {
				sb.freeListHead = h.nextFree
			} else {
				ph := readChunkHeader(p.data, prevFreeOff)
				ph.nextFree = h.nextFree
				if err := p.addRangeLocked(prevFreeOff, chunkHeaderSize); err != nil {
					return 0, err
				}
				ph.put(p.data, prevFreeOff)
			}
			if err := p.putSuperblock(sb); err != nil {
				return 0, err
			}

			remainder := h.size - payload
			if remainder > chunkHeaderSize+alignment {
				newOff := cur + chunkHeaderSize + payload
				newHeader := chunkHeader{size: remainder - chunkHeaderSize, kind: KindFree, free: 1}
				if err := p.addRangeLocked(newOff, chunkHeaderSize); err != nil {
					return 0, err
				}
				newHeader.put(p.data, newOff)
				if err := p.pushFree(newOff); err != nil {
					return 0, err
				}
				h.size = payload
			}
			return cur, nil
		}
		prevFreeOff = cur
		cur = h.nextFree
	}

	// No free chunk fits; extend the bump arena.
	need := chunkHeaderSize + payload
	if sb.bump+need > sb.size {
		return 0, ErrOutOfMemory
	}
	off := sb.bump
	sb.bump += need
	if err := p.putSuperblock(sb); err != nil {
		return 0, err
	}
	return off, nil
}

func (p *Pool) pushFree(off uint64) error {
	sb := p.superblock()
	h := readChunkHeader(p.data, off)
	h.free = 1
	h.kind = KindFree
	h.nextFree = sb.freeListHead
	if err := p.addRangeLocked(off, chunkHeaderSize); err != nil {
		return err
	}
	h.put(p.data, off)
	sb.freeListHead = off
	return p.putSuperblock(sb)
}

// Free releases the chunk backing oid. Must be called inside an active
// transaction.
func (p *Pool) Free(oid OID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tx == nil {
		return ErrNoTransaction
	}
	if oid.IsNull() {
		return nil
	}
	off := oid.Off - chunkHeaderSize
	return p.pushFree(off)
}

// Realloc grows the chunk backing oid to newSize bytes, preserving the old
// payload, and returns the (possibly new) OID. When newSize fits in the
// existing chunk, oid is returned unchanged; chunks are never shrunk. Must
// be called inside an active transaction.
func (p *Pool) Realloc(oid OID, newSize uint64, kind Kind) (OID, error) {
	if oid.IsNull() {
		return p.Alloc(newSize, kind)
	}
	off := oid.Off - chunkHeaderSize
	h := readChunkHeader(p.data, off)
	if newSize <= h.size {
		return oid, nil
	}
	newOID, err := p.Alloc(newSize, kind)
	if err != nil {
		return Null, err
	}
	p.mu.Lock()
	if err := p.addRangeLocked(newOID.Off, h.size); err != nil {
		p.mu.Unlock()
		return Null, err
	}
	copy(p.data[newOID.Off:newOID.Off+h.size], p.data[oid.Off:oid.Off+h.size])
	p.mu.Unlock()
	if err := p.Free(oid); err != nil {
		return Null, err
	}
	return newOID, nil
}

// Direct returns a byte slice view of the size bytes at oid's payload
// offset. Callers must AddRange before mutating it.
func (p *Pool) Direct(oid OID, size uint64) []byte {
	if oid.IsNull() {
		return nil
	}
	return p.data[oid.Off : oid.Off+size]
}

// TypeNum returns the allocator kind the chunk backing oid was allocated
// with.
func (p *Pool) TypeNum(oid OID) (Kind, error) {
	if oid.IsNull() {
		return KindFree, ErrInvalidArgument
	}
	h := readChunkHeader(p.data, oid.Off-chunkHeaderSize)
	return h.kind, nil
}

// Size returns the payload size of the chunk backing oid.
func (p *Pool) Size(oid OID) uint64 {
	if oid.IsNull() {
		return 0
	}
	return readChunkHeader(p.data, oid.Off-chunkHeaderSize).size
}

// First returns the OID of the first live (non-free) chunk in the pool,
// walked in offset order, or Null if there are none.
func (p *Pool) First() OID {
	p.mu.Lock()
	defer p.mu.Unlock()
	sb := p.superblock()
	return p.scan(superblockSize, sb.bump)
}

// Next returns the OID of the next live chunk after oid, or Null.
func (p *Pool) Next(oid OID) OID {
	p.mu.Lock()
	defer p.mu.Unlock()
	sb := p.superblock()
	h := readChunkHeader(p.data, oid.Off-chunkHeaderSize)
	start := oid.Off - chunkHeaderSize + chunkHeaderSize + h.size
	return p.scan(start, sb.bump)
}

func (p *Pool) scan(from, bump uint64) OID {
	cur := from
	uuid := p.superblock().uuidLo
	for cur < bump {
		h := readChunkHeader(p.data, cur)
		if h.free == 0 {
			return OID{PoolUUIDLo: uuid, Off: cur + chunkHeaderSize}
		}
		cur += chunkHeaderSize + h.size
	}
	return Null
}

// Root returns the pool's root OID, allocating it (with the given size)
// the first time it is requested with a nonzero size. Must be called
// inside an active transaction the first time size is nonzero.
func (p *Pool) Root(size uint64) (OID, error) {
	p.mu.Lock()
	sb := p.superblock()
	p.mu.Unlock()

	if sb.rootOff != 0 {
		return OID{PoolUUIDLo: sb.uuidLo, Off: sb.rootOff}, nil
	}
	if size == 0 {
		return Null, nil
	}

	oid, err := p.Alloc(size, KindRoot)
	if err != nil {
		return Null, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	sb = p.superblock()
	sb.rootOff = oid.Off
	sb.rootSize = size
	if err := p.putSuperblock(sb); err != nil {
		return Null, err
	}
	return oid, nil
}

// RootSize returns the size the root record was created with, or 0 if
// the pool has no root yet.
func (p *Pool) RootSize() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.superblock().rootSize
}
