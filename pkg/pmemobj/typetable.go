package pmemobj

import (
	"github.com/tahitihat/pmemobj/internal/pmem"
)

// Registry is the type table: a persistent list of class-identifier
// strings, indexed by type code (spec.md §3 "type registry", §4.3). Index
// 0 is always "PersistentList" and index 1 is always "str" — the two
// built-in types that the registry's own storage (a list of strings)
// depends on, so they are seeded directly with the hardcoded
// TypeCodeList/TypeCodeString constants rather than being registered
// through the lookup path below, which breaks the circularity.
type Registry struct {
	pool  *pmem.Pool
	table *List

	// names/index mirror the persisted table in memory for fast lookups;
	// they are rebuilt from the table on open and kept in sync on writes.
	names []string
	index map[string]uint64
}

// bootstrapRegistry creates a fresh type table with its two reserved
// entries. Must run inside an active transaction.
func bootstrapRegistry(pool *pmem.Pool) (*Registry, error) {
	table, err := NewList(pool)
	if err != nil {
		return nil, err
	}
	// The table is rooted only through the pool's root record, never
	// through a refcounted slot, so nothing else will ever incref it;
	// anchor it here once so GC's orphan sweep (refcount == 0) doesn't
	// free it out from under the trace phase that reaches it via
	// Registry.TableOID.
	if err := increfRaw(pool, table.OID()); err != nil {
		return nil, err
	}
	r := &Registry{pool: pool, table: table, index: make(map[string]uint64)}
	for _, name := range []string{"PersistentList", "str"} {
		if _, err := r.appendRaw(name); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// openRegistry wraps an existing type table and loads its entries into
// memory.
func openRegistry(pool *pmem.Pool, tableOID OID) (*Registry, error) {
	table := OpenList(pool, tableOID)
	r := &Registry{pool: pool, table: table, index: make(map[string]uint64)}
	for _, oid := range table.Traverse() {
		name := readString(pool, oid)
		r.names = append(r.names, name)
		r.index[name] = uint64(len(r.names) - 1)
	}
	return r, nil
}

// TableOID returns the OID of the registry's backing list, for storage in
// the pool's root record.
func (r *Registry) TableOID() OID { return r.table.OID() }

func (r *Registry) appendRaw(name string) (uint64, error) {
	sOID, err := newString(r.pool, name)
	if err != nil {
		return 0, err
	}
	if err := r.table.Append(sOID); err != nil {
		return 0, err
	}
	code := uint64(len(r.names))
	r.names = append(r.names, name)
	r.index[name] = code
	return code, nil
}

// RegisterClass returns the type code for name, registering it as a new
// entry in the type table if it isn't already present. Must run inside
// an active transaction the first time a given name is seen.
func (r *Registry) RegisterClass(name string) (uint64, error) {
	if code, ok := r.index[name]; ok {
		return code, nil
	}
	return r.appendRaw(name)
}

// ClassName returns the class-identifier string registered under code.
func (r *Registry) ClassName(code uint64) (string, error) {
	if code >= uint64(len(r.names)) {
		return "", newErr(ErrTypeNotPersistable, "no class registered for type code %d", code)
	}
	return r.names[code], nil
}

// Len returns how many classes (including the two bootstrap entries) are
// registered.
func (r *Registry) Len() int { return len(r.names) }
