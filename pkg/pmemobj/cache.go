package pmemobj

import "reflect"

// Cache is the object cache (spec.md §4.5): a bidirectional map between
// OIDs and the host-language values that represent them in this process,
// so that resurrecting the same OID twice returns the same Go value (for
// a *List, the same pointer; for an immutable scalar, an equal value) and
// persisting an already-seen value doesn't allocate a duplicate object.
//
// Writes made during an open transaction are kept in a staging overlay
// until the transaction's outermost level commits; an abort at any level
// discards the whole overlay, matching the undo-log discipline
// internal/pmem uses for the bytes themselves.
type Cache struct {
	byOID   map[OID]interface{}
	byValue map[interface{}]OID

	staged *cacheOverlay
	level  int
}

type cacheOverlay struct {
	byOID   map[OID]interface{}
	byValue map[interface{}]OID
}

func newCache() *Cache {
	return &Cache{
		byOID:   make(map[OID]interface{}),
		byValue: make(map[interface{}]OID),
	}
}

func newOverlay() *cacheOverlay {
	return &cacheOverlay{
		byOID:   make(map[OID]interface{}),
		byValue: make(map[interface{}]OID),
	}
}

// Begin opens (or nests into) a staging overlay.
func (c *Cache) Begin() {
	c.level++
	if c.staged == nil {
		c.staged = newOverlay()
	}
}

// Commit ends one nesting level; at level zero it merges the overlay
// into the committed maps.
func (c *Cache) Commit() {
	if c.level == 0 {
		return
	}
	c.level--
	if c.level <= 0 {
		for k, v := range c.staged.byOID {
			c.byOID[k] = v
		}
		for k, v := range c.staged.byValue {
			c.byValue[k] = v
		}
		c.staged = nil
		c.level = 0
	}
}

// Abort discards the whole staging overlay, regardless of nesting level,
// matching internal/pmem.Pool's all-or-nothing Abort.
func (c *Cache) Abort() {
	c.staged = nil
	c.level = 0
}

// isCacheable reports whether value is safe to use as a Go map key — the
// built-in immutables (int64, float64, string) are, as are pointers
// (e.g. *List) and other comparable user types. A user-defined type
// whose dynamic type isn't comparable (a struct with a slice or map
// field, say) is not: indexing byValue with it would panic ("hash of
// unhashable type"), so such a "mutable host value" (spec.md §4.5) is
// persisted without a cache dedup entry instead.
func isCacheable(value interface{}) bool {
	switch value.(type) {
	case int64, float64, string:
		return true
	case nil:
		return false
	default:
		return reflect.TypeOf(value).Comparable()
	}
}

// Record associates value with oid in both directions.
func (c *Cache) Record(value interface{}, oid OID) {
	target := c.byOID
	targetV := c.byValue
	if c.staged != nil {
		target = c.staged.byOID
		targetV = c.staged.byValue
	}
	target[oid] = value
	if isCacheable(value) {
		targetV[value] = oid
	}
}

// LookupByValue returns the OID already persisted for value, if any.
func (c *Cache) LookupByValue(value interface{}) (OID, bool) {
	if !isCacheable(value) {
		return NullOID, false
	}
	if c.staged != nil {
		if oid, ok := c.staged.byValue[value]; ok {
			return oid, true
		}
	}
	oid, ok := c.byValue[value]
	return oid, ok
}

// LookupByOID returns the host value already resurrected for oid, if
// any.
func (c *Cache) LookupByOID(oid OID) (interface{}, bool) {
	if c.staged != nil {
		if v, ok := c.staged.byOID[oid]; ok {
			return v, true
		}
	}
	v, ok := c.byOID[oid]
	return v, ok
}

// Forget removes oid from both maps, used when an object is freed so a
// later allocation that happens to reuse the same offset doesn't
// resurrect stale state.
func (c *Cache) Forget(oid OID) {
	if v, ok := c.byOID[oid]; ok {
		delete(c.byOID, oid)
		if isCacheable(v) {
			delete(c.byValue, v)
		}
	}
	if c.staged != nil {
		if v, ok := c.staged.byOID[oid]; ok {
			delete(c.staged.byOID, oid)
			if isCacheable(v) {
				delete(c.staged.byValue, v)
			}
		}
	}
}
