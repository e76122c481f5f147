package pmemobj

import (
	"fmt"
	"io"

	"github.com/tahitihat/pmemobj/internal/pmem"
)

// Tracer is an optional extension to Codec for a user-defined container
// type: it reports the OIDs it holds so the garbage collector can trace
// reachability through it, the same role List.Traverse plays for the
// built-in container.
type Tracer interface {
	Trace(p *Pool, oid OID) ([]OID, error)
}

// GC runs the garbage collector's full catalog/sweep/trace/reclaim pass
// (spec.md §4.10) and returns a class-name histogram of every object
// still live afterward, plus a stats map keyed with the original's own
// gc_counts vocabulary: "containers-total", "other-total",
// "orphans0-gced" (refcount-0 orphans swept in phase 2), "orphans1-gced"
// (non-container cyclic garbage reclaimed in phase 5), "containers-live",
// "other-live", "collections-gced" (container cycles reclaimed in phase
// 5), and "other-gced". When debug is true, a line is written to out for
// each phase; out defaults to io.Discard.
func (p *Pool) GC(debug bool, out io.Writer) (typeCounts map[string]int, stats map[string]int, err error) {
	if out == nil || !debug {
		out = io.Discard
	}
	stats = map[string]int{
		"containers-total": 0, "other-total": 0,
		"orphans0-gced": 0, "orphans1-gced": 0,
		"containers-live": 0, "other-live": 0,
		"collections-gced": 0, "other-gced": 0,
	}

	// Phase 1: catalog every POBJECT-kind allocation into orphans
	// (refcount == 0), containers (lists, and user types with a Tracer),
	// and other (everything else).
	var orphans, containers, other []OID
	for oid := p.pmem.First(); !oid.IsNull(); oid = p.pmem.Next(oid) {
		kind, err := p.pmem.TypeNum(oid)
		if err != nil {
			return nil, nil, wrapErr(ErrInternal, err, "gc: type of %s", FormatOID(oid))
		}
		if kind != pmem.KindObject {
			continue
		}
		refcount, typeCode := readHeader(p.pmem, oid)
		if refcount == 0 {
			orphans = append(orphans, oid)
			continue
		}
		if p.isContainerType(typeCode) {
			containers = append(containers, oid)
		} else {
			other = append(other, oid)
		}
	}
	fmt.Fprintf(out, "gc: catalogued %d orphans, %d containers, %d other\n", len(orphans), len(containers), len(other))
	stats["containers-total"] = len(containers)
	stats["other-total"] = len(other)

	// Phase 2: sweep orphans — allocated but never reference-counted up,
	// the mark of a transaction that allocated an object and committed
	// without wiring it in, or crashed before doing so (an aborted
	// transaction rewinds the allocation itself).
	swept := make(map[OID]bool)
	stats["orphans0-gced"] = len(orphans)
	for _, oid := range orphans {
		if err := WithTransaction(p.pmem, func(*Txn) error {
			return forceDeallocate(p, oid, swept)
		}); err != nil {
			return nil, nil, wrapErr(ErrInternal, err, "gc: sweep orphan %s", FormatOID(oid))
		}
	}

	// Phase 3 (debug only): a light substructure integrity check — every
	// surviving list's allocated capacity must be at least its length.
	if debug {
		for _, oid := range containers {
			if swept[oid] {
				continue
			}
			_, typeCode := readHeader(p.pmem, oid)
			if typeCode != TypeCodeList {
				continue
			}
			l := OpenList(p.pmem, oid)
			_, allocated := readListBody(p.pmem, oid)
			if uint64(l.Len()) > allocated {
				fmt.Fprintf(out, "gc: integrity check failed for list %s: len %d > allocated %d\n", FormatOID(oid), l.Len(), allocated)
			}
		}
	}

	// Phase 4: trace the live set from the two roots spec.md's persistent
	// root record names — the type table and the root object.
	visited := make(map[OID]bool)
	var queue []OID
	queue = append(queue, p.registry.TableOID())
	if rootObj, err := p.rootObject(); err == nil && !rootObj.IsNull() {
		queue = append(queue, rootObj)
	}
	for len(queue) > 0 {
		oid := queue[0]
		queue = queue[1:]
		if oid.IsNull() || visited[oid] || swept[oid] {
			continue
		}
		visited[oid] = true
		_, typeCode := readHeader(p.pmem, oid)
		if typeCode == TypeCodeList {
			for _, child := range OpenList(p.pmem, oid).Traverse() {
				if !child.IsNull() && !visited[child] {
					queue = append(queue, child)
				}
			}
			continue
		}
		if name, err := p.registry.ClassName(typeCode); err == nil {
			if codec, ok := p.codecs.forName(name); ok {
				if tracer, ok := codec.(Tracer); ok {
					children, err := tracer.Trace(p, oid)
					if err == nil {
						for _, child := range children {
							if !child.IsNull() && !visited[child] {
								queue = append(queue, child)
							}
						}
					}
				}
			}
		}
	}
	fmt.Fprintf(out, "gc: traced %d live objects\n", len(visited))

	for _, oid := range containers {
		if visited[oid] {
			stats["containers-live"]++
		}
	}
	for _, oid := range other {
		if visited[oid] {
			stats["other-live"]++
		}
	}

	// Phase 5: reclaim cycles — containers and other-bucket objects are
	// counted (and reclaimed) separately, matching the original's
	// collections-gced/orphans1-gced split: a container left unreached by
	// the trace is a genuine reference cycle, while a non-container left
	// unreached is a second kind of orphan (positive refcount, reachable
	// only from cyclic garbage).
	reclaimed := make(map[OID]bool)
	var unreachedContainers, unreachedOther []OID
	for _, oid := range containers {
		if !swept[oid] && !visited[oid] {
			unreachedContainers = append(unreachedContainers, oid)
		}
	}
	for _, oid := range other {
		if !swept[oid] && !visited[oid] {
			unreachedOther = append(unreachedOther, oid)
		}
	}
	for _, oid := range unreachedContainers {
		if err := WithTransaction(p.pmem, func(*Txn) error {
			return forceDeallocate(p, oid, reclaimed)
		}); err != nil {
			return nil, nil, wrapErr(ErrInternal, err, "gc: reclaim container %s", FormatOID(oid))
		}
	}
	stats["collections-gced"] = len(unreachedContainers)
	for _, oid := range unreachedOther {
		if reclaimed[oid] {
			continue
		}
		if err := WithTransaction(p.pmem, func(*Txn) error {
			return forceDeallocate(p, oid, reclaimed)
		}); err != nil {
			return nil, nil, wrapErr(ErrInternal, err, "gc: reclaim orphan %s", FormatOID(oid))
		}
		stats["orphans1-gced"]++
	}
	stats["other-gced"] = len(unreachedOther) - stats["orphans1-gced"]
	fmt.Fprintf(out, "gc: reclaimed %d cyclic containers, %d secondary orphans\n", stats["collections-gced"], stats["orphans1-gced"])

	// Phase 6: report a class-name histogram of everything still live.
	typeCounts = make(map[string]int)
	for oid := p.pmem.First(); !oid.IsNull(); oid = p.pmem.Next(oid) {
		kind, err := p.pmem.TypeNum(oid)
		if err != nil || kind != pmem.KindObject {
			continue
		}
		_, typeCode := readHeader(p.pmem, oid)
		name, err := p.registry.ClassName(typeCode)
		if err != nil {
			name = "?"
		}
		typeCounts[name]++
	}

	return typeCounts, stats, nil
}

func (p *Pool) isContainerType(typeCode uint64) bool {
	if typeCode == TypeCodeList {
		return true
	}
	name, err := p.registry.ClassName(typeCode)
	if err != nil {
		return false
	}
	codec, ok := p.codecs.forName(name)
	if !ok {
		return false
	}
	_, ok = codec.(Tracer)
	return ok
}
