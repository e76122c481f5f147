package pmemobj

import (
	"encoding/binary"
	"math"
	"reflect"
	"strconv"

	"github.com/tahitihat/pmemobj/internal/pmem"
)

// Codec persists and resurrects one Go type as a persistent object,
// generalizing spec.md §4.6's "hook for user-defined persistent types."
// The three built-in immutable codecs below (int64, float64, string)
// implement the same interface as anything a caller registers with
// Pool.RegisterCodec.
type Codec interface {
	// ClassName is the identifier stored in the type registry for this
	// codec's type.
	ClassName() string
	// GoType is the reflect.Type this codec persists values of.
	GoType() reflect.Type
	// Persist writes value as a new persistent object tagged with
	// typeCode and returns its OID. Must run inside an active
	// transaction.
	Persist(p *Pool, typeCode uint64, value interface{}) (OID, error)
	// Resurrect reconstructs the Go value stored at oid.
	Resurrect(p *Pool, oid OID) (interface{}, error)
}

// intCodec persists int64 values the way spec.md §3 describes: "int
// stored as string-with-overridden type-code" — the same variable-size
// header + UTF-8 bytes + NUL layout a string uses, decimal-formatted,
// but tagged with int's own registered type code rather than
// TypeCodeString.
type intCodec struct{}

func (intCodec) ClassName() string    { return "int" }
func (intCodec) GoType() reflect.Type { return reflect.TypeOf(int64(0)) }

func (intCodec) Persist(p *Pool, typeCode uint64, value interface{}) (OID, error) {
	v := value.(int64)
	s := strconv.FormatInt(v, 10)
	n := uint64(len(s))
	oid, err := p.pmem.Alloc(varHeaderSize+n+1, pmem.KindObject)
	if err != nil {
		return NullOID, wrapErr(ErrOutOfMemory, err, "allocate int %d", v)
	}
	if err := p.pmem.AddRange(oid.Off, varHeaderSize+n+1); err != nil {
		return NullOID, wrapErr(ErrInternal, err, "snapshot new int")
	}
	writeHeader(p.pmem, oid, 0, typeCode)
	writeVarSize(p.pmem, oid, n)
	b := body(p.pmem, oid, n+1)
	copy(b[:n], s)
	b[n] = 0
	return oid, nil
}

func (intCodec) Resurrect(p *Pool, oid OID) (interface{}, error) {
	n := readVarSize(p.pmem, oid)
	b := body(p.pmem, oid, n+1)
	v, err := strconv.ParseInt(string(b[:n]), 10, 64)
	if err != nil {
		return nil, wrapErr(ErrInternal, err, "parse persisted int")
	}
	return v, nil
}

// floatCodec persists float64 values as a fixed 8-byte IEEE754 body
// (spec.md §3 "float body"), with no variable-size header since the
// payload size never varies.
type floatCodec struct{}

func (floatCodec) ClassName() string    { return "float" }
func (floatCodec) GoType() reflect.Type { return reflect.TypeOf(float64(0)) }

func (floatCodec) Persist(p *Pool, typeCode uint64, value interface{}) (OID, error) {
	v := value.(float64)
	oid, err := p.pmem.Alloc(objHeaderSize+8, pmem.KindObject)
	if err != nil {
		return NullOID, wrapErr(ErrOutOfMemory, err, "allocate float %v", v)
	}
	if err := p.pmem.AddRange(oid.Off, objHeaderSize+8); err != nil {
		return NullOID, wrapErr(ErrInternal, err, "snapshot new float")
	}
	writeHeader(p.pmem, oid, 0, typeCode)
	b := fixedBody(p.pmem, oid, 8)
	binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	return oid, nil
}

func (floatCodec) Resurrect(p *Pool, oid OID) (interface{}, error) {
	b := fixedBody(p.pmem, oid, 8)
	return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
}

// stringCodec persists string values using TypeCodeString directly,
// bypassing the dynamic type registry exactly as strobj.go's newString
// does, since "str" is a bootstrap entry, not a dynamically registered
// class.
type stringCodec struct{}

func (stringCodec) ClassName() string    { return "str" }
func (stringCodec) GoType() reflect.Type { return reflect.TypeOf("") }

func (stringCodec) Persist(p *Pool, _ uint64, value interface{}) (OID, error) {
	return newString(p.pmem, value.(string))
}

func (stringCodec) Resurrect(p *Pool, oid OID) (interface{}, error) {
	return readString(p.pmem, oid), nil
}

// codecTable dispatches persist calls by Go type and resurrect calls by
// class name (read out of the type registry for the object's type code).
type codecTable struct {
	byGoType map[reflect.Type]Codec
	byName   map[string]Codec
}

func newCodecTable() *codecTable {
	t := &codecTable{
		byGoType: make(map[reflect.Type]Codec),
		byName:   make(map[string]Codec),
	}
	for _, c := range []Codec{intCodec{}, floatCodec{}, stringCodec{}} {
		t.register(c)
	}
	return t
}

func (t *codecTable) register(c Codec) {
	t.byGoType[c.GoType()] = c
	t.byName[c.ClassName()] = c
}

func (t *codecTable) forValue(v interface{}) (Codec, bool) {
	c, ok := t.byGoType[reflect.TypeOf(v)]
	return c, ok
}

func (t *codecTable) forName(name string) (Codec, bool) {
	c, ok := t.byName[name]
	return c, ok
}
