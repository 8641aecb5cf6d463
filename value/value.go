// Package value defines Value, the tagged variant which holds every property
// value of a strata object: scalars, links between objects, and the list,
// set, and dictionary collections.
//
// Values are immutable. Two further kinds, Ref and Embedded, are portable
// forms used only in sync changesets: a Ref identifies a linked object by its
// primary key rather than its local row, and an Embedded carries an embedded
// object's fields inline.
package value

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Kind of a Value.
type Kind uint8

// Kinds of Values. The ordering of Kinds is stable, and is used to order
// Values of differing Kinds.
const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindDouble
	KindString
	KindBinary
	KindTimestamp
	KindUUID
	KindLink
	KindList
	KindSet
	KindDictionary
	KindRef
	KindEmbedded
)

var kindNames = [...]string{
	KindNull:       "null",
	KindBool:       "bool",
	KindInt:        "int",
	KindDouble:     "double",
	KindString:     "string",
	KindBinary:     "binary",
	KindTimestamp:  "timestamp",
	KindUUID:       "uuid",
	KindLink:       "link",
	KindList:       "list",
	KindSet:        "set",
	KindDictionary: "dictionary",
	KindRef:        "ref",
	KindEmbedded:   "embedded",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// ParseKind parses the String form of a Kind.
func ParseKind(s string) (Kind, error) {
	for k, n := range kindNames {
		if n == s {
			return Kind(k), nil
		}
	}
	return 0, errors.Errorf("unknown value kind %q", s)
}

// Value is a tagged variant. The zero Value is Null.
type Value struct {
	kind  Kind
	i     int64 // Bool, Int, Timestamp (unix nanos), Link (row key).
	f     float64
	s     string // String, Binary, UUID (raw bytes), Link / Ref / Embedded (class).
	elems []Value
	dict  map[string]Value
	pk    *Value
}

// Null returns the null Value.
func Null() Value { return Value{} }

// Bool returns a boolean Value.
func Bool(b bool) Value {
	var v = Value{kind: KindBool}
	if b {
		v.i = 1
	}
	return v
}

// Int returns an integer Value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Double returns a floating-point Value.
func Double(f float64) Value { return Value{kind: KindDouble, f: f} }

// String returns a string Value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Binary returns a binary Value holding a copy of |b|.
func Binary(b []byte) Value { return Value{kind: KindBinary, s: string(b)} }

// Timestamp returns a Value of |t|, with nanosecond precision.
func Timestamp(t time.Time) Value { return Value{kind: KindTimestamp, i: t.UnixNano()} }

// UUID returns a UUID Value.
func UUID(u uuid.UUID) Value { return Value{kind: KindUUID, s: string(u[:])} }

// Link returns a Value linking to row |key| of |class|.
func Link(class string, key int64) Value { return Value{kind: KindLink, s: class, i: key} }

// List returns a list Value of |elems|.
func List(elems ...Value) Value {
	return Value{kind: KindList, elems: append([]Value(nil), elems...)}
}

// Set returns a set Value of the distinct |elems|, in first-seen order.
func Set(elems ...Value) Value {
	var out = make([]Value, 0, len(elems))
	for _, e := range elems {
		if indexOf(out, e) == -1 {
			out = append(out, e)
		}
	}
	return Value{kind: KindSet, elems: out}
}

// Dictionary returns a dictionary Value holding a copy of |m|.
func Dictionary(m map[string]Value) Value {
	var d = make(map[string]Value, len(m))
	for k, v := range m {
		d[k] = v
	}
	return Value{kind: KindDictionary, dict: d}
}

// Ref returns a portable reference to the object of |class| having
// primary key |pk|.
func Ref(class string, pk Value) Value {
	return Value{kind: KindRef, s: class, pk: &pk}
}

// Embedded returns a portable embedded object of |class| with |fields|.
func Embedded(class string, fields map[string]Value) Value {
	var v = Dictionary(fields)
	v.kind, v.s = KindEmbedded, class
	return v
}

// Kind of the Value.
func (v Value) Kind() Kind { return v.kind }

// IsNull returns true if the Value is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Bool returns the Value's boolean.
func (v Value) Bool() bool { return v.i != 0 }

// Int returns the Value's integer.
func (v Value) Int() int64 { return v.i }

// Double returns the Value's float. Int Values are converted.
func (v Value) Double() float64 {
	if v.kind == KindInt {
		return float64(v.i)
	}
	return v.f
}

// Str returns the Value's string.
func (v Value) Str() string { return v.s }

// Bytes returns the Value's binary content.
func (v Value) Bytes() []byte { return []byte(v.s) }

// Time returns the Value's timestamp, in UTC.
func (v Value) Time() time.Time { return time.Unix(0, v.i).UTC() }

// UUID returns the Value's UUID.
func (v Value) UUID() uuid.UUID {
	var u uuid.UUID
	copy(u[:], v.s)
	return u
}

// Class returns the class of a Link, Ref, or Embedded Value.
func (v Value) Class() string { return v.s }

// Key returns the row key of a Link Value.
func (v Value) Key() int64 { return v.i }

// PK returns the primary key of a Ref Value.
func (v Value) PK() Value {
	if v.pk == nil {
		return Null()
	}
	return *v.pk
}

// Elems returns the elements of a List or Set Value. The returned slice must
// not be modified.
func (v Value) Elems() []Value { return v.elems }

// Len returns the number of elements of a collection Value.
func (v Value) Len() int {
	if v.kind == KindDictionary || v.kind == KindEmbedded {
		return len(v.dict)
	}
	return len(v.elems)
}

// Dict returns the entries of a Dictionary or Embedded Value. The returned
// map must not be modified.
func (v Value) Dict() map[string]Value { return v.dict }

// Keys returns the sorted keys of a Dictionary or Embedded Value.
func (v Value) Keys() []string {
	var keys = make([]string, 0, len(v.dict))
	for k := range v.dict {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Contains returns whether a List or Set holds an element equal to |e|.
func (v Value) Contains(e Value) bool { return indexOf(v.elems, e) != -1 }

// IsCollection returns true for List, Set, and Dictionary Values.
func (v Value) IsCollection() bool {
	return v.kind == KindList || v.kind == KindSet || v.kind == KindDictionary
}

// Numeric returns true for Int and Double Values.
func (v Value) Numeric() bool { return v.kind == KindInt || v.kind == KindDouble }

// Equal returns whether |v| and |o| are equal. See Compare.
func (v Value) Equal(o Value) bool { return Compare(v, o) == 0 }

// Compare imposes a total order over Values. Null orders first. Int and
// Double compare numerically with one another. Other Values of differing
// Kinds order by Kind.
func Compare(a, b Value) int {
	if a.Numeric() && b.Numeric() {
		if a.kind == KindInt && b.kind == KindInt {
			return cmpInt(a.i, b.i)
		}
		return cmpFloat(a.Double(), b.Double())
	}
	if a.kind != b.kind {
		return cmpInt(int64(a.kind), int64(b.kind))
	}

	switch a.kind {
	case KindNull:
		return 0
	case KindBool, KindTimestamp:
		return cmpInt(a.i, b.i)
	case KindString, KindBinary, KindUUID:
		return strings.Compare(a.s, b.s)
	case KindLink:
		if c := strings.Compare(a.s, b.s); c != 0 {
			return c
		}
		return cmpInt(a.i, b.i)
	case KindRef:
		if c := strings.Compare(a.s, b.s); c != 0 {
			return c
		}
		return Compare(a.PK(), b.PK())
	case KindList, KindSet:
		for i := 0; i != len(a.elems) && i != len(b.elems); i++ {
			if c := Compare(a.elems[i], b.elems[i]); c != 0 {
				return c
			}
		}
		return cmpInt(int64(len(a.elems)), int64(len(b.elems)))
	case KindDictionary, KindEmbedded:
		if c := strings.Compare(a.s, b.s); c != 0 {
			return c
		}
		var ak, bk = a.Keys(), b.Keys()
		for i := 0; i != len(ak) && i != len(bk); i++ {
			if c := strings.Compare(ak[i], bk[i]); c != 0 {
				return c
			} else if c = Compare(a.dict[ak[i]], b.dict[bk[i]]); c != 0 {
				return c
			}
		}
		return cmpInt(int64(len(ak)), int64(len(bk)))
	}
	return 0
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	case math.IsNaN(a) && !math.IsNaN(b):
		return -1
	case !math.IsNaN(a) && math.IsNaN(b):
		return 1
	}
	return 0
}

func indexOf(elems []Value, e Value) int {
	for i := range elems {
		if elems[i].kind == e.kind && Compare(elems[i], e) == 0 {
			return i
		}
	}
	return -1
}

// String returns a human-readable representation of the Value.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(v.Bool())
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindDouble:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return strconv.Quote(v.s)
	case KindBinary:
		return "B64\"" + base64.StdEncoding.EncodeToString([]byte(v.s)) + "\""
	case KindTimestamp:
		return "T" + v.Time().Format(time.RFC3339Nano)
	case KindUUID:
		return "uuid(" + v.UUID().String() + ")"
	case KindLink:
		return fmt.Sprintf("%s[%d]", v.s, v.i)
	case KindRef:
		return fmt.Sprintf("%s(%s)", v.s, v.PK())
	case KindList, KindSet:
		var b bytes.Buffer
		if v.kind == KindList {
			b.WriteByte('[')
		} else {
			b.WriteByte('{')
		}
		for i, e := range v.elems {
			if i != 0 {
				b.WriteString(", ")
			}
			b.WriteString(e.String())
		}
		if v.kind == KindList {
			b.WriteByte(']')
		} else {
			b.WriteByte('}')
		}
		return b.String()
	case KindDictionary, KindEmbedded:
		var b bytes.Buffer
		b.WriteString(v.s)
		b.WriteByte('{')
		for i, k := range v.Keys() {
			if i != 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%q: %s", k, v.dict[k])
		}
		b.WriteByte('}')
		return b.String()
	}
	return v.kind.String()
}

// Of converts a Go value into a Value. Supported are nil, bool, signed and
// unsigned integers, floats, string, []byte, time.Time, uuid.UUID, Value,
// []Value (as a List) and map[string]Value.
func Of(x interface{}) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int8:
		return Int(int64(t)), nil
	case int16:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint8:
		return Int(int64(t)), nil
	case uint16:
		return Int(int64(t)), nil
	case uint32:
		return Int(int64(t)), nil
	case uint:
		if uint64(t) > math.MaxInt64 {
			return Null(), errors.Errorf("integer %d overflows int64", t)
		}
		return Int(int64(t)), nil
	case uint64:
		if t > math.MaxInt64 {
			return Null(), errors.Errorf("integer %d overflows int64", t)
		}
		return Int(int64(t)), nil
	case float32:
		return Double(float64(t)), nil
	case float64:
		return Double(t), nil
	case string:
		return String(t), nil
	case []byte:
		return Binary(t), nil
	case time.Time:
		return Timestamp(t), nil
	case uuid.UUID:
		return UUID(t), nil
	case []Value:
		return List(t...), nil
	case map[string]Value:
		return Dictionary(t), nil
	}
	return Null(), errors.Errorf("unsupported type %T", x)
}

// MustOf is Of, which panics on error.
func MustOf(x interface{}) Value {
	var v, err = Of(x)
	if err != nil {
		panic(err)
	}
	return v
}
