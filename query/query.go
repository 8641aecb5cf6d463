package query

import (
	"bytes"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.strata.dev/core/object"
	"go.strata.dev/core/value"
)

// SortKey orders results by the value of Path.
type SortKey struct {
	Path      string `json:"path"`
	Ascending bool   `json:"ascending"`
}

// Descriptor is one of a sort, a distinct, or a limit applied to the
// results of a Query. Descriptors apply in order.
type Descriptor struct {
	Sort     []SortKey `json:"sort,omitempty"`
	Distinct []string  `json:"distinct,omitempty"`
	Limit    int       `json:"limit,omitempty"`
}

// Validate returns an error if the Descriptor is malformed.
func (d Descriptor) Validate() error {
	var n int
	if len(d.Sort) != 0 {
		n++
	}
	if len(d.Distinct) != 0 {
		n++
	}
	if d.Limit != 0 {
		n++
		if d.Limit < 0 {
			return errors.Errorf("limit must be at least 1 (got %d)", d.Limit)
		}
	}
	if n != 1 {
		return errors.New("descriptor must have exactly one of sort, distinct, or limit")
	}
	return nil
}

// Query selects objects of Class matching Predicate, and applies
// Descriptors to the results.
type Query struct {
	Class       string       `json:"class"`
	Predicate   Predicate    `json:"predicate"`
	Descriptors []Descriptor `json:"descriptors,omitempty"`

	err error
}

// New returns a Query of all objects of |class|.
func New(class string) Query { return Query{Class: class, Predicate: True()} }

// Filter returns a Query which additionally matches the parsed |src| predicate.
func (q Query) Filter(src string, args ...interface{}) Query {
	var p, err = Parse(src, args...)
	if err != nil && q.err == nil {
		q.err = err
	}
	return q.Where(p)
}

// Where returns a Query which additionally matches |p|.
func (q Query) Where(p Predicate) Query {
	if q.Predicate.Op == "" || q.Predicate.Op == OpTrue {
		q.Predicate = p
	} else {
		q.Predicate = And(q.Predicate, p)
	}
	return q
}

// Sort returns a Query which sorts results by |keys|. Ties of the first key
// are broken by the second, and so on.
func (q Query) Sort(keys ...SortKey) Query {
	return q.with(Descriptor{Sort: keys})
}

// Distinct returns a Query which keeps only the first result of each
// distinct combination of |paths|.
func (q Query) Distinct(paths ...string) Query {
	return q.with(Descriptor{Distinct: paths})
}

// Limit returns a Query yielding at most |n| results. |n| must be at least one.
func (q Query) Limit(n int) Query {
	if n < 1 && q.err == nil {
		q.err = errors.Errorf("limit must be at least 1 (got %d)", n)
		return q
	}
	return q.with(Descriptor{Limit: n})
}

func (q Query) with(d Descriptor) Query {
	q.Descriptors = append(q.Descriptors[:len(q.Descriptors):len(q.Descriptors)], d)
	return q
}

// Validate returns an error if the Query is malformed.
func (q Query) Validate() error {
	if q.err != nil {
		return q.err
	} else if q.Class == "" {
		return errors.New("query has no class")
	} else if err := q.Predicate.Validate(); err != nil {
		return err
	}
	for _, d := range q.Descriptors {
		if err := d.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// String returns the description of the Query, which ParseQuery accepts.
func (q Query) String() string {
	var b bytes.Buffer
	if q.Predicate.Op == "" {
		b.WriteString(string(OpTrue))
	} else {
		q.Predicate.describe(&b, false)
	}
	for _, d := range q.Descriptors {
		switch {
		case len(d.Sort) != 0:
			b.WriteString(" SORT(")
			for i, k := range d.Sort {
				if i != 0 {
					b.WriteString(", ")
				}
				b.WriteString(k.Path)
				if k.Ascending {
					b.WriteString(" ASC")
				} else {
					b.WriteString(" DESC")
				}
			}
			b.WriteByte(')')
		case len(d.Distinct) != 0:
			b.WriteString(" DISTINCT(" + strings.Join(d.Distinct, ", ") + ")")
		default:
			b.WriteString(" LIMIT(" + strconv.Itoa(d.Limit) + ")")
		}
	}
	return b.String()
}

// Find returns the objects of |txn| matched by the Query, with Descriptors
// applied. Absent a sort, results are in insertion order.
func (q Query) Find(txn *object.Txn) ([]object.Obj, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	} else if _, err = txn.Schema().MustClass(q.Class); err != nil {
		return nil, err
	}

	var out []object.Obj
	if err := txn.ForEach(q.Class, func(o object.Obj) error {
		if ok, err := q.Predicate.Match(ObjRecord(o)); err != nil {
			return err
		} else if ok {
			out = append(out, o)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	for _, d := range q.Descriptors {
		var err error
		switch {
		case len(d.Sort) != 0:
			err = sortObjects(out, d.Sort)
		case len(d.Distinct) != 0:
			out, err = distinctObjects(out, d.Distinct)
		case d.Limit < len(out):
			out = out[:d.Limit]
		}
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Count returns the number of objects matched by the Query.
func (q Query) Count(txn *object.Txn) (int, error) {
	var out, err = q.Find(txn)
	return len(out), err
}

// Min returns the least non-null value of |prop| among the Query results,
// or Null if there are none.
func (q Query) Min(txn *object.Txn, prop string) (value.Value, error) {
	return q.extreme(txn, prop, -1)
}

// Max returns the greatest non-null value of |prop| among the Query results,
// or Null if there are none.
func (q Query) Max(txn *object.Txn, prop string) (value.Value, error) {
	return q.extreme(txn, prop, 1)
}

// Sum returns the sum of non-null numeric values of |prop| among the Query
// results, or Null if there are none. The sum is a Double if any summed
// value is a Double, and an Int otherwise.
func (q Query) Sum(txn *object.Txn, prop string) (value.Value, error) {
	var values, err = q.aggregated(txn, prop)
	if err != nil || len(values) == 0 {
		return value.Null(), err
	}

	var i int64
	var f float64
	var isDouble bool
	for _, v := range values {
		switch v.Kind() {
		case value.KindInt:
			i += v.Int()
		case value.KindDouble:
			f += v.Double()
			isDouble = true
		default:
			return value.Null(), errors.Errorf("cannot sum %s values of %s.%s", v.Kind(), q.Class, prop)
		}
	}
	if isDouble {
		return value.Double(f + float64(i)), nil
	}
	return value.Int(i), nil
}

func (q Query) extreme(txn *object.Txn, prop string, sign int) (value.Value, error) {
	var values, err = q.aggregated(txn, prop)
	if err != nil || len(values) == 0 {
		return value.Null(), err
	}
	var out = values[0]
	for _, v := range values[1:] {
		if v.Kind() != out.Kind() && !(v.Numeric() && out.Numeric()) {
			return value.Null(), errors.Errorf("cannot compare %s and %s values of %s.%s",
				v.Kind(), out.Kind(), q.Class, prop)
		}
		if value.Compare(v, out)*sign > 0 {
			out = v
		}
	}
	return out, nil
}

// aggregated returns the non-null values of |prop| across results.
func (q Query) aggregated(txn *object.Txn, prop string) ([]value.Value, error) {
	var objs, err = q.Find(txn)
	if err != nil {
		return nil, err
	}
	var out []value.Value
	for _, o := range objs {
		var values, err = Lookup(ObjRecord(o), prop)
		if err != nil {
			return nil, err
		}
		for _, v := range values {
			if !v.IsNull() {
				out = append(out, v)
			}
		}
	}
	return out, nil
}

func sortObjects(objs []object.Obj, keys []SortKey) error {
	var cols = make([][]value.Value, len(objs))
	for i, o := range objs {
		cols[i] = make([]value.Value, len(keys))
		for j, k := range keys {
			var values, err = Lookup(ObjRecord(o), k.Path)
			if err != nil {
				return err
			} else if len(values) != 0 {
				cols[i][j] = values[0]
			}
		}
	}
	var ind = make([]int, len(objs))
	for i := range ind {
		ind[i] = i
	}
	sort.SliceStable(ind, func(a, b int) bool {
		for j, k := range keys {
			var c = value.Compare(cols[ind[a]][j], cols[ind[b]][j])
			if !k.Ascending {
				c = -c
			}
			if c != 0 {
				return c < 0
			}
		}
		return false
	})
	var sorted = make([]object.Obj, len(objs))
	for i, j := range ind {
		sorted[i] = objs[j]
	}
	copy(objs, sorted)
	return nil
}

func distinctObjects(objs []object.Obj, paths []string) ([]object.Obj, error) {
	var seen = make(map[string]struct{})
	var out = objs[:0]

	for _, o := range objs {
		var tuple = make([]value.Value, len(paths))
		for i, p := range paths {
			var values, err = Lookup(ObjRecord(o), p)
			if err != nil {
				return nil, err
			}
			tuple[i] = value.List(values...)
		}
		var key = string(value.Encode(value.List(tuple...)))
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, o)
	}
	return out, nil
}

// ObjRecord adapts an object.Obj to a Record.
func ObjRecord(o object.Obj) Record { return objRecord{o} }

type objRecord struct{ o object.Obj }

func (r objRecord) Get(prop string) (value.Value, error) { return r.o.Get(prop) }

func (r objRecord) Resolve(v value.Value) (Record, error) {
	if v.Kind() != value.KindLink {
		return nil, nil
	}
	var o, ok, err = r.o.Txn().Object(v.Class(), v.Key())
	if err != nil || !ok {
		return nil, err
	}
	return objRecord{o}, nil
}
