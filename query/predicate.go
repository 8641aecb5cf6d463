// Package query evaluates filter predicates over stored objects, and
// applies sort, distinct, and limit descriptors and aggregates to results.
package query

import (
	"bytes"
	"strings"

	"github.com/pkg/errors"
	"go.strata.dev/core/value"
)

// Op is the operator of a Predicate.
type Op string

const (
	OpEqual        Op = "=="
	OpNotEqual     Op = "!="
	OpLess         Op = "<"
	OpLessEqual    Op = "<="
	OpGreater      Op = ">"
	OpGreaterEqual Op = ">="
	OpContains     Op = "CONTAINS"
	OpBeginsWith   Op = "BEGINSWITH"
	OpEndsWith     Op = "ENDSWITH"
	OpAnd          Op = "AND"
	OpOr           Op = "OR"
	OpNot          Op = "NOT"
	OpTrue         Op = "TRUEPREDICATE"
	OpFalse        Op = "FALSEPREDICATE"
)

func (op Op) comparison() bool {
	switch op {
	case OpEqual, OpNotEqual, OpLess, OpLessEqual, OpGreater, OpGreaterEqual,
		OpContains, OpBeginsWith, OpEndsWith:
		return true
	}
	return false
}

// flip returns the Op having swapped operands.
func (op Op) flip() Op {
	switch op {
	case OpLess:
		return OpGreater
	case OpLessEqual:
		return OpGreaterEqual
	case OpGreater:
		return OpLess
	case OpGreaterEqual:
		return OpLessEqual
	}
	return op
}

// Predicate is a filter over Records. Comparison Predicates test the values
// of a property Path against a Value. Compound Predicates combine Operands.
type Predicate struct {
	Op   Op     `json:"op"`
	Path string `json:"path,omitempty"`
	// Value compared against by comparison Predicates.
	Value *value.Value `json:"value,omitempty"`
	// CaseInsensitive string comparison.
	CaseInsensitive bool        `json:"ci,omitempty"`
	Operands        []Predicate `json:"operands,omitempty"`
}

// True is a Predicate matching every Record.
func True() Predicate { return Predicate{Op: OpTrue} }

// Compare returns a comparison Predicate of |path| and |v|.
func Compare(path string, op Op, v value.Value) Predicate {
	return Predicate{Op: op, Path: path, Value: &v}
}

// And returns a Predicate matching Records matched by every Operand.
func And(ps ...Predicate) Predicate { return Predicate{Op: OpAnd, Operands: ps} }

// Or returns a Predicate matching Records matched by any Operand.
func Or(ps ...Predicate) Predicate { return Predicate{Op: OpOr, Operands: ps} }

// Not returns a Predicate matching Records not matched by |p|.
func Not(p Predicate) Predicate { return Predicate{Op: OpNot, Operands: []Predicate{p}} }

// Validate returns an error if the Predicate is malformed.
func (p Predicate) Validate() error {
	switch {
	case p.Op == OpTrue || p.Op == OpFalse:
		return nil
	case p.Op.comparison():
		if p.Path == "" {
			return errors.Errorf("%s comparison has no property path", p.Op)
		} else if p.Value == nil {
			return errors.Errorf("%s comparison of %s has no value", p.Op, p.Path)
		}
		return nil
	case p.Op == OpNot && len(p.Operands) != 1:
		return errors.New("NOT requires exactly one operand")
	case p.Op == OpAnd || p.Op == OpOr || p.Op == OpNot:
		for _, o := range p.Operands {
			if err := o.Validate(); err != nil {
				return err
			}
		}
		return nil
	}
	return errors.Errorf("unknown predicate operator %q", p.Op)
}

// String returns the canonical description of the Predicate, which Parse
// accepts.
func (p Predicate) String() string {
	var b bytes.Buffer
	p.describe(&b, false)
	return b.String()
}

func (p Predicate) describe(b *bytes.Buffer, nested bool) {
	switch p.Op {
	case OpAnd, OpOr:
		if len(p.Operands) == 0 {
			if p.Op == OpAnd {
				b.WriteString(string(OpTrue))
			} else {
				b.WriteString(string(OpFalse))
			}
			return
		} else if len(p.Operands) == 1 {
			p.Operands[0].describe(b, nested)
			return
		}
		if nested {
			b.WriteByte('(')
		}
		for i, o := range p.Operands {
			if i != 0 {
				b.WriteString(" " + string(p.Op) + " ")
			}
			o.describe(b, true)
		}
		if nested {
			b.WriteByte(')')
		}
	case OpNot:
		b.WriteString("NOT ")
		p.Operands[0].describe(b, true)
	case OpTrue, OpFalse:
		b.WriteString(string(p.Op))
	default:
		b.WriteString(p.Path)
		b.WriteByte(' ')
		b.WriteString(string(p.Op))
		if p.CaseInsensitive {
			b.WriteString("[c]")
		}
		b.WriteByte(' ')
		b.WriteString(literal(*p.Value))
	}
}

// literal formats |v| in the syntax accepted by Parse.
func literal(v value.Value) string {
	switch v.Kind() {
	case value.KindNull:
		return "null"
	case value.KindDouble:
		var s = v.String()
		if !strings.ContainsAny(s, ".eEnN") {
			s += ".0" // Remain a double when parsed.
		}
		return s
	}
	return v.String()
}

// Record is a queryable object.
type Record interface {
	// Get the value of property |prop|.
	Get(prop string) (value.Value, error)
	// Resolve the Record of a Link or Embedded value, or return nil if it
	// cannot be resolved.
	Resolve(v value.Value) (Record, error)
}

// Match returns whether the Predicate matches |r|.
func (p Predicate) Match(r Record) (bool, error) {
	switch p.Op {
	case OpTrue:
		return true, nil
	case OpFalse:
		return false, nil
	case OpAnd:
		for _, o := range p.Operands {
			if ok, err := o.Match(r); err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case OpOr:
		for _, o := range p.Operands {
			if ok, err := o.Match(r); err != nil || ok {
				return ok, err
			}
		}
		return false, nil
	case OpNot:
		var ok, err = p.Operands[0].Match(r)
		return !ok, err
	}

	var values, err = Lookup(r, p.Path)
	if err != nil {
		return false, err
	}
	for _, v := range values {
		if compare(v, p.Op, *p.Value, p.CaseInsensitive) {
			return true, nil
		}
	}
	return false, nil
}

// Lookup returns the values of dotted |path| of |r|. Links and embedded
// objects are traversed, and collections contribute each of their elements.
func Lookup(r Record, path string) ([]value.Value, error) {
	var head, rest = path, ""
	if ind := strings.IndexByte(path, '.'); ind != -1 {
		head, rest = path[:ind], path[ind+1:]
	}
	var v, err = r.Get(head)
	if err != nil {
		return nil, err
	}
	var values = []value.Value{v}
	switch v.Kind() {
	case value.KindList, value.KindSet:
		values = v.Elems()
	case value.KindDictionary:
		values = nil
		for _, k := range v.Keys() {
			values = append(values, v.Dict()[k])
		}
	}
	if rest == "" {
		return values, nil
	}

	var out []value.Value
	for _, v := range values {
		if v.IsNull() {
			continue
		}
		var next, err = r.Resolve(v)
		if err != nil {
			return nil, err
		} else if next == nil {
			continue
		}
		sub, err := Lookup(next, rest)
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
	}
	return out, nil
}

func compare(v value.Value, op Op, operand value.Value, ci bool) bool {
	switch op {
	case OpContains, OpBeginsWith, OpEndsWith:
		if v.Kind() != operand.Kind() || (v.Kind() != value.KindString && v.Kind() != value.KindBinary) {
			return false
		}
		var s, sub = v.Str(), operand.Str()
		if ci {
			s, sub = strings.ToLower(s), strings.ToLower(sub)
		}
		switch op {
		case OpContains:
			return strings.Contains(s, sub)
		case OpBeginsWith:
			return strings.HasPrefix(s, sub)
		default:
			return strings.HasSuffix(s, sub)
		}
	}

	if ci && v.Kind() == value.KindString && operand.Kind() == value.KindString {
		v, operand = value.String(strings.ToLower(v.Str())), value.String(strings.ToLower(operand.Str()))
	}
	switch op {
	case OpEqual:
		return value.Compare(v, operand) == 0
	case OpNotEqual:
		return value.Compare(v, operand) != 0
	}
	// Ordered comparisons require comparable kinds.
	if !(v.Numeric() && operand.Numeric()) && v.Kind() != operand.Kind() {
		return false
	} else if v.IsNull() {
		return false
	}
	var c = value.Compare(v, operand)
	switch op {
	case OpLess:
		return c < 0
	case OpLessEqual:
		return c <= 0
	case OpGreater:
		return c > 0
	case OpGreaterEqual:
		return c >= 0
	}
	return false
}

// Document is a Record of a property map, as produced by object.Document.
type Document map[string]value.Value

// Get implements Record.
func (d Document) Get(prop string) (value.Value, error) {
	if v, ok := d[prop]; ok {
		return v, nil
	}
	return value.Null(), nil
}

// Resolve implements Record. Only embedded documents are resolved.
func (d Document) Resolve(v value.Value) (Record, error) {
	if v.Kind() == value.KindEmbedded {
		return Document(v.Dict()), nil
	}
	return nil, nil
}
