package object

import (
	"go.strata.dev/core/schema"
	"go.strata.dev/core/value"
)

// Document returns the properties of |o| with embedded objects inlined as
// value.Embedded Values. If |refs|, links to top-level objects are returned
// as value.Ref Values of their primary keys, which remain meaningful outside
// of this file.
func Document(o Obj, refs bool) (map[string]value.Value, error) {
	var c, err = o.txn.schema.MustClass(o.class)
	if err != nil {
		return nil, err
	}
	fields, err := o.Fields()
	if err != nil {
		return nil, err
	}
	for _, p := range c.Properties {
		if p.Type != schema.TypeObject {
			continue
		}
		var target, _ = o.txn.schema.Class(p.ObjectClass)
		var conv = func(l value.Value) (value.Value, error) {
			var linked = Obj{txn: o.txn, class: l.Class(), key: l.Key()}
			if target != nil && target.Embedded {
				var doc, err = Document(linked, refs)
				if err != nil {
					return value.Null(), err
				}
				return value.Embedded(l.Class(), doc), nil
			} else if refs {
				var pk, err = linked.PK()
				return value.Ref(l.Class(), pk), err
			}
			return l, nil
		}
		if fields[p.Name], err = mapLinks(fields[p.Name], conv); err != nil {
			return nil, err
		}
	}
	return fields, nil
}

// mapLinks applies |fn| to each Link of |v|, which may be a collection.
func mapLinks(v value.Value, fn func(value.Value) (value.Value, error)) (value.Value, error) {
	switch v.Kind() {
	case value.KindLink:
		return fn(v)
	case value.KindList, value.KindSet:
		var out = make([]value.Value, v.Len())
		for i, e := range v.Elems() {
			var err error
			if out[i], err = mapLinks(e, fn); err != nil {
				return value.Null(), err
			}
		}
		if v.Kind() == value.KindSet {
			return value.Set(out...), nil
		}
		return value.List(out...), nil
	case value.KindDictionary:
		var out = make(map[string]value.Value, v.Len())
		for k, e := range v.Dict() {
			var err error
			if out[k], err = mapLinks(e, fn); err != nil {
				return value.Null(), err
			}
		}
		return value.Dictionary(out), nil
	}
	return v, nil
}
