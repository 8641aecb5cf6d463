package object

import (
	"fmt"

	"github.com/pkg/errors"
	"go.strata.dev/core/schema"
	"go.strata.dev/core/value"
)

// Obj is a handle to an object row, bound to the Txn which produced it. Obj
// is valid only while its Txn is open and its row exists.
type Obj struct {
	txn   *Txn
	class string
	key   int64
}

// Class of the Obj.
func (o Obj) Class() string { return o.class }

// Key is the stable row identity of the Obj within its class.
func (o Obj) Key() int64 { return o.key }

// Txn of the Obj.
func (o Obj) Txn() *Txn { return o.txn }

// Link returns a value.Link to the Obj.
func (o Obj) Link() value.Value { return value.Link(o.class, o.key) }

// Frozen returns whether the Obj is bound to an immutable version.
func (o Obj) Frozen() bool { return o.txn != nil && !o.txn.Writable() }

// Equal is true if |o| and |p| are handles of the same row at the same version.
func (o Obj) Equal(p Obj) bool {
	if o.txn == nil || p.txn == nil {
		return o.txn == p.txn && o.class == p.class && o.key == p.key
	}
	return o.class == p.class && o.key == p.key &&
		o.txn.version.Compare(p.txn.version) == 0 &&
		o.txn.Writable() == p.txn.Writable()
}

func (o Obj) String() string {
	if o.txn == nil {
		return fmt.Sprintf("%s[%d]", o.class, o.key)
	}
	return fmt.Sprintf("%s[%d]@%s", o.class, o.key, o.txn.version)
}

// IsValid returns whether the Obj's Txn is open and its row exists.
func (o Obj) IsValid() bool {
	var ok, err = o.exists()
	return ok && err == nil
}

func (o Obj) exists() (bool, error) {
	if o.txn == nil || !o.txn.Valid() {
		return false, nil
	}
	var _, ok, err = o.txn.r.Get(rowKey(o.class, o.key))
	return ok, err
}

func (o Obj) load() (record, error) {
	if o.txn == nil || !o.txn.Valid() {
		return record{}, ErrInvalidated
	}
	var b, ok, err = o.txn.r.Get(rowKey(o.class, o.key))
	if err != nil {
		return record{}, err
	} else if !ok {
		return record{}, errors.WithMessagef(ErrInvalidated, "%s[%d] was deleted", o.class, o.key)
	}
	return decodeRecord(b)
}

func (o Obj) store(rec record) error {
	return o.txn.w.Put(rowKey(o.class, o.key), rec.encode())
}

func (o Obj) property(name string) (*schema.Class, *schema.Property, error) {
	var c, err = o.txn.schema.MustClass(o.class)
	if err != nil {
		return nil, nil, err
	}
	p, err := c.MustProperty(name)
	return c, p, err
}

// Get the value of property |prop|.
func (o Obj) Get(prop string) (value.Value, error) {
	var _, p, err = o.property(prop)
	if err != nil {
		return value.Null(), err
	}
	rec, err := o.load()
	if err != nil {
		return value.Null(), err
	}
	if v, ok := rec.fields[prop]; ok {
		return v, nil
	}
	return p.Default(), nil
}

// Fields returns the values of all properties of the Obj.
func (o Obj) Fields() (map[string]value.Value, error) {
	var c, err = o.txn.schema.MustClass(o.class)
	if err != nil {
		return nil, err
	}
	rec, err := o.load()
	if err != nil {
		return nil, err
	}
	var out = make(map[string]value.Value, len(c.Properties))
	for _, p := range c.Properties {
		if v, ok := rec.fields[p.Name]; ok {
			out[p.Name] = v
		} else {
			out[p.Name] = p.Default()
		}
	}
	return out, nil
}

// PK returns the primary key of the Obj, or Null if its class has none.
func (o Obj) PK() (value.Value, error) {
	var c, err = o.txn.schema.MustClass(o.class)
	if err != nil || c.PrimaryKey == "" {
		return value.Null(), err
	}
	return o.Get(c.PrimaryKey)
}

// Parent returns the owning object and property of an embedded Obj.
func (o Obj) Parent() (Obj, string, bool, error) {
	var rec, err = o.load()
	if err != nil || rec.parent.IsNull() {
		return Obj{}, "", false, err
	}
	return Obj{txn: o.txn, class: rec.parent.Class(), key: rec.parent.Key()}, rec.parentProp, true, nil
}

// Resolve the Obj linked by single-valued object property |prop|.
func (o Obj) Resolve(prop string) (Obj, bool, error) {
	var v, err = o.Get(prop)
	if err != nil || v.Kind() != value.KindLink {
		return Obj{}, false, err
	}
	return Obj{txn: o.txn, class: v.Class(), key: v.Key()}, true, nil
}

// Linked returns the Objs linked by object collection property |prop|. For
// dictionaries, Objs are ordered by key.
func (o Obj) Linked(prop string) ([]Obj, error) {
	var v, err = o.Get(prop)
	if err != nil {
		return nil, err
	}
	var out []Obj
	for _, l := range links(v) {
		out = append(out, Obj{txn: o.txn, class: l.Class(), key: l.Key()})
	}
	return out, nil
}

// Set property |prop| to |v|. Object properties take value.Link values of
// existing objects. Embedded objects are created by SetEmbedded or
// AppendEmbedded, and Set may only retain (or drop) the embedded objects a
// property already holds.
func (o Obj) Set(prop string, v value.Value) error {
	return o.assign(prop, v, value.Null())
}

// assign |v| to |prop|. |fresh| is an embedded object created for |v|.
func (o Obj) assign(prop string, v value.Value, fresh value.Value) error {
	if err := o.txn.writable(); err != nil {
		return err
	}
	var c, p, err = o.property(prop)
	if err != nil {
		return err
	}
	rec, err := o.load()
	if err != nil {
		return err
	}
	var prev, ok = rec.fields[prop]
	if !ok {
		prev = p.Default()
	}

	if prop == c.PrimaryKey && !o.txn.dynamic {
		if !prev.Equal(v) {
			return errors.Errorf("primary key %s.%s may not be changed", o.class, prop)
		}
		return nil
	} else if err = p.Validate(v); err != nil {
		return err
	}

	if p.Type == schema.TypeObject {
		var target, err = o.txn.schema.MustClass(p.ObjectClass)
		if err != nil {
			return err
		}
		for _, l := range links(v) {
			if target.Embedded && !l.Equal(fresh) && !containsLink(prev, l) {
				return errors.WithMessagef(ErrEmbedded,
					"%s.%s may only hold embedded objects created for it", o.class, prop)
			} else if ok, err := (Obj{txn: o.txn, class: l.Class(), key: l.Key()}).exists(); err != nil {
				return err
			} else if !ok {
				return errors.Errorf("linked object %s does not exist", l)
			}
		}
		if target.Embedded {
			// Embedded objects dropped from the property are deleted.
			for _, l := range links(prev) {
				if !containsLink(v, l) {
					if err = o.txn.deleteObj(Obj{txn: o.txn, class: l.Class(), key: l.Key()}, false); err != nil {
						return err
					}
				}
			}
			// Deletion of an embedded object may have rewritten our record.
			if rec, err = o.load(); err != nil {
				return err
			}
		} else if err = o.updateBacklinks(prop, prev, v); err != nil {
			return err
		}
	}

	rec.fields[prop] = v
	if err = o.store(rec); err != nil {
		return err
	}
	return o.touch(prop)
}

func (o Obj) updateBacklinks(prop string, prev, next value.Value) error {
	for _, l := range links(prev) {
		if !containsLink(next, l) {
			if _, err := o.txn.w.Delete(backlinkKey(l, o.class, o.key, prop)); err != nil {
				return err
			}
		}
	}
	for _, l := range links(next) {
		if !containsLink(prev, l) {
			if err := o.txn.w.Put(backlinkKey(l, o.class, o.key, prop), nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func containsLink(v, link value.Value) bool {
	for _, l := range links(v) {
		if l.Equal(link) {
			return true
		}
	}
	return false
}

// touch reports a modification of |prop| to the Recorder, attributed to the
// top-level owner of the Obj.
func (o Obj) touch(prop string) error {
	if o.txn.rec == nil {
		return nil
	}
	for {
		var rec, err = o.load()
		if err != nil {
			return err
		} else if rec.parent.IsNull() {
			o.txn.rec.Modified(o.class, o.key, prop)
			return nil
		}
		o, prop = Obj{txn: o.txn, class: rec.parent.Class(), key: rec.parent.Key()}, rec.parentProp
	}
}

// putField stores |v| without validation or recording.
func (o Obj) putField(prop string, v value.Value) error {
	var rec, err = o.load()
	if err != nil {
		return err
	}
	rec.fields[prop] = v
	return o.store(rec)
}

// SetEmbedded creates an embedded object having |fields| and assigns it to
// single-valued property |prop|, deleting the embedded object it replaces.
func (o Obj) SetEmbedded(prop string, fields map[string]value.Value) (Obj, error) {
	var _, p, err = o.property(prop)
	if err != nil {
		return Obj{}, err
	} else if p.Collection != schema.CollectionNone {
		return Obj{}, errors.Errorf("%s.%s is a %s", o.class, prop, p.Collection)
	}
	child, err := o.newEmbedded(p, fields)
	if err != nil {
		return Obj{}, err
	}
	return child, o.assign(prop, child.Link(), child.Link())
}

// AppendEmbedded creates an embedded object having |fields| and appends it
// to list property |prop|.
func (o Obj) AppendEmbedded(prop string, fields map[string]value.Value) (Obj, error) {
	var _, p, err = o.property(prop)
	if err != nil {
		return Obj{}, err
	} else if p.Collection != schema.CollectionList {
		return Obj{}, errors.Errorf("%s.%s is not a list", o.class, prop)
	}
	prev, err := o.Get(prop)
	if err != nil {
		return Obj{}, err
	}
	child, err := o.newEmbedded(p, fields)
	if err != nil {
		return Obj{}, err
	}
	var elems = append(append([]value.Value(nil), prev.Elems()...), child.Link())
	return child, o.assign(prop, value.List(elems...), child.Link())
}

// PutEmbedded creates an embedded object having |fields| and stores it under
// |key| of dictionary property |prop|.
func (o Obj) PutEmbedded(prop, key string, fields map[string]value.Value) (Obj, error) {
	var _, p, err = o.property(prop)
	if err != nil {
		return Obj{}, err
	} else if p.Collection != schema.CollectionDictionary {
		return Obj{}, errors.Errorf("%s.%s is not a dictionary", o.class, prop)
	}
	prev, err := o.Get(prop)
	if err != nil {
		return Obj{}, err
	}
	child, err := o.newEmbedded(p, fields)
	if err != nil {
		return Obj{}, err
	}
	var next = copyDict(prev)
	next[key] = child.Link()
	return child, o.assign(prop, value.Dictionary(next), child.Link())
}

func (o Obj) newEmbedded(p *schema.Property, fields map[string]value.Value) (Obj, error) {
	if err := o.txn.writable(); err != nil {
		return Obj{}, err
	} else if p.Type != schema.TypeObject {
		return Obj{}, errors.Errorf("%s.%s is not an object property", o.class, p.Name)
	}
	var target, err = o.txn.schema.MustClass(p.ObjectClass)
	if err != nil {
		return Obj{}, err
	} else if !target.Embedded {
		return Obj{}, errors.Errorf("%s.%s does not hold embedded objects", o.class, p.Name)
	}
	for name := range fields {
		if _, err = target.MustProperty(name); err != nil {
			return Obj{}, err
		}
	}
	child, err := o.txn.insertRow(target, record{parent: o.Link(), parentProp: p.Name})
	if err != nil {
		return Obj{}, err
	}
	for _, tp := range target.Properties {
		if v, ok := fields[tp.Name]; ok {
			if err = child.Set(tp.Name, v); err != nil {
				return Obj{}, err
			}
		}
	}
	return child, nil
}

// Append |v| to list or set property |prop|.
func (o Obj) Append(prop string, v value.Value) error {
	var cur, err = o.Get(prop)
	if err != nil {
		return err
	}
	var elems = append(append([]value.Value(nil), cur.Elems()...), v)

	switch cur.Kind() {
	case value.KindList:
		return o.Set(prop, value.List(elems...))
	case value.KindSet:
		return o.Set(prop, value.Set(elems...))
	}
	return errors.Errorf("%s.%s is not a list or set", o.class, prop)
}

// RemoveAt removes the element at |index| of list property |prop|.
func (o Obj) RemoveAt(prop string, index int) error {
	var cur, err = o.Get(prop)
	if err != nil {
		return err
	} else if cur.Kind() != value.KindList {
		return errors.Errorf("%s.%s is not a list", o.class, prop)
	} else if index < 0 || index >= cur.Len() {
		return errors.Errorf("index %d out of range [0, %d)", index, cur.Len())
	}
	var elems = append([]value.Value(nil), cur.Elems()[:index]...)
	elems = append(elems, cur.Elems()[index+1:]...)
	return o.Set(prop, value.List(elems...))
}

// Remove every element equal to |v| from list or set property |prop|,
// returning whether any were removed.
func (o Obj) Remove(prop string, v value.Value) (bool, error) {
	var cur, err = o.Get(prop)
	if err != nil {
		return false, err
	}
	var elems []value.Value
	for _, e := range cur.Elems() {
		if !e.Equal(v) {
			elems = append(elems, e)
		}
	}
	if len(elems) == cur.Len() {
		return false, nil
	} else if cur.Kind() == value.KindSet {
		return true, o.Set(prop, value.Set(elems...))
	}
	return true, o.Set(prop, value.List(elems...))
}

// Put |v| under |key| of dictionary property |prop|.
func (o Obj) Put(prop, key string, v value.Value) error {
	var cur, err = o.Get(prop)
	if err != nil {
		return err
	} else if cur.Kind() != value.KindDictionary {
		return errors.Errorf("%s.%s is not a dictionary", o.class, prop)
	}
	var next = copyDict(cur)
	next[key] = v
	return o.Set(prop, value.Dictionary(next))
}

// RemoveKey removes |key| of dictionary property |prop|, returning whether
// it was present.
func (o Obj) RemoveKey(prop, key string) (bool, error) {
	var cur, err = o.Get(prop)
	if err != nil {
		return false, err
	} else if _, ok := cur.Dict()[key]; !ok {
		return false, nil
	}
	var next = copyDict(cur)
	delete(next, key)
	return true, o.Set(prop, value.Dictionary(next))
}

func copyDict(v value.Value) map[string]value.Value {
	var out = make(map[string]value.Value, v.Len())
	for k, e := range v.Dict() {
		out[k] = e
	}
	return out
}

// Delete the Obj. Embedded descendants are deleted with it, and links to it
// from other objects are removed.
func (o Obj) Delete() error {
	if err := o.txn.writable(); err != nil {
		return err
	}
	return o.txn.deleteObj(o, true)
}

// deleteObj deletes |o|. If |direct|, an embedded |o| is also detached from
// its parent. Otherwise its parent is itself being deleted or rewritten.
func (t *Txn) deleteObj(o Obj, direct bool) error {
	var c, err = t.schema.MustClass(o.class)
	if err != nil {
		return err
	}
	rec, err := o.load()
	if err != nil {
		return err
	}

	for _, p := range c.Properties {
		if p.Type != schema.TypeObject {
			continue
		}
		var target, _ = t.schema.Class(p.ObjectClass)
		for _, l := range links(rec.fields[p.Name]) {
			if target != nil && target.Embedded {
				if err = t.deleteObj(Obj{txn: t, class: l.Class(), key: l.Key()}, false); err != nil {
					return err
				}
			} else if _, err = t.w.Delete(backlinkKey(l, o.class, o.key, p.Name)); err != nil {
				return err
			}
		}
	}

	// Remove incoming links.
	type source struct {
		obj  Obj
		prop string
	}
	var sources []source
	var prefix = backlinkPrefix(o.class, o.key)

	if err = scanPrefix(t.w, prefix, func(k, _ []byte) error {
		var class, key, prop, err = decodeBacklinkKey(k, len(prefix))
		sources = append(sources, source{Obj{txn: t, class: class, key: key}, prop})
		return err
	}); err != nil {
		return errors.WithMessage(err, "scanning backlinks")
	}
	for _, s := range sources {
		var srec, err = s.obj.load()
		if errors.Cause(err) == ErrInvalidated {
			continue
		} else if err != nil {
			return err
		}
		srec.fields[s.prop] = withoutLink(srec.fields[s.prop], o.Link())
		if err = s.obj.store(srec); err != nil {
			return err
		} else if err = s.obj.touch(s.prop); err != nil {
			return err
		}
	}
	if _, err = t.w.DeletePrefix(prefix); err != nil {
		return err
	}

	var pk = value.Null()
	if c.PrimaryKey != "" {
		pk = rec.fields[c.PrimaryKey]
		if _, err = t.w.Delete(pkKey(o.class, pk)); err != nil {
			return err
		}
	}
	if _, err = t.w.Delete(rowKey(o.class, o.key)); err != nil {
		return err
	}

	if rec.parent.IsNull() {
		if t.rec != nil {
			t.rec.Deleted(o.class, o.key, pk)
		}
		return nil
	} else if !direct {
		return nil
	}
	var parent = Obj{txn: t, class: rec.parent.Class(), key: rec.parent.Key()}
	prec, err := parent.load()
	if err != nil {
		return err
	}
	prec.fields[rec.parentProp] = withoutLink(prec.fields[rec.parentProp], o.Link())
	if err = parent.store(prec); err != nil {
		return err
	}
	return parent.touch(rec.parentProp)
}
