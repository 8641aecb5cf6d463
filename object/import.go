package object

import (
	"github.com/pkg/errors"
	"go.strata.dev/core/schema"
	"go.strata.dev/core/value"
)

// UpdatePolicy governs Import of an object whose primary key is in use.
type UpdatePolicy int

const (
	// UpdateError fails the Import.
	UpdateError UpdatePolicy = iota
	// UpdateAll overwrites every property of the existing object.
	UpdateAll
)

func (p UpdatePolicy) String() string {
	if p == UpdateAll {
		return "ALL"
	}
	return "ERROR"
}

// Unmanaged is a detached object which may be imported into a Txn. Fields
// hold any of:
//   - a value.Value, or Go value accepted by value.Of;
//   - an *Unmanaged or Obj, for object properties;
//   - a []interface{} or map[string]interface{} of the above, for collections.
//
// Unmanaged graphs may be cyclic.
type Unmanaged struct {
	Class  string
	Fields map[string]interface{}
}

// Import recursively copies |src|, an *Unmanaged or Obj, into the Txn and
// returns the resulting Obj. An Obj of this Txn is returned as-is, while an
// Obj of another version fails with ErrStale. Primary key collisions are
// resolved by |policy|, and are checked before any mutation is made.
func (t *Txn) Import(src interface{}, policy UpdatePolicy) (Obj, error) {
	if err := t.writable(); err != nil {
		return Obj{}, err
	}
	var im = &importer{
		txn:     t,
		policy:  policy,
		memo:    make(map[*Unmanaged]Obj),
		checked: make(map[*Unmanaged]bool),
		pks:     make(map[string]*Unmanaged),
	}

	switch s := src.(type) {
	case Obj:
		return s, im.checkManaged(s)
	case *Unmanaged:
		var c, err = t.schema.MustClass(s.Class)
		if err != nil {
			return Obj{}, err
		} else if c.Embedded {
			return Obj{}, errors.WithMessagef(ErrEmbedded, "%q objects must be imported through a parent", s.Class)
		} else if err = im.check(s, c); err != nil {
			return Obj{}, err
		}
		return im.object(s, c)
	}
	return Obj{}, errors.Errorf("cannot import %T", src)
}

type importer struct {
	txn     *Txn
	policy  UpdatePolicy
	memo    map[*Unmanaged]Obj
	checked map[*Unmanaged]bool
	pks     map[string]*Unmanaged
}

func (im *importer) checkManaged(o Obj) error {
	if o.txn != im.txn {
		return errors.WithMessagef(ErrStale, "%s", o)
	} else if ok, err := o.exists(); err != nil {
		return err
	} else if !ok {
		return errors.WithMessagef(ErrInvalidated, "%s[%d] was deleted", o.class, o.key)
	}
	return nil
}

// check validates the graph rooted at |u| before any mutation is made.
func (im *importer) check(u *Unmanaged, c *schema.Class) error {
	if im.checked[u] {
		if c.Embedded {
			return errors.WithMessagef(ErrEmbedded, "%q object has more than one parent", c.Name)
		}
		return nil
	}
	im.checked[u] = true

	if u.Class != c.Name {
		return errors.Errorf("expected a %q object, not %q", c.Name, u.Class)
	}
	for name := range u.Fields {
		if _, err := c.MustProperty(name); err != nil {
			return err
		}
	}

	if c.PrimaryKey != "" {
		var pk, err = toValue(u.Fields[c.PrimaryKey])
		if err != nil {
			return err
		} else if pk.IsNull() {
			return errors.WithMessagef(ErrPrimaryKeyRequired, "class %q", c.Name)
		}
		var prop, _ = c.PrimaryKeyProperty()
		if err = prop.Validate(pk); err != nil {
			return err
		}
		if im.policy == UpdateError {
			var id = c.Name + "\x00" + string(value.Encode(pk))
			if other, ok := im.pks[id]; ok && other != u {
				return errors.WithMessagef(ErrDuplicatePrimaryKey, "%s %s", c.Name, pk)
			}
			im.pks[id] = u

			if _, exists, err := im.txn.r.Get(pkKey(c.Name, pk)); err != nil {
				return err
			} else if exists {
				return errors.WithMessagef(ErrDuplicatePrimaryKey, "%s %s", c.Name, pk)
			}
		}
	}

	for _, p := range c.Properties {
		var raw, ok = u.Fields[p.Name]
		if !ok {
			continue
		}
		if p.Type != schema.TypeObject {
			var v, err = toCollection(raw, &p, toValue)
			if err != nil {
				return err
			} else if err = p.Validate(v); err != nil {
				return err
			}
			continue
		}
		var target, err = im.txn.schema.MustClass(p.ObjectClass)
		if err != nil {
			return err
		}
		for _, e := range elements(raw) {
			switch n := e.(type) {
			case *Unmanaged:
				if err = im.check(n, target); err != nil {
					return err
				}
			case Obj:
				if target.Embedded {
					return errors.WithMessagef(ErrEmbedded, "%s.%s cannot adopt managed object %s", c.Name, p.Name, n)
				} else if err = im.checkManaged(n); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// object imports top-level |u| of Class |c|.
func (im *importer) object(u *Unmanaged, c *schema.Class) (Obj, error) {
	if o, ok := im.memo[u]; ok {
		return o, nil
	}
	var o Obj
	var err error

	if c.PrimaryKey == "" {
		o, err = im.txn.Create(c.Name, nil)
	} else {
		var pk, _ = toValue(u.Fields[c.PrimaryKey])
		var exists bool

		if o, exists, err = im.txn.FindByPK(c.Name, pk); err == nil && !exists {
			o, err = im.txn.CreateWithPK(c.Name, pk, nil)
		}
	}
	if err != nil {
		return Obj{}, err
	}
	// Memoize before assigning fields, so that cycles resolve to |o|.
	im.memo[u] = o
	return o, im.assignAll(o, c, u)
}

func (im *importer) assignAll(o Obj, c *schema.Class, u *Unmanaged) error {
	for i := range c.Properties {
		var p = &c.Properties[i]
		if p.Name == c.PrimaryKey {
			continue
		}
		var raw, ok = u.Fields[p.Name]
		if !ok {
			raw = p.Default()
		}
		if err := im.assign(o, p, raw); err != nil {
			return errors.WithMessagef(err, "importing %s.%s", c.Name, p.Name)
		}
	}
	return nil
}

func (im *importer) assign(o Obj, p *schema.Property, raw interface{}) error {
	if p.Type != schema.TypeObject {
		var v, err = toCollection(raw, p, toValue)
		if err != nil {
			return err
		}
		return o.Set(p.Name, v)
	}
	var target, err = im.txn.schema.MustClass(p.ObjectClass)
	if err != nil {
		return err
	} else if !target.Embedded {
		v, err := toCollection(raw, p, im.link)
		if err != nil {
			return err
		}
		return o.Set(p.Name, v)
	}

	// Replace embedded objects held by the property.
	if err = o.Set(p.Name, p.Default()); err != nil {
		return err
	}
	var embed = func(u *Unmanaged, create func() (Obj, error)) error {
		if u == nil {
			return nil
		}
		var child, err = create()
		if err != nil {
			return err
		}
		im.memo[u] = child
		return im.assignAll(child, target, u)
	}

	switch r := raw.(type) {
	case *Unmanaged:
		return embed(r, func() (Obj, error) { return o.SetEmbedded(p.Name, nil) })
	case []interface{}:
		for _, e := range r {
			var u, _ = e.(*Unmanaged)
			if err = embed(u, func() (Obj, error) { return o.AppendEmbedded(p.Name, nil) }); err != nil {
				return err
			}
		}
	case map[string]interface{}:
		for k, e := range r {
			var u, _ = e.(*Unmanaged)
			var key = k
			if err = embed(u, func() (Obj, error) { return o.PutEmbedded(p.Name, key, nil) }); err != nil {
				return err
			}
		}
	}
	return nil
}

// link converts a raw object reference into a value.Link.
func (im *importer) link(raw interface{}) (value.Value, error) {
	switch r := raw.(type) {
	case *Unmanaged:
		var c, err = im.txn.schema.MustClass(r.Class)
		if err != nil {
			return value.Null(), err
		}
		o, err := im.object(r, c)
		return o.Link(), err
	case Obj:
		return r.Link(), nil
	}
	return toValue(raw)
}

func toValue(raw interface{}) (value.Value, error) { return value.Of(raw) }

// toCollection converts |raw| into a Value of Property |p|, using |conv| for
// scalar elements.
func toCollection(raw interface{}, p *schema.Property, conv func(interface{}) (value.Value, error)) (value.Value, error) {
	switch r := raw.(type) {
	case []interface{}:
		var elems = make([]value.Value, len(r))
		for i, e := range r {
			var err error
			if elems[i], err = conv(e); err != nil {
				return value.Null(), err
			}
		}
		if p.Collection == schema.CollectionSet {
			return value.Set(elems...), nil
		}
		return value.List(elems...), nil
	case map[string]interface{}:
		var out = make(map[string]value.Value, len(r))
		for k, e := range r {
			var v, err = conv(e)
			if err != nil {
				return value.Null(), err
			}
			out[k] = v
		}
		return value.Dictionary(out), nil
	}
	return conv(raw)
}

// elements returns |raw|, or the elements of |raw| if it's a collection.
func elements(raw interface{}) []interface{} {
	switch r := raw.(type) {
	case []interface{}:
		return r
	case map[string]interface{}:
		var out []interface{}
		for _, e := range r {
			out = append(out, e)
		}
		return out
	}
	return []interface{}{raw}
}
