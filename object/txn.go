// Package object implements typed object storage over an MVCC transaction:
// rows of schema classes, primary-key indexes, links and their backlinks,
// embedded objects with single-parent ownership, and collection properties.
package object

import (
	"github.com/jgraettinger/cockroach-encoding/encoding"
	"github.com/pkg/errors"
	"go.strata.dev/core/mvcc"
	"go.strata.dev/core/schema"
	"go.strata.dev/core/value"
)

var (
	// ErrInvalidated is returned by accessors of an Obj whose transaction has
	// ended, or whose row has been deleted.
	ErrInvalidated = errors.New("object is no longer valid")
	// ErrReadOnly is returned by mutations outside of a write transaction.
	ErrReadOnly = errors.New("cannot modify objects outside of a write transaction")
	// ErrDuplicatePrimaryKey is returned when creating an object whose
	// primary key is already in use.
	ErrDuplicatePrimaryKey = errors.New("duplicate primary key")
	// ErrPrimaryKeyRequired is returned when creating an object of a class
	// having a primary key, without providing one.
	ErrPrimaryKeyRequired = errors.New("primary key is required")
	// ErrNoPrimaryKey is returned when a primary key is provided for a class
	// which doesn't define one.
	ErrNoPrimaryKey = errors.New("class does not have a primary key")
	// ErrStale is returned when an Obj bound to another transaction is used
	// where an object of this transaction is required. Use FindLatest.
	ErrStale = errors.New("object is bound to a different version")
	// ErrEmbedded is returned by operations which embedded objects don't support.
	ErrEmbedded = errors.New("invalid operation on an embedded object")
)

// Reader is a read-only view of a keyspace version.
type Reader interface {
	Get(key []byte) ([]byte, bool, error)
	Scan(from, to []byte, fn func(key, value []byte) error) error
}

// Recorder observes mutations of top-level objects. Changes to embedded
// objects are reported as modifications of the owning top-level object's
// property.
type Recorder interface {
	Created(class string, key int64)
	Modified(class string, key int64, prop string)
	Deleted(class string, key int64, pk value.Value)
}

// Txn is a transaction over objects. It's not safe for concurrent use.
type Txn struct {
	r       Reader
	w       *mvcc.WriteTxn
	read    *mvcc.ReadTxn
	version mvcc.Version
	schema  *schema.Schema
	rec     Recorder
	dynamic bool
}

// NewReadTxn returns a Txn reading the objects of |r| under Schema |s|.
func NewReadTxn(r *mvcc.ReadTxn, s *schema.Schema) *Txn {
	return &Txn{r: r, read: r, version: r.Version(), schema: s}
}

// NewWriteTxn returns a Txn reading and modifying the objects of |w|.
func NewWriteTxn(w *mvcc.WriteTxn, s *schema.Schema) *Txn {
	return &Txn{r: w, w: w, version: w.Version(), schema: s}
}

// SetRecorder attaches a Recorder of mutations.
func (t *Txn) SetRecorder(rec Recorder) { t.rec = rec }

// SetDynamic marks the Txn as a transient schema-less view, such as the
// handles passed to a migration.
func (t *Txn) SetDynamic() { t.dynamic = true }

// Dynamic returns whether SetDynamic was called.
func (t *Txn) Dynamic() bool { return t.dynamic }

// Version observed (or produced) by the Txn.
func (t *Txn) Version() mvcc.Version { return t.version }

// Schema of the Txn.
func (t *Txn) Schema() *schema.Schema { return t.schema }

// Writable returns whether the Txn is a write transaction.
func (t *Txn) Writable() bool { return t.w != nil }

// WriteTxn returns the underlying mvcc.WriteTxn, or nil.
func (t *Txn) WriteTxn() *mvcc.WriteTxn { return t.w }

// ReadTxn returns the underlying mvcc.ReadTxn, or nil.
func (t *Txn) ReadTxn() *mvcc.ReadTxn { return t.read }

// Valid returns whether the Txn's underlying transaction is still open.
func (t *Txn) Valid() bool {
	if t.w != nil {
		return !t.w.Done()
	}
	return !t.read.Released()
}

func (t *Txn) writable() error {
	if t.w == nil {
		return ErrReadOnly
	} else if t.w.Done() {
		return ErrInvalidated
	}
	return nil
}

// Object returns the object of |class| having row |key|, if it exists.
func (t *Txn) Object(class string, key int64) (Obj, bool, error) {
	if _, err := t.schema.MustClass(class); err != nil {
		return Obj{}, false, err
	}
	var _, ok, err = t.r.Get(rowKey(class, key))
	if !ok || err != nil {
		return Obj{}, false, err
	}
	return Obj{txn: t, class: class, key: key}, true, nil
}

// FindByPK returns the object of |class| having primary key |pk|.
func (t *Txn) FindByPK(class string, pk value.Value) (Obj, bool, error) {
	if c, err := t.schema.MustClass(class); err != nil {
		return Obj{}, false, err
	} else if c.PrimaryKey == "" {
		return Obj{}, false, errors.WithMessagef(ErrNoPrimaryKey, "class %q", class)
	}
	var b, ok, err = t.r.Get(pkKey(class, pk))
	if !ok || err != nil {
		return Obj{}, false, err
	}
	var _, key, err2 = encoding.DecodeVarintAscending(b)
	if err2 != nil {
		return Obj{}, false, errors.WithMessage(err2, "decoding primary key index")
	}
	return Obj{txn: t, class: class, key: key}, true, nil
}

// ForEach invokes |fn| with each object of |class|, in creation order.
// Objects may not be created or deleted by |fn|.
func (t *Txn) ForEach(class string, fn func(Obj) error) error {
	if _, err := t.schema.MustClass(class); err != nil {
		return err
	}
	var prefix = classPrefix(tagRow, class)
	return scanPrefix(t.r, prefix, func(k, _ []byte) error {
		var key, err = decodeRowKey(k, len(prefix))
		if err != nil {
			return err
		}
		return fn(Obj{txn: t, class: class, key: key})
	})
}

// Objects returns all objects of |class|, in creation order.
func (t *Txn) Objects(class string) ([]Obj, error) {
	var out []Obj
	var err = t.ForEach(class, func(o Obj) error {
		out = append(out, o)
		return nil
	})
	return out, err
}

// Count returns the number of objects of |class|.
func (t *Txn) Count(class string) (int, error) {
	var n int
	var err = t.ForEach(class, func(Obj) error { n++; return nil })
	return n, err
}

// FindLatest returns the object of this Txn having the same row identity as
// |o|, which may be bound to any version of the same file. It returns false
// if the row has since been deleted.
func (t *Txn) FindLatest(o Obj) (Obj, bool, error) {
	if o.txn == nil {
		return Obj{}, false, ErrInvalidated
	}
	return t.Object(o.class, o.key)
}

// Create an object of |class|, which must not have a primary key, with
// initial |fields|. Omitted properties take their default values.
func (t *Txn) Create(class string, fields map[string]value.Value) (Obj, error) {
	return t.create(class, value.Null(), fields)
}

// CreateWithPK creates an object of |class| having primary key |pk|.
func (t *Txn) CreateWithPK(class string, pk value.Value, fields map[string]value.Value) (Obj, error) {
	if pk.IsNull() {
		return Obj{}, errors.WithMessagef(ErrPrimaryKeyRequired, "class %q", class)
	}
	return t.create(class, pk, fields)
}

func (t *Txn) create(class string, pk value.Value, fields map[string]value.Value) (Obj, error) {
	if err := t.writable(); err != nil {
		return Obj{}, err
	}
	var c, err = t.schema.MustClass(class)
	if err != nil {
		return Obj{}, err
	} else if c.Embedded {
		return Obj{}, errors.WithMessagef(ErrEmbedded, "%q objects must be created through a parent", class)
	}
	for name := range fields {
		if _, ok := c.Property(name); !ok {
			return Obj{}, errors.Errorf("class %q has no property %q", class, name)
		}
	}

	if c.PrimaryKey == "" && !pk.IsNull() {
		return Obj{}, errors.WithMessagef(ErrNoPrimaryKey, "class %q", class)
	} else if c.PrimaryKey != "" {
		if pk.IsNull() {
			return Obj{}, errors.WithMessagef(ErrPrimaryKeyRequired, "class %q", class)
		}
		var prop, _ = c.PrimaryKeyProperty()
		if err = prop.Validate(pk); err != nil {
			return Obj{}, err
		} else if v, ok := fields[c.PrimaryKey]; ok && !v.Equal(pk) {
			return Obj{}, errors.Errorf("field %q doesn't match primary key %s", c.PrimaryKey, pk)
		}
		if _, exists, err := t.r.Get(pkKey(class, pk)); err != nil {
			return Obj{}, err
		} else if exists {
			return Obj{}, errors.WithMessagef(ErrDuplicatePrimaryKey, "%s %s", class, pk)
		}
	}

	var o, err2 = t.insertRow(c, record{parent: value.Null()})
	if err2 != nil {
		return Obj{}, err2
	}
	if c.PrimaryKey != "" {
		if err = t.w.Put(pkKey(class, pk), encoding.EncodeVarintAscending(nil, o.key)); err != nil {
			return Obj{}, err
		} else if err = o.putField(c.PrimaryKey, pk); err != nil {
			return Obj{}, err
		}
	}
	if t.rec != nil {
		t.rec.Created(class, o.key)
	}
	for _, p := range c.Properties {
		if v, ok := fields[p.Name]; ok && p.Name != c.PrimaryKey {
			if err = o.Set(p.Name, v); err != nil {
				return Obj{}, err
			}
		}
	}
	return o, nil
}

// insertRow allocates a row key for a new object of |c|, and writes its
// record having default property values.
func (t *Txn) insertRow(c *schema.Class, rec record) (Obj, error) {
	var seq = sequenceKey(c.Name)
	var next int64 = 1

	if b, ok, err := t.w.Get(seq); err != nil {
		return Obj{}, err
	} else if ok {
		if _, next, err = encoding.DecodeVarintAscending(b); err != nil {
			return Obj{}, errors.WithMessage(err, "decoding sequence")
		}
	}
	if err := t.w.Put(seq, encoding.EncodeVarintAscending(nil, next+1)); err != nil {
		return Obj{}, err
	}

	rec.fields = make(map[string]value.Value, len(c.Properties))
	for _, p := range c.Properties {
		rec.fields[p.Name] = p.Default()
	}
	if err := t.w.Put(rowKey(c.Name, next), rec.encode()); err != nil {
		return Obj{}, err
	}
	return Obj{txn: t, class: c.Name, key: next}, nil
}

// DeleteAll deletes every object of |class|.
func (t *Txn) DeleteAll(class string) (int, error) {
	var objs, err = t.Objects(class)
	if err != nil {
		return 0, err
	}
	for _, o := range objs {
		// An earlier deletion may have cascaded to this embedded object.
		if ok, err := o.exists(); err != nil {
			return 0, err
		} else if !ok {
			continue
		}
		if err = o.Delete(); err != nil {
			return 0, err
		}
	}
	return len(objs), nil
}

// Wipe removes every object, index, and backlink from the file. Row
// sequences are retained, so that row identities are never reused.
func (t *Txn) Wipe() error {
	if err := t.writable(); err != nil {
		return err
	}
	for _, tag := range []string{tagRow, tagPK, tagBacklink} {
		if _, err := t.w.DeletePrefix(Tag(tag)); err != nil {
			return err
		}
	}
	return nil
}

// RebuildIndex rebuilds the primary key index of |class| from its rows,
// failing if primary keys are not unique or are missing.
func (t *Txn) RebuildIndex(class string) error {
	if err := t.writable(); err != nil {
		return err
	}
	var c, err = t.schema.MustClass(class)
	if err != nil {
		return err
	} else if _, err = t.w.DeletePrefix(classPrefix(tagPK, class)); err != nil {
		return err
	} else if c.PrimaryKey == "" {
		return nil
	}
	objs, err := t.Objects(class)
	if err != nil {
		return err
	}
	for _, o := range objs {
		var pk, err = o.Get(c.PrimaryKey)
		if err != nil {
			return err
		} else if pk.IsNull() {
			return errors.WithMessagef(ErrPrimaryKeyRequired, "%s[%d]", class, o.key)
		}
		var k = pkKey(class, pk)
		if _, exists, err := t.w.Get(k); err != nil {
			return err
		} else if exists {
			return errors.WithMessagef(ErrDuplicatePrimaryKey, "%s %s", class, pk)
		} else if err = t.w.Put(k, encoding.EncodeVarintAscending(nil, o.key)); err != nil {
			return err
		}
	}
	return nil
}

// ReadSchema reads the Schema stored in |r|, if any.
func ReadSchema(r Reader) (*schema.Schema, bool, error) {
	var b, ok, err = r.Get(MetaKey("schema"))
	if !ok || err != nil {
		return nil, false, err
	}
	s, err := schema.Unmarshal(b)
	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}

// WriteSchema stores Schema |s| in |w|.
func WriteSchema(w *mvcc.WriteTxn, s *schema.Schema) error {
	var b, err = s.Marshal()
	if err != nil {
		return err
	}
	return w.Put(MetaKey("schema"), b)
}
