// Package changeset records the mutations of local commits as Changesets of
// instructions keyed by primary key, keeps them in the File's history until
// they're acknowledged, and applies Changesets received from a peer.
//
// Only objects of classes having a primary key are synchronized. Embedded
// objects travel inline with their top-level owner, and links to other
// objects travel as references to their primary keys.
package changeset

import (
	"sort"

	"github.com/goccy/go-json"
	"github.com/jgraettinger/cockroach-encoding/encoding"
	"github.com/pkg/errors"
	"go.strata.dev/core/mvcc"
	"go.strata.dev/core/object"
	"go.strata.dev/core/schema"
	"go.strata.dev/core/value"
)

// Op of an Instruction.
type Op string

const (
	// Create an object having Fields, which hold every property.
	Create Op = "create"
	// Set the Fields of an object, creating it if it doesn't exist.
	Set Op = "set"
	// Erase an object.
	Erase Op = "erase"
)

// Instruction is a mutation of the object of Class having primary key PK.
type Instruction struct {
	Op     Op                     `json:"op"`
	Class  string                 `json:"class"`
	PK     value.Value            `json:"pk"`
	Fields map[string]value.Value `json:"fields,omitempty"`
}

// Changeset is the Instructions of a commit, in order.
type Changeset struct {
	// Version produced by the commit in its originating File.
	Version      uint64        `json:"version"`
	Instructions []Instruction `json:"instructions"`
}

// Marshal the Changeset as JSON.
func (cs Changeset) Marshal() ([]byte, error) { return json.Marshal(cs) }

// Unmarshal a JSON Changeset.
func Unmarshal(b []byte) (Changeset, error) {
	var cs Changeset
	if err := json.Unmarshal(b, &cs); err != nil {
		return Changeset{}, errors.WithMessage(err, "decoding changeset")
	}
	return cs, nil
}

// Recorder is an object.Recorder which writes the Changeset of its Txn into
// the File's history when the Txn commits.
type Recorder struct {
	txn     *object.Txn
	entries []*entry
	index   map[rowID]*entry
}

type rowID struct {
	class string
	key   int64
}

type entry struct {
	rowID
	created bool
	deleted bool
	pk      value.Value
	props   []string
}

// Attach a Recorder to writable |txn|, which writes its Changeset into the
// File's history upon commit.
func Attach(txn *object.Txn) *Recorder {
	var r = Record(txn)
	txn.WriteTxn().BeforeCommit(r.flush)
	return r
}

// Record the mutations of writable |txn|, without writing them to history.
func Record(txn *object.Txn) *Recorder {
	var r = &Recorder{txn: txn, index: make(map[rowID]*entry)}
	txn.SetRecorder(r)
	return r
}

func (r *Recorder) synced(class string) bool {
	var c, ok = r.txn.Schema().Class(class)
	return ok && !c.Embedded && c.PrimaryKey != ""
}

func (r *Recorder) entry(class string, key int64) *entry {
	var id = rowID{class, key}
	var e, ok = r.index[id]
	if !ok {
		e = &entry{rowID: id}
		r.index[id] = e
		r.entries = append(r.entries, e)
	}
	return e
}

// Created implements object.Recorder.
func (r *Recorder) Created(class string, key int64) {
	if r.synced(class) {
		r.entry(class, key).created = true
	}
}

// Modified implements object.Recorder.
func (r *Recorder) Modified(class string, key int64, prop string) {
	if !r.synced(class) {
		return
	}
	var e = r.entry(class, key)
	for _, p := range e.props {
		if p == prop {
			return
		}
	}
	e.props = append(e.props, prop)
}

// Deleted implements object.Recorder.
func (r *Recorder) Deleted(class string, key int64, pk value.Value) {
	if r.synced(class) {
		var e = r.entry(class, key)
		e.deleted, e.pk = true, pk
	}
}

// Changeset returns the Changeset of mutations recorded thus far.
func (r *Recorder) Changeset() (Changeset, error) {
	var out = Changeset{Version: r.txn.Version().Number}

	for _, e := range r.entries {
		if e.deleted {
			if !e.created {
				out.Instructions = append(out.Instructions, Instruction{Op: Erase, Class: e.class, PK: e.pk})
			}
			continue
		}
		var o, ok, err = r.txn.Object(e.class, e.key)
		if err != nil {
			return Changeset{}, err
		} else if !ok {
			continue
		}
		doc, err := object.Document(o, true)
		if err != nil {
			return Changeset{}, err
		}
		var c, _ = r.txn.Schema().Class(e.class)
		var in = Instruction{Op: Create, Class: e.class, PK: doc[c.PrimaryKey], Fields: doc}

		if !e.created {
			in.Op, in.Fields = Set, make(map[string]value.Value, len(e.props))
			for _, p := range e.props {
				in.Fields[p] = doc[p]
			}
		}
		out.Instructions = append(out.Instructions, in)
	}
	return out, nil
}

func (r *Recorder) flush(w *mvcc.WriteTxn) error {
	var cs, err = r.Changeset()
	if err != nil || len(cs.Instructions) == 0 {
		return err
	}
	b, err := cs.Marshal()
	if err != nil {
		return err
	}
	return w.Put(historyKey(cs.Version), b)
}

const tagHistory = "h"

func historyKey(version uint64) []byte {
	return encoding.EncodeUvarintAscending(object.Tag(tagHistory), version)
}

// Since returns up to |limit| Changesets of the history having versions
// greater than |after|. A |limit| of zero is unbounded.
func Since(r object.Reader, after uint64, limit int) ([]Changeset, error) {
	var out []Changeset
	var errStop = errors.New("stop")

	var err = r.Scan(historyKey(after+1), historyEnd(), func(_, v []byte) error {
		var cs, err = Unmarshal(v)
		if err != nil {
			return err
		}
		out = append(out, cs)
		if limit != 0 && len(out) == limit {
			return errStop
		}
		return nil
	})
	if err != nil && err != errStop {
		return nil, err
	}
	return out, nil
}

// Trim removes Changesets of the history having versions through |through|,
// returning the number removed.
func Trim(w *mvcc.WriteTxn, through uint64) (int, error) {
	var keys [][]byte
	if err := w.Scan(historyKey(0), historyKey(through+1), func(k, _ []byte) error {
		keys = append(keys, append([]byte(nil), k...))
		return nil
	}); err != nil {
		return 0, err
	}
	for _, k := range keys {
		if _, err := w.Delete(k); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

func historyEnd() []byte {
	var prefix = object.Tag(tagHistory)
	return append(prefix[:len(prefix):len(prefix)], 0xff)
}

// Apply the Instructions of |cs| to writable |txn|. References to objects
// which don't yet exist create them, to be filled by later Instructions.
func Apply(txn *object.Txn, cs Changeset) error {
	for _, in := range cs.Instructions {
		if err := apply(txn, in); err != nil {
			return errors.WithMessagef(err, "applying %s of %s %s", in.Op, in.Class, in.PK)
		}
	}
	return nil
}

func apply(txn *object.Txn, in Instruction) error {
	var c, err = txn.Schema().MustClass(in.Class)
	if err != nil {
		return err
	}
	o, ok, err := txn.FindByPK(in.Class, in.PK)
	if err != nil {
		return err
	}

	switch in.Op {
	case Erase:
		if ok {
			return o.Delete()
		}
		return nil
	case Create, Set:
	default:
		return errors.Errorf("unknown instruction %q", in.Op)
	}

	if !ok {
		if o, err = txn.CreateWithPK(in.Class, in.PK, nil); err != nil {
			return err
		}
	}
	var props = make([]string, 0, len(in.Fields))
	for p := range in.Fields {
		if p != c.PrimaryKey {
			props = append(props, p)
		}
	}
	sort.Strings(props)

	for _, name := range props {
		var p, err = c.MustProperty(name)
		if err != nil {
			return err
		} else if err = assign(txn, o, p, in.Fields[name]); err != nil {
			return errors.WithMessagef(err, "assigning %s", name)
		}
	}
	return nil
}

func assign(txn *object.Txn, o object.Obj, p *schema.Property, v value.Value) error {
	if p.Type != schema.TypeObject {
		return o.Set(p.Name, v)
	}
	var target, err = txn.Schema().MustClass(p.ObjectClass)
	if err != nil {
		return err
	}
	if !target.Embedded {
		if v, err = resolveRefs(txn, v); err != nil {
			return err
		}
		return o.Set(p.Name, v)
	}

	// Embedded objects are replaced wholesale.
	if err = o.Set(p.Name, p.Default()); err != nil {
		return err
	}
	var fill = func(child object.Obj, doc value.Value) error {
		for i := range target.Properties {
			var cp = &target.Properties[i]
			if fv, ok := doc.Dict()[cp.Name]; ok {
				if err := assign(txn, child, cp, fv); err != nil {
					return err
				}
			}
		}
		return nil
	}

	switch v.Kind() {
	case value.KindNull:
		return nil
	case value.KindEmbedded:
		var child, err = o.SetEmbedded(p.Name, nil)
		if err != nil {
			return err
		}
		return fill(child, v)
	case value.KindList:
		for _, e := range v.Elems() {
			var child, err = o.AppendEmbedded(p.Name, nil)
			if err != nil {
				return err
			} else if err = fill(child, e); err != nil {
				return err
			}
		}
		return nil
	case value.KindDictionary:
		for _, k := range v.Keys() {
			var child, err = o.PutEmbedded(p.Name, k, nil)
			if err != nil {
				return err
			} else if err = fill(child, v.Dict()[k]); err != nil {
				return err
			}
		}
		return nil
	}
	return errors.Errorf("%s is not an embedded value", v.Kind())
}

// resolveRefs maps value.Refs of |v| to Links of their objects. References
// to objects of classes without a primary key aren't synchronized, and are
// dropped.
func resolveRefs(txn *object.Txn, v value.Value) (value.Value, error) {
	switch v.Kind() {
	case value.KindRef:
		if c, err := txn.Schema().MustClass(v.Class()); err != nil {
			return value.Null(), err
		} else if c.PrimaryKey == "" {
			return value.Null(), nil
		}
		var o, ok, err = txn.FindByPK(v.Class(), v.PK())
		if err != nil {
			return value.Null(), err
		} else if !ok {
			if o, err = txn.CreateWithPK(v.Class(), v.PK(), nil); err != nil {
				return value.Null(), err
			}
		}
		return o.Link(), nil
	case value.KindList, value.KindSet:
		var out = make([]value.Value, 0, v.Len())
		for _, e := range v.Elems() {
			var r, err = resolveRefs(txn, e)
			if err != nil {
				return value.Null(), err
			} else if e.Kind() == value.KindRef && r.IsNull() {
				continue
			}
			out = append(out, r)
		}
		if v.Kind() == value.KindSet {
			return value.Set(out...), nil
		}
		return value.List(out...), nil
	case value.KindDictionary:
		var out = make(map[string]value.Value, v.Len())
		for k, e := range v.Dict() {
			var err error
			if out[k], err = resolveRefs(txn, e); err != nil {
				return value.Null(), err
			}
		}
		return value.Dictionary(out), nil
	}
	return v, nil
}
