package object

import (
	"sort"

	"github.com/pkg/errors"
	"go.strata.dev/core/schema"
	"go.strata.dev/core/value"
)

// Normalize rewrites the objects of a file having Schema |from| into the
// shape of the Txn's Schema:
//
//   - Objects of removed classes, and of classes whose embedded flag
//     changed, are discarded.
//   - Removed properties are dropped, and added properties take defaults.
//   - Properties which changed type, or became required while null, take
//     their defaults.
//   - Embedded objects no longer owned by their parent are discarded.
//
// Row identities of retained objects are unchanged. Backlinks are rebuilt,
// as are primary key indices of classes whose primary key is unchanged.
// Other indices are rebuilt by RebuildIndex once their keys are assigned.
func (t *Txn) Normalize(from *schema.Schema) error {
	if err := t.writable(); err != nil {
		return err
	}
	var discard = make(map[string]bool)
	var deferred = make(map[string]bool)

	for _, ch := range schema.Diff(from, t.schema) {
		switch ch.Kind {
		case schema.RemoveClass, schema.ChangeEmbedded:
			discard[ch.Class] = true
		case schema.ChangePrimaryKey:
			deferred[ch.Class] = true
		}
		if c, ok := t.schema.Class(ch.Class); ok && ch.Property != "" && ch.Property == c.PrimaryKey {
			deferred[ch.Class] = true
		}
	}
	for _, class := range sortedKeys(discard) {
		for _, tag := range []string{tagRow, tagPK} {
			if _, err := t.w.DeletePrefix(classPrefix(tag, class)); err != nil {
				return err
			}
		}
	}

	for _, name := range t.schema.ClassNames() {
		var oldC, ok = from.Class(name)
		if !ok || discard[name] {
			continue
		}
		var newC, _ = t.schema.Class(name)
		if err := t.reshape(oldC, newC, discard); err != nil {
			return errors.WithMessagef(err, "reshaping %s", name)
		}
	}
	if err := t.discardOrphans(); err != nil {
		return err
	} else if err = t.rebuildBacklinks(); err != nil {
		return err
	} else if _, err = t.w.DeletePrefix(Tag(tagPK)); err != nil {
		return err
	}
	for _, name := range t.schema.ClassNames() {
		if deferred[name] {
			continue
		} else if err := t.RebuildIndex(name); err != nil {
			return err
		}
	}
	return nil
}

func (t *Txn) reshape(oldC, newC *schema.Class, discard map[string]bool) error {
	var keys [][]byte
	var recs []record

	if err := scanPrefix(t.w, classPrefix(tagRow, newC.Name), func(k, v []byte) error {
		var rec, err = decodeRecord(v)
		if err == nil {
			keys, recs = append(keys, append([]byte(nil), k...)), append(recs, rec)
		}
		return err
	}); err != nil {
		return err
	}

	for i, rec := range recs {
		var fields = make(map[string]value.Value, len(newC.Properties))
		for _, p := range newC.Properties {
			var v = p.Default()
			if op, ok := oldC.Property(p.Name); ok &&
				op.Type == p.Type && op.Collection == p.Collection &&
				op.ObjectClass == p.ObjectClass && !discard[p.ObjectClass] {

				if prev, ok := rec.fields[p.Name]; ok && (p.Optional || !prev.IsNull()) {
					v = prev
				}
			}
			fields[p.Name] = v
		}
		rec.fields = fields

		if err := t.w.Put(keys[i], rec.encode()); err != nil {
			return err
		}
	}
	return nil
}

// discardOrphans deletes embedded objects whose parent no longer exists or
// no longer holds them, until none remain.
func (t *Txn) discardOrphans() error {
	for {
		var orphans []value.Value

		for _, name := range t.schema.ClassNames() {
			var c, _ = t.schema.Class(name)
			if !c.Embedded {
				continue
			}
			var prefix = classPrefix(tagRow, name)

			if err := scanPrefix(t.w, prefix, func(k, v []byte) error {
				var key, err = decodeRowKey(k, len(prefix))
				if err != nil {
					return err
				}
				rec, err := decodeRecord(v)
				if err != nil {
					return err
				}
				var self = value.Link(name, key)

				if rec.parent.IsNull() {
					orphans = append(orphans, self)
					return nil
				}
				b, ok, err := t.w.Get(rowKey(rec.parent.Class(), rec.parent.Key()))
				if err != nil {
					return err
				} else if !ok {
					orphans = append(orphans, self)
					return nil
				}
				parent, err := decodeRecord(b)
				if err != nil {
					return err
				} else if !containsLink(parent.fields[rec.parentProp], self) {
					orphans = append(orphans, self)
				}
				return nil
			}); err != nil {
				return err
			}
		}
		if len(orphans) == 0 {
			return nil
		}
		for _, o := range orphans {
			if _, err := t.w.Delete(rowKey(o.Class(), o.Key())); err != nil {
				return err
			}
		}
	}
}

func (t *Txn) rebuildBacklinks() error {
	if _, err := t.w.DeletePrefix(Tag(tagBacklink)); err != nil {
		return err
	}
	for _, name := range t.schema.ClassNames() {
		var c, _ = t.schema.Class(name)
		var prefix = classPrefix(tagRow, name)
		var puts [][]byte

		if err := scanPrefix(t.w, prefix, func(k, v []byte) error {
			var key, err = decodeRowKey(k, len(prefix))
			if err != nil {
				return err
			}
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			for _, p := range c.Properties {
				if p.Type != schema.TypeObject {
					continue
				} else if target, _ := t.schema.Class(p.ObjectClass); target == nil || target.Embedded {
					continue
				}
				for _, l := range links(rec.fields[p.Name]) {
					puts = append(puts, backlinkKey(l, name, key, p.Name))
				}
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range puts {
			if err := t.w.Put(k, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func sortedKeys(m map[string]bool) []string {
	var out = make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
