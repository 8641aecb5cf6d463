package notify

import (
	"strconv"

	"go.strata.dev/core/object"
	"go.strata.dev/core/query"
	"go.strata.dev/core/value"
)

// target is an observable subject of a Subscription.
type target interface {
	// name of the target kind, used as a metric label.
	name() string
	// evaluate the target at |txn|, returning false if it no longer exists.
	evaluate(txn *object.Txn) (snapshot, bool, error)
	// always is true if an Update is delivered for every observed Version,
	// even when no items changed.
	always() bool
}

// item is an identified element of an evaluated target. Items of equal id
// having differing fingerprints are modified.
type item struct {
	id, fingerprint string
}

// snapshot is an evaluated target.
type snapshot struct {
	items []item
	event Event
}

// diff returns the Changes from |prev| to |next|.
func diff(prev, next []item) Changes {
	var out Changes
	var index = make(map[string]int, len(prev))
	for i, it := range prev {
		index[it.id] = i
	}
	var kept = make(map[string]struct{}, len(next))
	for i, it := range next {
		kept[it.id] = struct{}{}

		if j, ok := index[it.id]; !ok {
			out.Insertions = append(out.Insertions, i)
		} else if prev[j].fingerprint != it.fingerprint {
			out.Modifications = append(out.Modifications, i)
		}
	}
	for i, it := range prev {
		if _, ok := kept[it.id]; !ok {
			out.Deletions = append(out.Deletions, i)
		}
	}
	return out
}

// fingerprint returns the encoding of |o|'s document, with embedded objects
// inlined.
func fingerprint(o object.Obj) (string, error) {
	var doc, err = object.Document(o, false)
	if err != nil {
		return "", err
	}
	return string(value.Encode(value.Dictionary(doc))), nil
}

func identity(o object.Obj) string {
	return o.Class() + "/" + strconv.FormatInt(o.Key(), 10)
}

type objectTarget struct {
	class string
	key   int64
}

func (objectTarget) name() string { return "object" }
func (objectTarget) always() bool { return false }

func (t objectTarget) evaluate(txn *object.Txn) (snapshot, bool, error) {
	var o, ok, err = txn.Object(t.class, t.key)
	if err != nil || !ok {
		return snapshot{}, false, err
	}
	doc, err := object.Document(o, false)
	if err != nil {
		return snapshot{}, false, err
	}
	var c, _ = txn.Schema().Class(t.class)
	var out = snapshot{event: Event{Object: o}}

	for _, p := range c.Properties {
		out.items = append(out.items, item{
			id:          p.Name,
			fingerprint: string(value.Encode(doc[p.Name])),
		})
	}
	return out, true, nil
}

type queryTarget struct {
	q query.Query
}

func (queryTarget) name() string { return "query" }
func (queryTarget) always() bool { return false }

func (t queryTarget) evaluate(txn *object.Txn) (snapshot, bool, error) {
	var objs, err = t.q.Find(txn)
	if err != nil {
		return snapshot{}, false, err
	}
	var out = snapshot{event: Event{Objects: objs}}

	for _, o := range objs {
		var fp, err = fingerprint(o)
		if err != nil {
			return snapshot{}, false, err
		}
		out.items = append(out.items, item{id: identity(o), fingerprint: fp})
	}
	return out, true, nil
}

type collectionTarget struct {
	class string
	key   int64
	prop  string
}

func (collectionTarget) name() string { return "collection" }
func (collectionTarget) always() bool { return false }

func (t collectionTarget) evaluate(txn *object.Txn) (snapshot, bool, error) {
	var o, ok, err = txn.Object(t.class, t.key)
	if err != nil || !ok {
		return snapshot{}, false, err
	}
	v, err := o.Get(t.prop)
	if err != nil {
		return snapshot{}, false, err
	}

	var out snapshot
	var add = func(id string, elem value.Value) error {
		var fp = string(value.Encode(elem))

		if elem.Kind() == value.KindLink {
			var linked, ok, err = txn.Object(elem.Class(), elem.Key())
			if err != nil {
				return err
			} else if ok {
				out.event.Objects = append(out.event.Objects, linked)
				if fp, err = fingerprint(linked); err != nil {
					return err
				}
			}
		}
		out.event.Values = append(out.event.Values, elem)
		out.items = append(out.items, item{id: id, fingerprint: fp})
		return nil
	}

	if v.Kind() == value.KindDictionary {
		for _, k := range v.Keys() {
			out.event.Keys = append(out.event.Keys, k)
			if err = add(k, v.Dict()[k]); err != nil {
				return snapshot{}, false, err
			}
		}
		return out, true, nil
	}

	// Elements are identified by value, and repeated values by occurrence.
	var seen = make(map[string]int)
	for _, elem := range v.Elems() {
		var enc = string(value.Encode(elem))
		seen[enc]++
		if err = add(enc+"#"+strconv.Itoa(seen[enc]), elem); err != nil {
			return snapshot{}, false, err
		}
	}
	return out, true, nil
}

type fileTarget struct{}

func (fileTarget) name() string { return "file" }
func (fileTarget) always() bool { return true }

func (fileTarget) evaluate(*object.Txn) (snapshot, bool, error) {
	return snapshot{}, true, nil
}
