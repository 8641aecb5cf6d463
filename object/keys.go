package object

import (
	"github.com/jgraettinger/cockroach-encoding/encoding"
	"github.com/pkg/errors"
	"go.strata.dev/core/btree"
	"go.strata.dev/core/value"
)

// Keyspace tags. Each top-level family of keys begins with an encoded tag.
const (
	tagMeta     = "m"
	tagRow      = "r"
	tagPK       = "p"
	tagBacklink = "b"
	tagSequence = "n"
)

// Tag returns the encoded prefix of a keyspace family. Packages layering
// additional state into the file (history, subscriptions) use distinct tags.
func Tag(tag string) []byte { return encoding.EncodeStringAscending(nil, tag) }

// MetaKey returns the key of named file metadata.
func MetaKey(name string) []byte {
	return encoding.EncodeStringAscending(Tag(tagMeta), name)
}

func classPrefix(tag, class string) []byte {
	return encoding.EncodeStringAscending(Tag(tag), class)
}

func rowKey(class string, key int64) []byte {
	return encoding.EncodeVarintAscending(classPrefix(tagRow, class), key)
}

func decodeRowKey(b []byte, prefixLen int) (int64, error) {
	var _, key, err = encoding.DecodeVarintAscending(b[prefixLen:])
	return key, errors.WithMessage(err, "decoding row key")
}

func pkKey(class string, pk value.Value) []byte {
	return value.AppendKey(classPrefix(tagPK, class), pk)
}

func sequenceKey(class string) []byte { return classPrefix(tagSequence, class) }

func backlinkPrefix(class string, key int64) []byte {
	return encoding.EncodeVarintAscending(classPrefix(tagBacklink, class), key)
}

func backlinkKey(target value.Value, srcClass string, srcKey int64, prop string) []byte {
	var b = backlinkPrefix(target.Class(), target.Key())
	b = encoding.EncodeStringAscending(b, srcClass)
	b = encoding.EncodeVarintAscending(b, srcKey)
	return encoding.EncodeStringAscending(b, prop)
}

func decodeBacklinkKey(b []byte, prefixLen int) (srcClass string, srcKey int64, prop string, err error) {
	b = b[prefixLen:]
	if b, srcClass, err = encoding.DecodeStringAscending(b, nil); err != nil {
		return
	} else if b, srcKey, err = encoding.DecodeVarintAscending(b); err != nil {
		return
	}
	_, prop, err = encoding.DecodeStringAscending(b, nil)
	return
}

// scanPrefix scans all keys having |prefix|.
func scanPrefix(r Reader, prefix []byte, fn func(key, value []byte) error) error {
	return r.Scan(prefix, btree.PrefixEnd(prefix), fn)
}

// record is the stored form of an object row.
type record struct {
	fields map[string]value.Value
	// Owning object and property of an embedded object.
	parent     value.Value
	parentProp string
}

func (r record) encode() []byte {
	var parent = value.Null()
	if !r.parent.IsNull() {
		parent = value.List(r.parent, value.String(r.parentProp))
	}
	return value.Encode(value.List(value.Dictionary(r.fields), parent))
}

func decodeRecord(b []byte) (record, error) {
	var v, err = value.Decode(b)
	if err != nil {
		return record{}, errors.WithMessage(err, "decoding record")
	} else if v.Kind() != value.KindList || v.Len() != 2 {
		return record{}, errors.New("malformed record")
	}
	var out = record{fields: v.Elems()[0].Dict(), parent: value.Null()}
	if out.fields == nil {
		out.fields = make(map[string]value.Value)
	}
	if p := v.Elems()[1]; !p.IsNull() {
		out.parent, out.parentProp = p.Elems()[0], p.Elems()[1].Str()
	}
	return out, nil
}

func (r record) clone() record {
	var fields = make(map[string]value.Value, len(r.fields))
	for k, v := range r.fields {
		fields[k] = v
	}
	r.fields = fields
	return r
}

// links returns the Link Values held by |v|, which may be a collection.
func links(v value.Value) []value.Value {
	switch v.Kind() {
	case value.KindLink:
		return []value.Value{v}
	case value.KindList, value.KindSet:
		var out []value.Value
		for _, e := range v.Elems() {
			if e.Kind() == value.KindLink {
				out = append(out, e)
			}
		}
		return out
	case value.KindDictionary:
		var out []value.Value
		for _, k := range v.Keys() {
			if e := v.Dict()[k]; e.Kind() == value.KindLink {
				out = append(out, e)
			}
		}
		return out
	}
	return nil
}

// withoutLink returns |v| having every occurrence of |link| removed. Single
// links become null, and dictionary entries are removed.
func withoutLink(v value.Value, link value.Value) value.Value {
	switch v.Kind() {
	case value.KindLink:
		if v.Equal(link) {
			return value.Null()
		}
	case value.KindList, value.KindSet:
		var out []value.Value
		for _, e := range v.Elems() {
			if !e.Equal(link) {
				out = append(out, e)
			}
		}
		if v.Kind() == value.KindSet {
			return value.Set(out...)
		}
		return value.List(out...)
	case value.KindDictionary:
		var out = make(map[string]value.Value)
		for k, e := range v.Dict() {
			if !e.Equal(link) {
				out[k] = e
			}
		}
		return value.Dictionary(out)
	}
	return v
}
