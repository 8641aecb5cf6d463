// Package btree implements a copy-on-write B+tree of ordered byte keys over
// the pages of a storage.File. A Tree is an immutable view of the tree at a
// committed root. A Writer applies mutations by copying each touched page
// (and its ancestors) to a freshly allocated page, leaving every page
// reachable from prior roots untouched for concurrent readers.
package btree

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
	"go.strata.dev/core/storage"
)

// Pager reads page payloads.
type Pager interface {
	Read(storage.Ref) ([]byte, error)
}

// WritePager reads, allocates, writes, and frees pages. Freed pages must
// remain readable by views of prior roots.
type WritePager interface {
	Pager
	Allocate() (storage.Ref, error)
	Write(storage.Ref, []byte) error
	Free(storage.Ref)
}

// ErrStop may be returned by a Scan callback to end the scan without error.
var ErrStop = errors.New("stop scan")

// Tree is a read-only view of a tree root.
type Tree struct {
	pager Pager
	root  storage.Ref
}

// NewTree returns a Tree of |root|, which may be zero for an empty tree.
func NewTree(pager Pager, root storage.Ref) *Tree {
	return &Tree{pager: pager, root: root}
}

// Root of the Tree.
func (t *Tree) Root() storage.Ref { return t.root }

// Get the value of |key|, or false if it's not present.
func (t *Tree) Get(key []byte) ([]byte, bool, error) {
	return get(t.pager, t.load, t.root, key)
}

// Scan calls |fn| with each key and value in [from, to), in key order.
// A nil |to| scans to the end of the tree. Slices passed to |fn| must not
// be retained or modified.
func (t *Tree) Scan(from, to []byte, fn func(key, value []byte) error) error {
	return scan(t.pager, t.load, t.root, from, to, fn)
}

func (t *Tree) load(ref storage.Ref) (*node, error) {
	var b, err = t.pager.Read(ref)
	if err != nil {
		return nil, err
	}
	return decodeNode(ref, b)
}

// ScanPrefix calls |fn| with each key having |prefix|, in key order.
func ScanPrefix(s interface {
	Scan(from, to []byte, fn func(key, value []byte) error) error
}, prefix []byte, fn func(key, value []byte) error) error {
	return s.Scan(prefix, PrefixEnd(prefix), fn)
}

// PrefixEnd returns the smallest key greater than every key having |prefix|,
// or nil if there is no such key.
func PrefixEnd(prefix []byte) []byte {
	var end = append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i]++; end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

type loadFn func(storage.Ref) (*node, error)

func get(pager Pager, load loadFn, ref storage.Ref, key []byte) ([]byte, bool, error) {
	for ref != 0 {
		var n, err = load(ref)
		if err != nil {
			return nil, false, err
		}
		if !n.leaf {
			ref = n.kids[n.child(key)]
			continue
		}
		var i, ok = n.search(key)
		if !ok {
			return nil, false, nil
		}
		if !n.ovf[i] {
			return n.vals[i], true, nil
		}
		v, err := readOverflow(pager, n.vals[i])
		return v, err == nil, err
	}
	return nil, false, nil
}

func scan(pager Pager, load loadFn, ref storage.Ref, from, to []byte, fn func(k, v []byte) error) error {
	var err = scanNode(pager, load, ref, from, to, fn)
	if err == ErrStop {
		return nil
	}
	return err
}

func scanNode(pager Pager, load loadFn, ref storage.Ref, from, to []byte, fn func(k, v []byte) error) error {
	if ref == 0 {
		return nil
	}
	var n, err = load(ref)
	if err != nil {
		return err
	}
	if !n.leaf {
		for i := n.child(from); i < len(n.kids); i++ {
			if i != 0 && to != nil && bytes.Compare(n.keys[i], to) >= 0 {
				break
			}
			if err = scanNode(pager, load, n.kids[i], from, to, fn); err != nil {
				return err
			}
		}
		return nil
	}
	for i, _ := n.search(from); i < len(n.keys); i++ {
		if to != nil && bytes.Compare(n.keys[i], to) >= 0 {
			return ErrStop
		}
		var v = n.vals[i]
		if n.ovf[i] {
			if v, err = readOverflow(pager, v); err != nil {
				return err
			}
		}
		if err = fn(n.keys[i], v); err != nil {
			return err
		}
	}
	return nil
}

func readOverflow(pager Pager, ptr []byte) ([]byte, error) {
	var ref, length = decodeOverflowRef(ptr)
	var out = make([]byte, 0, length)

	for ref != 0 && len(out) < length {
		var b, err = pager.Read(ref)
		if err != nil {
			return nil, err
		}
		var next = storage.Ref(binary.LittleEndian.Uint64(b))
		var n = int(binary.LittleEndian.Uint32(b[8:]))
		if n > overflowData {
			return nil, errors.Wrapf(storage.ErrCorrupt, "overflow page %d length %d", ref, n)
		}
		out = append(out, b[12:12+n]...)
		ref = next
	}
	if len(out) != length {
		return nil, errors.Wrapf(storage.ErrCorrupt, "overflow chain has %d of %d bytes", len(out), length)
	}
	return out, nil
}
