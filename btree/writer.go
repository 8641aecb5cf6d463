package btree

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"go.strata.dev/core/storage"
)

// Writer mutates a tree by copy-on-write. Pages reachable from the root the
// Writer began at are never modified: a touched page is copied to a fresh
// page and the original is freed to the WritePager. Pages allocated by this
// Writer are "dirty", and are mutated in memory until Flush.
type Writer struct {
	pager WritePager
	root  storage.Ref
	dirty map[storage.Ref]*node
}

// NewWriter returns a Writer which begins from |root|.
func NewWriter(pager WritePager, root storage.Ref) *Writer {
	return &Writer{
		pager: pager,
		root:  root,
		dirty: make(map[storage.Ref]*node),
	}
}

// Root is the current root of the Writer, which may reference dirty pages
// not yet written.
func (w *Writer) Root() storage.Ref { return w.root }

// Get the value of |key|, reflecting mutations made by this Writer.
func (w *Writer) Get(key []byte) ([]byte, bool, error) {
	return get(w.pager, w.load, w.root, key)
}

// Scan the Writer's tree. See Tree.Scan. |fn| must not mutate the Writer.
func (w *Writer) Scan(from, to []byte, fn func(key, value []byte) error) error {
	return scan(w.pager, w.load, w.root, from, to, fn)
}

// Put |value| under |key|, replacing any current value.
func (w *Writer) Put(key, value []byte) error {
	if len(key) > MaxKeySize {
		return errors.Errorf("key length %d exceeds maximum of %d", len(key), MaxKeySize)
	}
	var val, ovf = value, false
	if len(value) > maxInline {
		var err error
		if val, err = w.writeOverflow(value); err != nil {
			return err
		}
		ovf = true
	} else {
		val = append([]byte(nil), value...)
	}
	key = append([]byte(nil), key...)

	if w.root == 0 {
		var ref, err = w.pager.Allocate()
		if err != nil {
			return err
		}
		w.dirty[ref] = &node{leaf: true, keys: [][]byte{key}, vals: [][]byte{val}, ovf: []bool{ovf}}
		w.root = ref
		return nil
	}

	var pieces, err = w.put(w.root, key, val, ovf)
	if err != nil {
		return err
	}
	for len(pieces) > 1 {
		// The root split. Grow the tree by a level.
		var root = &node{}
		for _, p := range pieces {
			root.keys = append(root.keys, p.key)
			root.kids = append(root.kids, p.ref)
		}
		root.keys[0] = nil

		var ref storage.Ref
		if ref, err = w.pager.Allocate(); err != nil {
			return err
		}
		w.dirty[ref] = root
		if pieces, err = w.split(ref, root); err != nil {
			return err
		}
	}
	w.root = pieces[0].ref
	return nil
}

// Delete |key|, returning whether it was present.
func (w *Writer) Delete(key []byte) (bool, error) {
	if w.root == 0 {
		return false, nil
	}
	var ref, empty, found, err = w.del(w.root, key)
	if err != nil || !found {
		return false, err
	}
	w.root = ref

	if empty {
		w.free(w.root)
		w.root = 0
	}
	// Collapse branch roots having a single child.
	for w.root != 0 {
		var n, err = w.load(w.root)
		if err != nil {
			return false, err
		} else if n.leaf || len(n.kids) != 1 {
			break
		}
		w.free(w.root)
		w.root = n.kids[0]
	}
	return true, nil
}

// DeletePrefix deletes all keys having |prefix|, returning the count deleted.
func (w *Writer) DeletePrefix(prefix []byte) (int, error) {
	var keys [][]byte
	if err := ScanPrefix(w, prefix, func(k, _ []byte) error {
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

// Flush writes all dirty pages, returning the new root.
func (w *Writer) Flush() (storage.Ref, error) {
	for ref, n := range w.dirty {
		if err := w.pager.Write(ref, n.encode()); err != nil {
			return 0, err
		}
	}
	w.dirty = make(map[storage.Ref]*node)
	return w.root, nil
}

type piece struct {
	key []byte
	ref storage.Ref
}

func (w *Writer) load(ref storage.Ref) (*node, error) {
	if n, ok := w.dirty[ref]; ok {
		return n, nil
	}
	var b, err = w.pager.Read(ref)
	if err != nil {
		return nil, err
	}
	return decodeNode(ref, b)
}

// mutable returns a dirty copy of page |ref|, which may be |ref| itself if
// it was allocated by this Writer.
func (w *Writer) mutable(ref storage.Ref) (storage.Ref, *node, error) {
	if n, ok := w.dirty[ref]; ok {
		return ref, n, nil
	}
	var n, err = w.load(ref)
	if err != nil {
		return 0, nil, err
	}
	next, err := w.pager.Allocate()
	if err != nil {
		return 0, nil, err
	}
	w.pager.Free(ref)
	n = n.clone()
	w.dirty[next] = n
	return next, n, nil
}

func (w *Writer) free(ref storage.Ref) {
	delete(w.dirty, ref)
	w.pager.Free(ref)
}

func (w *Writer) put(ref storage.Ref, key, val []byte, ovf bool) ([]piece, error) {
	var ref2, n, err = w.mutable(ref)
	if err != nil {
		return nil, err
	}

	if n.leaf {
		var i, found = n.search(key)
		if found {
			if n.ovf[i] {
				if err = w.freeOverflow(n.vals[i]); err != nil {
					return nil, err
				}
			}
			n.vals[i], n.ovf[i] = val, ovf
		} else {
			n.keys = insertAt(n.keys, i, key)
			n.vals = insertAt(n.vals, i, val)
			n.ovf = insertAt(n.ovf, i, ovf)
		}
		return w.split(ref2, n)
	}

	var i = n.child(key)
	pieces, err := w.put(n.kids[i], key, val, ovf)
	if err != nil {
		return nil, err
	}
	n.kids[i] = pieces[0].ref
	for j, p := range pieces[1:] {
		n.keys = insertAt(n.keys, i+1+j, p.key)
		n.kids = insertAt(n.kids, i+1+j, p.ref)
	}
	return w.split(ref2, n)
}

// split divides dirty node |n| at |ref| into pieces which each fit a page.
// The first piece retains |ref|.
func (w *Writer) split(ref storage.Ref, n *node) ([]piece, error) {
	if n.size() <= storage.PayloadSize || len(n.keys) < 2 {
		return []piece{{key: firstKey(n), ref: ref}}, nil
	}
	// Choose a split point which balances bytes between halves.
	var half, acc, at = n.size() / 2, nodeHeader, 1
	for i := range n.keys {
		if acc += n.entrySize(i); acc > half {
			at = i
			break
		}
	}
	if at == 0 {
		at = 1
	}
	var left, right = n.slice(0, at), n.slice(at, len(n.keys))
	w.dirty[ref] = left

	var rref, err = w.pager.Allocate()
	if err != nil {
		return nil, err
	}
	w.dirty[rref] = right
	var rkey = right.keys[0]
	if !right.leaf {
		right.keys[0] = nil
	}

	lp, err := w.split(ref, left)
	if err != nil {
		return nil, err
	}
	rp, err := w.split(rref, right)
	if err != nil {
		return nil, err
	}
	rp[0].key = rkey
	return append(lp, rp...), nil
}

func firstKey(n *node) []byte {
	if len(n.keys) == 0 {
		return nil
	}
	return n.keys[0]
}

// del removes |key| beneath |ref|, returning the (possibly copied) ref of
// the node, whether the node is now empty, and whether |key| was found.
func (w *Writer) del(ref storage.Ref, key []byte) (storage.Ref, bool, bool, error) {
	var n, err = w.load(ref)
	if err != nil {
		return 0, false, false, err
	}

	if n.leaf {
		var i, found = n.search(key)
		if !found {
			return ref, false, false, nil
		}
		ref2, n, err := w.mutable(ref)
		if err != nil {
			return 0, false, false, err
		}
		if n.ovf[i] {
			if err = w.freeOverflow(n.vals[i]); err != nil {
				return 0, false, false, err
			}
		}
		n.keys = removeAt(n.keys, i)
		n.vals = removeAt(n.vals, i)
		n.ovf = removeAt(n.ovf, i)
		return ref2, len(n.keys) == 0, true, nil
	}

	var i = n.child(key)
	cref, cempty, found, err := w.del(n.kids[i], key)
	if err != nil || !found {
		return ref, false, found, err
	}
	ref2, n, err := w.mutable(ref)
	if err != nil {
		return 0, false, false, err
	}
	if cempty {
		w.free(cref)
		n.keys = removeAt(n.keys, i)
		n.kids = removeAt(n.kids, i)
		if i == 0 && len(n.keys) != 0 {
			n.keys[0] = nil
		}
	} else {
		n.kids[i] = cref
	}
	return ref2, len(n.kids) == 0, true, nil
}

func (w *Writer) writeOverflow(value []byte) ([]byte, error) {
	var refs = make([]storage.Ref, (len(value)+overflowData-1)/overflowData)
	for i := range refs {
		var err error
		if refs[i], err = w.pager.Allocate(); err != nil {
			return nil, err
		}
	}
	for i, ref := range refs {
		var chunk = value[i*overflowData:]
		if len(chunk) > overflowData {
			chunk = chunk[:overflowData]
		}
		var b = make([]byte, 12+len(chunk))
		if i+1 < len(refs) {
			binary.LittleEndian.PutUint64(b, uint64(refs[i+1]))
		}
		binary.LittleEndian.PutUint32(b[8:], uint32(len(chunk)))
		copy(b[12:], chunk)

		if err := w.pager.Write(ref, b); err != nil {
			return nil, err
		}
	}
	return encodeOverflowRef(refs[0], len(value)), nil
}

func (w *Writer) freeOverflow(ptr []byte) error {
	for ref, _ := decodeOverflowRef(ptr); ref != 0; {
		var b, err = w.pager.Read(ref)
		if err != nil {
			return err
		}
		w.pager.Free(ref)
		ref = storage.Ref(binary.LittleEndian.Uint64(b))
	}
	return nil
}

func insertAt[T any](s []T, i int, v T) []T {
	var zero T
	s = append(s, zero)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func removeAt[T any](s []T, i int) []T {
	return append(s[:i], s[i+1:]...)
}
