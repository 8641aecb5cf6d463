package btree

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"
	"go.strata.dev/core/storage"
)

const (
	kindLeaf   = 1
	kindBranch = 2

	// MaxKeySize is the largest permitted key.
	MaxKeySize = 512
	// maxInline is the largest value stored within a leaf. Larger values
	// are written to overflow page chains.
	maxInline = 512

	// Node kind byte and uint16 entry count.
	nodeHeader = 3
	// Overflow references are a uint64 Ref and uint32 length.
	overflowRefSz = 12
	overflowData  = storage.PayloadSize - 12
)

// node is the decoded form of a tree page. Branch keys hold the smallest
// key reachable through the corresponding child, excepting keys[0] which
// is always empty and orders before every key.
type node struct {
	leaf bool
	keys [][]byte
	vals [][]byte // Leaf only.
	ovf  []bool   // Leaf only: vals[i] is an overflow reference.
	kids []storage.Ref
}

func (n *node) size() int {
	var s = nodeHeader
	for i, k := range n.keys {
		if n.leaf {
			s += 2 + len(k) + 1 + 4 + len(n.vals[i])
		} else {
			s += 2 + len(k) + 8
		}
	}
	return s
}

func (n *node) entrySize(i int) int {
	if n.leaf {
		return 2 + len(n.keys[i]) + 1 + 4 + len(n.vals[i])
	}
	return 2 + len(n.keys[i]) + 8
}

// search returns the index of the first key >= |key|, and whether it's equal.
func (n *node) search(key []byte) (int, bool) {
	var i = sort.Search(len(n.keys), func(i int) bool { return bytes.Compare(n.keys[i], key) >= 0 })
	return i, i < len(n.keys) && bytes.Equal(n.keys[i], key)
}

// child returns the index of the child of a branch which covers |key|.
func (n *node) child(key []byte) int {
	var i = sort.Search(len(n.keys), func(i int) bool { return bytes.Compare(n.keys[i], key) > 0 })
	if i == 0 {
		return 0
	}
	return i - 1
}

func (n *node) clone() *node {
	var c = &node{
		leaf: n.leaf,
		keys: append([][]byte(nil), n.keys...),
	}
	if n.leaf {
		c.vals = append([][]byte(nil), n.vals...)
		c.ovf = append([]bool(nil), n.ovf...)
	} else {
		c.kids = append([]storage.Ref(nil), n.kids...)
	}
	return c
}

// slice returns a new node holding entries [from, to) of |n|.
func (n *node) slice(from, to int) *node {
	var c = &node{
		leaf: n.leaf,
		keys: append([][]byte(nil), n.keys[from:to]...),
	}
	if n.leaf {
		c.vals = append([][]byte(nil), n.vals[from:to]...)
		c.ovf = append([]bool(nil), n.ovf[from:to]...)
	} else {
		c.kids = append([]storage.Ref(nil), n.kids[from:to]...)
	}
	return c
}

func (n *node) encode() []byte {
	var b = make([]byte, 0, n.size())
	if n.leaf {
		b = append(b, kindLeaf)
	} else {
		b = append(b, kindBranch)
	}
	b = binary.LittleEndian.AppendUint16(b, uint16(len(n.keys)))

	for i, k := range n.keys {
		b = binary.LittleEndian.AppendUint16(b, uint16(len(k)))
		b = append(b, k...)

		if n.leaf {
			if n.ovf[i] {
				b = append(b, 1)
			} else {
				b = append(b, 0)
			}
			b = binary.LittleEndian.AppendUint32(b, uint32(len(n.vals[i])))
			b = append(b, n.vals[i]...)
		} else {
			b = binary.LittleEndian.AppendUint64(b, uint64(n.kids[i]))
		}
	}
	return b
}

func decodeNode(ref storage.Ref, b []byte) (*node, error) {
	var corrupt = func(what string) error {
		return errors.Wrapf(storage.ErrCorrupt, "page %d: %s", ref, what)
	}
	if len(b) < nodeHeader {
		return nil, corrupt("short node")
	}
	var n = &node{}
	switch b[0] {
	case kindLeaf:
		n.leaf = true
	case kindBranch:
	default:
		return nil, corrupt("unknown node kind")
	}
	var count = int(binary.LittleEndian.Uint16(b[1:]))
	b = b[nodeHeader:]

	n.keys = make([][]byte, count)
	if n.leaf {
		n.vals, n.ovf = make([][]byte, count), make([]bool, count)
	} else {
		n.kids = make([]storage.Ref, count)
	}
	for i := 0; i != count; i++ {
		if len(b) < 2 {
			return nil, corrupt("truncated key length")
		}
		var kl = int(binary.LittleEndian.Uint16(b))
		if len(b) < 2+kl {
			return nil, corrupt("truncated key")
		}
		n.keys[i], b = b[2:2+kl:2+kl], b[2+kl:]

		if !n.leaf {
			if len(b) < 8 {
				return nil, corrupt("truncated child")
			}
			n.kids[i], b = storage.Ref(binary.LittleEndian.Uint64(b)), b[8:]
			continue
		}
		if len(b) < 5 {
			return nil, corrupt("truncated value header")
		}
		var vl = int(binary.LittleEndian.Uint32(b[1:]))
		n.ovf[i] = b[0] == 1
		if len(b) < 5+vl {
			return nil, corrupt("truncated value")
		}
		n.vals[i], b = b[5:5+vl:5+vl], b[5+vl:]
	}
	return n, nil
}

func encodeOverflowRef(ref storage.Ref, length int) []byte {
	var b = make([]byte, overflowRefSz)
	binary.LittleEndian.PutUint64(b, uint64(ref))
	binary.LittleEndian.PutUint32(b[8:], uint32(length))
	return b
}

func decodeOverflowRef(b []byte) (storage.Ref, int) {
	return storage.Ref(binary.LittleEndian.Uint64(b)), int(binary.LittleEndian.Uint32(b[8:]))
}
