package storage

import (
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"
)

// freedPage is a page released by the commit producing version |at|. It
// remains readable by every version before |at|.
type freedPage struct {
	ref Ref
	at  uint64
}

// freeList tracks pages which may be reused (|ready|) and pages which are
// still referenced by some pinned version (|pending|). Mutations made since
// the last commit are journaled so they may be rolled back.
type freeList struct {
	ready   []Ref
	pending []freedPage

	// Journal of the current (uncommitted) transaction.
	taken []Ref // Refs removed from |ready| by allocation.
	freed int   // Count of |pending| entries appended.
}

const freeListEntriesPerPage = (PayloadSize - 12) / 16

func (fl *freeList) take() (Ref, bool) {
	if len(fl.ready) == 0 {
		return 0, false
	}
	var ref = fl.ready[len(fl.ready)-1]
	fl.ready = fl.ready[:len(fl.ready)-1]
	fl.taken = append(fl.taken, ref)
	return ref, true
}

func (fl *freeList) free(ref Ref, at uint64) {
	fl.pending = append(fl.pending, freedPage{ref: ref, at: at})
	fl.freed++
}

// release moves pending pages freed at or before |oldest| into |ready|.
// |oldest| is the oldest version still pinned by any reader.
func (fl *freeList) release(oldest uint64) {
	var keep = fl.pending[:0]
	for _, p := range fl.pending {
		if p.at <= oldest {
			fl.ready = append(fl.ready, p.ref)
		} else {
			keep = append(keep, p)
		}
	}
	fl.pending = keep
	// Prefer low pages, so that files tend to compact towards their start.
	sort.Slice(fl.ready, func(i, j int) bool { return fl.ready[i] > fl.ready[j] })
}

func (fl *freeList) rollback() {
	fl.pending = fl.pending[:len(fl.pending)-fl.freed]
	fl.ready = append(fl.ready, fl.taken...)
	fl.resetJournal()
}

func (fl *freeList) resetJournal() {
	fl.taken, fl.freed = fl.taken[:0], 0
}

func (fl *freeList) len() int { return len(fl.ready) + len(fl.pending) }

// encode the free list into chained page payloads. |refs| are the pages
// which will hold the encoding, and must number pagesFor(fl.len()).
func (fl *freeList) encode(refs []Ref) [][]byte {
	var all = make([]freedPage, 0, fl.len())
	for _, r := range fl.ready {
		all = append(all, freedPage{ref: r})
	}
	all = append(all, fl.pending...)

	var out = make([][]byte, len(refs))
	for i := range refs {
		var b = make([]byte, PayloadSize)
		if i+1 < len(refs) {
			binary.LittleEndian.PutUint64(b[0:], uint64(refs[i+1]))
		}
		var n = len(all)
		if n > freeListEntriesPerPage {
			n = freeListEntriesPerPage
		}
		binary.LittleEndian.PutUint32(b[8:], uint32(n))

		for j, p := range all[:n] {
			binary.LittleEndian.PutUint64(b[12+16*j:], uint64(p.ref))
			binary.LittleEndian.PutUint64(b[20+16*j:], p.at)
		}
		all = all[n:]
		out[i] = b
	}
	return out
}

// decodeFreeListPage decodes one chained page, returning the next Ref.
func decodeFreeListPage(b []byte, into *freeList) (Ref, error) {
	var next = Ref(binary.LittleEndian.Uint64(b[0:]))
	var n = int(binary.LittleEndian.Uint32(b[8:]))
	if n > freeListEntriesPerPage {
		return 0, errors.Wrapf(ErrCorrupt, "free-list page has %d entries", n)
	}
	for j := 0; j != n; j++ {
		into.pending = append(into.pending, freedPage{
			ref: Ref(binary.LittleEndian.Uint64(b[12+16*j:])),
			at:  binary.LittleEndian.Uint64(b[20+16*j:]),
		})
	}
	return next, nil
}

func pagesFor(entries int) int {
	return (entries + freeListEntriesPerPage - 1) / freeListEntriesPerPage
}
