// Package mvcc manages the versions of a strata File. Each committed write
// transaction produces exactly one new Version. Read transactions pin the
// Version they began at, and observe it for their lifetime regardless of
// later commits. Pages freed by a commit are recycled only once no read
// transaction pins a Version which could reference them.
//
// At most one write transaction is active per Manager. Writers queue in FIFO
// order, and a writer may abandon its wait by cancelling its Context.
package mvcc

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.strata.dev/core/btree"
	"go.strata.dev/core/metrics"
	"go.strata.dev/core/storage"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrIllegalState is returned by an operation invoked outside of its
	// valid state, such as rolling back a transaction twice.
	ErrIllegalState = errors.New("illegal state")
	// ErrTooManyActiveVersions is returned when a write would exceed the
	// configured ceiling of active versions. It's retryable once readers
	// have released their pinned versions.
	ErrTooManyActiveVersions = errors.New("number of active versions exceeds the configured maximum")
	// ErrClosed is returned by operations of a closed Manager.
	ErrClosed = storage.ErrClosed
	// ErrReleased is returned by operations of a released read transaction.
	ErrReleased = errors.New("read transaction was released")
)

// IsRetryable returns true if |err| is a resource-exhaustion error which a
// caller may retry, after releasing some read transactions.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTooManyActiveVersions)
}

// Version identifies a committed snapshot. Versions are ordered only by
// Number: Index is an internal tie-breaker which doesn't participate in
// comparisons.
type Version struct {
	Number uint64
	Index  uint64
}

// Compare returns -1, 0, or 1 as |v| is before, equal to, or after |o|.
func (v Version) Compare(o Version) int {
	switch {
	case v.Number < o.Number:
		return -1
	case v.Number > o.Number:
		return 1
	default:
		return 0
	}
}

func (v Version) String() string { return fmt.Sprintf("%d.%d", v.Number, v.Index) }

// Options of a Manager.
type Options struct {
	storage.Options
	// MaxActiveVersions is the ceiling of distinct versions which may be
	// pinned at once, including the version being produced by a writer.
	// Zero is unbounded.
	MaxActiveVersions uint64
}

// Manager coordinates the versions and transactions of a File.
type Manager struct {
	file *storage.File
	opts Options
	sem  *semaphore.Weighted

	// closeMu is read-locked by each transaction operation, and write-locked
	// by Close, which thus waits for in-flight operations.
	closeMu sync.RWMutex
	closed  bool

	mu       sync.Mutex
	head     storage.Head
	pins     map[uint64]int
	internal map[uint64]int // Pins of internal reads, not counted as active.
	writer   *WriteTxn
	updateCh chan struct{}
}

// Open the File at |path|, creating it if required.
func Open(fs afero.Fs, path string, opts Options) (*Manager, error) {
	var file, err = storage.Open(fs, path, opts.Options)
	if err != nil {
		return nil, err
	}
	return &Manager{
		file:     file,
		opts:     opts,
		sem:      semaphore.NewWeighted(1),
		head:     file.Head(),
		pins:     make(map[uint64]int),
		internal: make(map[uint64]int),
		updateCh: make(chan struct{}),
	}, nil
}

// File returns the underlying storage.File.
func (m *Manager) File() *storage.File { return m.file }

// Latest returns the most recently committed Version.
func (m *Manager) Latest() Version {
	m.mu.Lock()
	defer m.mu.Unlock()
	return headVersion(m.head)
}

// Updates returns a channel which is closed upon the next commit, or Close.
// Callers should read Latest after selecting the channel.
func (m *Manager) Updates() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateCh
}

// WaitForVersion blocks until the Manager has committed version |number|,
// the Context is done, or the Manager is closed.
func (m *Manager) WaitForVersion(ctx context.Context, number uint64) error {
	for {
		m.mu.Lock()
		var head, ch = m.head, m.updateCh
		m.mu.Unlock()

		if head.Version >= number {
			return nil
		}
		select {
		case <-ch:
			if m.isClosed() {
				return ErrClosed
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ActiveVersions returns the number of distinct versions pinned by counted
// reads. Internal reads aren't included.
func (m *Manager) ActiveVersions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pins)
}

// BeginRead begins a read transaction of the latest Version. Its pin counts
// against MaxActiveVersions.
func (m *Manager) BeginRead() (*ReadTxn, error) { return m.beginRead(false) }

// BeginInternalRead begins a read transaction of the latest Version which
// isn't counted against MaxActiveVersions. It still holds back the reuse of
// pages of its Version. Internal reads are for short-lived evaluations of the
// engine itself, such as notification diffs and sync uploads, and must not
// outlive the operation which began them. A Clone of an internal read is a
// counted read.
func (m *Manager) BeginInternalRead() (*ReadTxn, error) { return m.beginRead(true) }

func (m *Manager) beginRead(internal bool) (*ReadTxn, error) {
	m.closeMu.RLock()
	defer m.closeMu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if internal {
		m.internal[m.head.Version]++
	} else {
		m.pinLocked(m.head.Version)
	}
	return &ReadTxn{
		m:        m,
		version:  headVersion(m.head),
		tree:     btree.NewTree(m.file, m.head.Root),
		internal: internal,
	}, nil
}

// BeginWrite begins the write transaction of the Manager, blocking until any
// current writer has finished or |ctx| is done.
func (m *Manager) BeginWrite(ctx context.Context) (*WriteTxn, error) {
	if m.isClosed() {
		return nil, ErrClosed
	} else if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	m.closeMu.RLock()
	defer m.closeMu.RUnlock()

	if m.closed {
		m.sem.Release(1)
		return nil, ErrClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkCeilingLocked(); err != nil {
		m.sem.Release(1)
		return nil, err
	}
	var txn = &WriteTxn{
		m:       m,
		base:    headVersion(m.head),
		started: time.Now(),
	}
	txn.pager = writePager{file: m.file, version: m.head.Version + 1}
	txn.w = btree.NewWriter(txn.pager, m.head.Root)
	m.writer = txn

	return txn, nil
}

// Close the Manager. An active write transaction is rolled back, and
// subsequent operations of outstanding transactions fail with ErrClosed.
func (m *Manager) Close() error {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()

	if m.closed {
		return nil
	}
	m.mu.Lock()
	m.closed = true // Guarded by both |closeMu| and |mu|.

	if m.writer != nil {
		log.WithField("path", m.file.Path()).Warn("rolling back active write transaction at close")
		m.writer.abortLocked()
	}
	close(m.updateCh)
	m.pins = make(map[uint64]int)
	m.internal = make(map[uint64]int)
	metrics.ActiveVersions.DeleteLabelValues(m.file.Path())
	m.mu.Unlock()

	return m.file.Close()
}

func (m *Manager) isClosed() bool {
	m.closeMu.RLock()
	defer m.closeMu.RUnlock()
	return m.closed
}

func (m *Manager) checkCeilingLocked() error {
	if m.opts.MaxActiveVersions == 0 {
		return nil
	}
	// The version to be produced is counted as active.
	if n := uint64(len(m.pins)) + 1; n > m.opts.MaxActiveVersions {
		metrics.ActiveVersionRejectionsTotal.Inc()
		return errors.Wrapf(ErrTooManyActiveVersions, "%d active versions (maximum %d)",
			n, m.opts.MaxActiveVersions)
	}
	return nil
}

func (m *Manager) pinLocked(version uint64) {
	m.pins[version]++
	metrics.ActiveVersions.WithLabelValues(m.file.Path()).Set(float64(len(m.pins)))
}

func (m *Manager) unpin(version uint64, internal bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pins = m.pins
	if internal {
		pins = m.internal
	}
	if pins[version]--; pins[version] <= 0 {
		delete(pins, version)
	}
	if !m.closed {
		metrics.ActiveVersions.WithLabelValues(m.file.Path()).Set(float64(len(m.pins)))
		m.file.Release(m.oldestLocked())
	}
}

// oldestLocked returns the oldest pinned version, or the current version.
func (m *Manager) oldestLocked() uint64 {
	var oldest = m.head.Version
	for _, pins := range []map[uint64]int{m.pins, m.internal} {
		for v := range pins {
			if v < oldest {
				oldest = v
			}
		}
	}
	return oldest
}

// PinnedVersions returns the sorted, distinct version numbers pinned by
// counted reads.
func (m *Manager) PinnedVersions() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out = make([]uint64, 0, len(m.pins))
	for v := range m.pins {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func headVersion(h storage.Head) Version {
	return Version{Number: h.Version, Index: uint64(h.Slot)}
}

// writePager adapts a storage.File to a btree.WritePager, attributing freed
// pages to the version being produced.
type writePager struct {
	file    *storage.File
	version uint64
}

func (p writePager) Read(ref storage.Ref) ([]byte, error) { return p.file.Read(ref) }
func (p writePager) Allocate() (storage.Ref, error) { return p.file.Allocate() }
func (p writePager) Write(ref storage.Ref, b []byte) error { return p.file.Write(ref, b) }
func (p writePager) Free(ref storage.Ref) { p.file.Free(ref, p.version) }
