package mvcc

import (
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.strata.dev/core/btree"
	"go.strata.dev/core/metrics"
)

// ReadTxn is a read transaction pinning a committed Version. ReadTxn may be
// used from multiple goroutines, and must be Released when no longer needed.
type ReadTxn struct {
	m        *Manager
	version  Version
	tree     *btree.Tree
	internal bool
	released atomic.Bool
}

// Version pinned by the ReadTxn.
func (r *ReadTxn) Version() Version { return r.version }

// Manager of the ReadTxn.
func (r *ReadTxn) Manager() *Manager { return r.m }

// Get the value of |key|.
func (r *ReadTxn) Get(key []byte) ([]byte, bool, error) {
	if err := r.check(); err != nil {
		return nil, false, err
	}
	return r.tree.Get(key)
}

// Scan keys in [from, to). See btree.Tree.Scan.
func (r *ReadTxn) Scan(from, to []byte, fn func(key, value []byte) error) error {
	if err := r.check(); err != nil {
		return err
	}
	return r.tree.Scan(from, to, fn)
}

// Clone returns an independent ReadTxn pinning the same Version.
func (r *ReadTxn) Clone() (*ReadTxn, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	r.m.mu.Lock()
	r.m.pinLocked(r.version.Number)
	r.m.mu.Unlock()

	return &ReadTxn{m: r.m, version: r.version, tree: r.tree}, nil
}

// Released returns whether Release has been called.
func (r *ReadTxn) Released() bool { return r.released.Load() }

// Release the pinned Version. Release is idempotent.
func (r *ReadTxn) Release() {
	if r.released.CompareAndSwap(false, true) {
		r.m.unpin(r.version.Number, r.internal)
	}
}

func (r *ReadTxn) check() error {
	if r.released.Load() {
		return ErrReleased
	} else if r.m.isClosed() {
		return ErrClosed
	}
	return nil
}

// WriteTxn is the write transaction of a Manager. It always begins from the
// latest committed Version, and if committed, produces its successor.
// WriteTxn must be used from a single goroutine.
type WriteTxn struct {
	m       *Manager
	base    Version
	pager   writePager
	w       *btree.Writer
	started time.Time
	hooks   []func(*WriteTxn) error
	done    atomic.Bool
}

// Base is the Version the WriteTxn began from.
func (t *WriteTxn) Base() Version { return t.base }

// Version the WriteTxn will produce if committed.
func (t *WriteTxn) Version() Version { return Version{Number: t.base.Number + 1} }

// Manager of the WriteTxn.
func (t *WriteTxn) Manager() *Manager { return t.m }

// Done returns whether the WriteTxn has committed or rolled back.
func (t *WriteTxn) Done() bool { return t.done.Load() }

// Get the value of |key|, reflecting mutations of this WriteTxn.
func (t *WriteTxn) Get(key []byte) ([]byte, bool, error) {
	if err := t.check(); err != nil {
		return nil, false, err
	}
	return t.w.Get(key)
}

// Scan keys in [from, to), reflecting mutations of this WriteTxn. |fn| must
// not mutate the WriteTxn.
func (t *WriteTxn) Scan(from, to []byte, fn func(key, value []byte) error) error {
	if err := t.check(); err != nil {
		return err
	}
	return t.w.Scan(from, to, fn)
}

// Put |value| under |key|.
func (t *WriteTxn) Put(key, value []byte) error {
	if err := t.check(); err != nil {
		return err
	}
	return t.w.Put(key, value)
}

// Delete |key|, returning whether it existed.
func (t *WriteTxn) Delete(key []byte) (bool, error) {
	if err := t.check(); err != nil {
		return false, err
	}
	return t.w.Delete(key)
}

// DeletePrefix deletes all keys having |prefix|.
func (t *WriteTxn) DeletePrefix(prefix []byte) (int, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	return t.w.DeletePrefix(prefix)
}

// BeforeCommit registers |fn| to be called by Commit before the WriteTxn is
// published. Hooks may mutate the WriteTxn. An error aborts the commit.
func (t *WriteTxn) BeforeCommit(fn func(*WriteTxn) error) {
	t.hooks = append(t.hooks, fn)
}

// Commit the WriteTxn, publishing and returning its Version.
func (t *WriteTxn) Commit() (Version, error) {
	if err := t.check(); err != nil {
		return Version{}, err
	}
	for _, fn := range t.hooks {
		if err := fn(t); err != nil {
			_ = t.Rollback()
			return Version{}, errors.WithMessage(err, "before-commit hook")
		}
	}

	var m = t.m
	m.closeMu.RLock()
	defer m.closeMu.RUnlock()

	if m.closed {
		return Version{}, ErrClosed
	} else if t.done.Load() {
		return Version{}, errors.Wrap(ErrIllegalState, "transaction already finished")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkCeilingLocked(); err != nil {
		t.abortLocked()
		return Version{}, err
	}
	var root, err = t.w.Flush()
	if err == nil {
		var head = m.head
		if head, err = m.file.Commit(t.base.Number+1, root); err == nil {
			m.head = head
		}
	}
	if err != nil {
		t.abortLocked()
		return Version{}, errors.WithMessage(err, "committing")
	}

	close(m.updateCh)
	m.updateCh = make(chan struct{})
	m.writer = nil
	t.done.Store(true)
	m.file.Release(m.oldestLocked())
	m.sem.Release(1)

	metrics.CommitsTotal.WithLabelValues(metrics.Ok).Inc()
	metrics.CommitDurationSeconds.Observe(time.Since(t.started).Seconds())

	return headVersion(m.head), nil
}

// Rollback discards the mutations of the WriteTxn. It's an illegal-state
// error to Rollback a WriteTxn which has already finished.
func (t *WriteTxn) Rollback() error {
	var m = t.m
	m.closeMu.RLock()
	defer m.closeMu.RUnlock()

	if m.closed {
		return ErrClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.done.Load() {
		return errors.Wrap(ErrIllegalState, "transaction already finished")
	}
	t.abortLocked()
	return nil
}

func (t *WriteTxn) abortLocked() {
	if t.done.Swap(true) {
		return
	}
	t.m.file.Rollback()
	t.m.writer = nil
	t.m.sem.Release(1)
	metrics.CommitsTotal.WithLabelValues(metrics.Fail).Inc()
}

func (t *WriteTxn) check() error {
	if t.m.isClosed() {
		return ErrClosed
	} else if t.done.Load() {
		return errors.Wrap(ErrIllegalState, "transaction already finished")
	}
	return nil
}
