package mvcc

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.strata.dev/core/storage"
)

func TestSnapshotIsolationAndMonotonicVersions(t *testing.T) {
	var m = openManager(t, Options{})

	var w, err = m.BeginWrite(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1), w.Version().Number)
	require.NoError(t, w.Put([]byte("a"), []byte("1")))
	v1, err := w.Commit()
	require.NoError(t, err)
	require.Equal(t, uint64(1), v1.Number)

	r, err := m.BeginRead()
	require.NoError(t, err)
	require.Equal(t, 0, r.Version().Compare(v1))

	w, err = m.BeginWrite(context.Background())
	require.NoError(t, err)
	require.NoError(t, w.Put([]byte("a"), []byte("2")))
	require.NoError(t, w.Put([]byte("b"), []byte("2")))
	v2, err := w.Commit()
	require.NoError(t, err)
	require.Equal(t, v1.Number+1, v2.Number)
	require.Equal(t, -1, v1.Compare(v2))

	// |r| still observes version 1.
	val, ok, err := r.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", string(val))
	_, ok, _ = r.Get([]byte("b"))
	require.False(t, ok)

	var r2, _ = m.BeginRead()
	val, _, _ = r2.Get([]byte("a"))
	require.Equal(t, "2", string(val))
	require.Equal(t, 2, m.ActiveVersions())
	require.Equal(t, []uint64{1, 2}, m.PinnedVersions())

	r.Release()
	r.Release() // Idempotent.
	r2.Release()
	require.Equal(t, 0, m.ActiveVersions())

	_, _, err = r.Get([]byte("a"))
	require.Equal(t, ErrReleased, err)
}

func TestVersionIndexDoesNotOrder(t *testing.T) {
	require.Equal(t, 0, Version{Number: 3, Index: 0}.Compare(Version{Number: 3, Index: 1}))
	require.Equal(t, 1, Version{Number: 4}.Compare(Version{Number: 3, Index: 9}))
}

func TestRollbackDiscardsAndDoubleRollbackIsIllegal(t *testing.T) {
	var m = openManager(t, Options{})

	var w, err = m.BeginWrite(context.Background())
	require.NoError(t, err)
	require.NoError(t, w.Put([]byte("k"), []byte("v")))
	require.NoError(t, w.Rollback())
	require.True(t, errors.Is(w.Rollback(), ErrIllegalState))

	_, err = w.Commit()
	require.True(t, errors.Is(err, ErrIllegalState))
	require.True(t, errors.Is(w.Put([]byte("k"), nil), ErrIllegalState))
	require.Equal(t, uint64(0), m.Latest().Number)

	// The write lock was released.
	w, err = m.BeginWrite(context.Background())
	require.NoError(t, err)
	_, ok, _ := w.Get([]byte("k"))
	require.False(t, ok)
	require.NoError(t, w.Rollback())
}

func TestWritersQueueAndHonorCancellation(t *testing.T) {
	var m = openManager(t, Options{})

	var w1, err = m.BeginWrite(context.Background())
	require.NoError(t, err)

	var ctx, cancel = context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.BeginWrite(ctx)
	require.Equal(t, context.DeadlineExceeded, err)

	var acquired = make(chan *WriteTxn)
	go func() {
		var w2, err = m.BeginWrite(context.Background())
		require.NoError(t, err)
		acquired <- w2
	}()

	select {
	case <-acquired:
		t.Fatal("second writer acquired while first is active")
	case <-time.After(10 * time.Millisecond):
	}
	_, err = w1.Commit()
	require.NoError(t, err)

	var w2 = <-acquired
	require.Equal(t, uint64(2), w2.Version().Number)
	require.NoError(t, w2.Rollback())
}

func TestActiveVersionCeiling(t *testing.T) {
	var m = openManager(t, Options{MaxActiveVersions: 1})

	var w, err = m.BeginWrite(context.Background())
	require.NoError(t, err)
	require.NoError(t, w.Put([]byte("a"), []byte("1")))
	_, err = w.Commit()
	require.NoError(t, err)

	// Pin an extra version. Writing must now fail fast.
	r, err := m.BeginRead()
	require.NoError(t, err)

	_, err = m.BeginWrite(context.Background())
	require.True(t, errors.Is(err, ErrTooManyActiveVersions))
	require.True(t, IsRetryable(err))

	// Once released, writes proceed.
	r.Release()
	w, err = m.BeginWrite(context.Background())
	require.NoError(t, err)

	// A pin taken during the write is caught at commit.
	r, _ = m.BeginRead()
	require.NoError(t, w.Put([]byte("b"), []byte("2")))
	_, err = w.Commit()
	require.True(t, IsRetryable(err))
	require.True(t, w.Done())
	r.Release()

	require.Equal(t, uint64(1), m.Latest().Number)
}

func TestInternalReadsAreNotCounted(t *testing.T) {
	var m = openManager(t, Options{MaxActiveVersions: 1})

	var internal, err = m.BeginInternalRead()
	require.NoError(t, err)
	require.Equal(t, 0, m.ActiveVersions())
	require.Empty(t, m.PinnedVersions())

	// Writes proceed while the internal read is held.
	w, err := m.BeginWrite(context.Background())
	require.NoError(t, err)
	require.NoError(t, w.Put([]byte("a"), []byte("1")))
	v1, err := w.Commit()
	require.NoError(t, err)

	// It still reads its own version.
	_, ok, err := internal.Get([]byte("a"))
	require.NoError(t, err)
	require.False(t, ok)

	// A Clone is counted.
	clone, err := internal.Clone()
	require.NoError(t, err)
	require.Equal(t, []uint64{0}, m.PinnedVersions())
	internal.Release()
	require.Equal(t, 1, m.ActiveVersions())

	_, err = m.BeginWrite(context.Background())
	require.True(t, IsRetryable(err))
	clone.Release()

	w, err = m.BeginWrite(context.Background())
	require.NoError(t, err)
	require.Equal(t, v1.Number+1, w.Version().Number)
	require.NoError(t, w.Rollback())
}

func TestCloseRollsBackActiveWriteAndFailsOutstanding(t *testing.T) {
	var fs = afero.NewMemMapFs()
	var m, err = Open(fs, "/c.strata", Options{})
	require.NoError(t, err)

	r, err := m.BeginRead()
	require.NoError(t, err)
	w, err := m.BeginWrite(context.Background())
	require.NoError(t, err)
	require.NoError(t, w.Put([]byte("k"), []byte("v")))

	var waitErr = make(chan error)
	go func() { waitErr <- m.WaitForVersion(context.Background(), 10) }()

	require.NoError(t, m.Close())
	require.Equal(t, ErrClosed, <-waitErr)

	require.True(t, w.Done())
	_, err = w.Commit()
	require.Equal(t, ErrClosed, err)
	_, _, err = r.Get([]byte("k"))
	require.Equal(t, ErrClosed, err)
	_, err = m.BeginRead()
	require.Equal(t, ErrClosed, err)
	r.Release()

	m, err = Open(fs, "/c.strata", Options{})
	require.NoError(t, err)
	require.Equal(t, uint64(0), m.Latest().Number)
	require.NoError(t, m.Close())
}

func TestWaitForVersionAndUpdates(t *testing.T) {
	var m = openManager(t, Options{})
	var ch = m.Updates()

	go func() {
		for i := 0; i != 3; i++ {
			var w, _ = m.BeginWrite(context.Background())
			_ = w.Put([]byte("k"), []byte{byte(i)})
			_, _ = w.Commit()
		}
	}()
	require.NoError(t, m.WaitForVersion(context.Background(), 3))
	<-ch // Closed by the first commit.

	var ctx, cancel = context.WithCancel(context.Background())
	cancel()
	require.Equal(t, context.Canceled, m.WaitForVersion(ctx, 4))
}

func TestBeforeCommitHooks(t *testing.T) {
	var m = openManager(t, Options{})

	var w, _ = m.BeginWrite(context.Background())
	w.BeforeCommit(func(w *WriteTxn) error {
		return w.Put([]byte("hook"), []byte(w.Version().String()))
	})
	_, err := w.Commit()
	require.NoError(t, err)

	var r, _ = m.BeginRead()
	defer r.Release()
	v, ok, _ := r.Get([]byte("hook"))
	require.True(t, ok)
	require.Equal(t, "1.0", string(v))

	w, _ = m.BeginWrite(context.Background())
	w.BeforeCommit(func(*WriteTxn) error { return errors.New("nope") })
	_, err = w.Commit()
	require.EqualError(t, err, "before-commit hook: nope")
	require.Equal(t, uint64(1), m.Latest().Number)
}

func TestPagesAreRecycledOnlyAfterReadersRelease(t *testing.T) {
	var m = openManager(t, Options{})
	var put = func(val byte) {
		var w, err = m.BeginWrite(context.Background())
		require.NoError(t, err)
		for i := 0; i != 200; i++ {
			require.NoError(t, w.Put([]byte(fmt.Sprintf("k%04d", i)), bytes.Repeat([]byte{val}, 100)))
		}
		_, err = w.Commit()
		require.NoError(t, err)
	}
	put('a')
	var r, _ = m.BeginRead()

	for i := 0; i != 5; i++ {
		put('b' + byte(i))
	}
	// Pages of version 1 were not recycled: |r| reads intact data.
	require.NoError(t, r.Scan(nil, nil, func(k, v []byte) error {
		require.Equal(t, bytes.Repeat([]byte{'a'}, 100), v)
		return nil
	}))
	var total1, _ = m.File().Stats()
	r.Release()

	for i := 0; i != 5; i++ {
		put('g' + byte(i))
	}
	var total2, _ = m.File().Stats()
	// With no pinned readers, the file stops growing by the full tree per commit.
	require.True(t, total2-total1 < 5*uint64(storage.PageSize)*6, "%d => %d", total1, total2)
}

func TestCompactAndWriteCopy(t *testing.T) {
	var fs = afero.NewMemMapFs()
	var m, err = Open(fs, "/db.strata", Options{})
	require.NoError(t, err)

	for round := 0; round != 10; round++ {
		var w, _ = m.BeginWrite(context.Background())
		for i := 0; i != 300; i++ {
			require.NoError(t, w.Put([]byte(fmt.Sprintf("k%04d", i)), bytes.Repeat([]byte{byte(round)}, 64)))
		}
		_, err = w.Commit()
		require.NoError(t, err)
	}
	var w, _ = m.BeginWrite(context.Background())
	_, err = w.DeletePrefix([]byte("k00"))
	require.NoError(t, err)
	_, err = w.Commit()
	require.NoError(t, err)

	var key = bytes.Repeat([]byte{1}, storage.KeySize)
	require.NoError(t, m.WriteCopy(fs, "/copy.strata", key))
	require.Error(t, m.WriteCopy(fs, "/copy.strata", key))

	// Compaction requires the file be closed.
	_, err = Compact(fs, "/db.strata", storage.Options{})
	require.True(t, errors.Is(err, storage.ErrFileInUse))
	require.NoError(t, m.Close())

	before, _ := fs.Stat("/db.strata")
	ok, err := Compact(fs, "/db.strata", storage.Options{})
	require.NoError(t, err)
	require.True(t, ok)
	after, _ := fs.Stat("/db.strata")
	require.True(t, after.Size() < before.Size())

	ok, err = Compact(fs, "/missing.strata", storage.Options{})
	require.NoError(t, err)
	require.False(t, ok)

	for _, path := range []string{"/db.strata", "/copy.strata"} {
		var opts = Options{}
		if path == "/copy.strata" {
			opts.EncryptionKey = key
		}
		m, err = Open(fs, path, opts)
		require.NoError(t, err)
		require.Equal(t, uint64(11), m.Latest().Number)

		var r, _ = m.BeginRead()
		var n int
		require.NoError(t, r.Scan(nil, nil, func(k, v []byte) error {
			n++
			require.Equal(t, bytes.Repeat([]byte{9}, 64), v)
			return nil
		}))
		require.Equal(t, 200, n)
		r.Release()
		require.NoError(t, m.Close())
	}
}

func openManager(t *testing.T, opts Options) *Manager {
	var m, err = Open(afero.NewMemMapFs(), "/test.strata", opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}
