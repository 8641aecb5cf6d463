package db

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.strata.dev/core/migration"
	"go.strata.dev/core/mvcc"
	"go.strata.dev/core/notify"
	"go.strata.dev/core/object"
	"go.strata.dev/core/query"
	"go.strata.dev/core/schema"
	"go.strata.dev/core/session"
	"go.strata.dev/core/stores"
	"go.strata.dev/core/subscription"
	"go.strata.dev/core/synctest"
	"go.strata.dev/core/value"
)

func init() {
	stores.RegisterProviders(map[string]stores.Constructor{"memory": stores.NewMemoryConstructor()})
}

func TestConfigValidation(t *testing.T) {
	var s = testSchema(t, personYAML)
	var user = &session.User{}

	var cases = []struct {
		opts   Options
		sync   *SyncOptions
		expect string
	}{
		{Options{}, nil, "expected Schema"},
		{Options{Schema: s, SchemaVersion: -1}, nil, "SchemaVersion must not be negative (got -1)"},
		{Options{Schema: s, EncryptionKey: make([]byte, 32)}, nil, "EncryptionKey must be 64 bytes (got 32)"},
		{Options{Schema: s, MaxActiveVersions: -1}, nil, "MaxActiveVersions must be at least 1, or zero if unbounded (got -1)"},
		{Options{Schema: s, DeleteIfMigrationNeeded: true, InitialFile: "seed.strata"}, nil,
			"DeleteIfMigrationNeeded cannot be combined with an InitialFile"},
		{Options{Schema: s, DeleteIfMigrationNeeded: true}, &SyncOptions{BaseURL: "http://sync", User: user},
			"DeleteIfMigrationNeeded is not supported by synchronized Files"},
		{Options{Schema: s}, &SyncOptions{BaseURL: "http://sync", User: user, WaitForInitialRemoteData: -time.Second},
			"WaitForInitialRemoteData must not be negative (got -1s)"},
		{Options{Schema: s}, &SyncOptions{BaseURL: "http://sync", User: user,
			InitialSubscriptions: func(*subscription.MutableSet) error { return nil }},
			"InitialSubscriptions require flexible sync"},
		{Options{Schema: s}, &SyncOptions{BaseURL: "http://sync", User: user, Flexible: true,
			Reset: &session.ResetConfig{Strategy: session.DiscardUnsynced}},
			"flexible sync does not support the discard client reset strategy"},
		{Options{Schema: s}, &SyncOptions{User: user}, `invalid BaseURL ""`},
		{Options{Schema: s}, &SyncOptions{BaseURL: "http://sync"}, "expected User"},
	}
	for _, tc := range cases {
		var err error
		if tc.sync == nil {
			_, err = NewConfig(tc.opts)
		} else {
			_, err = NewSyncConfig(tc.opts, *tc.sync)
		}
		require.True(t, errors.Is(err, ErrInvalidConfig), "%v", err)
		require.EqualError(t, err, tc.expect+": invalid configuration")
	}

	// Defaults.
	cfg, err := NewConfig(Options{Schema: s, SchemaVersion: 3})
	require.NoError(t, err)
	require.Equal(t, DefaultName, cfg.Path())
	require.Equal(t, uint64(3), cfg.Schema().Version)
	require.Equal(t, uint64(0), s.Version) // Not modified.
	require.False(t, cfg.Synced())

	cfg, err = NewSyncConfig(Options{Schema: s, Dir: "/data"}, SyncOptions{BaseURL: "http://sync", User: user})
	require.NoError(t, err)
	require.Equal(t, "/data/default.strata", cfg.Path())
	require.Equal(t, session.DiscardUnsynced, cfg.sync.Reset.Strategy)

	cfg, err = NewSyncConfig(Options{Schema: s}, SyncOptions{BaseURL: "http://sync", User: user, Flexible: true})
	require.NoError(t, err)
	require.Equal(t, session.RecoverOrDiscard, cfg.sync.Reset.Strategy)
}

func TestEndToEnd(t *testing.T) {
	var fs = afero.NewMemMapFs()
	var d = open(t, fs, Options{})
	var ctx = context.Background()

	require.NoError(t, d.Write(ctx, create("Ann", 30)))

	require.Equal(t, 1, count(t, d))
	require.NoError(t, d.Read(func(txn *object.Txn) error {
		var ann, ok, err = txn.FindByPK("Person", value.String("Ann"))
		require.True(t, ok)
		require.Equal(t, int64(30), mustGet(t, ann, "age").Int())
		return err
	}))

	require.NoError(t, d.Write(ctx, func(_ context.Context, txn *object.Txn) error {
		var ann, _, err = txn.FindByPK("Person", value.String("Ann"))
		if err == nil {
			err = ann.Delete()
		}
		return err
	}))
	require.Equal(t, 0, count(t, d))

	// Data persists across reopen.
	require.NoError(t, d.Write(ctx, create("Bob", 40)))
	var version = d.Version()
	require.NoError(t, d.Close(ctx))
	require.NoError(t, d.Close(ctx)) // Idempotent.

	_, err := d.Freeze()
	require.Equal(t, mvcc.ErrClosed, errors.Cause(err))
	require.Equal(t, ErrClosed, d.Write(ctx, create("Cal", 1)))

	d = open(t, fs, Options{})
	require.Equal(t, version.Number, d.Version().Number)
	require.Equal(t, 1, count(t, d))
}

func TestWriteRulesAndRollback(t *testing.T) {
	var d = open(t, afero.NewMemMapFs(), Options{})
	var ctx = context.Background()
	var before = d.Version()

	// Nested writes and Close from within a write fail.
	require.NoError(t, d.Write(ctx, func(ctx context.Context, txn *object.Txn) error {
		require.Equal(t, ErrNestedWrite, d.Write(ctx, create("Bob", 1)))
		require.Equal(t, ErrNestedWrite, d.WriteBlocking(ctx, create("Bob", 1)))
		require.Equal(t, ErrClosedInWrite, d.Close(ctx))
		return create("Ann", 30)(ctx, txn)
	}))
	require.Equal(t, before.Number+1, d.Version().Number)

	// A failed write rolls back.
	var boom = errors.New("boom")
	require.Equal(t, boom, d.WriteBlocking(ctx, func(ctx context.Context, txn *object.Txn) error {
		require.NoError(t, create("Bob", 1)(ctx, txn))
		return boom
	}))

	// As does a write whose Context is cancelled.
	var cancelCtx, cancel = context.WithCancel(ctx)
	require.Equal(t, context.Canceled, d.Write(cancelCtx, func(ctx context.Context, txn *object.Txn) error {
		require.NoError(t, create("Cal", 1)(ctx, txn))
		cancel()
		return nil
	}))
	require.True(t, errors.Is(d.Write(cancelCtx, create("Dee", 1)), context.Canceled))

	require.Equal(t, before.Number+1, d.Version().Number)
	require.Equal(t, 1, count(t, d))
}

func TestSnapshotsAndActiveVersionCeiling(t *testing.T) {
	var d = open(t, afero.NewMemMapFs(), Options{MaxActiveVersions: 1})
	var ctx = context.Background()

	require.NoError(t, d.Write(ctx, create("Ann", 30)))

	var snap, err = d.Freeze()
	require.NoError(t, err)
	require.True(t, snap.Frozen())
	require.Equal(t, 1, d.NumberOfActiveVersions())

	// The pinned Snapshot and the produced version exceed the ceiling.
	err = d.Write(ctx, create("Bob", 40))
	require.True(t, mvcc.IsRetryable(err), "%v", err)

	n, err := snap.Count("Person")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	snap.Release()
	require.NoError(t, d.Write(ctx, create("Bob", 40)))
	require.Equal(t, 2, count(t, d))
}

func TestSequentialWritesWithinCeiling(t *testing.T) {
	var d = open(t, afero.NewMemMapFs(), Options{MaxActiveVersions: 1})
	var ctx = context.Background()
	var before = d.Version()

	// Reads of the notifier never count against the ceiling.
	for i := 0; i != 200; i++ {
		require.NoError(t, d.WriteBlocking(ctx, create(fmt.Sprintf("p%d", i), int64(i))))
	}
	require.Equal(t, before.Number+200, d.Version().Number)
	require.Equal(t, 200, count(t, d))
	require.Equal(t, 0, d.NumberOfActiveVersions())
}

func TestUnreleasedEventsCountAgainstCeiling(t *testing.T) {
	var d = open(t, afero.NewMemMapFs(), Options{MaxActiveVersions: 2})
	var ctx = context.Background()
	require.NoError(t, d.Write(ctx, create("Ann", 30)))

	var sub, err = d.ObserveFile(ctx)
	require.NoError(t, err)
	var initial = recv(t, sub)
	require.Equal(t, notify.Initial, initial.Kind)
	require.Equal(t, 1, d.NumberOfActiveVersions())

	// The held Initial Event and the produced version fit.
	require.NoError(t, d.Write(ctx, create("Bob", 40)))
	require.Eventually(t, func() bool { return d.NumberOfActiveVersions() == 2 },
		5*time.Second, time.Millisecond)

	// The buffered, unread Update does not.
	err = d.Write(ctx, create("Cal", 50))
	require.True(t, mvcc.IsRetryable(err), "%v", err)

	var update = recv(t, sub)
	require.Equal(t, notify.Update, update.Kind)
	update.Release()
	initial.Release()
	require.Equal(t, 0, d.NumberOfActiveVersions())

	require.NoError(t, d.Write(ctx, create("Cal", 50)))
	require.Equal(t, 3, count(t, d))
}

func TestSnapshotIsolation(t *testing.T) {
	var d = open(t, afero.NewMemMapFs(), Options{})
	var ctx = context.Background()
	require.NoError(t, d.Write(ctx, create("Ann", 30)))

	var snap, err = d.Freeze()
	require.NoError(t, err)
	defer snap.Release()

	ann, ok, err := snap.FindByPK("Person", value.String("Ann"))
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, ann.Frozen())

	require.NoError(t, d.Write(ctx, func(_ context.Context, txn *object.Txn) error {
		var latest, ok, err = txn.FindLatest(ann)
		require.True(t, ok)
		if err == nil {
			err = latest.Set("age", value.Int(31))
		}
		return err
	}))
	require.Equal(t, int64(30), mustGet(t, ann, "age").Int())
}

func TestInitialDataAndMigration(t *testing.T) {
	var fs = afero.NewMemMapFs()
	var initial = func(txn *object.Txn) error {
		var _, err = txn.CreateWithPK("Person", value.String("Seed"), nil)
		return err
	}
	var d = open(t, fs, Options{InitialData: initial})
	require.NoError(t, d.Write(context.Background(), create("Ann", 30)))
	require.Equal(t, 2, count(t, d))
	require.NoError(t, d.Close(context.Background()))

	// InitialData runs only upon creation.
	d = open(t, fs, Options{InitialData: initial})
	require.Equal(t, 2, count(t, d))
	require.NoError(t, d.Close(context.Background()))

	// A destructive change requires a migration.
	var changed = testSchema(t, personStringAgeYAML)
	var cfg, err = NewConfig(Options{Fs: fs, Dir: "/", Schema: changed, SchemaVersion: 1})
	require.NoError(t, err)
	_, err = Open(context.Background(), cfg)
	require.Equal(t, migration.ErrMigrationRequired, errors.Cause(err))

	// A downgrade fails.
	d = open(t, fs, Options{SchemaVersion: 2})
	require.NoError(t, d.Close(context.Background()))
	_, err = Open(context.Background(), newConfig_(t, fs, Options{SchemaVersion: 1}))
	require.Equal(t, migration.ErrDowngrade, errors.Cause(err))

	// DeleteIfMigrationNeeded resets the File, which runs InitialData again.
	cfg, err = NewConfig(Options{
		Fs:                      fs,
		Dir:                     "/",
		Schema:                  changed,
		SchemaVersion:           3,
		DeleteIfMigrationNeeded: true,
		InitialData:             initial,
	})
	require.NoError(t, err)
	d, err = Open(context.Background(), cfg)
	require.NoError(t, err)
	defer d.Close(context.Background())
	require.Equal(t, 1, count(t, d))
}

func TestTransformMigration(t *testing.T) {
	var fs = afero.NewMemMapFs()
	var d = open(t, fs, Options{})
	require.NoError(t, d.Write(context.Background(), create("Ann", 30)))
	require.NoError(t, d.Close(context.Background()))

	var cfg, err = NewConfig(Options{
		Fs:            fs,
		Dir:           "/",
		Schema:        testSchema(t, personStringAgeYAML),
		SchemaVersion: 1,
		Migration: func(mc *migration.Context) error {
			return mc.Enumerate("Person", func(old, next object.Obj) error {
				var age, err = old.Get("age")
				if err == nil {
					err = next.Set("age", value.String(age.String()))
				}
				return err
			})
		},
	})
	require.NoError(t, err)
	d, err = Open(context.Background(), cfg)
	require.NoError(t, err)
	defer d.Close(context.Background())

	require.NoError(t, d.Read(func(txn *object.Txn) error {
		var ann, _, err = txn.FindByPK("Person", value.String("Ann"))
		require.Equal(t, "30", mustGet(t, ann, "age").Str())
		return err
	}))
}

func TestCompactCopyAndSeed(t *testing.T) {
	var fs = afero.NewMemMapFs()
	var ctx = context.Background()
	var d = open(t, fs, Options{})

	for i := 0; i != 50; i++ {
		require.NoError(t, d.Write(ctx, create("Ann", int64(i))))
		require.NoError(t, d.Write(ctx, func(_ context.Context, txn *object.Txn) error {
			var _, err = txn.DeleteAll("Person")
			return err
		}))
	}
	require.NoError(t, d.Write(ctx, create("Bob", 40)))

	// Copies to a local path and to a store.
	var key = make([]byte, 64)
	require.NoError(t, d.WriteCopyTo(ctx, "/copy.strata", key))
	require.Error(t, d.WriteCopyTo(ctx, "/copy.strata", key))
	require.NoError(t, d.WriteCopyTo(ctx, "memory://db-test/seeds/app.strata.zst", nil))
	require.EqualError(t, d.WriteCopyTo(ctx, "/other.strata", make([]byte, 3)),
		"encryption key must be 64 bytes (got 3)")
	require.NoError(t, d.Close(ctx))

	// Temporary copies were removed.
	names, err := afero.Glob(fs, "/*.copy-*")
	require.NoError(t, err)
	require.Empty(t, names)

	// Compact on launch is consulted with the File's sizes.
	var total, used uint64
	d = open(t, fs, Options{CompactOnLaunch: func(t, u uint64) bool {
		total, used = t, u
		return true
	}})
	require.NotZero(t, total)
	require.LessOrEqual(t, used, total)
	require.Equal(t, 1, count(t, d))
	require.NoError(t, d.Close(ctx))

	// The encrypted copy opens with its key.
	cfg, err := NewConfig(Options{Fs: fs, Dir: "/", Schema: testSchema(t, personYAML), Name: "copy.strata", EncryptionKey: key})
	require.NoError(t, err)
	copied, err := Open(ctx, cfg)
	require.NoError(t, err)
	require.Equal(t, 1, count(t, copied))
	require.NoError(t, copied.Close(ctx))

	// Seeds are fetched from stores, and from local paths.
	var other = afero.NewMemMapFs()
	seeded := open(t, other, Options{InitialFile: "memory://db-test/seeds/app.strata.zst"})
	require.Equal(t, 1, count(t, seeded))
	require.NoError(t, seeded.Close(ctx))

	require.NoError(t, afero.WriteFile(other, "/local-seed.strata", mustRead(t, other, "/"+DefaultName), 0644))
	seeded = open(t, other, Options{Name: "from-local.strata", InitialFile: "/local-seed.strata"})
	require.Equal(t, 1, count(t, seeded))

	require.True(t, stores.IsStoreURL("memory://db-test/seeds/app.strata.zst"))
	require.NoError(t, seeded.Close(ctx))

	// Delete removes a closed File.
	require.NoError(t, Delete(newConfig_(t, other, Options{Name: "from-local.strata"})))
	exists, err := afero.Exists(other, "/from-local.strata")
	require.NoError(t, err)
	require.False(t, exists)

	ok, err := Compact(newConfig_(t, other, Options{Name: "missing.strata"}))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestObserve(t *testing.T) {
	var d = open(t, afero.NewMemMapFs(), Options{})
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var sub, err = d.ObserveQuery(ctx, query.New("Person").Filter("age >= $0", 18))
	require.NoError(t, err)

	var ev = recv(t, sub)
	require.Equal(t, notify.Initial, ev.Kind)
	require.Empty(t, ev.Objects)
	ev.Release()

	require.NoError(t, d.Write(ctx, create("Ann", 30)))
	require.NoError(t, d.Write(ctx, create("Tim", 10)))

	ev = recv(t, sub)
	require.Equal(t, notify.Update, ev.Kind)
	require.Equal(t, []int{0}, ev.Changes.Insertions)
	ev.Release()

	files, err := d.ObserveFile(ctx)
	require.NoError(t, err)
	ev = recv(t, files)
	require.Equal(t, notify.Initial, ev.Kind)
	ev.Release()

	// Observing from within a write is unsupported.
	require.NoError(t, d.Write(ctx, func(ctx context.Context, txn *object.Txn) error {
		var ann, _, err = txn.FindByPK("Person", value.String("Ann"))
		require.NoError(t, err)
		_, err = d.ObserveObject(ctx, ann)
		require.Equal(t, notify.ErrUnsupported, errors.Cause(err))
		_, err = d.ObserveCollection(ctx, ann, "age")
		require.Equal(t, notify.ErrUnsupported, errors.Cause(err))
		_, err = d.ObserveFile(ctx)
		require.Equal(t, notify.ErrUnsupported, errors.Cause(err))
		_, err = d.ObserveQuery(ctx, query.New("Person"))
		require.Equal(t, notify.ErrUnsupported, errors.Cause(err))
		return nil
	}))

	snap, err := d.Freeze()
	require.NoError(t, err)
	ann, _, err := snap.FindByPK("Person", value.String("Ann"))
	require.NoError(t, err)
	obj, err := d.ObserveObject(ctx, ann)
	require.NoError(t, err)
	snap.Release()

	ev = recv(t, obj)
	require.Equal(t, notify.Initial, ev.Kind)
	ev.Release()

	require.NoError(t, d.Close(context.Background()))
	<-obj.Done()
	require.Equal(t, notify.ErrClosed, obj.Err())
}

func TestPartitionSyncedOpen(t *testing.T) {
	var srv = newServer(t)
	var ctx = context.Background()
	require.NoError(t, srv.Write(ctx, func(txn *object.Txn) error {
		for _, p := range []struct {
			name, partition string
		}{{"Ann", "p1"}, {"Zed", "p2"}} {
			if _, err := txn.CreateWithPK("Person", value.String(p.name), map[string]value.Value{
				synctest.PartitionProperty: value.String(p.partition),
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	var d = openSynced(t, srv, afero.NewMemMapFs(), SyncOptions{Partition: "p1", WaitForInitialRemoteData: 5 * time.Second})
	require.NotNil(t, d.Session())
	require.Nil(t, d.Subscriptions())
	require.Equal(t, 1, count(t, d))

	// Local writes are uploaded.
	require.NoError(t, d.Write(ctx, func(ctx context.Context, txn *object.Txn) error {
		var _, err = txn.CreateWithPK("Person", value.String("Bob"), map[string]value.Value{
			synctest.PartitionProperty: value.String("p1"),
		})
		return err
	}))
	var ok, err = d.Session().UploadAllLocalChanges(ctx, 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, srv.Read(func(txn *object.Txn) error {
		var _, ok, err = txn.FindByPK("Person", value.String("Bob"))
		require.True(t, ok)
		return err
	}))
}

func TestFlexibleSyncedOpen(t *testing.T) {
	var srv = newServer(t)
	var ctx = context.Background()
	require.NoError(t, srv.Write(ctx, func(txn *object.Txn) error {
		for _, p := range []struct {
			name string
			age  int64
		}{{"Ann", 30}, {"Tim", 10}} {
			if _, err := txn.CreateWithPK("Person", value.String(p.name), map[string]value.Value{
				"age": value.Int(p.age),
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	var fs = afero.NewMemMapFs()
	var runs int
	var so = SyncOptions{
		Flexible:                 true,
		WaitForInitialRemoteData: 5 * time.Second,
		InitialSubscriptions: func(ms *subscription.MutableSet) error {
			runs++
			var q, err = query.ParseQuery("Person", "age >= 18")
			if err == nil {
				_, err = ms.Add(q, "adults", false)
			}
			return err
		},
	}
	var d = openSynced(t, srv, fs, so)
	require.Equal(t, 1, runs)
	require.Equal(t, subscription.Complete, d.Subscriptions().Latest().State)
	require.Equal(t, 1, count(t, d))
	require.NoError(t, d.Close(ctx))

	// Initial subscriptions aren't re-run on open, unless configured.
	d = openSynced(t, srv, fs, so)
	require.Equal(t, 1, runs)
	require.NoError(t, d.Close(ctx))

	so.RerunInitialSubscriptions = true
	d = openSynced(t, srv, fs, so)
	require.Equal(t, 2, runs)
	require.NoError(t, d.Close(ctx))
}

func TestInitialDownloadTimeout(t *testing.T) {
	var srv = newServer(t)
	var fs = afero.NewMemMapFs()
	var cfg = newSyncConfig(t, srv, fs, SyncOptions{Partition: "p1", WaitForInitialRemoteData: 200 * time.Millisecond})
	srv.SetOffline(true)

	var _, err = Open(context.Background(), cfg)
	require.True(t, errors.Is(err, ErrInitialDownloadTimeout), "%v", err)

	// The created File was removed, and the next Open downloads afresh.
	exists, err := afero.Exists(fs, cfg.Path())
	require.NoError(t, err)
	require.False(t, exists)

	srv.SetOffline(false)
	d, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, d.Close(context.Background()))
}

const personYAML = `
classes:
  - name: Person
    primaryKey: name
    properties:
      - {name: name, type: string}
      - {name: age, type: int, optional: true}
      - {name: _partition, type: string, optional: true}
`

const personStringAgeYAML = `
classes:
  - name: Person
    primaryKey: name
    properties:
      - {name: name, type: string}
      - {name: age, type: string, optional: true}
      - {name: _partition, type: string, optional: true}
`

func testSchema(t *testing.T, src string) *schema.Schema {
	var s, err = schema.LoadYAML([]byte(src))
	require.NoError(t, err)
	return s
}

func newConfig_(t *testing.T, fs afero.Fs, opts Options) *Config {
	opts.Fs, opts.Dir = fs, "/"
	if opts.Schema == nil {
		opts.Schema = testSchema(t, personYAML)
	}
	var cfg, err = NewConfig(opts)
	require.NoError(t, err)
	return cfg
}

func open(t *testing.T, fs afero.Fs, opts Options) *DB {
	var d, err = Open(context.Background(), newConfig_(t, fs, opts))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close(context.Background()) })
	return d
}

func newServer(t *testing.T) *synctest.Server {
	var srv, err = synctest.NewServer(synctest.Options{Schema: testSchema(t, personYAML)})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, srv.Close()) })
	return srv
}

func newSyncConfig(t *testing.T, srv *synctest.Server, fs afero.Fs, so SyncOptions) *Config {
	var user, err = session.Login(context.Background(), srv, "http://sync", session.Anonymous())
	require.NoError(t, err)

	so.BaseURL, so.Transport, so.User = "http://sync", srv, user
	if so.PollInterval == 0 {
		so.PollInterval = 20 * time.Millisecond
	}
	cfg, err := NewSyncConfig(Options{Fs: fs, Dir: "/", Schema: testSchema(t, personYAML)}, so)
	require.NoError(t, err)
	return cfg
}

func openSynced(t *testing.T, srv *synctest.Server, fs afero.Fs, so SyncOptions) *DB {
	var d, err = Open(context.Background(), newSyncConfig(t, srv, fs, so))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close(context.Background()) })
	return d
}

func create(name string, age int64) func(context.Context, *object.Txn) error {
	return func(_ context.Context, txn *object.Txn) error {
		var _, err = txn.CreateWithPK("Person", value.String(name), map[string]value.Value{"age": value.Int(age)})
		return err
	}
}

func count(t *testing.T, d *DB) (n int) {
	require.NoError(t, d.Read(func(txn *object.Txn) (err error) {
		n, err = txn.Count("Person")
		return
	}))
	return
}

func mustGet(t *testing.T, o object.Obj, prop string) value.Value {
	var v, err = o.Get(prop)
	require.NoError(t, err)
	return v
}

func mustRead(t *testing.T, fs afero.Fs, path string) []byte {
	var b, err = afero.ReadFile(fs, path)
	require.NoError(t, err)
	return b
}

func recv(t *testing.T, sub *notify.Subscription) notify.Event {
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription ended: %v", sub.Err())
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timeout awaiting event")
		return notify.Event{}
	}
}
