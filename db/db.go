// Package db is the entry point of strata: it opens a File under a Config,
// and owns the File's transaction manager, notifier, writer, and (if the
// Config is synchronized) its sync session and subscriptions.
package db

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.strata.dev/core/changeset"
	"go.strata.dev/core/migration"
	"go.strata.dev/core/mvcc"
	"go.strata.dev/core/notify"
	"go.strata.dev/core/object"
	"go.strata.dev/core/schema"
	"go.strata.dev/core/session"
	"go.strata.dev/core/storage"
	"go.strata.dev/core/stores"
	"go.strata.dev/core/subscription"
	"go.strata.dev/core/task"
)

var (
	// ErrNestedWrite is returned by a write invoked from within a write.
	ErrNestedWrite = errors.New("cannot begin a write from within a write")
	// ErrClosedInWrite is returned by Close invoked from within a write.
	ErrClosedInWrite = errors.New("cannot close from within a write")
	// ErrClosed is returned by operations of a closed DB.
	ErrClosed = errors.New("db is closed")
	// ErrInitialDownloadTimeout is returned by Open if the initial download
	// of a synchronized File doesn't complete in time.
	ErrInitialDownloadTimeout = errors.New("initial download timed out")
)

// DB is an open File.
type DB struct {
	cfg      *Config
	m        *mvcc.Manager
	notifier *notify.Notifier
	subs     *subscription.Manager // Nil unless flexibly synced.
	session  *session.Session      // Nil unless synced.

	tasks   *task.Group
	writeCh chan *writeOp

	closeOnce sync.Once
	closeErr  error
}

// Open the File of |cfg|, creating, seeding, compacting, and migrating
// it as required. If |cfg| is synchronized, its session is started.
func Open(ctx context.Context, cfg *Config) (*DB, error) {
	var fs, path = cfg.opts.Fs, cfg.path

	existed, err := afero.Exists(fs, path)
	if err != nil {
		return nil, err
	}
	if !existed && cfg.opts.InitialFile != "" {
		if err = seed(ctx, cfg); err != nil {
			return nil, errors.WithMessagef(err, "seeding from %s", cfg.opts.InitialFile)
		}
		existed = true
	}
	if existed && cfg.opts.CompactOnLaunch != nil {
		if err = compactOnLaunch(cfg); err != nil {
			return nil, err
		}
	}

	m, created, err := openAndMigrate(ctx, cfg)
	if err != nil {
		return nil, err
	}
	var d = &DB{
		cfg:      cfg,
		m:        m,
		notifier: notify.NewNotifier(m, cfg.opts.Schema, notify.Options{BufferSize: cfg.opts.NotificationBufferSize}),
		tasks:    task.NewGroup(context.Background(), "db "+path),
		writeCh:  make(chan *writeOp),
	}
	d.tasks.Queue("writer", d.serveWrites)
	d.tasks.GoRun()

	if created && cfg.opts.InitialData != nil {
		err = d.WriteBlocking(ctx, func(_ context.Context, txn *object.Txn) error {
			return cfg.opts.InitialData(txn)
		})
		if err != nil {
			err = errors.WithMessage(err, "writing initial data")
		}
	}
	if err == nil && cfg.sync != nil {
		err = d.startSync(ctx, created)
	}
	if err != nil {
		_ = d.Close(context.Background())
		if created {
			// Open of a created File is retried from scratch.
			_ = storage.DeleteFiles(fs, path)
		}
		return nil, err
	}

	log.WithFields(log.Fields{
		"path":    path,
		"version": m.Latest(),
		"created": created,
		"synced":  cfg.sync != nil,
	}).Info("opened db")

	return d, nil
}

// openAndMigrate opens the File's Manager and reconciles its Schema,
// returning whether the File was created.
func openAndMigrate(ctx context.Context, cfg *Config) (*mvcc.Manager, bool, error) {
	var mopts = mvcc.Options{
		Options:           cfg.storageOptions(),
		MaxActiveVersions: uint64(cfg.opts.MaxActiveVersions),
	}
	var migrationOpts = migration.Options{
		Transform:               cfg.opts.Migration,
		DeleteIfMigrationNeeded: cfg.opts.DeleteIfMigrationNeeded,
	}

	for attempt := 0; ; attempt++ {
		var m, err = mvcc.Open(cfg.opts.Fs, cfg.path, mopts)
		if err != nil {
			return nil, false, err
		}
		stored, err := migration.Load(m)
		if err != nil {
			_ = m.Close()
			return nil, false, err
		}
		plan, err := migration.Decide(stored, cfg.opts.Schema, migrationOpts)
		if err != nil {
			_ = m.Close()
			return nil, false, err
		}

		if plan.Action == migration.Reset && attempt == 0 {
			log.WithFields(log.Fields{
				"path":    cfg.path,
				"changes": len(plan.Changes),
			}).Warn("deleting file which requires migration")

			if err = m.Close(); err == nil {
				err = storage.DeleteFiles(cfg.opts.Fs, cfg.path)
			}
			if err != nil {
				return nil, false, errors.WithMessage(err, "resetting file")
			}
			continue
		} else if plan.Action == migration.Reset {
			_ = m.Close()
			return nil, false, errors.New("file still requires a reset after being recreated")
		}

		if err = migration.Apply(ctx, m, plan, migrationOpts); err != nil {
			_ = m.Close()
			return nil, false, err
		}
		return m, plan.Action == migration.Create, nil
	}
}

func (d *DB) startSync(ctx context.Context, created bool) error {
	var so = d.cfg.so
	var err error

	if so.Flexible {
		if d.subs, err = subscription.NewManager(d.m); err != nil {
			return err
		}
	}
	if d.session, err = session.New(ctx, d.m, d.subs, *d.cfg.sync); err != nil {
		return err
	}

	// Initial subscriptions are committed before the session starts, and
	// the initial download waits upon them.
	if so.InitialSubscriptions != nil && (created || so.RerunInitialSubscriptions) {
		if _, err = d.subs.Update(ctx, so.InitialSubscriptions); err != nil {
			return errors.WithMessage(err, "updating initial subscriptions")
		}
	}
	d.session.Resume()

	if !created || so.WaitForInitialRemoteData == 0 {
		return nil
	}
	return d.waitForInitialRemoteData(ctx, so.WaitForInitialRemoteData)
}

func (d *DB) waitForInitialRemoteData(ctx context.Context, timeout time.Duration) error {
	var deadline = time.Now().Add(timeout)

	if d.subs != nil {
		var ok, err = d.subs.WaitForSynchronization(ctx, d.subs.Latest().Version, timeout)
		if err != nil {
			return err
		} else if !ok {
			return errors.WithMessagef(ErrInitialDownloadTimeout, "subscriptions not synchronized after %s", timeout)
		}
	}
	var remaining = time.Until(deadline)
	if remaining <= 0 {
		return errors.WithMessagef(ErrInitialDownloadTimeout, "after %s", timeout)
	}
	var ok, err = d.session.DownloadAllServerChanges(ctx, remaining)
	if err != nil {
		return err
	} else if !ok {
		return errors.WithMessagef(ErrInitialDownloadTimeout, "after %s", timeout)
	}
	return nil
}

// Config of the DB.
func (d *DB) Config() *Config { return d.cfg }

// Schema of the DB.
func (d *DB) Schema() *schema.Schema { return d.cfg.opts.Schema }

// Manager of the DB's versions and transactions.
func (d *DB) Manager() *mvcc.Manager { return d.m }

// Session of a synchronized DB, or nil.
func (d *DB) Session() *session.Session { return d.session }

// Subscriptions of a flexibly synchronized DB, or nil.
func (d *DB) Subscriptions() *subscription.Manager { return d.subs }

// Version is the latest committed Version.
func (d *DB) Version() mvcc.Version { return d.m.Latest() }

// NumberOfActiveVersions returns the number of distinct pinned Versions.
func (d *DB) NumberOfActiveVersions() int { return d.m.ActiveVersions() }

// Read invokes |fn| with a read transaction of the latest Version, which
// is released when |fn| returns.
func (d *DB) Read(fn func(*object.Txn) error) error {
	var r, err = d.m.BeginRead()
	if err != nil {
		return err
	}
	defer r.Release()

	return fn(object.NewReadTxn(r, d.cfg.opts.Schema))
}

// Snapshot is a frozen view of a Version. Its objects remain valid until
// the Snapshot is Released.
type Snapshot struct {
	*object.Txn
}

// Release the Snapshot's Version.
func (s *Snapshot) Release() { s.Txn.ReadTxn().Release() }

// Frozen returns true.
func (s *Snapshot) Frozen() bool { return true }

// Freeze the latest Version into a Snapshot, which must be Released.
func (d *DB) Freeze() (*Snapshot, error) {
	var r, err = d.m.BeginRead()
	if err != nil {
		return nil, err
	}
	return &Snapshot{Txn: object.NewReadTxn(r, d.cfg.opts.Schema)}, nil
}

// Close the DB. A synchronized DB first uploads its local changes, until
// they're acknowledged or |ctx| is Done. Close fails with ErrClosedInWrite
// if |ctx| is that of a write. A write which is in progress is rolled back.
func (d *DB) Close(ctx context.Context) error {
	if inWrite(ctx, d) {
		return ErrClosedInWrite
	}
	d.closeOnce.Do(func() {
		d.tasks.Cancel() // Queued writes fail with ErrClosed.

		if d.session != nil {
			if err := d.session.Close(ctx); err != nil {
				log.WithFields(log.Fields{"path": d.cfg.path, "err": err}).
					Warn("closed sync session before uploads finished")
			}
		}
		d.notifier.Close()
		d.closeErr = d.m.Close()

		if err := d.tasks.Wait(); err != nil && d.closeErr == nil {
			d.closeErr = err
		}
		log.WithFields(log.Fields{"path": d.cfg.path}).Info("closed db")
	})
	return d.closeErr
}

// Delete the File of |cfg| and its companion artifacts, other than its
// lock file. The File must not be open.
func Delete(cfg *Config) error {
	return storage.DeleteFiles(cfg.opts.Fs, cfg.path)
}

// Compact the File of |cfg|, which must not be open. It returns false if
// the File doesn't exist.
func Compact(cfg *Config) (bool, error) {
	return mvcc.Compact(cfg.opts.Fs, cfg.path, cfg.storageOptions())
}

func compactOnLaunch(cfg *Config) error {
	var f, err = storage.Open(cfg.opts.Fs, cfg.path, storage.Options{
		EncryptionKey: cfg.opts.EncryptionKey,
		ReadOnly:      true,
	})
	if err != nil {
		return err
	}
	var total, used = f.Stats()
	if err = f.Close(); err != nil {
		return err
	}
	if !cfg.opts.CompactOnLaunch(total, used) {
		return nil
	}
	_, err = Compact(cfg)
	return errors.WithMessage(err, "compacting on launch")
}

func seed(ctx context.Context, cfg *Config) error {
	var fs, src = cfg.opts.Fs, cfg.opts.InitialFile

	if stores.IsStoreURL(src) {
		var _, err = stores.Fetch(ctx, src, fs, cfg.path)
		return err
	}
	var b, err = afero.ReadFile(fs, src)
	if err != nil {
		return err
	}
	return afero.WriteFile(fs, cfg.path, b, 0644)
}

// attachChangesets records the changesets of a synchronized write.
func (d *DB) attachChangesets(txn *object.Txn) {
	if d.cfg.sync != nil {
		changeset.Attach(txn)
	}
}
