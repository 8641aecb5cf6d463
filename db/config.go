package db

import (
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.strata.dev/core/codecs"
	"go.strata.dev/core/migration"
	"go.strata.dev/core/object"
	"go.strata.dev/core/schema"
	"go.strata.dev/core/session"
	"go.strata.dev/core/storage"
	"go.strata.dev/core/subscription"
)

// ErrInvalidConfig is returned by NewConfig and NewSyncConfig.
var ErrInvalidConfig = errors.New("invalid configuration")

// DefaultName of a File.
const DefaultName = "default.strata"

// Options are shared by local and synchronized Configs.
type Options struct {
	// Fs of the File. Defaults to the OS filesystem.
	Fs afero.Fs
	// Dir of the File. Defaults to the working directory.
	Dir string
	// Name of the File. Defaults to DefaultName.
	Name string
	// Schema of the File, which is required.
	Schema *schema.Schema
	// SchemaVersion of Schema, which must not be negative.
	SchemaVersion int64
	// EncryptionKey of the File, which is empty or exactly 64 bytes.
	EncryptionKey []byte
	// MaxActiveVersions is the ceiling of active Versions: those pinned by
	// reads, snapshots, and unreleased notification Events, plus the Version
	// being written. Zero is unbounded; otherwise it must be at least 1.
	MaxActiveVersions int64
	// CacheSize is the number of decoded pages cached by the File.
	CacheSize int
	// CompactOnLaunch is consulted with the total and used bytes of an
	// existing File when it's opened, and compacts the File if true.
	CompactOnLaunch func(total, used uint64) bool
	// InitialData populates a newly created File.
	InitialData func(*object.Txn) error
	// Migration transforms objects of an older Schema version.
	Migration migration.Transform
	// DeleteIfMigrationNeeded resets the File instead of migrating it.
	DeleteIfMigrationNeeded bool
	// InitialFile seeds a File which doesn't exist from a local path of Fs,
	// or from a blob store URL such as "s3://bucket/seeds/app.strata.zst".
	InitialFile string
	// NotificationBufferSize is the number of Events buffered per
	// notification subscription. Zero uses the notifier's default. Each
	// buffered Event pins its Version until it's Released and counts against
	// MaxActiveVersions, so a subscriber which doesn't keep up can cause
	// writes to fail with mvcc.ErrTooManyActiveVersions until it catches up
	// or overflows.
	NotificationBufferSize int
}

// SyncOptions configure the synchronization of a File.
type SyncOptions struct {
	// BaseURL of the sync service.
	BaseURL string
	// Transport to the service. Defaults to HTTP.
	Transport session.Transport
	// User whose tokens authorize the session.
	User *session.User
	// Flexible selects subscription-based sync, and otherwise Partition is synced.
	Flexible  bool
	Partition string
	// Reset configures client resets. If nil, partition sync discards
	// unsynced changes and flexible sync recovers them, falling back to discard.
	Reset *session.ResetConfig
	// ErrorHandler is notified of session errors.
	ErrorHandler session.ErrorHandler
	// Codec of sync request and response bodies.
	Codec codecs.Codec
	// BatchSize and PollInterval of the session. Zero uses defaults.
	BatchSize    int
	PollInterval time.Duration
	// InitialSubscriptions populate the subscriptions of a flexible File
	// when it's created, or at every open if RerunInitialSubscriptions.
	InitialSubscriptions      func(*subscription.MutableSet) error
	RerunInitialSubscriptions bool
	// WaitForInitialRemoteData, if non-zero, bounds the time that Open of a
	// newly created File waits to download the server's data.
	WaitForInitialRemoteData time.Duration
}

// Config is a validated configuration of a DB.
type Config struct {
	opts Options
	sync *session.Config
	so   SyncOptions
	path string
}

// NewConfig validates |opts| and returns a local Config.
func NewConfig(opts Options) (*Config, error) {
	var cfg, err = newConfig(opts)
	if err != nil {
		return nil, errors.WithMessage(ErrInvalidConfig, err.Error())
	}
	return cfg, nil
}

// NewSyncConfig validates |opts| and |so| and returns a synchronized Config.
func NewSyncConfig(opts Options, so SyncOptions) (*Config, error) {
	var cfg, err = newConfig(opts)
	if err == nil {
		err = cfg.setSync(so)
	}
	if err != nil {
		return nil, errors.WithMessage(ErrInvalidConfig, err.Error())
	}
	return cfg, nil
}

func newConfig(opts Options) (*Config, error) {
	if opts.Schema == nil {
		return nil, errors.New("expected Schema")
	} else if opts.SchemaVersion < 0 {
		return nil, errors.Errorf("SchemaVersion must not be negative (got %d)", opts.SchemaVersion)
	} else if l := len(opts.EncryptionKey); l != 0 && l != storage.KeySize {
		return nil, errors.Errorf("EncryptionKey must be %d bytes (got %d)", storage.KeySize, l)
	} else if opts.MaxActiveVersions < 0 {
		return nil, errors.Errorf("MaxActiveVersions must be at least 1, or zero if unbounded (got %d)", opts.MaxActiveVersions)
	} else if opts.CacheSize < 0 || opts.NotificationBufferSize < 0 {
		return nil, errors.New("CacheSize and NotificationBufferSize must not be negative")
	} else if opts.DeleteIfMigrationNeeded && opts.InitialFile != "" {
		return nil, errors.New("DeleteIfMigrationNeeded cannot be combined with an InitialFile")
	}

	// The Schema is copied, and carries the configured version.
	var s = opts.Schema.Clone()
	s.Version = uint64(opts.SchemaVersion)
	if err := s.Validate(); err != nil {
		return nil, err
	}
	opts.Schema = s

	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Name == "" {
		opts.Name = DefaultName
	}
	return &Config{opts: opts, path: filepath.Join(opts.Dir, opts.Name)}, nil
}

func (c *Config) setSync(so SyncOptions) error {
	if c.opts.DeleteIfMigrationNeeded {
		return errors.New("DeleteIfMigrationNeeded is not supported by synchronized Files")
	} else if so.WaitForInitialRemoteData < 0 {
		return errors.Errorf("WaitForInitialRemoteData must not be negative (got %s)", so.WaitForInitialRemoteData)
	} else if !so.Flexible && so.InitialSubscriptions != nil {
		return errors.New("InitialSubscriptions require flexible sync")
	}

	var reset session.ResetConfig
	if so.Reset != nil {
		reset = *so.Reset
	} else if so.Flexible {
		reset.Strategy = session.RecoverOrDiscard
	} else {
		reset.Strategy = session.DiscardUnsynced
	}
	var sc = &session.Config{
		BaseURL:       so.BaseURL,
		Transport:     so.Transport,
		User:          so.User,
		Schema:        c.opts.Schema,
		Flexible:      so.Flexible,
		Partition:     so.Partition,
		Reset:         reset,
		ErrorHandler:  so.ErrorHandler,
		Codec:         so.Codec,
		BatchSize:     so.BatchSize,
		PollInterval:  so.PollInterval,
		EncryptionKey: c.opts.EncryptionKey,
	}
	if err := sc.Validate(); err != nil {
		return err
	}
	c.sync, c.so = sc, so
	return nil
}

// Path of the File.
func (c *Config) Path() string { return c.path }

// Fs of the File.
func (c *Config) Fs() afero.Fs { return c.opts.Fs }

// Schema of the Config, carrying its SchemaVersion.
func (c *Config) Schema() *schema.Schema { return c.opts.Schema }

// Synced returns whether the Config is synchronized.
func (c *Config) Synced() bool { return c.sync != nil }

func (c *Config) storageOptions() storage.Options {
	return storage.Options{EncryptionKey: c.opts.EncryptionKey, CacheSize: c.opts.CacheSize}
}
