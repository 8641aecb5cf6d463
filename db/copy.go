package db

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.strata.dev/core/storage"
	"go.strata.dev/core/stores"
)

// WriteCopyTo writes a compacted copy of the latest Version to |dest|,
// encrypted with |key| if non-empty. |dest| is a path of the DB's Fs, or
// a blob store URL to which the copy is published. Store copies are
// compressed per the extension of the URL, as in "gs://bucket/app.strata.zst".
func (d *DB) WriteCopyTo(ctx context.Context, dest string, key []byte) error {
	if l := len(key); l != 0 && l != storage.KeySize {
		return errors.Errorf("encryption key must be %d bytes (got %d)", storage.KeySize, l)
	}
	var fs = d.cfg.opts.Fs

	if !stores.IsStoreURL(dest) {
		return d.m.WriteCopy(fs, dest, key)
	}
	var tmp = d.cfg.path + ".copy-" + uuid.NewString()
	defer func() { _ = fs.Remove(tmp + storage.LockSuffix) }()
	defer func() { _ = storage.DeleteFiles(fs, tmp) }()

	if err := d.m.WriteCopy(fs, tmp, key); err != nil {
		return err
	}
	var _, err = stores.Publish(ctx, fs, tmp, dest)
	return err
}
