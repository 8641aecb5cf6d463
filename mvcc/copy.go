package mvcc

import (
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.strata.dev/core/btree"
	"go.strata.dev/core/storage"
)

// WriteCopy writes the latest Version of the Manager to a new File at |path|
// of |fs|, encrypted with |key| if non-empty. The copy retains the Version
// number and holds only live pages. It's an error if |path| exists.
func (m *Manager) WriteCopy(fs afero.Fs, path string, key []byte) error {
	if ok, err := afero.Exists(fs, path); err != nil {
		return err
	} else if ok {
		return errors.Errorf("destination %s already exists", path)
	}
	var src, err = m.BeginRead()
	if err != nil {
		return err
	}
	defer src.Release()

	return copyTo(src, fs, path, storage.Options{EncryptionKey: key})
}

func copyTo(src *ReadTxn, fs afero.Fs, path string, opts storage.Options) error {
	var dst, err = storage.Open(fs, path, opts)
	if err != nil {
		return err
	}
	var w = btree.NewWriter(writePager{file: dst, version: src.version.Number}, 0)

	if err = src.Scan(nil, nil, func(k, v []byte) error {
		return w.Put(k, v)
	}); err == nil {
		var root storage.Ref
		if root, err = w.Flush(); err == nil && src.version.Number != 0 {
			_, err = dst.Commit(src.version.Number, root)
		}
	}
	if err != nil {
		dst.Rollback()
		_ = dst.Close()
		_ = fs.Remove(path)
		return errors.WithMessagef(err, "copying to %s", path)
	}
	return dst.Close()
}

// Compact rewrites the File at |path| to hold only its live pages. It
// returns false if the File doesn't exist. Compact requires that the File
// not be open.
func Compact(fs afero.Fs, path string, opts storage.Options) (bool, error) {
	if ok, err := afero.Exists(fs, path); err != nil || !ok {
		return false, err
	}
	var m, err = Open(fs, path, Options{Options: opts})
	if err != nil {
		return false, err
	}
	var before, _ = m.file.Stats()
	var tmp = path + storage.CompactSuffix

	if err = fs.Remove(tmp); err != nil && !os.IsNotExist(err) {
		_ = m.Close()
		return false, err
	}
	src, err := m.BeginRead()
	if err == nil {
		err = copyTo(src, fs, tmp, opts)
		src.Release()
	}
	if closeErr := m.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return false, err
	} else if err = fs.Rename(tmp, path); err != nil {
		return false, errors.WithMessage(err, "replacing compacted file")
	}
	_ = fs.Remove(tmp + storage.LockSuffix)

	if info, err := fs.Stat(path); err == nil {
		log.WithFields(log.Fields{
			"path":   path,
			"before": before,
			"after":  info.Size(),
		}).Info("compacted file")
	}
	return true, nil
}
