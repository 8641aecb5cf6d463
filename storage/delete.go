package storage

import (
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Artifact suffixes of a File path, other than the lock file.
const (
	ManagementSuffix = ".management"
	NoteSuffix       = ".note"
	CompactSuffix    = ".compact"
)

// DeleteFiles removes the File at |path| and its companion artifacts. The
// lock file is retained, as another process may be blocked upon it. It's an
// error to delete a File which is open in this process, or which another
// process holds locked.
func DeleteFiles(fs afero.Fs, path string) error {
	var lock, err = acquireLock(fs, path)
	if err != nil {
		return err
	}
	defer lock.release()

	for _, p := range []string{path, path + NoteSuffix, path + CompactSuffix} {
		if err = fs.Remove(p); err != nil && !os.IsNotExist(err) {
			return errors.WithMessagef(err, "removing %s", p)
		}
	}
	if err = fs.RemoveAll(path + ManagementSuffix); err != nil {
		return errors.WithMessage(err, "removing management directory")
	}
	log.WithField("path", path).Info("deleted file")
	return nil
}

// Exists returns whether a File exists at |path|.
func Exists(fs afero.Fs, path string) (bool, error) {
	return afero.Exists(fs, path)
}
