package storage

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// LockSuffix is appended to a File path to name its lock file. Lock files
// are never removed by DeleteFiles.
const LockSuffix = ".lock"

type openKey struct {
	fs   afero.Fs
	path string
}

var (
	openMu    sync.Mutex
	openFiles = make(map[openKey]struct{})
)

// lockFile guards a File path against concurrent opens. Within a process,
// opens are tracked in a registry keyed on (Fs, path). Where the Fs is
// backed by the OS, an exclusive flock on the lock file extends the guard
// across processes.
type lockFile struct {
	key  openKey
	file afero.File
}

func acquireLock(fs afero.Fs, path string) (*lockFile, error) {
	var key = openKey{fs: fs, path: path}

	openMu.Lock()
	defer openMu.Unlock()

	if _, ok := openFiles[key]; ok {
		return nil, errors.Wrapf(ErrFileInUse, "%s is already open", path)
	}
	var file, err = fs.OpenFile(path+LockSuffix, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.WithMessage(err, "opening lock file")
	}
	if osf, ok := file.(*os.File); ok {
		if err = flock(osf.Fd(), true); err != nil {
			_ = file.Close()
			return nil, errors.Wrapf(ErrFileInUse, "%s is locked by another process: %s", path, err)
		}
	}
	openFiles[key] = struct{}{}
	return &lockFile{key: key, file: file}, nil
}

func (l *lockFile) release() {
	openMu.Lock()
	defer openMu.Unlock()

	if osf, ok := l.file.(*os.File); ok {
		_ = flock(osf.Fd(), false)
	}
	_ = l.file.Close()
	delete(openFiles, l.key)
}

// IsOpen returns true if the File at |path| of |fs| is open in this process.
func IsOpen(fs afero.Fs, path string) bool {
	openMu.Lock()
	defer openMu.Unlock()

	var _, ok = openFiles[openKey{fs: fs, path: path}]
	return ok
}
