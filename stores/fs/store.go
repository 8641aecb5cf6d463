// Package fs is a file:// Store of a local (or mounted) filesystem.
package fs

import (
	"context"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.strata.dev/core/stores"
)

// FileSystemStoreRoot is the filesystem path which roots the paths of
// file:// store URLs. It must be set at program startup prior to use.
var FileSystemStoreRoot = "/dev/null/must/configure/file/store/root"

// FileSystem is the afero.Fs of file:// stores.
var FileSystem = afero.NewOsFs()

// StoreQueryArgs contains fields that are parsed from the query arguments
// of a file:// store URL.
type StoreQueryArgs struct {
	// Mode of directories created by the store, in octal. Defaults to 0750.
	DirMode string
}

type store struct {
	fs      afero.Fs
	prefix  string
	dirMode os.FileMode
}

// New creates a new filesystem Store from the provided URL.
func New(ep *url.URL) (stores.Store, error) {
	var args StoreQueryArgs
	if err := stores.ParseArgs(ep, &args); err != nil {
		return nil, err
	}
	var s = &store{
		fs:      afero.NewBasePathFs(FileSystem, FileSystemStoreRoot),
		prefix:  ep.Path,
		dirMode: 0750,
	}
	if args.DirMode != "" {
		var mode, err = strconv.ParseUint(args.DirMode, 8, 32)
		if err != nil {
			return nil, errors.WithMessagef(err, "parsing DirMode %q", args.DirMode)
		}
		s.dirMode = os.FileMode(mode)
	}
	return s, nil
}

func (s *store) Provider() string { return "file" }

func (s *store) fsPath(p string) string { return filepath.FromSlash(path.Join(s.prefix, p)) }

func (s *store) SignGet(p string, _ time.Duration) (string, error) {
	return "file://" + path.Join(s.prefix, p), nil
}

func (s *store) Exists(_ context.Context, p string) (bool, error) {
	return afero.Exists(s.fs, s.fsPath(p))
}

func (s *store) Get(_ context.Context, p string) (io.ReadCloser, error) {
	return s.fs.Open(s.fsPath(p))
}

func (s *store) Put(_ context.Context, p string, content io.ReaderAt, contentLength int64, _ string) error {
	// The store prefix must already exist.
	if ok, err := afero.DirExists(s.fs, filepath.FromSlash(s.prefix)); err != nil {
		return err
	} else if !ok {
		return errors.Errorf("%s %s", invalidFileStoreDirectory, s.prefix)
	}
	var fsPath = s.fsPath(p)

	if err := s.fs.MkdirAll(filepath.Dir(fsPath), s.dirMode); err != nil {
		return err
	}
	f, err := afero.TempFile(s.fs, filepath.Dir(fsPath), ".partial-"+filepath.Base(fsPath))
	if err != nil {
		return err
	}
	defer func(name string) {
		if rmErr := s.fs.Remove(name); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			log.WithFields(log.Fields{"err": rmErr, "path": fsPath}).
				Warn("failed to cleanup temp file")
		}
	}(f.Name())

	_, err = io.Copy(f, io.NewSectionReader(content, 0, contentLength))

	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = s.fs.Rename(f.Name(), fsPath)
	}
	return err
}

func (s *store) List(_ context.Context, prefix string, callback func(p string, modTime time.Time) error) error {
	var dir = s.fsPath(prefix)

	if ok, err := afero.DirExists(s.fs, dir); err != nil || !ok {
		return err
	}
	return afero.Walk(s.fs, dir, func(name string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		} else if info.IsDir() || strings.HasPrefix(info.Name(), ".partial-") {
			return nil
		}
		rel, err := filepath.Rel(dir, name)
		if err != nil {
			return err
		}
		return callback(filepath.ToSlash(rel), info.ModTime())
	})
}

func (s *store) Remove(_ context.Context, p string) error {
	return s.fs.Remove(s.fsPath(p))
}

func (s *store) IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, os.ErrPermission) || strings.Contains(err.Error(), invalidFileStoreDirectory)
}

const invalidFileStoreDirectory = "invalid file store directory"
