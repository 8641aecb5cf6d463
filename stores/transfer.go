package stores

import (
	"context"
	"io"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.strata.dev/core/codecs"
)

// Publish the local file |path| of |fs| to blob URL |dest|. The file is
// compressed with the Codec implied by the extension of |dest|, which is
// also the ContentEncoding of the Put. Publish returns the number of
// bytes written to the Store.
func Publish(ctx context.Context, fs afero.Fs, path, dest string) (int64, error) {
	var base, name, err = Split(dest)
	if err != nil {
		return 0, err
	}
	store, err := Get(base)
	if err != nil {
		return 0, err
	}
	var codec = codecs.FromExtension(name)

	src, err := fs.Open(path)
	if err != nil {
		return 0, errors.WithMessage(err, "opening published file")
	}
	defer src.Close()

	var body afero.File = src
	if codec != codecs.None {
		if body, err = compressToTemp(fs, src, codec); err != nil {
			return 0, err
		}
		defer func() {
			_ = body.Close()
			_ = fs.Remove(body.Name())
		}()
	}
	info, err := body.Stat()
	if err != nil {
		return 0, err
	}
	if err = store.Put(ctx, name, body, info.Size(), string(codec)); err != nil {
		return 0, errors.WithMessagef(err, "publishing %s", dest)
	}
	log.WithFields(log.Fields{
		"path":  path,
		"dest":  dest,
		"codec": codec,
		"size":  info.Size(),
	}).Info("published file copy")

	return info.Size(), nil
}

// Fetch blob URL |src| into local |path| of |fs|, decompressing with the
// Codec implied by the extension of |src|. |path| is replaced atomically,
// and Fetch returns the number of decompressed bytes written.
func Fetch(ctx context.Context, src string, fs afero.Fs, path string) (int64, error) {
	var base, name, err = Split(src)
	if err != nil {
		return 0, err
	}
	store, err := Get(base)
	if err != nil {
		return 0, err
	}
	rc, err := store.Get(ctx, name)
	if err != nil {
		return 0, errors.WithMessagef(err, "fetching %s", src)
	}
	defer rc.Close()

	dec, err := codecs.NewCodecReader(rc, codecs.FromExtension(name))
	if err != nil {
		return 0, err
	}
	defer dec.Close()

	if err = fs.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return 0, err
	}
	tmp, err := afero.TempFile(fs, filepath.Dir(path), ".partial-"+filepath.Base(path))
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(tmp, dec)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = fs.Rename(tmp.Name(), path)
	}
	if err != nil {
		_ = fs.Remove(tmp.Name())
		return 0, errors.WithMessagef(err, "fetching %s", src)
	}
	log.WithFields(log.Fields{"src": src, "path": path, "size": n}).Info("fetched file copy")

	return n, nil
}

func compressToTemp(fs afero.Fs, src afero.File, codec codecs.Codec) (afero.File, error) {
	var tmp, err = afero.TempFile(fs, filepath.Dir(src.Name()), ".publish-")
	if err != nil {
		return nil, err
	}
	w, err := codecs.NewCodecWriter(tmp, codec)
	if err == nil {
		_, err = io.Copy(w, src)
	}
	if err == nil {
		err = w.Close()
	}
	if err != nil {
		_ = tmp.Close()
		_ = fs.Remove(tmp.Name())
		return nil, errors.WithMessagef(err, "compressing with %s", codec)
	}
	return tmp, nil
}
