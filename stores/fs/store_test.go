package fs

import (
	"context"
	"io"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	defer func(r string, fs afero.Fs) { FileSystemStoreRoot, FileSystem = r, fs }(FileSystemStoreRoot, FileSystem)
	FileSystemStoreRoot, FileSystem = "/root", afero.NewMemMapFs()

	require.NoError(t, FileSystem.MkdirAll("/root/copies/sub", 0750))
	require.NoError(t, afero.WriteFile(FileSystem, "/root/copies/a.strata", []byte("content"), 0640))
	require.NoError(t, afero.WriteFile(FileSystem, "/root/copies/sub/b.strata", []byte("nested"), 0640))

	var _, err = New(mustParseURL("file:///copies/?invalid=param"))
	require.Error(t, err)
	_, err = New(mustParseURL("file:///copies/?DirMode=9"))
	require.Error(t, err)

	s, err := New(mustParseURL("file:///copies/?DirMode=0700"))
	require.NoError(t, err)
	require.Equal(t, "file", s.Provider())

	signed, err := s.SignGet("a.strata", time.Hour)
	require.NoError(t, err)
	require.Equal(t, "file:///copies/a.strata", signed)

	var ctx = context.Background()
	exists, err := s.Exists(ctx, "a.strata")
	require.NoError(t, err)
	require.True(t, exists)
	exists, err = s.Exists(ctx, "missing.strata")
	require.NoError(t, err)
	require.False(t, exists)

	rc, err := s.Get(ctx, "sub/b.strata")
	require.NoError(t, err)
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, "nested", string(b))

	_, err = s.Get(ctx, "missing.strata")
	require.ErrorIs(t, err, os.ErrNotExist)

	// Put creates intermediate directories.
	require.NoError(t, s.Put(ctx, "new/dir/c.strata.zst", strings.NewReader("put content"), 11, "zstd"))
	b, err = afero.ReadFile(FileSystem, "/root/copies/new/dir/c.strata.zst")
	require.NoError(t, err)
	require.Equal(t, "put content", string(b))

	var listed = make(map[string]bool)
	require.NoError(t, s.List(ctx, "", func(path string, modTime time.Time) error {
		listed[path] = true
		return nil
	}))
	require.Equal(t, map[string]bool{
		"a.strata":             true,
		"sub/b.strata":         true,
		"new/dir/c.strata.zst": true,
	}, listed)

	// Listing a missing prefix is empty.
	require.NoError(t, s.List(ctx, "missing/", func(string, time.Time) error {
		t.Fatal("unexpected callback")
		return nil
	}))

	require.NoError(t, s.Remove(ctx, "a.strata"))
	exists, err = s.Exists(ctx, "a.strata")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestPutRequiresStoreDirectory(t *testing.T) {
	defer func(r string, fs afero.Fs) { FileSystemStoreRoot, FileSystem = r, fs }(FileSystemStoreRoot, FileSystem)
	FileSystemStoreRoot, FileSystem = "/root", afero.NewMemMapFs()

	var s, err = New(mustParseURL("file:///not-created/"))
	require.NoError(t, err)

	err = s.Put(context.Background(), "a.strata", strings.NewReader("x"), 1, "")
	require.ErrorContains(t, err, "invalid file store directory /not-created/")
	require.True(t, s.IsAuthError(err))
	require.False(t, s.IsAuthError(nil))
	require.True(t, s.IsAuthError(os.ErrPermission))
}

func mustParseURL(s string) *url.URL {
	var u, err = url.Parse(s)
	if err != nil {
		panic(err)
	}
	return u
}
