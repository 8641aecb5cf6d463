package stores

import (
	"context"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.strata.dev/core/codecs"
	"go.strata.dev/core/metrics"
)

func init() {
	RegisterProviders(map[string]Constructor{
		"memory": NewMemoryConstructor(),
		"broken": func(*url.URL) (Store, error) { return nil, errors.New("init failed") },
	})
}

func TestSplit(t *testing.T) {
	var base, name, err = Split("s3://bucket/backups/app.strata.zst?Region=us-east-1")
	require.NoError(t, err)
	require.Equal(t, "s3://bucket/backups/?Region=us-east-1", base)
	require.Equal(t, "app.strata.zst", name)

	base, name, err = Split("memory://host/app.strata")
	require.NoError(t, err)
	require.Equal(t, "memory://host/", base)
	require.Equal(t, "app.strata", name)

	_, _, err = Split("s3://bucket/backups/")
	require.EqualError(t, err, `"s3://bucket/backups/" does not name a blob`)
	_, _, err = Split("s3://bucket")
	require.Error(t, err)
}

func TestGetCachesStores(t *testing.T) {
	var s1, err = Get("memory://cache/a/")
	require.NoError(t, err)
	require.Equal(t, "memory", s1.Provider())

	s2, err := Get("memory://cache/a/")
	require.NoError(t, err)
	require.Same(t, s1, s2)

	s3, err := Get("memory://cache/b/")
	require.NoError(t, err)
	require.NotSame(t, s1, s3)

	_, err = Get("memory://cache/no-slash")
	require.EqualError(t, err, `store URL "memory://cache/no-slash" must end in '/'`)
	_, err = Get("unknown://cache/")
	require.EqualError(t, err, "unsupported store scheme: unknown")
	_, err = Get("broken://cache/")
	require.EqualError(t, err, "constructing store broken://cache/: init failed")

	require.True(t, IsStoreURL("memory://cache/a/file"))
	require.False(t, IsStoreURL("/local/path"))
	require.False(t, IsStoreURL("unknown://cache/file"))
}

func TestPublishAndFetch(t *testing.T) {
	var ctx = context.Background()
	var fs = afero.NewMemMapFs()
	var content = []byte("the content of a strata file, repeated, repeated, repeated")
	require.NoError(t, afero.WriteFile(fs, "/data/app.strata", content, 0640))

	for _, tc := range []struct {
		name  string
		codec codecs.Codec
	}{
		{"app.strata", codecs.None},
		{"app.strata.gz", codecs.Gzip},
		{"app.strata.sz", codecs.Snappy},
		{"app.strata.zst", codecs.Zstandard},
	} {
		var dest = "memory://transfer/copies/" + tc.name

		var n, err = Publish(ctx, fs, "/data/app.strata", dest)
		require.NoError(t, err)
		require.NotZero(t, n)

		var s, _ = Get("memory://transfer/copies/")
		require.Equal(t, string(tc.codec), s.Store.(*MemoryStore).ContentEncoding(tc.name))

		// The stored blob is compressed with the codec of its extension.
		rc, err := s.Get(ctx, tc.name)
		require.NoError(t, err)
		dec, err := codecs.NewCodecReader(rc, tc.codec)
		require.NoError(t, err)
		var b, _ = afero.ReadAll(dec)
		require.Equal(t, content, b)
		require.NoError(t, rc.Close())

		n, err = Fetch(ctx, dest, fs, "/fetched/"+tc.name)
		require.NoError(t, err)
		require.Equal(t, int64(len(content)), n)

		b, err = afero.ReadFile(fs, "/fetched/"+tc.name)
		require.NoError(t, err)
		require.Equal(t, content, b)
	}

	// Temporary files were cleaned up.
	var names []string
	require.NoError(t, afero.Walk(fs, "/", func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			names = append(names, path)
		}
		return err
	}))
	require.Len(t, names, 5)

	var _, err = Fetch(ctx, "memory://transfer/copies/missing.strata", fs, "/fetched/missing")
	require.True(t, errors.Is(err, os.ErrNotExist))
	exists, _ := afero.Exists(fs, "/fetched/missing")
	require.False(t, exists)
}

func TestActiveStoreInstrumentation(t *testing.T) {
	var ctx = context.Background()
	var s, err = Get("memory://metrics/")
	require.NoError(t, err)

	var puts = testutil.ToFloat64(metrics.StoreOperationsTotal.WithLabelValues(s.Key, "put", metrics.Ok))
	var removeFails = testutil.ToFloat64(metrics.StoreOperationsTotal.WithLabelValues(s.Key, "remove", metrics.Fail))
	var putBytes = testutil.ToFloat64(metrics.StorePutBytesTotal.WithLabelValues(s.Key, "none"))

	require.NoError(t, s.Put(ctx, "a", stringReaderAt("hello"), 5, ""))
	require.Error(t, s.Remove(ctx, "missing"))

	require.Equal(t, puts+1, testutil.ToFloat64(metrics.StoreOperationsTotal.WithLabelValues(s.Key, "put", metrics.Ok)))
	require.Equal(t, removeFails+1, testutil.ToFloat64(metrics.StoreOperationsTotal.WithLabelValues(s.Key, "remove", metrics.Fail)))
	require.Equal(t, putBytes+5, testutil.ToFloat64(metrics.StorePutBytesTotal.WithLabelValues(s.Key, "none")))

	var listed []string
	require.NoError(t, s.List(ctx, "", func(path string, _ time.Time) error {
		listed = append(listed, path)
		return nil
	}))
	require.Equal(t, []string{"a"}, listed)

	signed, err := s.SignGet("a", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "memory://metrics/a", signed)
}

type stringReaderAt string

func (s stringReaderAt) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, s[off:]), nil
}
