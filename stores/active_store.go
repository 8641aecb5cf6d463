package stores

import (
	"context"
	"io"
	"time"

	"go.strata.dev/core/metrics"
)

// ActiveStore wraps a Store implementation with instrumentation.
type ActiveStore struct {
	Key   string // Base URL from which this ActiveStore was built.
	Store Store
}

func (s *ActiveStore) observe(op string, started time.Time, err error) {
	var status = metrics.Ok
	if err != nil {
		status = metrics.Fail
	}
	metrics.StoreOperationsTotal.WithLabelValues(s.Key, op, status).Inc()
	metrics.StoreOperationDurationSeconds.WithLabelValues(s.Key, op, status).Observe(time.Since(started).Seconds())
}

// Provider returns the name of the storage backend.
func (s *ActiveStore) Provider() string { return s.Store.Provider() }

// SignGet returns a pre-signed URL for GET operations with the given duration.
func (s *ActiveStore) SignGet(path string, d time.Duration) (string, error) {
	var started = time.Now()
	var signed, err = s.Store.SignGet(path, d)
	s.observe("signget", started, err)
	return signed, err
}

// Exists checks if content exists at the given path.
func (s *ActiveStore) Exists(ctx context.Context, path string) (bool, error) {
	var started = time.Now()
	var exists, err = s.Store.Exists(ctx, path)
	s.observe("exists", started, err)
	return exists, err
}

// Get returns an io.ReadCloser for content at the given path.
func (s *ActiveStore) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	var started = time.Now()
	var rc, err = s.Store.Get(ctx, path)
	s.observe("get", started, err)
	return rc, err
}

// Put durably writes content to the store at the given path.
func (s *ActiveStore) Put(ctx context.Context, path string, content io.ReaderAt, contentLength int64, contentEncoding string) error {
	var started = time.Now()
	var err = s.Store.Put(ctx, path, content, contentLength, contentEncoding)
	s.observe("put", started, err)

	if err == nil {
		var encoding = contentEncoding
		if encoding == "" {
			encoding = "none"
		}
		metrics.StorePutBytesTotal.WithLabelValues(s.Key, encoding).Add(float64(contentLength))
	}
	return err
}

// List enumerates all objects under the given prefix.
func (s *ActiveStore) List(ctx context.Context, prefix string, callback func(path string, modTime time.Time) error) error {
	var started = time.Now()
	var err = s.Store.List(ctx, prefix, callback)
	s.observe("list", started, err)
	return err
}

// Remove content at the given path.
func (s *ActiveStore) Remove(ctx context.Context, path string) error {
	var started = time.Now()
	var err = s.Store.Remove(ctx, path)
	s.observe("remove", started, err)
	return err
}

// IsAuthError returns true if the error represents an authorization failure.
func (s *ActiveStore) IsAuthError(err error) bool { return s.Store.IsAuthError(err) }

var _ Store = (*ActiveStore)(nil)
