// Package stores provides an abstraction over blob storage systems, to which
// copies of strata Files are published and from which seed Files are fetched.
package stores

import (
	"context"
	"io"
	"net/url"
	"time"
)

// Store provides an abstraction over blob storage systems.
type Store interface {
	// Provider returns the name of the storage backend (e.g., "s3", "gcs", "azure", "file").
	Provider() string

	// SignGet returns a pre-signed URL for GET operations with the given duration.
	SignGet(path string, d time.Duration) (string, error)

	// Exists checks if content exists at the given path.
	Exists(ctx context.Context, path string) (bool, error)

	// Get returns an io.ReadCloser for content at the given path.
	// The returned reader provides the raw content without any decompression.
	Get(ctx context.Context, path string) (io.ReadCloser, error)

	// Put durably writes content to the store at the given path.
	// contentEncoding is used to set appropriate headers (e.g., "gzip" for compressed content).
	Put(ctx context.Context, path string, content io.ReaderAt, contentLength int64, contentEncoding string) error

	// List enumerates all objects under the given prefix. The callback
	// receives the path relative to the prefix and modification time of each.
	List(ctx context.Context, prefix string, callback func(path string, modTime time.Time) error) error

	// Remove deletes content at the given path.
	Remove(ctx context.Context, path string) error

	// IsAuthError returns true if the error represents an authorization failure
	// (e.g., missing permissions, bucket not found, access denied).
	IsAuthError(error) bool
}

// Constructor is a function that creates a Store instance from a URL.
// Each storage backend provides its own constructor implementation.
type Constructor func(*url.URL) (Store, error)
