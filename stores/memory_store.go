package stores

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// MemoryStore is an in-memory Store, used in testing and by the
// "memory://" scheme of a stratactl process.
type MemoryStore struct {
	URL *url.URL

	mu       sync.RWMutex
	content  map[string][]byte
	encoding map[string]string
	modTimes map[string]time.Time
}

// NewMemoryStore returns an empty MemoryStore rooted at |ep|.
func NewMemoryStore(ep *url.URL) *MemoryStore {
	return &MemoryStore{
		URL:      ep,
		content:  make(map[string][]byte),
		encoding: make(map[string]string),
		modTimes: make(map[string]time.Time),
	}
}

func (m *MemoryStore) Provider() string { return "memory" }

func (m *MemoryStore) SignGet(path string, _ time.Duration) (string, error) {
	return m.URL.JoinPath(path).String(), nil
}

func (m *MemoryStore) Exists(_ context.Context, path string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var _, ok = m.content[path]
	return ok, nil
}

func (m *MemoryStore) Get(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var b, ok = m.content[path]
	if !ok {
		return nil, errors.Wrapf(os.ErrNotExist, "memory store %s", path)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *MemoryStore) Put(_ context.Context, path string, content io.ReaderAt, contentLength int64, contentEncoding string) error {
	var buf = make([]byte, contentLength)
	if _, err := content.ReadAt(buf, 0); err != nil && !(err == io.EOF && contentLength == 0) {
		return errors.WithMessage(err, "reading content")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.content[path] = buf
	m.encoding[path] = contentEncoding
	m.modTimes[path] = time.Now()
	return nil
}

// ContentEncoding returns the encoding with which |path| was Put.
func (m *MemoryStore) ContentEncoding(path string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.encoding[path]
}

func (m *MemoryStore) List(_ context.Context, prefix string, callback func(path string, modTime time.Time) error) error {
	m.mu.RLock()
	var paths []string
	for p := range m.content {
		if strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	var modTimes = make([]time.Time, len(paths))
	sort.Strings(paths)
	for i, p := range paths {
		modTimes[i] = m.modTimes[p]
	}
	m.mu.RUnlock()

	for i, p := range paths {
		if err := callback(strings.TrimPrefix(p, prefix), modTimes[i]); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.content[path]; !ok {
		return errors.Wrapf(os.ErrNotExist, "memory store %s", path)
	}
	delete(m.content, path)
	delete(m.encoding, path)
	delete(m.modTimes, path)
	return nil
}

func (m *MemoryStore) IsAuthError(error) bool { return false }

var (
	memoryStores   = make(map[string]*MemoryStore)
	memoryStoresMu sync.Mutex
)

// NewMemoryConstructor returns a Constructor of MemoryStores which are
// shared by host, so that separately constructed Stores of a process
// observe the same content.
func NewMemoryConstructor() Constructor {
	return func(ep *url.URL) (Store, error) {
		memoryStoresMu.Lock()
		defer memoryStoresMu.Unlock()

		var key = ep.Host + ep.Path
		if s, ok := memoryStores[key]; ok {
			return s, nil
		}
		var s = NewMemoryStore(ep)
		memoryStores[key] = s
		return s, nil
	}
}
