// Package storage implements the durable, page-addressed backing file of a
// strata database. A File is a sequence of fixed-size pages. Page zero is a
// header holding two commit slots; each commit writes the slot not holding
// the current Head, so a torn header write always leaves the prior commit
// intact. Pages are never mutated while reachable from a committed Head:
// writers allocate fresh pages, and pages freed by a commit are recycled only
// after every version which could reference them has been released.
package storage

import (
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

var (
	// ErrCorrupt is a data-integrity error: a page or header failed validation.
	ErrCorrupt = errors.New("file is corrupt")
	// ErrDecryption is a data-integrity error: the encryption key is wrong,
	// missing, or unexpected.
	ErrDecryption = errors.New("unable to decrypt file")
	// ErrFileInUse is returned by operations requiring that no File be open.
	ErrFileInUse = errors.New("file is in use")
	// ErrClosed is returned by operations on a closed File.
	ErrClosed = errors.New("file is closed")
	// ErrReadOnly is returned by mutations of a read-only File.
	ErrReadOnly = errors.New("file is read-only")
)

// Options of a File.
type Options struct {
	// EncryptionKey, if non-empty, must be KeySize bytes.
	EncryptionKey []byte
	// CacheSize is the number of decoded page payloads to cache. Default 1024.
	CacheSize int
	// ReadOnly opens an existing File without acquiring write capability.
	ReadOnly bool
}

// File is an open, page-addressed strata file. File is safe for concurrent
// use, though mutations (Allocate, Write, Free, Commit, Rollback) must be
// serialized by the caller.
type File struct {
	fs   afero.Fs
	path string
	opts Options
	seal sealer

	mu     sync.Mutex
	file   afero.File
	lock   *lockFile
	hdr    *header
	head   Head   // Current committed Head.
	count  uint64 // Page count including uncommitted allocations.
	fl     freeList
	flRefs []Ref // Pages holding the persisted free list of |head|.
	cache  *lru.Cache
	closed bool
}

// Open the File at |path| of the afero.Fs, creating it if it doesn't exist
// and |opts| is not ReadOnly.
func Open(fs afero.Fs, path string, opts Options) (*File, error) {
	if opts.CacheSize == 0 {
		opts.CacheSize = 1024
	}
	var seal sealer = plainSealer{}
	if len(opts.EncryptionKey) != 0 {
		var s, err = newAEADSealer(opts.EncryptionKey)
		if err != nil {
			return nil, err
		}
		seal = s
	}
	var cache, err = lru.New(opts.CacheSize)
	if err != nil {
		return nil, err
	}
	var f = &File{fs: fs, path: path, opts: opts, seal: seal, cache: cache}

	if err = fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.WithMessage(err, "creating parent directory")
	} else if f.lock, err = acquireLock(fs, path); err != nil {
		return nil, err
	}
	if err = f.open(); err != nil {
		f.lock.release()
		if f.file != nil {
			_ = f.file.Close()
		}
		return nil, err
	}
	log.WithFields(log.Fields{
		"path":      path,
		"version":   f.head.Version,
		"pages":     f.head.PageCount,
		"encrypted": f.hdr.encrypted,
	}).Debug("opened file")

	return f, nil
}

func (f *File) open() error {
	var flag = os.O_RDWR | os.O_CREATE
	if f.opts.ReadOnly {
		flag = os.O_RDONLY
	}
	var err error
	if f.file, err = f.fs.OpenFile(f.path, flag, 0644); err != nil {
		return err
	}
	info, err := f.file.Stat()
	if err != nil {
		return err
	}

	if info.Size() == 0 {
		if f.opts.ReadOnly {
			return errors.Wrap(ErrCorrupt, "file is empty")
		}
		if f.hdr, err = newHeader(f.seal); err != nil {
			return err
		} else if _, err = f.file.WriteAt(f.hdr.marshal(), 0); err != nil {
			return err
		} else if err = f.file.Sync(); err != nil {
			return err
		}
	} else {
		var b = make([]byte, PageSize)
		if _, err = f.file.ReadAt(b, 0); err != nil {
			return errors.Wrap(ErrCorrupt, err.Error())
		} else if f.hdr, err = unmarshalHeader(b); err != nil {
			return err
		} else if err = f.hdr.verifyKey(f.seal); err != nil {
			return err
		}
	}
	f.head = f.hdr.current()
	f.count = f.head.PageCount

	// Load the persisted free list. No versions are pinned by a freshly
	// opened File, so every freed page is immediately reusable.
	for ref := f.head.FreeList; ref != 0; {
		var b, err = f.readLocked(ref)
		if err != nil {
			return errors.WithMessage(err, "reading free list")
		}
		f.flRefs = append(f.flRefs, ref)
		if ref, err = decodeFreeListPage(b, &f.fl); err != nil {
			return err
		}
	}
	f.fl.release(f.head.Version)
	f.fl.resetJournal()
	return nil
}

// Path of the File.
func (f *File) Path() string { return f.path }

// Fs of the File.
func (f *File) Fs() afero.Fs { return f.fs }

// FileID is a unique identifier of the File, assigned at creation.
func (f *File) FileID() string { return f.hdr.fileID.String() }

// Encrypted is true if the File's pages are encrypted.
func (f *File) Encrypted() bool { return f.hdr.encrypted }

// Head returns the current committed Head.
func (f *File) Head() Head {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head
}

// Read the payload of page |ref|. The returned slice must not be modified.
func (f *File) Read(ref Ref) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrClosed
	}
	return f.readLocked(ref)
}

func (f *File) readLocked(ref Ref) ([]byte, error) {
	if v, ok := f.cache.Get(ref); ok {
		return v.([]byte), nil
	} else if ref == 0 || uint64(ref) >= f.count {
		return nil, errors.Wrapf(ErrCorrupt, "page %d out of range (count %d)", ref, f.count)
	}
	var page = make([]byte, PageSize)
	if _, err := f.file.ReadAt(page, int64(ref)*PageSize); err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "reading page %d: %s", ref, err)
	}
	var payload = make([]byte, PayloadSize)
	if err := f.seal.open(ref, page, payload); err != nil {
		return nil, err
	}
	f.cache.Add(ref, payload)
	return payload, nil
}

// Allocate a page, preferring a reusable freed page over extending the File.
func (f *File) Allocate() (Ref, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.writable(); err != nil {
		return 0, err
	}
	if ref, ok := f.fl.take(); ok {
		return ref, nil
	}
	var ref = Ref(f.count)
	f.count++
	return ref, nil
}

// Write the payload of a page obtained from Allocate. |payload| may be
// shorter than PayloadSize, and is zero-padded.
func (f *File) Write(ref Ref, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.writable(); err != nil {
		return err
	} else if len(payload) > PayloadSize {
		return errors.Errorf("payload of %d bytes exceeds page capacity", len(payload))
	}
	return f.writeLocked(ref, payload)
}

func (f *File) writeLocked(ref Ref, payload []byte) error {
	var page = make([]byte, PageSize)
	if err := f.seal.seal(ref, payload, page); err != nil {
		return err
	} else if _, err = f.file.WriteAt(page, int64(ref)*PageSize); err != nil {
		return err
	}
	var cached = make([]byte, PayloadSize)
	copy(cached, payload)
	f.cache.Add(ref, cached)
	return nil
}

// Free marks page |ref| as released by the commit which will produce
// |version|. The page remains readable by all versions before |version|.
func (f *File) Free(ref Ref, version uint64) {
	f.mu.Lock()
	f.fl.free(ref, version)
	f.mu.Unlock()
}

// Release makes reusable all pages freed at or before version |oldest|,
// which must be the oldest version still pinned by any reader (or the
// current version, if none are pinned).
func (f *File) Release(oldest uint64) {
	f.mu.Lock()
	f.fl.release(oldest)
	f.mu.Unlock()
}

// Rollback discards allocations and frees made since the last Commit.
func (f *File) Rollback() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for r := f.head.PageCount; r < f.count; r++ {
		f.cache.Remove(Ref(r))
	}
	f.count = f.head.PageCount
	f.fl.rollback()
}

// Commit durably publishes a new Head having |version| and |root|. Data
// pages are synced before the header slot is written, and the header is
// synced before Commit returns.
func (f *File) Commit(version uint64, root Ref) (Head, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.writable(); err != nil {
		return Head{}, err
	} else if version <= f.head.Version {
		return Head{}, errors.Errorf("commit version %d is not after %d", version, f.head.Version)
	}
	// Pages of the previous free list are released by this commit.
	for _, ref := range f.flRefs {
		f.fl.free(ref, version)
	}
	// Pages to hold the encoded list are taken before encoding, which can
	// only shrink the list. Surplus pages encode as empty links of the chain.
	var refs = make([]Ref, pagesFor(f.fl.len()))
	for i := range refs {
		if ref, ok := f.fl.take(); ok {
			refs[i] = ref
		} else {
			refs[i] = Ref(f.count)
			f.count++
		}
	}
	for i, b := range f.fl.encode(refs) {
		if err := f.writeLocked(refs[i], b); err != nil {
			return Head{}, err
		}
	}
	if err := f.file.Sync(); err != nil {
		return Head{}, errors.WithMessage(err, "syncing pages")
	}

	var next = Head{
		Version:   version,
		Root:      root,
		PageCount: f.count,
		Slot:      1 - f.head.Slot,
	}
	if len(refs) != 0 {
		next.FreeList = refs[0]
	}
	f.hdr.slots[next.Slot] = next
	f.hdr.valid[next.Slot] = true

	if _, err := f.file.WriteAt(f.hdr.marshal(), 0); err != nil {
		return Head{}, err
	} else if err = f.file.Sync(); err != nil {
		return Head{}, errors.WithMessage(err, "syncing header")
	}
	f.head, f.flRefs = next, refs
	f.fl.resetJournal()

	return next, nil
}

// Stats returns the total size of the File and the bytes in use by live
// pages, as of the current Head.
func (f *File) Stats() (total, used uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	total = f.head.PageCount * PageSize
	var free = uint64(f.fl.len()) * PageSize
	if free > total {
		free = total
	}
	return total, total - free
}

// Close the File, releasing its lock.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true
	f.cache.Purge()

	var err = f.file.Close()
	f.lock.release()
	return err
}

func (f *File) writable() error {
	if f.closed {
		return ErrClosed
	} else if f.opts.ReadOnly {
		return ErrReadOnly
	}
	return nil
}
