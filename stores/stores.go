package stores

import (
	"net/url"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

var (
	constructors = make(map[string]Constructor)
	stores       = make(map[string]*ActiveStore)
	storesMu     sync.RWMutex
)

// RegisterProviders registers store constructors for different storage schemes.
// This should be called during initialization to register all available store types.
func RegisterProviders(providers map[string]Constructor) {
	storesMu.Lock()
	defer storesMu.Unlock()

	for scheme, constructor := range providers {
		constructors[scheme] = constructor
	}
}

// IsStoreURL returns whether |raw| is a URL having a registered scheme,
// rather than a local path.
func IsStoreURL(raw string) bool {
	var ep, err = url.Parse(raw)
	if err != nil || ep.Scheme == "" {
		return false
	}
	storesMu.RLock()
	defer storesMu.RUnlock()

	var _, ok = constructors[ep.Scheme]
	return ok
}

// Split a blob URL into the URL of its Store, which ends in '/', and the
// name of the blob within the Store.
//
//	"s3://bucket/backups/app.strata.zst" => ("s3://bucket/backups/", "app.strata.zst")
func Split(raw string) (base string, name string, err error) {
	var ep *url.URL
	if ep, err = url.Parse(raw); err != nil {
		return "", "", errors.WithMessagef(err, "parsing %q", raw)
	}
	var ind = strings.LastIndexByte(ep.Path, '/')
	if ind == -1 || ind == len(ep.Path)-1 {
		return "", "", errors.Errorf("%q does not name a blob", raw)
	}
	name = ep.Path[ind+1:]
	ep.Path = ep.Path[:ind+1]
	ep.RawPath = ""

	return ep.String(), name, nil
}

// Get returns the ActiveStore of base URL |base|, constructing it if it's
// not already cached.
func Get(base string) (*ActiveStore, error) {
	storesMu.RLock()
	if s, ok := stores[base]; ok {
		storesMu.RUnlock()
		return s, nil
	}
	storesMu.RUnlock()

	storesMu.Lock()
	defer storesMu.Unlock()

	if s, ok := stores[base]; ok {
		return s, nil
	}
	var ep, err = url.Parse(base)
	if err != nil {
		return nil, errors.WithMessagef(err, "parsing store URL %q", base)
	} else if !strings.HasSuffix(ep.Path, "/") {
		return nil, errors.Errorf("store URL %q must end in '/'", base)
	}
	constructor, ok := constructors[ep.Scheme]
	if !ok {
		return nil, errors.Errorf("unsupported store scheme: %s", ep.Scheme)
	}
	store, err := constructor(ep)
	if err != nil {
		// Not cached: construction is retried on next use.
		return nil, errors.WithMessagef(err, "constructing store %s", base)
	}
	var s = &ActiveStore{Key: base, Store: store}
	stores[base] = s

	return s, nil
}
