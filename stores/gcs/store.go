// Package gcs is a gs:// Store of Google Cloud Storage.
package gcs

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.strata.dev/core/stores"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// StoreQueryArgs contains fields that are parsed from the query arguments
// of a gs:// store URL.
type StoreQueryArgs struct {
	// CacheControl of published copies, such as "no-store".
	CacheControl string
}

type store struct {
	bucket     string
	prefix     string
	args       StoreQueryArgs
	client     *storage.Client
	signedOpts storage.SignedURLOptions
}

// credentialsFile identifies external accounts of workload identity.
type credentialsFile struct {
	Type string `json:"type"`
}

// New creates a new GCS Store from the provided URL.
func New(ep *url.URL) (stores.Store, error) {
	var args StoreQueryArgs
	if err := stores.ParseArgs(ep, &args); err != nil {
		return nil, err
	}
	var bucket, prefix = ep.Host, strings.TrimPrefix(ep.Path, "/")
	var ctx = context.Background()

	creds, err := google.FindDefaultCredentials(ctx, storage.ScopeFullControl)
	if err != nil {
		return nil, errors.WithMessage(err, "finding default Google credentials")
	}
	var external bool
	if creds.JSON != nil {
		var f credentialsFile
		if json.Unmarshal(creds.JSON, &f) == nil {
			external = f.Type == "external_account"
		}
	}

	var s = &store{bucket: bucket, prefix: prefix, args: args}

	if creds.JSON != nil && !external {
		// A service account key, which also signs URLs.
		conf, err := google.JWTConfigFromJSON(creds.JSON, storage.ScopeFullControl)
		if err != nil {
			return nil, err
		}
		if s.client, err = storage.NewClient(ctx, option.WithTokenSource(conf.TokenSource(ctx))); err != nil {
			return nil, err
		}
		s.signedOpts = storage.SignedURLOptions{
			GoogleAccessID: conf.Email,
			PrivateKey:     conf.PrivateKey,
		}
		log.WithFields(log.Fields{
			"projectID":      creds.ProjectID,
			"googleAccessID": conf.Email,
			"bucket":         bucket,
		}).Info("constructed new GCS client")
	} else {
		// Without a key, signing requires iam.serviceAccounts.signBlob.
		if s.client, err = storage.NewClient(ctx, option.WithTokenSource(creds.TokenSource)); err != nil {
			return nil, err
		}
		log.WithFields(log.Fields{
			"projectID": creds.ProjectID,
			"bucket":    bucket,
		}).Info("constructed new GCS client without JWT")
	}
	return s, nil
}

func (s *store) Provider() string { return "gcs" }

func (s *store) object(path string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + path)
}

func (s *store) SignGet(path string, d time.Duration) (string, error) {
	if stores.DisableSignedUrls {
		var u = url.URL{
			Scheme: "https",
			Host:   "storage.googleapis.com",
			Path:   "/" + s.bucket + "/" + s.prefix + path,
		}
		return u.String(), nil
	}
	var opts = s.signedOpts
	opts.Method = http.MethodGet
	opts.Expires = time.Now().Add(d)

	return s.client.Bucket(s.bucket).SignedURL(s.prefix+path, &opts)
}

func (s *store) Exists(ctx context.Context, path string) (bool, error) {
	var _, err = s.object(path).Attrs(ctx)
	if err == nil {
		return true, nil
	} else if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return false, err
}

func (s *store) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	// Fetch published bytes as-is, without decompressive transcoding.
	return s.object(path).ReadCompressed(true).NewReader(ctx)
}

func (s *store) Put(ctx context.Context, path string, content io.ReaderAt, contentLength int64, contentEncoding string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wc = s.object(path).NewWriter(ctx)
	wc.ContentEncoding = contentEncoding
	wc.CacheControl = s.args.CacheControl

	if _, err := io.Copy(wc, io.NewSectionReader(content, 0, contentLength)); err != nil {
		return err // Cancellation of |ctx| aborts the upload.
	}
	return wc.Close()
}

func (s *store) List(ctx context.Context, prefix string, callback func(path string, modTime time.Time) error) error {
	prefix = s.prefix + prefix
	var it = s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})

	for {
		var obj, err = it.Next()
		if err == iterator.Done {
			return nil
		} else if err != nil {
			return err
		} else if strings.HasSuffix(obj.Name, "/") {
			continue // Directory-like object.
		}
		if err = callback(strings.TrimPrefix(obj.Name, prefix), obj.Updated); err != nil {
			return err
		}
	}
}

func (s *store) Remove(ctx context.Context, path string) error {
	return s.object(path).Delete(ctx)
}

func (s *store) IsAuthError(err error) bool {
	if err == nil {
		return false
	} else if errors.Is(err, storage.ErrBucketNotExist) {
		return true
	}
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		switch gErr.Code {
		case http.StatusForbidden:
			return true
		case http.StatusNotFound:
			// Bucket-level, rather than object-level, 404s.
			return strings.Contains(gErr.Message, "bucket")
		}
	}
	return false
}
