// Package azure is the azure:// and azure-ad:// Stores of Azure Blob
// Storage, authorized by a shared account key or by Azure AD respectively.
package azure

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/Azure/azure-pipeline-go/pipeline"
	"github.com/Azure/azure-storage-blob-go/azblob"
	"go.strata.dev/core/stores"
)

// StoreQueryArgs contains fields that are parsed from the query arguments
// of an azure:// or azure-ad:// store URL.
type StoreQueryArgs struct {
	// AccessTier of published copies, such as "Cool". Defaults to the
	// account's tier.
	AccessTier string
}

// storeBase implements operations common to both authorizations.
type storeBase struct {
	args           StoreQueryArgs
	storageAccount string // Equivalent of an S3 bucket.
	blobDomain     string // Such as "blob.core.windows.net".
	container      string // Container of blobs, within the account.
	prefix         string // Prefix of blob names, within the container.
	pipeline       pipeline.Pipeline
}

func (a *storeBase) Provider() string { return "azure" }

func (a *storeBase) Exists(ctx context.Context, path string) (bool, error) {
	var blobURL, err = a.blobURL(path)
	if err != nil {
		return false, err
	}
	if _, err = blobURL.GetProperties(ctx, azblob.BlobAccessConditions{}, azblob.ClientProvidedKeyOptions{}); err == nil {
		return true, nil
	} else if se, ok := err.(azblob.StorageError); ok && se.ServiceCode() == azblob.ServiceCodeBlobNotFound {
		return false, nil
	}
	return false, err
}

func (a *storeBase) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	var blobURL, err = a.blobURL(path)
	if err != nil {
		return nil, err
	}
	resp, err := blobURL.Download(ctx, 0, azblob.CountToEnd, azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		return nil, err
	}
	return resp.Body(azblob.RetryReaderOptions{MaxRetryRequests: 3}), nil
}

func (a *storeBase) Put(ctx context.Context, path string, content io.ReaderAt, contentLength int64, contentEncoding string) error {
	var blobURL, err = a.blobURL(path)
	if err != nil {
		return err
	}
	var tier = azblob.DefaultAccessTier
	if a.args.AccessTier != "" {
		tier = azblob.AccessTierType(a.args.AccessTier)
	}
	_, err = blobURL.Upload(ctx,
		io.NewSectionReader(content, 0, contentLength),
		azblob.BlobHTTPHeaders{ContentEncoding: contentEncoding},
		azblob.Metadata{},
		azblob.BlobAccessConditions{},
		tier,
		azblob.BlobTagsMap{},
		azblob.ClientProvidedKeyOptions{},
		azblob.ImmutabilityPolicyOptions{},
	)
	return err
}

func (a *storeBase) List(ctx context.Context, prefix string, callback func(path string, modTime time.Time) error) error {
	prefix = a.prefix + prefix

	var u, err = url.Parse(a.containerURL())
	if err != nil {
		return err
	}
	var containerURL = azblob.NewContainerURL(*u, a.pipeline)

	for marker := (azblob.Marker{}); marker.NotDone(); {
		var seg, err = containerURL.ListBlobsFlatSegment(ctx, marker, azblob.ListBlobsSegmentOptions{Prefix: prefix})
		if err != nil {
			return err
		}
		for _, blob := range seg.Segment.BlobItems {
			if strings.HasSuffix(blob.Name, "/") {
				continue // Directory-like blob.
			}
			if err = callback(strings.TrimPrefix(blob.Name, prefix), blob.Properties.LastModified); err != nil {
				return err
			}
		}
		marker = seg.NextMarker
	}
	return nil
}

func (a *storeBase) Remove(ctx context.Context, path string) error {
	var blobURL, err = a.blobURL(path)
	if err != nil {
		return err
	}
	_, err = blobURL.Delete(ctx, azblob.DeleteSnapshotsOptionNone, azblob.BlobAccessConditions{})
	return err
}

func (a *storeBase) IsAuthError(err error) bool {
	var se, ok = err.(azblob.StorageError)
	if !ok {
		return false
	}
	switch se.ServiceCode() {
	case azblob.ServiceCodeContainerNotFound,
		azblob.ServiceCodeContainerDisabled,
		azblob.ServiceCodeAccountIsDisabled:
		return true
	}
	return se.Response() != nil && se.Response().StatusCode == http.StatusForbidden
}

func (a *storeBase) blobURL(path string) (*azblob.BlockBlobURL, error) {
	var u, err = url.Parse(a.containerURL() + "/" + a.prefix + path)
	if err != nil {
		return nil, err
	}
	var blobURL = azblob.NewBlockBlobURL(*u, a.pipeline)
	return &blobURL, nil
}

func (a *storeBase) containerURL() string {
	return accountURL(a.storageAccount, a.blobDomain) + "/" + a.container
}

func accountURL(storageAccount, blobDomain string) string {
	return "https://" + storageAccount + "." + blobDomain
}

// blobDomain returns $AZURE_BLOB_DOMAIN, or the domain of the public cloud.
func blobDomain() string {
	if d := os.Getenv("AZURE_BLOB_DOMAIN"); d != "" {
		return d
	}
	return "blob.core.windows.net"
}

var _ stores.Store = (*accountStore)(nil)
var _ stores.Store = (*adStore)(nil)
