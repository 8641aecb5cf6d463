package azure

import (
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/service"
	"github.com/Azure/azure-storage-blob-go/azblob"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.strata.dev/core/stores"
)

// accountStore is authorized by a shared account key (azure:// scheme).
type accountStore struct {
	storeBase
	sasKey *service.SharedKeyCredential
}

// NewAccount creates a new Azure Store from an azure://container/prefix/ URL,
// authorized by $AZURE_ACCOUNT_NAME and $AZURE_ACCOUNT_KEY.
func NewAccount(ep *url.URL) (stores.Store, error) {
	var args StoreQueryArgs
	if err := stores.ParseArgs(ep, &args); err != nil {
		return nil, err
	}
	var account, key = os.Getenv("AZURE_ACCOUNT_NAME"), os.Getenv("AZURE_ACCOUNT_KEY")
	if account == "" || key == "" {
		return nil, errors.New("AZURE_ACCOUNT_NAME and AZURE_ACCOUNT_KEY must be set for azure:// URLs")
	}

	creds, err := azblob.NewSharedKeyCredential(account, key)
	if err != nil {
		return nil, err
	}
	sasKey, err := service.NewSharedKeyCredential(account, key)
	if err != nil {
		return nil, err
	}
	var s = &accountStore{
		storeBase: storeBase{
			args:           args,
			storageAccount: account,
			blobDomain:     blobDomain(),
			container:      ep.Host,
			prefix:         strings.TrimPrefix(ep.Path, "/"),
			pipeline:       azblob.NewPipeline(creds, azblob.PipelineOptions{}),
		},
		sasKey: sasKey,
	}
	log.WithFields(log.Fields{
		"storageAccount": account,
		"blobDomain":     s.blobDomain,
		"container":      s.container,
		"prefix":         s.prefix,
	}).Info("constructed new Azure Shared Key storage client")

	return s, nil
}

// SignGet returns a URL signed with the shared key.
func (a *accountStore) SignGet(path string, d time.Duration) (string, error) {
	var blob = a.prefix + path

	var params, err = sas.BlobSignatureValues{
		Protocol:      sas.ProtocolHTTPS,
		ExpiryTime:    time.Now().UTC().Add(d),
		ContainerName: a.container,
		BlobName:      blob,
		Permissions:   to.Ptr(sas.BlobPermissions{Read: true}).String(),
	}.SignWithSharedKey(a.sasKey)
	if err != nil {
		return "", err
	}
	return a.containerURL() + "/" + blob + "?" + params.Encode(), nil
}
