package azure

import (
	"context"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/service"
	"github.com/Azure/azure-storage-blob-go/azblob"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.strata.dev/core/stores"
)

// adStore is authorized by an Azure AD client secret (azure-ad:// scheme).
type adStore struct {
	storeBase
	tenantID string
	client   *service.Client

	// User delegation credentials sign URLs, and are refreshed
	// using the client secret before they expire.
	udc struct {
		mu    sync.Mutex
		exp   time.Time
		inner *service.UserDelegationCredential
	}
}

// NewAD creates a new Azure Store from an
// azure-ad://tenant/account/container/prefix/ URL, authorized by
// $AZURE_CLIENT_ID and $AZURE_CLIENT_SECRET.
func NewAD(ep *url.URL) (stores.Store, error) {
	var args StoreQueryArgs
	if err := stores.ParseArgs(ep, &args); err != nil {
		return nil, err
	}
	var parts = strings.SplitN(strings.TrimPrefix(ep.Path, "/"), "/", 3)
	if len(parts) < 3 {
		return nil, errors.New("azure-ad:// URL must include storage account and container: azure-ad://tenant-id/storage-account/container/prefix/")
	}
	var tenantID, account, container, prefix = ep.Host, parts[0], parts[1], parts[2]

	var clientID, secret = os.Getenv("AZURE_CLIENT_ID"), os.Getenv("AZURE_CLIENT_SECRET")
	if clientID == "" || secret == "" {
		return nil, errors.New("AZURE_CLIENT_ID and AZURE_CLIENT_SECRET must be set for azure-ad:// URLs")
	}
	creds, err := azidentity.NewClientSecretCredential(tenantID, clientID, secret,
		&azidentity.ClientSecretCredentialOptions{DisableInstanceDiscovery: true})
	if err != nil {
		return nil, err
	}

	var refresh = func(tc azblob.TokenCredential) time.Duration {
		var token, err = creds.GetToken(context.Background(), policy.TokenRequestOptions{
			TenantID: tenantID,
			Scopes:   []string{"https://storage.azure.com/.default"},
		})
		if err != nil {
			log.WithFields(log.Fields{"err": err, "tenant": tenantID}).
				Error("failed to refresh Azure credential (will retry)")
			return time.Minute
		}
		tc.SetToken(token.Token)
		return time.Until(token.ExpiresOn.Add(-time.Minute))
	}
	var domain = blobDomain()

	client, err := service.NewClient(accountURL(account, domain), creds, &service.ClientOptions{})
	if err != nil {
		return nil, err
	}
	var s = &adStore{
		storeBase: storeBase{
			args:           args,
			storageAccount: account,
			blobDomain:     domain,
			container:      container,
			prefix:         prefix,
			pipeline:       azblob.NewPipeline(azblob.NewTokenCredential("", refresh), azblob.PipelineOptions{}),
		},
		tenantID: tenantID,
		client:   client,
	}
	log.WithFields(log.Fields{
		"tenant":         tenantID,
		"storageAccount": account,
		"blobDomain":     domain,
		"container":      container,
		"prefix":         prefix,
	}).Info("constructed new Azure AD storage client")

	return s, nil
}

// SignGet returns a URL signed with a user delegation key.
func (a *adStore) SignGet(path string, d time.Duration) (string, error) {
	var blob = a.prefix + path

	var udc, err = a.userDelegationCredential()
	if err != nil {
		return "", err
	}
	params, err := sas.BlobSignatureValues{
		Protocol:      sas.ProtocolHTTPS,
		ExpiryTime:    time.Now().UTC().Add(d),
		ContainerName: a.container,
		BlobName:      blob,
		Permissions:   to.Ptr(sas.BlobPermissions{Read: true}).String(),
	}.SignWithUserDelegation(udc)
	if err != nil {
		return "", err
	}
	return a.containerURL() + "/" + blob + "?" + params.Encode(), nil
}

func (a *adStore) userDelegationCredential() (*service.UserDelegationCredential, error) {
	a.udc.mu.Lock()
	defer a.udc.mu.Unlock()

	const ttl = 2 * time.Hour
	var now = time.Now()

	// Re-use a credential having at least half its lifetime remaining.
	if a.udc.exp.After(now.Add(ttl / 2)) {
		return a.udc.inner, nil
	}
	var exp = now.Add(ttl)
	var info = service.KeyInfo{
		Start:  to.Ptr(now.UTC().Format(sas.TimeFormat)),
		Expiry: to.Ptr(exp.UTC().Format(sas.TimeFormat)),
	}
	var udc, err = a.client.GetUserDelegationCredential(context.Background(), info, nil)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"storageAccount": a.storageAccount,
		"tenant":         a.tenantID,
		"expiry":         *info.Expiry,
	}).Info("refreshed Azure Storage User Delegation Credential")

	a.udc.exp, a.udc.inner = exp, udc
	return udc, nil
}
