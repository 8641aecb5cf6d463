// Package s3 is an s3:// Store of AWS S3 and S3-compatible services.
package s3

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.strata.dev/core/stores"
)

// StoreQueryArgs contains fields that are parsed from the query arguments
// of an s3:// store URL.
type StoreQueryArgs struct {
	// AWS Profile to extract credentials from the shared credentials file.
	// If empty, the default credentials are used.
	Profile string
	// Endpoint to connect to S3. If empty, the default S3 service is used.
	Endpoint string
	// Region is the region for the bucket. If empty, the region is determined
	// from `Profile` or the default credentials.
	Region string
	// ACL applied when publishing copies. If empty, the bucket default applies.
	ACL string
	// StorageClass applied when publishing copies.
	StorageClass string
	// SSE is the server-side encryption type to be applied (eg, "AES256").
	SSE string
	// SSEKMSKeyId is the ID of a KMS key used with SSE "aws:kms".
	SSEKMSKeyId string
}

type store struct {
	bucket string
	prefix string
	args   StoreQueryArgs
	client *s3.S3
}

// New creates a new S3 Store from the provided URL.
func New(ep *url.URL) (stores.Store, error) {
	var args StoreQueryArgs
	if err := stores.ParseArgs(ep, &args); err != nil {
		return nil, err
	}
	// Store URLs end in '/'. Omit the leading slash of the prefix.
	var bucket, prefix = ep.Host, strings.TrimPrefix(ep.Path, "/")

	var cfg = aws.NewConfig().WithCredentialsChainVerboseErrors(true)
	if args.Region != "" {
		cfg.WithRegion(args.Region)
	}
	if args.Endpoint != "" {
		// Bucket-named virtual hosts don't work with explicit endpoints.
		cfg.WithEndpoint(args.Endpoint).WithS3ForcePathStyle(true)
	} else {
		// Published copies carry a Content-Encoding which must not be
		// transparently decoded by the client.
		cfg.WithHTTPClient(&http.Client{
			Transport: &http.Transport{DisableCompression: true},
		})
	}

	awsSession, err := session.NewSessionWithOptions(session.Options{Profile: args.Profile})
	if err != nil {
		return nil, errors.WithMessage(err, "constructing S3 session")
	}
	creds, err := awsSession.Config.Credentials.Get()
	if err != nil {
		return nil, errors.WithMessagef(err, "fetching AWS credentials for profile %q", args.Profile)
	}
	var region = aws.StringValue(cfg.Region)
	if region == "" {
		region = aws.StringValue(awsSession.Config.Region)
	}
	if region == "" {
		return nil, errors.Errorf("missing AWS region configuration for profile %q", args.Profile)
	}

	log.WithFields(log.Fields{
		"bucket":       bucket,
		"endpoint":     args.Endpoint,
		"profile":      args.Profile,
		"region":       region,
		"keyID":        creds.AccessKeyID,
		"providerName": creds.ProviderName,
	}).Info("constructed new aws.Session")

	return &store{
		bucket: bucket,
		prefix: prefix,
		args:   args,
		client: s3.New(awsSession, cfg),
	}, nil
}

func (s *store) Provider() string { return "s3" }

func (s *store) key(path string) *string { return aws.String(s.prefix + path) }

func (s *store) SignGet(path string, d time.Duration) (string, error) {
	var req, _ = s.client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(path),
	})
	if stores.DisableSignedUrls {
		return req.HTTPRequest.URL.String(), nil
	}
	return req.Presign(d)
}

func (s *store) Exists(ctx context.Context, path string) (bool, error) {
	var _, err = s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(path),
	})
	if err == nil {
		return true, nil
	} else if rf, ok := err.(awserr.RequestFailure); ok && rf.StatusCode() == http.StatusNotFound {
		return false, nil
	}
	return false, err
}

func (s *store) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	var resp, err = s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(path),
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (s *store) Put(ctx context.Context, path string, content io.ReaderAt, contentLength int64, contentEncoding string) error {
	var put = s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           s.key(path),
		Body:          io.NewSectionReader(content, 0, contentLength),
		ContentLength: aws.Int64(contentLength),
	}
	if s.args.ACL != "" {
		put.ACL = aws.String(s.args.ACL)
	}
	if s.args.StorageClass != "" {
		put.StorageClass = aws.String(s.args.StorageClass)
	}
	if s.args.SSE != "" {
		put.ServerSideEncryption = aws.String(s.args.SSE)
	}
	if s.args.SSEKMSKeyId != "" {
		put.SSEKMSKeyId = aws.String(s.args.SSEKMSKeyId)
	}
	if contentEncoding != "" {
		put.ContentEncoding = aws.String(contentEncoding)
	}
	var _, err = s.client.PutObjectWithContext(ctx, &put)
	return err
}

func (s *store) List(ctx context.Context, prefix string, callback func(path string, modTime time.Time) error) error {
	prefix = s.prefix + prefix

	var cbErr error
	var err = s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range page.Contents {
			if strings.HasSuffix(*obj.Key, "/") {
				continue // Directory-like object.
			}
			if cbErr = callback(strings.TrimPrefix(*obj.Key, prefix), *obj.LastModified); cbErr != nil {
				return false
			}
		}
		return true
	})
	if cbErr != nil {
		return cbErr
	}
	return err
}

func (s *store) Remove(ctx context.Context, path string) error {
	var _, err = s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(path),
	})
	return err
}

func (s *store) IsAuthError(err error) bool {
	if rf, ok := err.(awserr.RequestFailure); ok && rf.StatusCode() == http.StatusForbidden {
		return true
	}
	if ae, ok := err.(awserr.Error); ok {
		switch ae.Code() {
		case s3.ErrCodeNoSuchBucket, errCodeAccessDenied:
			return true
		}
	}
	return false
}

// S3 error code which the SDK doesn't define.
const errCodeAccessDenied = "AccessDenied"
