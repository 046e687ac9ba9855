package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/emojirelay/backend/internal/config"
)

const defaultPartSize = 5 * 1024 * 1024

// Object describes one upload.
type Object struct {
	Key         string
	Body        io.Reader
	ContentType string
	MetaToken   string
}

// CredentialSource issues temporary credentials. It is satisfied by the
// cloud broker and by any aws.CredentialsProvider.
type CredentialSource interface {
	Retrieve(ctx context.Context) (aws.Credentials, error)
}

// ObjectStore persists streamed objects into a bucket.
type ObjectStore interface {
	Bucket() string
	Put(ctx context.Context, obj Object) error
}

// S3Store implements ObjectStore against an S3-compatible service. Requests
// are signed with credentials obtained from the configured provider on every
// upload.
type S3Store struct {
	uploader    *manager.Uploader
	endpoint    string
	bucket      string
	metaHeader  string
	credentials CredentialSource
}

// NewS3Store configures an uploader for the bucket in cfg, authorizing with creds.
func NewS3Store(ctx context.Context, cfg config.ObjectStoreConfig, creds CredentialSource) (*S3Store, error) {
	return newS3Store(ctx, cfg, creds, nil)
}

func newS3Store(ctx context.Context, cfg config.ObjectStoreConfig, creds CredentialSource, httpClient aws.HTTPClient) (*S3Store, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("s3 storage: bucket is required")
	}
	if strings.TrimSpace(cfg.Region) == "" {
		return nil, errors.New("s3 storage: region is required")
	}
	if creds == nil {
		return nil, errors.New("s3 storage: credentials provider is required")
	}

	endpoint := ResolveEndpoint(cfg.Region, cfg.Endpoint)

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(creds),
	}
	if httpClient != nil {
		opts = append(opts, awsconfig.WithHTTPClient(httpClient))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		o.BaseEndpoint = aws.String(endpoint)
	})

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = defaultPartSize
		u.LeavePartsOnError = false
	})

	metaHeader := strings.TrimSpace(cfg.MetaHeader)
	if metaHeader == "" {
		metaHeader = "x-cos-meta-fileid"
	}

	return &S3Store{
		uploader:    uploader,
		endpoint:    endpoint,
		bucket:      cfg.Bucket,
		metaHeader:  metaHeader,
		credentials: creds,
	}, nil
}

// ResolveEndpoint returns endpoint when set, otherwise the Tencent COS
// regional endpoint for region.
func ResolveEndpoint(region, endpoint string) string {
	if endpoint = strings.TrimSpace(endpoint); endpoint != "" {
		return strings.TrimSuffix(endpoint, "/")
	}
	return fmt.Sprintf("https://cos.%s.myqcloud.com", strings.TrimSpace(region))
}

// Endpoint returns the base URL uploads are sent to.
func (s *S3Store) Endpoint() string {
	return s.endpoint
}

// Bucket returns the target bucket name.
func (s *S3Store) Bucket() string {
	return s.bucket
}

// Put streams obj.Body into the bucket. Memory use is bounded by the upload
// part size regardless of the object's length.
func (s *S3Store) Put(ctx context.Context, obj Object) error {
	key := strings.TrimLeft(obj.Key, "/")
	if key == "" {
		return errors.New("s3 storage: empty key")
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   obj.Body,
	}
	if obj.ContentType != "" {
		input.ContentType = aws.String(obj.ContentType)
	}

	perCall := func(o *s3.Options) {
		// Bypass the client-level cache so each upload asks the broker again.
		o.Credentials = s.credentials
		if obj.MetaToken != "" {
			o.APIOptions = append(o.APIOptions, smithyhttp.SetHeaderValue(s.metaHeader, obj.MetaToken))
		}
	}

	_, err := s.uploader.Upload(ctx, input, func(u *manager.Uploader) {
		u.ClientOptions = append(u.ClientOptions, perCall)
	})
	if err != nil {
		return fmt.Errorf("s3 storage upload %s: %w", key, err)
	}
	return nil
}
