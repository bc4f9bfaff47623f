// Package storage holds uploaded artifacts in S3-compatible object storage.
// Blob keys are deterministic per aggregate and artifact kind, so re-uploads
// overwrite in place and the rest of the engine only ever stores keys.
package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/caliperml/caliper/domain"
)

// Config holds the connection settings for the blob store. Endpoint is
// optional; when set the client uses path-style addressing (MinIO, lakeFS).
type Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
}

// NewS3Client builds an S3 client from the config.
func NewS3Client(ctx context.Context, cfg Config) (*s3.Client, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	}
	if cfg.Endpoint != "" {
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					SigningRegion:     region,
					HostnameImmutable: true, // important for MinIO
				}, nil
			})))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load storage configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.UsePathStyle = true // required for MinIO
		}
		o.HTTPClient = &http.Client{}
	})
	return client, nil
}

// BlobStore stores engine artifacts in one bucket behind S3Client.
type BlobStore struct {
	client   S3Client
	uploader *manager.Uploader
	bucket   string
}

// NewBlobStore wraps any S3Client, including mocks. Uploads go through
// plain PutObject.
func NewBlobStore(client S3Client, bucket string) *BlobStore {
	return &BlobStore{client: client, bucket: bucket}
}

// NewS3BlobStore wraps a real SDK client and routes uploads through the
// manager uploader, which handles multipart uploads for large datasets
// transparently.
func NewS3BlobStore(client *s3.Client, bucket string) *BlobStore {
	return &BlobStore{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
	}
}

// EnsureBucket creates the bucket when it does not exist yet.
func (b *BlobStore) EnsureBucket(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	if err == nil {
		return nil
	}
	_, err = b.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(b.bucket)})
	if err != nil {
		return fmt.Errorf("%w: failed to create bucket %s: %v", domain.ErrTransient, b.bucket, err)
	}
	return nil
}

// Put uploads bytes at a key. The md5 metadata entry lets sync tooling skip
// unchanged blobs.
func (b *BlobStore) Put(ctx context.Context, key string, data []byte) error {
	md5hash := fmt.Sprintf("%x", md5.Sum(data))
	input := &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
		Metadata: map[string]string{
			"md5": md5hash, // This becomes x-amz-meta-md5 in S3
		},
	}

	var err error
	if b.uploader != nil {
		_, err = b.uploader.Upload(ctx, input)
	} else {
		_, err = b.client.PutObject(ctx, input)
	}
	if err != nil {
		return fmt.Errorf("%w: failed to upload %s: %v", domain.ErrTransient, key, err)
	}
	return nil
}

// Get downloads the blob at a key.
func (b *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("%w: blob %s", domain.ErrNotFound, key)
		}
		return nil, fmt.Errorf("%w: failed to get %s: %v", domain.ErrTransient, key, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %v", domain.ErrTransient, key, err)
	}
	return data, nil
}

// List returns the keys under a prefix.
func (b *BlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	output, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list %s: %v", domain.ErrTransient, prefix, err)
	}

	keys := make([]string, 0, len(output.Contents))
	for _, item := range output.Contents {
		keys = append(keys, aws.ToString(item.Key))
	}
	return keys, nil
}

// Delete removes the blob at a key. Deleting a missing key is not an error.
func (b *BlobStore) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("%w: failed to delete %s: %v", domain.ErrTransient, key, err)
	}
	return nil
}

// Exists reports whether a blob is present at a key.
func (b *BlobStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		var notFound *types.NotFound
		if errors.As(err, &noKey) || errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("%w: failed to head %s: %v", domain.ErrTransient, key, err)
	}
	return true, nil
}

// Deterministic artifact keys. Re-uploads of the same artifact land on the
// same key, last writer wins.

// ConfigKey is the storage key for a use case's configuration blob.
func ConfigKey(useCaseID string) string {
	return fmt.Sprintf("use_cases/%s/config", useCaseID)
}

// DatasetKey is the storage key for a model's dataset blob. An empty model
// id addresses the use case's golden dataset.
func DatasetKey(useCaseID, modelID string) string {
	if modelID == "" {
		return fmt.Sprintf("use_cases/%s/dataset", useCaseID)
	}
	return fmt.Sprintf("use_cases/%s/models/%s/dataset", useCaseID, modelID)
}

// PredictionsKey is the storage key for a model's predictions blob.
func PredictionsKey(useCaseID, modelID string) string {
	return fmt.Sprintf("use_cases/%s/models/%s/predictions", useCaseID, modelID)
}

// ReportKey is the storage key for a generated report.
func ReportKey(useCaseID, name string) string {
	return fmt.Sprintf("use_cases/%s/reports/%s", useCaseID, strings.TrimPrefix(name, "/"))
}
