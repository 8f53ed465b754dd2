package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// BlobStore is the durable payload store behind the content cache,
// keyed by output signature. Grounded on the teacher's
// internal/backup/storage.go StorageProvider shape (Upload/Download/
// Delete/Exists/List), whose S3Storage was left as an explicit
// "not yet implemented" stub; this completes it with the AWS SDK v2
// client the teacher's go.mod already depends on.
type BlobStore struct {
	client *s3.Client
	bucket string
}

// BlobStoreConfig configures the S3-backed BlobStore.
type BlobStoreConfig struct {
	Bucket   string
	Region   string
	Endpoint string // optional, for S3-compatible stores (MinIO, etc.)
}

// NewBlobStore loads AWS credentials/config via the default chain
// (environment, shared config, EC2/ECS role) and constructs a BlobStore
// over cfg.Bucket.
func NewBlobStore(ctx context.Context, cfg BlobStoreConfig) (*BlobStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("cache: S3 bucket is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("cache: loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &BlobStore{client: client, bucket: cfg.Bucket}, nil
}

// Upload stores data under key (the output's signature), using the
// multipart-aware manager.Uploader so large built assets don't need
// special-casing.
func (s *BlobStore) Upload(ctx context.Context, key string, data io.Reader, size int64) error {
	uploader := manager.NewUploader(s.client)
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          data,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("cache: uploading %s: %w", key, err)
	}
	return nil
}

// Download fetches the payload stored under key into writer using the
// multipart-aware manager.Downloader.
func (s *BlobStore) Download(ctx context.Context, key string, writer io.WriterAt) error {
	downloader := manager.NewDownloader(s.client)
	_, err := downloader.Download(ctx, writer, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("cache: downloading %s: %w", key, err)
	}
	return nil
}

// DownloadBytes is a convenience wrapper over Download for callers that
// want the payload in memory rather than streamed to a file.
func (s *BlobStore) DownloadBytes(ctx context.Context, key string) ([]byte, error) {
	buf := manager.NewWriteAtBuffer(nil)
	if err := s.Download(ctx, key, buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Delete removes the object stored under key. Idempotent: deleting an
// absent key is not an error.
func (s *BlobStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("cache: deleting %s: %w", key, err)
	}
	return nil
}

// Exists reports whether an object is stored under key.
func (s *BlobStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *smithyhttp.ResponseError
		if errors.As(err, &notFound) && notFound.HTTPStatusCode() == 404 {
			return false, nil
		}
		return false, fmt.Errorf("cache: checking existence of %s: %w", key, err)
	}
	return true, nil
}

// List returns every object key under prefix.
func (s *BlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("cache: listing objects under %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// UploadBytes is a convenience wrapper over Upload for callers holding
// the payload in memory already (the common case: a job's freshly
// built output file, read once and pushed to the cache).
func (s *BlobStore) UploadBytes(ctx context.Context, key string, data []byte) error {
	return s.Upload(ctx, key, bytes.NewReader(data), int64(len(data)))
}
