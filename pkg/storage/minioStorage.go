package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/payload-gateway/pkg/config"
)

// MinioStorage wraps MinIO/S3 interactions for payload files.
type MinioStorage struct {
	client *minio.Client
	region string
}

// NewMinioStorage creates a MinIO client from the storage settings.
func NewMinioStorage(cfg config.StorageSettings) (*MinioStorage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &MinioStorage{client: client, region: cfg.Region}, nil
}

// EnsureBucket makes sure the destination bucket exists before use.
func (s *MinioStorage) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", bucket, err)
		}
	}
	return nil
}

func (s *MinioStorage) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string, metadata map[string]string) error {
	ctx, span := otel.Tracer("payload-gateway").Start(ctx, "PutObject",
		trace.WithAttributes(
			attribute.String("storage.bucket", bucket),
			attribute.String("storage.key", key),
			attribute.Int64("storage.size_bytes", size),
		),
	)
	defer span.End()

	opts := minio.PutObjectOptions{ContentType: contentType, UserMetadata: metadata}
	if _, err := s.client.PutObject(ctx, bucket, key, r, size, opts); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upload object %s: %w", key, err)
	}
	return nil
}
