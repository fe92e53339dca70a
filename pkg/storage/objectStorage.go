package storage

import (
	"context"
	"io"
)

// ObjectStorage defines the blob storage operations used to deliver payload files.
type ObjectStorage interface {
	// PutObject streams size bytes from r into bucket under key with the given user metadata.
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string, metadata map[string]string) error
}
