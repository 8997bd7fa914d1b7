package storage

import (
	"context"
	"io"
)

// ObjectStorage defines the object operations the judge needs for source archives.
type ObjectStorage interface {
	// PutObject uploads size bytes read from reader.
	PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, size int64, contentType string) error

	// GetObject opens a reader for an object. Caller must close the returned reader.
	GetObject(ctx context.Context, bucket, objectKey string) (io.ReadCloser, error)

	// RemoveObject deletes an object; removing a missing object is not an error.
	RemoveObject(ctx context.Context, bucket, objectKey string) error
}
