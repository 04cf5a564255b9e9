package storage

import (
	"context"
	"errors"
	"io"
)

// ErrObjectNotFound is returned by StatObject for a missing object.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStorage defines the object storage operations used by the submission archiver.
type ObjectStorage interface {
	// PutObject uploads size bytes from reader; size -1 streams an unknown length.
	PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, size int64, contentType string) error

	// StatObject returns size and ETag for an object, or ErrObjectNotFound.
	StatObject(ctx context.Context, bucket, objectKey string) (ObjectStat, error)
}

// ObjectStat contains object metadata used for validation.
type ObjectStat struct {
	SizeBytes   int64
	ETag        string
	ContentType string
}
