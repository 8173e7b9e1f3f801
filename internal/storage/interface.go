package storage

import (
	"context"
	"io"
	"time"
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
}

// ObjectStorage defines the interface for object storage operations
type ObjectStorage interface {
	// Upload uploads an object to storage
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Download downloads an object from storage
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// Stat returns size and content type metadata for an object
	Stat(ctx context.Context, key string) (*ObjectInfo, error)

	// GetURL returns the URL for accessing an object
	GetURL(key string) string

	// PresignPut issues a short-lived signed URL granting a direct write of
	// one object
	PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (string, error)

	// PresignGet issues a short-lived signed URL granting a direct read of
	// one object, with a content-disposition filename for downloads
	PresignGet(ctx context.Context, key, filename, disposition string, ttl time.Duration) (string, error)

	// Delete deletes an object from storage
	Delete(ctx context.Context, key string) error

	// DeletePrefix deletes every object under a key prefix, paging through
	// listings and continuing past individual delete failures. Returns the
	// number of objects deleted along with any collected errors.
	DeletePrefix(ctx context.Context, prefix string) (int, error)

	// Exists checks if an object exists
	Exists(ctx context.Context, key string) (bool, error)

	// EnsureBucket creates the backing bucket if it does not exist
	EnsureBucket(ctx context.Context) error
}
