package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes a stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// BlobStore is object storage addressed by slash-separated paths. Get returns
// ErrNotFound for a missing object; Delete of a missing object succeeds.
type BlobStore interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Delete(ctx context.Context, path string) error
}

// SnapshotArchiver exports the cache keyspace to cold storage and restores
// it. Export returns the object path written.
type SnapshotArchiver interface {
	Export(ctx context.Context, at time.Time) (string, error)
	Restore(ctx context.Context, path string) (int, error)
}
