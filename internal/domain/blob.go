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
	ContentType  string
	LastModified time.Time
}

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader retrieves data from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver copies closed months of sync history to cold storage.
type Archiver interface {
	ArchiveSyncLogs(ctx context.Context, month time.Time) (int64, error)
}

// ArchiveBrowser reads archived sync history back from cold storage.
type ArchiveBrowser interface {
	ArchivedMonths(ctx context.Context) ([]time.Time, error)
	ReadSyncLogs(ctx context.Context, month time.Time) ([]SyncLog, error)
}
