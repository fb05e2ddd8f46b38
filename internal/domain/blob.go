package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads objects to cold storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader downloads and lists stored objects.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// Archiver moves aged telemetry out of the primary store into cold storage.
// Deleting archived rows from the primary store is a separate, explicit step
// taken only after the archive has been verified.
type Archiver interface {
	ArchiveEvents(ctx context.Context, before time.Time) (int64, error)
}
