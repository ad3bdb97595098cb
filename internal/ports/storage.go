// Package ports declares the contracts adapters implement.
package ports

import (
	"context"
	"io"
	"time"
)

type PutObjectInput struct {
	ObjectKey   string
	ContentType string
	Reader      io.Reader
	// Size is -1 when unknown.
	Size int64
}

type PutObjectOutput struct {
	// ObjectKey is the reference to read the object back with. localfs and s3
	// echo the requested key; gdrive returns the Drive file id.
	ObjectKey string
	Size      int64
}

type SignedURLOutput struct {
	URL       string
	ExpiresAt time.Time
}

// StorageProvider persists input images and produced artifacts.
type StorageProvider interface {
	Provider() string

	PutObject(ctx context.Context, in PutObjectInput) (PutObjectOutput, error)
	GetObject(ctx context.Context, objectKey string) (rc io.ReadCloser, contentType string, size int64, err error)
	DeleteObject(ctx context.Context, objectKey string) error

	// GetSignedURL returns an empty URL for providers without signed links.
	GetSignedURL(ctx context.Context, objectKey string, expiresIn time.Duration) (SignedURLOutput, error)
}

// HealthChecker is implemented by providers that can verify reachability.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
