// Package storage provides the object store used for staged uploads and
// published results.
package storage

import (
	"context"
	"time"
)

// ObjectStore is a flat key/value blob store with presigned access.
type ObjectStore interface {
	// Put stores data under key and returns a time-limited GET URL for it.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	PresignPut(ctx context.Context, key, contentType string, expiry time.Duration) (string, error)
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}
