package storage

import (
	"context"
	"errors"
)

var (
	ErrNotFound   = errors.New("storage: object not found")
	ErrInvalidKey = errors.New("storage: invalid key")
)

type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
}

// Store keeps generated artifacts at URLs that outlive the provider's ephemeral ones.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Head(ctx context.Context, key string) (*ObjectInfo, error)
	// IsDurable reports whether url points into this store.
	IsDurable(url string) bool
	// KeyFromURL maps a durable url back to its key.
	KeyFromURL(url string) (string, bool)
}
