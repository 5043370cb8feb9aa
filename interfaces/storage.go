package interfaces

import (
	"context"
	"errors"
)

var (
	ErrShareSetNotFound   = errors.New("share set not found")
	ErrBackendUnavailable = errors.New("storage backend unavailable")
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)

// StorageBackendLocation is a URI selecting a storage backend, e.g.
// file:///var/lib/svr3 or s3://bucket/prefix?region=eu-west-1.
type StorageBackendLocation string

// StorageBackend persists serialized share sets per user. Share sets hold
// no key material, but a lost share set makes the backed up secret
// unrecoverable, so backends are usually combined for redundancy.
type StorageBackend interface {
	// Fetch returns ErrShareSetNotFound when nothing is stored for uid.
	Fetch(ctx context.Context, uid UserID) ([]byte, error)
	// Store replaces the share set of uid.
	Store(ctx context.Context, uid UserID, data []byte) error
	// Delete is a no-op when nothing is stored for uid.
	Delete(ctx context.Context, uid UserID) error
	Available(ctx context.Context) bool
	Name() string
	LocationURI() string
}
