package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Collection names.
const (
	CollectionModules = "module-store"
	CollectionAssets  = "asset-store"
	CollectionData    = "data-store"
)

// Collections lists every collection the gateway provisions.
var Collections = []string{CollectionModules, CollectionAssets, CollectionData}

// ErrNotFound is returned when an object does not exist or has expired.
var ErrNotFound = errors.New("object not found")

// PutOptions controls how an object is written.
type PutOptions struct {
	ContentType string
	// ExpiresAt is the instant after which the object is no longer readable.
	// The zero value means the object never expires.
	ExpiresAt time.Time
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key       string    `json:"key"`
	Size      int64     `json:"size"`
	Hash      string    `json:"hash"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// Expired reports whether the object is past its expiry at now.
func (o ObjectInfo) Expired(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && !now.Before(o.ExpiresAt)
}

// ObjectStore is the object storage capability the gateway is built on.
// Implementations must be safe for concurrent use on distinct keys and must
// never return the content of an expired object.
type ObjectStore interface {
	EnsureCollection(ctx context.Context, collection string) error
	Put(ctx context.Context, collection, key string, data []byte, opts PutOptions) error
	Get(ctx context.Context, collection, key string) ([]byte, error)
	Stat(ctx context.Context, collection, key string) (ObjectInfo, error)
	Delete(ctx context.Context, collection string, keys ...string) error
	List(ctx context.Context, collection string) ([]ObjectInfo, error)
}

// ContentHash returns the hex sha256 of data.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
