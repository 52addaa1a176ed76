// Package store persists domain entities as key-value collections, one
// collection per entity kind. The feed core reads each collection once
// at startup and writes through after every accepted mutation.
package store

import (
	"context"
	"fmt"

	"nostrfeed/internal/config"
)

// Collection names, one per entity kind
const (
	CollectionNotes     = "notes"
	CollectionReactions = "reactions"
	CollectionReplies   = "replies"
	CollectionReposts   = "reposts"
	CollectionUsers     = "users"
)

// Store defines the persistence interface shared by all backends
type Store interface {
	// Get retrieves a record.
	// Returns (value, found, error)
	Get(ctx context.Context, collection, id string) ([]byte, bool, error)

	// Put stores a record, overwriting any existing one.
	Put(ctx context.Context, collection, id string, data []byte) error

	// Delete removes a record
	Delete(ctx context.Context, collection, id string) error

	// List returns every record in a collection, keyed by id
	List(ctx context.Context, collection string) (map[string][]byte, error)

	// Close releases the backend's resources
	Close() error
}

// Open selects a backend from the configuration
func Open(cfg config.Config) (Store, error) {
	switch cfg.StoreBackend {
	case config.StoreMemory:
		return NewMemoryStore(), nil
	case config.StoreSQLite:
		return NewSQLiteStore(cfg.SQLitePath)
	case config.StoreRedis:
		return NewRedisStore(cfg.RedisURL, "nostrfeed:")
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
