package interfaces

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned by record-level reads when no record exists for
// the requested key.
var ErrNotFound = errors.New("record not found")

// CollectionStore persists named collections as whole key->document maps.
// Implementations can be swapped (JSON files now, Postgres when reachable).
type CollectionStore interface {
	// Read returns the full document map for a collection. A collection that
	// has never been written is an empty map, not an error.
	Read(ctx context.Context, collection string) (map[string]json.RawMessage, error)
	// Write replaces the full document map for a collection.
	Write(ctx context.Context, collection string, docs map[string]json.RawMessage) error
	// Kind identifies the backend for the diagnostic surface.
	Kind() string
	Close() error
}

// RecordStore provides record-level operations for high-traffic collections,
// avoiding whole-collection read/write when only one record changes. Backends
// that cannot do better than the coarse contract simply don't implement it.
type RecordStore interface {
	GetRecord(ctx context.Context, collection, key string) (json.RawMessage, error)
	UpsertRecord(ctx context.Context, collection, key string, doc json.RawMessage) error
	DeleteRecord(ctx context.Context, collection, key string) error
	// ListByGuild returns records whose guild_id field matches guildID,
	// paginated by limit/offset in key order.
	ListByGuild(ctx context.Context, collection, guildID string, limit, offset int) (map[string]json.RawMessage, error)
}
