// Package store provides the persistence backends behind the enrichment
// cache. Backends are dumb key/value stores; freshness is decided by the
// caller using Entry.Valid.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
)

// Entry is one cached value. Payload is opaque JSON.
type Entry struct {
	Key       string        `json:"key"`
	Kind      string        `json:"kind"`
	Payload   []byte        `json:"payload"`
	FetchedAt time.Time     `json:"fetched_at"`
	TTL       time.Duration `json:"ttl"`
}

// ExpiresAt is FetchedAt + TTL.
func (e *Entry) ExpiresAt() time.Time {
	return e.FetchedAt.Add(e.TTL)
}

// Valid reports whether the entry is still fresh at now.
func (e *Entry) Valid(now time.Time) bool {
	if e == nil {
		return false
	}
	return now.Sub(e.FetchedAt) < e.TTL
}

// Stats summarises backend contents.
type Stats struct {
	Backend string         `json:"backend"`
	Total   int            `json:"total"`
	Expired int            `json:"expired"`
	ByKind  map[string]int `json:"by_kind"`
}

// Store is a cache backend. Get returns (nil, nil) on a miss and may
// return expired entries; callers check Valid.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, e Entry) error
	Delete(ctx context.Context, key string) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	Stats(ctx context.Context, now time.Time) (Stats, error)

	Migrate(ctx context.Context) error
	Close() error
}

// ErrEmptyKey is returned by Set for an entry without a key.
var ErrEmptyKey = eris.New("store: empty key")
