// Package store provides the document store backends behind a connection
// handle. Each backend persists record envelopes per collection, returns them
// newest first and supports insert-or-replace and delete by id.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dyluth/stash/internal/endpoint"
	"github.com/dyluth/stash/pkg/record"
)

// ErrUnsupportedScheme is returned when a target's URI scheme has no backend.
var ErrUnsupportedScheme = errors.New("unsupported store scheme")

// Store is a connected document store. Implementations are safe for
// concurrent use.
type Store interface {
	// Insert appends env to its collection. env.ID must be set.
	Insert(ctx context.Context, env record.Envelope) error

	// Upsert replaces the record with env.ID, or inserts it when absent.
	Upsert(ctx context.Context, env record.Envelope) error

	// Find returns up to limit records, newest first. limit <= 0 means all.
	Find(ctx context.Context, collection string, limit int) ([]record.Envelope, error)

	// Search returns up to limit records, newest first, where at least one
	// of fields holds a string containing query, ignoring case. limit <= 0
	// means all. An empty fields list matches nothing.
	Search(ctx context.Context, collection string, fields []string, query string, limit int) ([]record.Envelope, error)

	// Delete removes the record with id and returns how many were removed.
	Delete(ctx context.Context, collection, id string) (int64, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the connection. The store must not be used afterwards.
	Close(ctx context.Context) error
}

// Dialer opens a store for a target and performs a liveness check before
// returning. The context deadline bounds the whole attempt.
type Dialer interface {
	Dial(ctx context.Context, target endpoint.Target) (Store, error)
}

// URIDialer selects the backend from the target's URI scheme.
type URIDialer struct {
	// Database is the Mongo database name, and the key namespace for Redis.
	Database string
}

// Dial implements Dialer.
func (d URIDialer) Dial(ctx context.Context, target endpoint.Target) (Store, error) {
	switch scheme := target.Scheme(); scheme {
	case "mongodb", "mongodb+srv":
		s, err := DialMongo(ctx, target.Address, d.Database)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "redis", "rediss":
		s, err := DialRedis(ctx, target.Address, d.Database)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
}

// timeoutFrom converts the context deadline into a connect timeout no longer
// than def. It falls back to def when the context has no deadline.
func timeoutFrom(ctx context.Context, def time.Duration) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return def
	}
	remaining := time.Until(deadline)
	switch {
	case remaining <= 0:
		return time.Millisecond
	case remaining > def:
		return def
	default:
		return remaining
	}
}
