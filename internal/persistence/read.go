package persistence

import (
	"context"

	"github.com/dyluth/stash/internal/store"
	"github.com/dyluth/stash/pkg/record"
)

// DefaultSearchLimit caps Search when the caller passes limit <= 0.
const DefaultSearchLimit = 50

// Split holds the records read from each store, reported separately.
type Split struct {
	Primary []record.Envelope `json:"primary"`
	Shadow  []record.Envelope `json:"shadow"`
}

// Read returns up to limit records from the primary only, newest first.
// limit <= 0 returns everything.
func (l *Layer) Read(ctx context.Context, collection string, limit int) []record.Envelope {
	primary, _ := l.stores()
	return l.find(ctx, primary, RolePrimary, collection, limit)
}

// ReadSplit returns up to limit records from each store without merging.
func (l *Layer) ReadSplit(ctx context.Context, collection string, limit int) Split {
	primary, shadow := l.stores()
	return Split{
		Primary: l.find(ctx, primary, RolePrimary, collection, limit),
		Shadow:  l.find(ctx, shadow, RoleShadow, collection, limit),
	}
}

// ReadAll returns every record of collection keyed by id. A record present in
// both stores is taken from the primary.
func (l *Layer) ReadAll(ctx context.Context, collection string) map[string]record.Envelope {
	split := l.ReadSplit(ctx, collection, 0)

	out := make(map[string]record.Envelope, len(split.Primary)+len(split.Shadow))
	for _, env := range split.Shadow {
		out[env.ID] = env
	}
	for _, env := range split.Primary {
		out[env.ID] = env
	}
	return out
}

// ReadMerged returns up to limit records from both stores, deduplicated by id
// with primary precedence, newest first.
func (l *Layer) ReadMerged(ctx context.Context, collection string, limit int) []record.Envelope {
	split := l.ReadSplit(ctx, collection, limit)

	merged := make([]record.Envelope, 0, len(split.Primary)+len(split.Shadow))
	seen := make(map[string]bool, len(split.Primary))
	for _, env := range split.Primary {
		seen[env.ID] = true
		merged = append(merged, env)
	}
	for _, env := range split.Shadow {
		if !seen[env.ID] {
			seen[env.ID] = true
			merged = append(merged, env)
		}
	}

	record.SortByRecency(merged)
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

// Search returns up to limit records of collection, newest first, whose
// search fields contain query ignoring case. Only the primary is searched.
// An empty query or a collection without search fields yields nothing.
func (l *Layer) Search(ctx context.Context, collection, query string, limit int) []record.Envelope {
	fields := l.collections.Lookup(collection).SearchFields
	primary, _ := l.stores()
	if query == "" || len(fields) == 0 || primary == nil {
		return []record.Envelope{}
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	ctx, cancel := l.opContext(ctx)
	defer cancel()

	envs, err := primary.Search(ctx, collection, fields, query, limit)
	l.metrics.ReadsTotal.WithLabelValues(collection, string(RolePrimary), outcomeLabel(err)).Inc()
	if err != nil {
		l.logger.Warn().Err(err).Str("collection", collection).Str("query", query).Msg("Search failed")
		return []record.Envelope{}
	}
	return envs
}

// find reads from one store. A missing store or a failed read yields an
// empty slice.
func (l *Layer) find(ctx context.Context, s store.Store, role Role, collection string, limit int) []record.Envelope {
	if s == nil {
		return []record.Envelope{}
	}

	ctx, cancel := l.opContext(ctx)
	defer cancel()

	envs, err := s.Find(ctx, collection, limit)
	l.metrics.ReadsTotal.WithLabelValues(collection, string(role), outcomeLabel(err)).Inc()
	if err != nil {
		l.logger.Warn().Err(err).Str("collection", collection).Str("store", string(role)).Msg("Read failed")
		return []record.Envelope{}
	}
	return envs
}
