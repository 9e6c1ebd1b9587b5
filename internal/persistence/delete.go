package persistence

import (
	"context"

	"github.com/dyluth/stash/internal/store"
	"github.com/dyluth/stash/pkg/record"
)

// DeleteResult reports a cross-store delete.
type DeleteResult struct {
	Success bool `json:"success"`
	Count   int  `json:"count"` // Records removed across both stores
}

// Delete removes the record with id from the primary and the shadow. Success
// is true when at least one store removed something.
func (l *Layer) Delete(ctx context.Context, collection, id string) DeleteResult {
	log := l.logger.With().Str("collection", collection).Str("id", id).Logger()

	if id == "" {
		log.Warn().Err(record.ErrMalformedEnvelope).Msg("Delete requires an id")
		return DeleteResult{}
	}

	primary, shadow := l.stores()
	if primary == nil && shadow == nil {
		log.Debug().Err(record.ErrConnectionUnavailable).Msg("Delete skipped")
		return DeleteResult{}
	}

	count := l.remove(ctx, primary, RolePrimary, collection, id) +
		l.remove(ctx, shadow, RoleShadow, collection, id)

	if count == 0 {
		log.Debug().Err(record.ErrRecordNotFound).Msg("Nothing deleted")
		return DeleteResult{}
	}

	log.Info().Int("count", count).Msg("Record deleted")
	return DeleteResult{Success: true, Count: count}
}

func (l *Layer) remove(ctx context.Context, s store.Store, role Role, collection, id string) int {
	if s == nil {
		return 0
	}

	ctx, cancel := l.opContext(ctx)
	defer cancel()

	n, err := s.Delete(ctx, collection, id)
	if err != nil {
		l.logger.Warn().Err(err).Str("collection", collection).Str("store", string(role)).Msg("Delete failed")
		return 0
	}
	l.metrics.DeletesTotal.WithLabelValues(collection, string(role)).Add(float64(n))
	return int(n)
}
