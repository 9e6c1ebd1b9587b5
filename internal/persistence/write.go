package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dyluth/stash/internal/store"
	"github.com/dyluth/stash/pkg/record"
	"github.com/google/uuid"
)

// replication is the outcome of one replicated write.
type replication struct {
	primaryAttempted bool
	primaryErr       error
	shadowAttempted  bool
	shadowErr        error
}

// err classifies the outcome. A nil result means every attempted store took
// the write.
func (r replication) err() error {
	switch {
	case !r.primaryAttempted && !r.shadowAttempted:
		return record.ErrConnectionUnavailable
	case r.primaryAttempted && r.shadowAttempted:
		if r.primaryErr != nil && r.shadowErr != nil {
			return errors.Join(r.primaryErr, r.shadowErr)
		}
		if r.primaryErr != nil {
			return fmt.Errorf("%w: primary: %w", record.ErrPartialReplication, r.primaryErr)
		}
		if r.shadowErr != nil {
			return fmt.Errorf("%w: shadow: %w", record.ErrPartialReplication, r.shadowErr)
		}
		return nil
	case r.primaryAttempted:
		return r.primaryErr
	default:
		return r.shadowErr
	}
}

// Write persists env to the primary and then to the shadow. It returns the id
// the primary stored, or "" when the primary did not take the write. Records
// without an id get a generated one shared by both stores. A caller-supplied
// id makes the write a replace-or-insert.
func (l *Layer) Write(ctx context.Context, collection string, env record.Envelope) string {
	return l.write(ctx, collection, env, env.ID != "")
}

// WriteAsync runs Write in the background, bounded by the operation timeout.
// Close waits for pending writes. Writes issued after Close are dropped.
func (l *Layer) WriteAsync(collection string, env record.Envelope) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.metrics.DroppedTotal.WithLabelValues(collection, "closed").Inc()
		l.logger.Warn().Str("collection", collection).Msg("Dropping write issued after close")
		return
	}
	l.inflight.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), l.opTimeout)
		defer cancel()
		l.write(ctx, collection, env, env.ID != "")
	}()
}

// Upsert replaces the record with id in both stores, inserting it where it
// is absent. An empty id drops the write.
func (l *Layer) Upsert(ctx context.Context, collection, id string, doc map[string]any) string {
	if id == "" {
		l.metrics.DroppedTotal.WithLabelValues(collection, "malformed").Inc()
		l.logger.Warn().Err(fmt.Errorf("%w: upsert requires an id", record.ErrMalformedEnvelope)).
			Str("collection", collection).Msg("Dropping write")
		return ""
	}
	return l.write(ctx, collection, record.Envelope{ID: id, Payload: doc}, true)
}

func (l *Layer) write(ctx context.Context, collection string, env record.Envelope, upsert bool) string {
	log := l.logger.With().Str("collection", collection).Logger()

	if env.Payload == nil {
		env.Payload = map[string]any{}
	}
	prepared, err := l.collections.Lookup(collection).Prepare(env)
	if err == nil {
		if prepared.CreatedAt.IsZero() {
			prepared.CreatedAt = l.now()
		}
		prepared.CreatedAt = prepared.CreatedAt.UTC().Truncate(time.Millisecond)
		err = prepared.Validate()
	}
	if err != nil {
		l.metrics.DroppedTotal.WithLabelValues(collection, "malformed").Inc()
		log.Warn().Err(err).Msg("Dropping write")
		return ""
	}

	primary, shadow := l.stores()
	if primary == nil && shadow == nil {
		l.metrics.DroppedTotal.WithLabelValues(collection, "unavailable").Inc()
		log.Debug().Err(record.ErrConnectionUnavailable).Msg("Dropping write")
		return ""
	}

	if prepared.ID == "" {
		prepared.ID = uuid.NewString()
	}
	prepared.Seq = l.seq.Add(1)

	var res replication
	if primary != nil {
		res.primaryAttempted = true
		res.primaryErr = l.put(ctx, primary, prepared, upsert)
		l.metrics.WritesTotal.WithLabelValues(collection, string(RolePrimary), outcomeLabel(res.primaryErr)).Inc()
	}
	if shadow != nil {
		res.shadowAttempted = true
		res.shadowErr = l.put(ctx, shadow, prepared, upsert)
		l.metrics.WritesTotal.WithLabelValues(collection, string(RoleShadow), outcomeLabel(res.shadowErr)).Inc()
	}

	if err := res.err(); err != nil {
		log.Warn().Err(err).Str("id", prepared.ID).Msg("Write not fully replicated")
	} else {
		log.Debug().Str("id", prepared.ID).Bool("shadow", shadow != nil).Msg("Write replicated")
	}

	if res.primaryAttempted && res.primaryErr == nil {
		return prepared.ID
	}
	return ""
}

func (l *Layer) put(ctx context.Context, s store.Store, env record.Envelope, upsert bool) error {
	ctx, cancel := l.opContext(ctx)
	defer cancel()

	if upsert {
		return s.Upsert(ctx, env)
	}
	return s.Insert(ctx, env)
}
