package record

import (
	"fmt"
	"sort"
	"time"
)

// Envelope is a single persisted record.
type Envelope struct {
	Collection string         `json:"collection"`
	ID         string         `json:"id,omitempty"`
	Payload    map[string]any `json:"payload"`
	CreatedAt  time.Time      `json:"created_at"`
	Seq        int64          `json:"seq"` // Per-process insertion counter, breaks CreatedAt ties
}

// Validate checks the structural requirements shared by all collections.
// Collection-specific rules live in Collection.Prepare.
func (e *Envelope) Validate() error {
	if e.Collection == "" {
		return fmt.Errorf("%w: collection is required", ErrMalformedEnvelope)
	}
	if e.Payload == nil {
		return fmt.Errorf("%w: payload is required", ErrMalformedEnvelope)
	}
	if e.CreatedAt.IsZero() {
		return fmt.Errorf("%w: created_at is required", ErrMalformedEnvelope)
	}
	return nil
}

// Clone returns a copy whose top-level payload map can be modified without
// affecting the original. Nested values are shared.
func (e Envelope) Clone() Envelope {
	payload := make(map[string]any, len(e.Payload))
	for k, v := range e.Payload {
		payload[k] = v
	}
	e.Payload = payload
	return e
}

// Blobs returns the top-level payload fields holding binary data.
func (e *Envelope) Blobs() map[string][]byte {
	blobs := make(map[string][]byte)
	for k, v := range e.Payload {
		if b, ok := v.([]byte); ok {
			blobs[k] = b
		}
	}
	return blobs
}

// Newer reports whether a sorts before b in a recency-ordered listing:
// later CreatedAt first, and for equal timestamps the earlier insertion first.
func Newer(a, b Envelope) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.Seq < b.Seq
}

// SortByRecency orders envelopes newest first. The sort is stable so callers
// that concatenate sources (primary before shadow) keep that order for exact
// ties.
func SortByRecency(envs []Envelope) {
	sort.SliceStable(envs, func(i, j int) bool {
		return Newer(envs[i], envs[j])
	})
}
