package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dyluth/stash/pkg/record"
)

// Serialization helpers for converting between envelopes and Redis hashes
//
// Redis stores data as string-to-string maps. Structured payload fields are
// JSON-encoded into a single "payload" hash field. Top-level binary fields
// are kept out of the JSON and stored raw, one hash field each, so blobs are
// never base64-inflated.
//
// The JSON round trip is not type-preserving. Numbers come back as int64
// when they have no fractional part and as float64 otherwise, so 3.0 reads
// back as int64(3). time.Time values read back as RFC 3339 strings and
// []byte nested below the top level as base64 strings.

const blobFieldPrefix = "blob:"

// EnvelopeToHash converts an envelope to a Redis hash.
func EnvelopeToHash(env record.Envelope) (map[string]interface{}, error) {
	structured := make(map[string]any, len(env.Payload))
	hash := map[string]interface{}{
		"id":            env.ID,
		"collection":    env.Collection,
		"created_at_ms": env.CreatedAt.UnixMilli(),
		"seq":           env.Seq,
	}

	blobs := env.Blobs()
	for k, b := range blobs {
		hash[blobFieldPrefix+k] = b
	}
	for k, v := range env.Payload {
		if _, ok := blobs[k]; !ok {
			structured[k] = v
		}
	}

	payloadJSON, err := json.Marshal(structured)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	hash["payload"] = string(payloadJSON)

	return hash, nil
}

// HashToEnvelope converts a Redis hash back to an envelope.
func HashToEnvelope(hash map[string]string) (record.Envelope, error) {
	createdAtMs, err := strconv.ParseInt(hash["created_at_ms"], 10, 64)
	if err != nil {
		return record.Envelope{}, fmt.Errorf("invalid created_at_ms field: %w", err)
	}

	seq, err := strconv.ParseInt(hash["seq"], 10, 64)
	if err != nil {
		return record.Envelope{}, fmt.Errorf("invalid seq field: %w", err)
	}

	payload := map[string]any{}
	if raw := hash["payload"]; raw != "" {
		dec := json.NewDecoder(strings.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&payload); err != nil {
			return record.Envelope{}, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
		for k, v := range payload {
			payload[k] = fromJSONNumber(v)
		}
	}

	for field, value := range hash {
		if name, ok := strings.CutPrefix(field, blobFieldPrefix); ok {
			payload[name] = []byte(value)
		}
	}

	return record.Envelope{
		Collection: hash["collection"],
		ID:         hash["id"],
		Payload:    payload,
		CreatedAt:  time.UnixMilli(createdAtMs).UTC(),
		Seq:        seq,
	}, nil
}

// fromJSONNumber replaces json.Number values, at any depth, with int64 or
// float64.
func fromJSONNumber(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case map[string]any:
		for k, e := range val {
			val[k] = fromJSONNumber(e)
		}
		return val
	case []any:
		for i, e := range val {
			val[i] = fromJSONNumber(e)
		}
		return val
	default:
		return v
	}
}
