package record

import (
	"encoding/base64"
	"fmt"
)

// DefaultHistoryLimit applies to collections that do not set their own.
const DefaultHistoryLimit = 10

// Collection names used by the clinical-analytics service.
const (
	CollectionPredictions   = "predictions"
	CollectionBatch         = "batch_inferences"
	CollectionDiagrams      = "prediction_circuits"
	CollectionCircuits      = "circuits"
	CollectionTraining      = "training_logs"
	CollectionXAI           = "xai_results"
	CollectionEnsemble      = "ensemble_logs"
	CollectionGrid          = "grid_analysis"
	CollectionActivities    = "lab_activities"
	CollectionTrainedModels = "trained_models"
)

// Collection is the declarative metadata for one named set of envelopes.
type Collection struct {
	Name         string   `yaml:"-" json:"name"`
	Alias        string   `yaml:"alias,omitempty" json:"alias,omitempty"`                 // Short name used by the history view
	Keyed        bool     `yaml:"keyed,omitempty" json:"keyed,omitempty"`                 // Requires an ID, written with upsert semantics
	BinaryFields []string `yaml:"binary_fields,omitempty" json:"binary_fields,omitempty"` // Payload fields carrying blobs
	HistoryLimit int      `yaml:"history_limit,omitempty" json:"history_limit,omitempty"` // Records shown by the history view
	SearchFields []string `yaml:"search_fields,omitempty" json:"search_fields,omitempty"` // Payload fields matched by text search
}

// IsBinary reports whether field is declared as a blob field.
func (c Collection) IsBinary(field string) bool {
	for _, f := range c.BinaryFields {
		if f == field {
			return true
		}
	}
	return false
}

// Searchable reports whether the collection declares any search fields.
func (c Collection) Searchable() bool {
	return len(c.SearchFields) > 0
}

// Prepare validates env against the collection and returns a normalized copy.
// Declared binary fields given as base64 strings are decoded to []byte.
func (c Collection) Prepare(env Envelope) (Envelope, error) {
	out := env.Clone()
	out.Collection = c.Name

	if c.Keyed && out.ID == "" {
		return Envelope{}, fmt.Errorf("%w: collection '%s' requires an id", ErrMalformedEnvelope, c.Name)
	}

	for _, field := range c.BinaryFields {
		raw, ok := out.Payload[field]
		if !ok || raw == nil {
			continue
		}
		switch v := raw.(type) {
		case []byte:
		case string:
			if v == "" {
				out.Payload[field] = nil
				continue
			}
			decoded, err := base64.StdEncoding.DecodeString(v)
			if err != nil {
				return Envelope{}, fmt.Errorf("%w: field '%s' is not valid base64: %v", ErrMalformedEnvelope, field, err)
			}
			out.Payload[field] = decoded
		default:
			return Envelope{}, fmt.Errorf("%w: field '%s' must be bytes or base64 string, got %T", ErrMalformedEnvelope, field, raw)
		}
	}

	return out, nil
}

// DefaultCollections returns the fixed collection set of the service.
// History limits match the record explorer: 15 predictions, 5 training
// sessions and 10 of everything else.
func DefaultCollections() []Collection {
	return []Collection{
		{Name: CollectionPredictions, Alias: "predictions", BinaryFields: []string{"image"}, HistoryLimit: 15, SearchFields: []string{"patient_id", "prediction"}},
		{Name: CollectionBatch, Alias: "batch", HistoryLimit: 10},
		{Name: CollectionDiagrams, Alias: "circuits", BinaryFields: []string{"diagram"}, HistoryLimit: 10},
		{Name: CollectionCircuits, Alias: "experiments", HistoryLimit: 10},
		{Name: CollectionTraining, Alias: "training", HistoryLimit: 5},
		{Name: CollectionXAI, Alias: "xai", BinaryFields: []string{"original", "heatmap"}, HistoryLimit: 10},
		{Name: CollectionEnsemble, Alias: "ensemble", HistoryLimit: 10},
		{Name: CollectionGrid, Alias: "grid", HistoryLimit: 10},
		{Name: CollectionActivities, Alias: "activities", HistoryLimit: 10},
		{Name: CollectionTrainedModels, Alias: "models", Keyed: true, HistoryLimit: 10},
	}
}

// Registry is an immutable set of collections. It is safe for concurrent use.
type Registry struct {
	byName  map[string]Collection
	byAlias map[string]string
	order   []string
}

// NewRegistry builds a registry. Later entries with the same name replace
// earlier ones.
func NewRegistry(cols ...Collection) *Registry {
	r := &Registry{
		byName:  make(map[string]Collection, len(cols)),
		byAlias: make(map[string]string, len(cols)),
	}
	for _, c := range cols {
		if c.Name == "" {
			continue
		}
		if c.HistoryLimit <= 0 {
			c.HistoryLimit = DefaultHistoryLimit
		}
		if _, exists := r.byName[c.Name]; !exists {
			r.order = append(r.order, c.Name)
		}
		r.byName[c.Name] = c
		if c.Alias != "" {
			r.byAlias[c.Alias] = c.Name
		}
	}
	return r
}

// Lookup returns the metadata for name. Unknown names get append-only
// defaults so that callers can write to ad-hoc collections.
func (r *Registry) Lookup(name string) Collection {
	if c, ok := r.byName[name]; ok {
		return c
	}
	return Collection{Name: name, HistoryLimit: DefaultHistoryLimit}
}

// Resolve finds a collection by name or alias.
func (r *Registry) Resolve(nameOrAlias string) (Collection, bool) {
	if c, ok := r.byName[nameOrAlias]; ok {
		return c, true
	}
	if name, ok := r.byAlias[nameOrAlias]; ok {
		return r.byName[name], true
	}
	return Collection{}, false
}

// Names returns collection names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Collections returns all collections in registration order.
func (r *Registry) Collections() []Collection {
	cols := make([]Collection, 0, len(r.order))
	for _, name := range r.order {
		cols = append(cols, r.byName[name])
	}
	return cols
}
