// Package history lists the most recent records of each collection, the view
// behind the record explorer.
package history

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dyluth/stash/internal/timespec"
	"github.com/dyluth/stash/pkg/record"
)

// OutputFormat specifies how to format the history output.
type OutputFormat string

const (
	// OutputFormatDefault uses a table format with summarized payloads
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSONL outputs complete records as line-delimited JSON
	OutputFormatJSONL OutputFormat = "jsonl"
)

// Reader is the read side of the persistence layer.
type Reader interface {
	Read(ctx context.Context, collection string, limit int) []record.Envelope
	ReadMerged(ctx context.Context, collection string, limit int) []record.Envelope
	Search(ctx context.Context, collection, query string, limit int) []record.Envelope
}

// Query selects what to list. All filters are ANDed together.
type Query struct {
	Collections   []string       // Names or aliases, empty = every registered collection
	Window        timespec.Range // Applied to the most recent records of each collection
	Limit         int            // Overrides each collection's history limit when > 0
	IncludeShadow bool           // Merge in records only the shadow holds
	Search        string         // Text matched against search fields; primary only
}

// Section is the listing of one collection.
type Section struct {
	Collection record.Collection
	Records    []record.Envelope
}

// Collect reads the recent records of each selected collection, newest first.
// Unknown collection names are an error.
//
// With q.Search set, only searchable collections are listed (every one of
// them when q.Collections is empty), IncludeShadow is ignored and binary
// fields are replaced by has_<field> flags.
func Collect(ctx context.Context, r Reader, reg *record.Registry, q Query) ([]Section, error) {
	cols, err := selectCollections(reg, q.Collections)
	if err != nil {
		return nil, err
	}
	if q.Search != "" {
		if cols, err = searchable(cols, len(q.Collections) > 0); err != nil {
			return nil, err
		}
	}

	sections := make([]Section, 0, len(cols))
	for _, col := range cols {
		limit := col.HistoryLimit
		if q.Limit > 0 {
			limit = q.Limit
		}

		var envs []record.Envelope
		switch {
		case q.Search != "":
			envs = r.Search(ctx, col.Name, q.Search, q.Limit)
		case q.IncludeShadow:
			envs = r.ReadMerged(ctx, col.Name, limit)
		default:
			envs = r.Read(ctx, col.Name, limit)
		}

		records := make([]record.Envelope, 0, len(envs))
		for _, env := range envs {
			if !q.Window.Contains(env.CreatedAt) {
				continue
			}
			if q.Search != "" {
				env = flagBinaryFields(col, env)
			}
			records = append(records, env)
		}

		sections = append(sections, Section{Collection: col, Records: records})
	}

	return sections, nil
}

func selectCollections(reg *record.Registry, names []string) ([]record.Collection, error) {
	if len(names) == 0 {
		return reg.Collections(), nil
	}

	cols := make([]record.Collection, 0, len(names))
	for _, name := range names {
		col, ok := reg.Resolve(name)
		if !ok {
			return nil, fmt.Errorf("unknown collection: %s", name)
		}
		cols = append(cols, col)
	}
	return cols, nil
}

// searchable keeps the collections that declare search fields. A collection
// the caller asked for by name must be searchable.
func searchable(cols []record.Collection, explicit bool) ([]record.Collection, error) {
	out := make([]record.Collection, 0, len(cols))
	for _, col := range cols {
		if col.Searchable() {
			out = append(out, col)
			continue
		}
		if explicit {
			return nil, fmt.Errorf("collection %s has no search fields", col.Name)
		}
	}
	return out, nil
}

// flagBinaryFields returns a copy of env with each declared binary field
// replaced by a has_<field> flag.
func flagBinaryFields(col record.Collection, env record.Envelope) record.Envelope {
	if len(col.BinaryFields) == 0 {
		return env
	}
	out := env.Clone()
	for _, field := range col.BinaryFields {
		v, ok := out.Payload[field]
		delete(out.Payload, field)
		present := ok && v != nil
		if b, isBytes := v.([]byte); isBytes {
			present = len(b) > 0
		}
		out.Payload["has_"+field] = present
	}
	return out
}

// List collects history and writes it to w in the requested format.
func List(ctx context.Context, r Reader, reg *record.Registry, q Query, format OutputFormat, w io.Writer) error {
	switch format {
	case OutputFormatDefault, OutputFormatJSONL:
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}

	sections, err := Collect(ctx, r, reg, q)
	if err != nil {
		return err
	}

	if format == OutputFormatJSONL {
		if err := FormatJSONL(w, sections); err != nil {
			return fmt.Errorf("failed to format JSONL output: %w", err)
		}
		return nil
	}

	FormatTable(w, sections, time.Now())
	return nil
}
