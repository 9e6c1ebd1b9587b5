package history

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// FormatTable writes each section as a formatted table to the provided writer.
// The table includes columns: ID, AGE and SUMMARY (truncated).
// Returns the number of records formatted.
func FormatTable(w io.Writer, sections []Section, now time.Time) int {
	total := 0

	for i, s := range sections {
		if i > 0 {
			fmt.Fprintln(w)
		}

		title := s.Collection.Name
		if s.Collection.Alias != "" && s.Collection.Alias != s.Collection.Name {
			title = fmt.Sprintf("%s (%s)", s.Collection.Name, s.Collection.Alias)
		}

		if len(s.Records) == 0 {
			fmt.Fprintf(w, "%s: no records\n", title)
			continue
		}

		fmt.Fprintf(w, "%s:\n", title)
		fmt.Fprintf(w, "  %-10s %-8s %s\n", "ID", "AGE", "SUMMARY")
		fmt.Fprintf(w, "  %-10s %-8s %s\n", "----------", "--------", "----------------------------------------")

		for _, env := range s.Records {
			fmt.Fprintf(w, "  %-10s %-8s %s\n",
				formatID(env.ID),
				formatAge(env.CreatedAt, now),
				formatSummary(env.Payload),
			)
		}
		total += len(s.Records)
	}

	countMsg := "record"
	if total != 1 {
		countMsg = "records"
	}
	fmt.Fprintf(w, "\n%d %s found\n", total, countMsg)

	return total
}

// jsonRecord is the JSONL shape of one record. Binary payload fields are
// base64 encoded by encoding/json.
type jsonRecord struct {
	Collection string         `json:"collection"`
	ID         string         `json:"id"`
	CreatedAt  time.Time      `json:"created_at"`
	Payload    map[string]any `json:"payload"`
}

// FormatJSONL writes every record as line-delimited JSON (JSONL) to the provided writer.
// Each record is written as a single JSON object on its own line.
func FormatJSONL(w io.Writer, sections []Section) error {
	for _, s := range sections {
		for _, env := range s.Records {
			data, err := json.Marshal(jsonRecord{
				Collection: s.Collection.Name,
				ID:         env.ID,
				CreatedAt:  env.CreatedAt,
				Payload:    env.Payload,
			})
			if err != nil {
				return fmt.Errorf("failed to marshal %s/%s to JSON: %w", s.Collection.Name, env.ID, err)
			}

			if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
				return fmt.Errorf("failed to write JSONL output: %w", err)
			}
		}
	}

	return nil
}

// formatID truncates record ID to first 8 characters for compact display.
func formatID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// formatSummary renders payload fields as sorted key=value pairs, truncated
// to 40 characters. Binary fields show their size. Empty payloads return "-".
func formatSummary(payload map[string]any) string {
	if len(payload) == 0 {
		return "-"
	}

	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+formatValue(payload[k]))
	}
	summary := strings.Join(parts, " ")

	if len(summary) > 40 {
		return summary[:37] + "..."
	}
	return summary
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case []byte:
		return fmt.Sprintf("<%d B>", len(val))
	case string:
		if line, _, found := strings.Cut(val, "\n"); found {
			return line + "…"
		}
		return val
	case map[string]any, []any:
		return "{…}"
	default:
		return fmt.Sprint(val)
	}
}

// formatAge formats a timestamp as time elapsed before now.
// Shows relative time like "2m ago", "1h ago", etc.
func formatAge(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}

	diff := now.Sub(t)
	if diff < 0 {
		diff = 0
	}

	if diff < time.Minute {
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	} else if diff < time.Hour {
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	} else if diff < 24*time.Hour {
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	} else {
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}
