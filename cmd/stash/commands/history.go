package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dyluth/stash/internal/history"
	"github.com/dyluth/stash/internal/printer"
	"github.com/dyluth/stash/internal/timespec"
	"github.com/spf13/cobra"
)

func newHistoryCmd(opts *globalOptions) *cobra.Command {
	var (
		collections   []string
		outputFormat  string
		since         string
		until         string
		limit         int
		includeShadow bool
		search        string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List the most recent records of each collection",
		Long: `List the most recent records of each collection, newest first.

Each collection shows its own number of records (15 predictions, 5 training
sessions, 10 of everything else) unless --limit is given. Records are read
from the primary; --include-shadow merges in records only the cloud shadow
holds.

Output Formats:
  default - Human-readable tables with ID, age and a payload summary
  jsonl   - Line-delimited JSON, one record per line, blobs base64 encoded

Time Filters:
  --since  - Show records created after this time
  --until  - Show records created before this time

Search:
  --search matches text against each collection's search fields (patient id
  and diagnosis for predictions), ignoring case. Only the primary is
  searched, at most 50 records per collection unless --limit is given, and
  images are reported as has_image instead of being printed.

Examples:
  # Everything, as the record explorer shows it
  stash history

  # Predictions from the last two hours
  stash history -c predictions --since 2h

  # Predictions for one patient
  stash history --search P-0042

  # Training sessions as JSONL for piping to jq
  stash history -c training -o jsonl | jq '.payload.accuracy'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			var format history.OutputFormat
			switch outputFormat {
			case "default":
				format = history.OutputFormatDefault
			case "jsonl":
				format = history.OutputFormatJSONL
			default:
				return printer.Error(
					"invalid output format",
					fmt.Sprintf("Unknown format: %s", outputFormat),
					[]string{"Valid formats: default, jsonl"},
				)
			}

			window, err := timespec.ParseRange(since, until, time.Now())
			if err != nil {
				return printer.Error("invalid time filter", err.Error(),
					[]string{"Use a duration like '2h', days like '7d' or RFC3339 like '2025-10-29T13:00:00Z'"})
			}

			if limit < 0 {
				return printer.Error("invalid limit", fmt.Sprintf("--limit must be >= 0, got %d", limit), nil)
			}

			if search != "" && includeShadow {
				return printer.Error("invalid flags", "--search reads the primary only",
					[]string{"Drop --include-shadow when searching"})
			}

			s, err := opts.openSession(ctx, cmd, true, nil)
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.waitReady(ctx, 0); err != nil {
				return err
			}
			if s.layer.Status().Degraded() && !includeShadow {
				printer.Warning("No primary store reachable, history is empty\n")
			}

			q := history.Query{
				Collections:   collections,
				Window:        window,
				Limit:         limit,
				IncludeShadow: includeShadow,
				Search:        search,
			}
			if err := history.List(ctx, s.layer, s.layer.Collections(), q, format, cmd.OutOrStdout()); err != nil {
				return printer.Error("failed to list history", err.Error(),
					[]string{"Valid collections: " + strings.Join(s.layer.Collections().Names(), ", ")})
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&collections, "collection", "c", nil, "Collections to list, by name or alias (default: all)")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "default", "Output format: default or jsonl")
	cmd.Flags().StringVar(&since, "since", "", "Show records after time (duration, days or RFC3339)")
	cmd.Flags().StringVar(&until, "until", "", "Show records before time (duration, days or RFC3339)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Records per collection (default: the collection's history limit)")
	cmd.Flags().BoolVar(&includeShadow, "include-shadow", false, "Merge in records held only by the cloud shadow")
	cmd.Flags().StringVar(&search, "search", "", "Only records whose search fields contain this text, ignoring case")
	return cmd
}
