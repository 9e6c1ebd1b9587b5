package commands

import (
	"context"
	"encoding/json"

	"github.com/dyluth/stash/internal/printer"
	"github.com/spf13/cobra"
)

func newDeleteCmd(opts *globalOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "delete COLLECTION ID",
		Short: "Delete a record from the primary and the cloud shadow",
		Long: `Delete the record with ID from both stores. COLLECTION may be a name or an
alias. The count is the number of copies removed across both stores.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			s, err := opts.openSession(ctx, cmd, true, nil)
			if err != nil {
				return err
			}
			defer s.close()

			collection := args[0]
			if col, ok := s.layer.Collections().Resolve(collection); ok {
				collection = col.Name
			}

			if err := s.waitReady(ctx, 0); err != nil {
				return err
			}
			if err := s.requireStore(); err != nil {
				return err
			}

			result := s.layer.Delete(ctx, collection, args[1])

			if asJSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(result)
			}

			if !result.Success {
				printer.Warning("No record %s found in %s\n", args[1], collection)
				return nil
			}
			noun := "copy"
			if result.Count != 1 {
				noun = "copies"
			}
			printer.Success("Deleted %s/%s (%d %s)\n", collection, args[1], result.Count, noun)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON")
	return cmd
}
