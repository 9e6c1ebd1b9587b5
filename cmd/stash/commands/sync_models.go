package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dyluth/stash/internal/persistence"
	"github.com/dyluth/stash/internal/printer"
	"github.com/dyluth/stash/pkg/record"
	"github.com/spf13/cobra"
)

func newSyncModelsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync-models DIR",
		Short: "Upsert saved model files into trained_models on both stores",
		Long: `Upsert every *.json model file in DIR into the trained_models collection,
replicating it to the primary and the cloud shadow.

The record id is the file's "id" field, else its "name" field, else the file
name without extension. Re-running replaces the stored models.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			dir := args[0]

			files, err := modelFiles(dir)
			if err != nil {
				return printer.Error(
					"models directory not readable",
					err.Error(),
					[]string{"Pass the directory holding the saved *.json models"},
				)
			}

			s, err := opts.openSession(ctx, cmd, true, nil)
			if err != nil {
				return err
			}
			defer s.close()

			printer.Step("Waiting for store connection...\n")
			if err := s.waitReady(ctx, 0); err != nil {
				return err
			}
			if s.layer.Status().Primary != persistence.StatusConnected {
				return printer.Error(
					"primary store unavailable",
					"Could not connect to any primary candidate.",
					[]string{"Check MONGO_URL, then run:\n  stash status --verbose"},
				)
			}

			printer.Info("Found %d local models. Syncing now...\n", len(files))

			synced := 0
			for _, path := range files {
				name := filepath.Base(path)

				doc, err := readModel(path)
				if err != nil {
					printer.Warning("Skipped %s: %v\n", name, err)
					continue
				}

				if id := s.layer.Upsert(ctx, record.CollectionTrainedModels, modelID(doc, path), doc); id == "" {
					printer.Warning("Failed: %s\n", name)
					continue
				}
				synced++
				printer.Success("Synced: %s\n", name)
			}

			printer.Println()
			printer.Success("%d of %d models synced\n", synced, len(files))
			if synced < len(files) {
				return fmt.Errorf("%d models failed to sync", len(files)-synced)
			}
			return nil
		},
	}
}

// modelFiles returns the *.json files in dir, sorted by name.
func modelFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".json") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func readModel(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("model file must hold a JSON object")
	}
	return doc, nil
}

// modelID picks the record id: the "id" field, the "name" field, then the
// file stem.
func modelID(doc map[string]any, path string) string {
	for _, key := range []string{"id", "name"} {
		if v, ok := doc[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}
