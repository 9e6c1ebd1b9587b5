package commands

import (
	"os"

	"github.com/dyluth/stash/internal/printer"
	"github.com/dyluth/stash/internal/scaffold"
	"github.com/spf13/cobra"
)

func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter stash.yml in the current directory",
		Long: `Write a starter stash.yml listing the environment keys, probe timeouts and
collection overrides stash understands, with their default values.

Use --force to overwrite an existing stash.yml.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := os.Getwd()
			if err != nil {
				return err
			}

			path, err := scaffold.Initialize(dir, force)
			if err != nil {
				return printer.Error("initialization failed", err.Error(), nil)
			}

			printer.Success("Created %s\n", path)
			printer.Info("\nNext steps:\n")
			printer.Info("  1. Export MONGO_URL (and MONGO_CLOUD_URL for the cloud shadow)\n")
			printer.Info("  2. Check the candidates: stash endpoints\n")
			printer.Info("  3. Probe them: stash status\n")
			return nil
		},
	}

	// Note: no -f shorthand, it reads like a file flag next to --config
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing stash.yml")
	return cmd
}
