package commands

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dyluth/stash/internal/persistence"
	"github.com/dyluth/stash/internal/printer"
	"github.com/spf13/cobra"
)

type statusOutput struct {
	persistence.StatusReport
	Degraded bool                       `json:"degraded"`
	Attempts []persistence.ProbeAttempt `json:"attempts"`
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	var (
		wait   time.Duration
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Probe the stores and report which ones are reachable",
		Long: `Probe the primary candidates and the cloud shadow exactly as a running
service would, then report the outcome and every connection attempt.

Examples:
  # Human-readable status
  stash status

  # Machine-readable, giving slow networks more time
  stash status --wait 30s --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			s, err := opts.openSession(ctx, cmd, true, nil)
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.waitReady(ctx, wait); err != nil {
				return err
			}

			report := s.layer.Status()
			attempts := s.layer.Diagnostics()

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(statusOutput{StatusReport: report, Degraded: report.Degraded(), Attempts: attempts})
			}

			printer.Status("primary", report.Primary.String(), report.PrimaryAddress)
			printer.Status("shadow", report.Shadow.String(), report.ShadowAddress)

			if opts.verbose {
				printer.Println()
				for _, a := range attempts {
					outcome := "ok"
					if a.Err != nil {
						outcome = a.Err.Error()
					}
					printer.Printf("  %-7s %-40s %6dms  %s\n", a.Role, a.Target.Redacted(), a.Duration.Milliseconds(), outcome)
				}
			}

			if report.Degraded() {
				printer.Println()
				printer.Warning("No primary store reachable: writes are dropped and reads are empty\n")
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 0, "Maximum time to wait for probing (default: enough for every candidate)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print status as JSON")
	return cmd
}
