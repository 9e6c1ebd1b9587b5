package commands

import (
	"encoding/json"
	"fmt"

	"github.com/dyluth/stash/internal/endpoint"
	"github.com/spf13/cobra"
)

type endpointsOutput struct {
	Deployed bool              `json:"deployed"`
	Targets  []endpointsTarget `json:"targets"`
}

type endpointsTarget struct {
	endpoint.Target
	Address string `json:"address"`
}

func newEndpointsCmd(opts *globalOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "endpoints",
		Short: "Show the store connection candidates in probe order",
		Long: `Show the store connection candidates resolved from the environment, in the
order they are probed. The cloud shadow, if configured, is listed last.
Passwords are redacted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			lookup := endpoint.EnvLookup()
			targets := endpoint.Resolve(*cfg.Endpoints, lookup)
			out := endpointsOutput{Deployed: endpoint.Deployed(*cfg.Endpoints, lookup)}
			for _, t := range targets {
				out.Targets = append(out.Targets, endpointsTarget{Target: t, Address: t.Redacted()})
			}

			w := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}

			fmt.Fprintf(w, "%-4s %-8s %-16s %s\n", "#", "KIND", "SOURCE", "ADDRESS")
			for _, t := range out.Targets {
				priority := fmt.Sprintf("%d", t.Priority)
				if t.Kind == endpoint.KindShadow {
					priority = "-"
				}
				fmt.Fprintf(w, "%-4s %-8s %-16s %s\n", priority, t.Kind, t.Source, t.Address)
			}
			if out.Deployed {
				fmt.Fprintln(w, "\nDeployment detected: loopback is probed last")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print candidates as JSON")
	return cmd
}
