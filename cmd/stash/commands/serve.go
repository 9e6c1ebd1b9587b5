package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dyluth/stash/internal/health"
	"github.com/dyluth/stash/internal/logging"
	"github.com/dyluth/stash/internal/printer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the persistence layer with health and metrics endpoints",
		Long: `Probe the stores in the background and serve:

  GET /healthz  - {"status": "healthy|degraded|warming_up", "primary": ..., "shadow": ...}
  GET /metrics  - Prometheus metrics

/healthz always answers 200: running without a primary is reported as
"degraded", not as a failure. Stops on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			s, err := opts.openSession(ctx, cmd, false, reg)
			if err != nil {
				return err
			}
			defer s.close()

			if addr == "" {
				addr = s.cfg.Health.Addr
			}

			server := health.NewServer(s.layer, reg, logging.Component(s.logger.Logger, "health"))
			if err := server.Start(addr); err != nil {
				return printer.Error(
					"failed to start health server",
					err.Error(),
					[]string{"Pick another address:\n  stash serve --addr :8081"},
				)
			}

			s.logger.Info().Str("database", s.cfg.Database).Msg("Stash running")
			<-ctx.Done()
			s.logger.Info().Msg("Shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Probe.OperationTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default: health.addr from stash.yml, else :8080)")
	return cmd
}
