package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dyluth/stash/internal/config"
	"github.com/dyluth/stash/internal/endpoint"
	"github.com/dyluth/stash/internal/logging"
	"github.com/dyluth/stash/internal/persistence"
	"github.com/dyluth/stash/internal/printer"
	"github.com/dyluth/stash/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

const defaultConfigFile = "stash.yml"

var versionString = "dev"

// globalOptions are the flags shared by every subcommand.
type globalOptions struct {
	configPath string
	verbose    bool
}

// NewRootCmd builds the command tree. Each call returns independent flag
// state.
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "stash",
		Short: "Stash - dual-store persistence for clinical analytics records",
		Long: `Stash persists analytics records to a primary document store and
replicates every write to an optional cloud shadow.

The primary is chosen from a ranked list of candidates derived from the
environment (MONGO_URL, MONGOHOST and friends, service aliases, then
localhost). When nothing is reachable stash keeps running in synthetic mode:
writes are dropped and reads are empty.`,
		Version: versionString,
		// Prevent silent success when unknown flags are passed to root command
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		// Enable strict flag parsing - unknown flags will cause an error
		FParseErrWhitelist: cobra.FParseErrWhitelist{},
		SilenceErrors:      true,
		SilenceUsage:       true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to stash.yml (default: ./stash.yml if present)")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log probe attempts and store operations")

	rootCmd.AddCommand(
		newInitCmd(),
		newEndpointsCmd(opts),
		newStatusCmd(opts),
		newHistoryCmd(opts),
		newDeleteCmd(opts),
		newSyncModelsCmd(opts),
		newServeCmd(opts),
	)

	return rootCmd
}

// Execute builds the root command and runs it against os.Args.
// This is called by main.main().
func Execute() error {
	return NewRootCmd().Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	versionString = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

// loadConfig reads --config, falling back to ./stash.yml and then to the
// built-in defaults.
func (o *globalOptions) loadConfig() (*config.StashConfig, error) {
	path := o.configPath
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err != nil {
			return config.Default(), nil
		}
		path = defaultConfigFile
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, printer.ErrorWithContext(
			"invalid configuration",
			err.Error(),
			map[string]string{"Config": path},
			[]string{"Fix the file, or run without --config to use the defaults"},
		)
	}
	return cfg, nil
}

// newLogger builds the command logger. CLI commands log warnings and above
// to stderr unless --verbose is set; serve uses the configured level.
func (o *globalOptions) newLogger(cfg *config.StashConfig, w io.Writer, quiet bool) (*logging.Logger, error) {
	level := cfg.Log.Level
	switch {
	case o.verbose:
		level = "debug"
	case quiet:
		level = "warn"
	}

	b := logging.New().WithLevel(level).WithFormat(logging.Format(cfg.Log.Format))
	if cfg.Log.Path != "" {
		b = b.ToPath(cfg.Log.Path)
	} else {
		b = b.ToWriter(w)
	}
	return b.Make()
}

// session is a started persistence layer plus what it needs to shut down.
type session struct {
	cfg    *config.StashConfig
	layer  *persistence.Layer
	logger *logging.Logger
}

// openSession loads configuration, resolves candidates and starts probing.
// reg may be nil.
func (o *globalOptions) openSession(ctx context.Context, cmd *cobra.Command, quiet bool, reg prometheus.Registerer) (*session, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}

	logger, err := o.newLogger(cfg, cmd.ErrOrStderr(), quiet)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	l := logger.Logger
	layer, err := persistence.New(persistence.Options{
		Targets:          endpoint.Resolve(*cfg.Endpoints, endpoint.EnvLookup()),
		Dialer:           store.URIDialer{Database: cfg.Database},
		Collections:      cfg.Registry(),
		PrimaryTimeout:   cfg.Probe.PrimaryTimeout,
		ShadowTimeout:    cfg.Probe.ShadowTimeout,
		OperationTimeout: cfg.Probe.OperationTimeout,
		Logger:           &l,
		Registerer:       reg,
	})
	if err != nil {
		logger.Close()
		return nil, fmt.Errorf("failed to create persistence layer: %w", err)
	}

	layer.Start(ctx)
	return &session{cfg: cfg, layer: layer, logger: logger}, nil
}

// waitReady blocks until probing settles, bounded by the worst case probe
// time of the configured candidates.
func (s *session) waitReady(ctx context.Context, limit time.Duration) error {
	if limit <= 0 {
		limit = s.probeBudget()
	}
	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	if err := s.layer.WaitReady(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return printer.Error(
				"store probing timed out",
				fmt.Sprintf("Connection attempts did not finish within %s.", limit),
				[]string{"Increase --wait, or lower probe.primary_timeout in stash.yml"},
			)
		}
		return err
	}
	return nil
}

// probeBudget is the longest probing can take: one primary timeout per
// candidate, with a second of slack.
func (s *session) probeBudget() time.Duration {
	candidates := len(endpoint.Primaries(endpoint.Resolve(*s.cfg.Endpoints, endpoint.EnvLookup())))
	budget := time.Duration(candidates) * s.cfg.Probe.PrimaryTimeout
	if s.cfg.Probe.ShadowTimeout > budget {
		budget = s.cfg.Probe.ShadowTimeout
	}
	return budget + time.Second
}

// requireStore fails when neither store connected.
func (s *session) requireStore() error {
	report := s.layer.Status()
	if report.Primary == persistence.StatusConnected || report.Shadow == persistence.StatusConnected {
		return nil
	}
	return printer.Error(
		"no store available",
		"Neither the primary nor the cloud shadow could be reached.",
		[]string{
			"Check the candidates:\n  stash endpoints",
			"Inspect the probe attempts:\n  stash status --verbose",
		},
	)
}

func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Probe.OperationTimeout)
	defer cancel()
	if err := s.layer.Close(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to close stores")
	}
	s.logger.Close()
}
