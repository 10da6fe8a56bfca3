package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	runtimepkg "github.com/drblury/tierflow/internal/runtime"
	configpkg "github.com/drblury/tierflow/internal/runtime/config"
	loggingpkg "github.com/drblury/tierflow/internal/runtime/logging"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	ConfigPath string

	// Lookup reads environment variables. Tests replace it; nil means
	// os.LookupEnv.
	Lookup configpkg.LookupFunc
	// Deps are passed through to the service.
	Deps runtimepkg.ServiceDependencies

	flags configpkg.Config
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}
	return newRunCommand(opts)
}

func newRunCommand(opts *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one pipeline tier",
		Long: `Run one pipeline tier until interrupted.

Settings are layered: built-in defaults, then the --config file, then
environment variables (ETL_*, RABBITMQ_*, NATS_URL, KAFKA_BROKERS, AWS_*),
then flags.

Example:
  tierflow run --config tier2.yaml
  tierflow run --job buy_sell_to_balances --transport rabbitmq --ledger-url sqlite://ledger.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTier(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.ConfigPath, "config", "c", "", "path to a YAML config file")
	f.StringVar(&opts.flags.JobID, "job", "", "registered job id to run")
	f.StringVar(&opts.flags.PubSubSystem, "transport", "", "broker backend: channel|rabbitmq|kafka|nats|nats-jetstream|aws|http")
	f.StringVar(&opts.flags.SourceURL, "source-url", "", "source database URL")
	f.StringVar(&opts.flags.SinkURL, "sink-url", "", "sink database URL")
	f.StringVar(&opts.flags.LedgerURL, "ledger-url", "", "job ledger URL: postgres://, sqlite:// or memory://")
	f.StringVar(&opts.flags.SourceQueue, "source-queue", "", "queue consumed by this tier")
	f.StringVar(&opts.flags.SinkQueue, "sink-queue", "", "queue published to by this tier")
	f.StringVar(&opts.flags.PoisonQueue, "poison-queue", "", "queue for undecodable payloads")
	f.IntVar(&opts.flags.AdminPort, "admin-port", 0, "admin HTTP port, 0 disables it")
	f.BoolVar(&opts.flags.MetricsEnabled, "metrics", false, "serve Prometheus metrics on the admin port")
	f.IntVar(&opts.flags.ResumeConcurrency, "resume-concurrency", 0, "unfinished jobs replayed at once on startup, 0 is unbounded")

	return cmd
}

func runTier(cmd *cobra.Command, opts *RunOptions) error {
	conf, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	if err := conf.Validate(); err != nil {
		return err
	}

	log, err := loggingpkg.New(cmd.ErrOrStderr(), conf.LogLevel, conf.LogFormat)
	if err != nil {
		return err
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := runtimepkg.NewService(ctx, &conf, log, opts.Deps)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	defer func() {
		if closeErr := svc.Close(); closeErr != nil {
			log.Error("Failed to close service", closeErr, nil)
		}
	}()

	log.Info("Tier started", loggingpkg.LogFields{"job_id": conf.JobID, "tier": svc.Ledger().Tier()})
	if err := svc.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("Tier stopped", nil)
	return nil
}

// loadConfig layers defaults, the config file, the environment and the flags
// that were set explicitly.
func loadConfig(cmd *cobra.Command, opts *RunOptions) (configpkg.Config, error) {
	conf := configpkg.Default()
	if opts.ConfigPath != "" {
		loaded, err := configpkg.Load(opts.ConfigPath)
		if err != nil {
			return configpkg.Config{}, err
		}
		conf = loaded
	}

	lookup := opts.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if err := conf.ApplyEnv(lookup); err != nil {
		return configpkg.Config{}, err
	}

	f := cmd.Flags()
	set := func(name string, apply func()) {
		if f.Changed(name) {
			apply()
		}
	}
	set("job", func() { conf.JobID = opts.flags.JobID })
	set("transport", func() { conf.PubSubSystem = opts.flags.PubSubSystem })
	set("source-url", func() { conf.SourceURL = opts.flags.SourceURL })
	set("sink-url", func() { conf.SinkURL = opts.flags.SinkURL })
	set("ledger-url", func() { conf.LedgerURL = opts.flags.LedgerURL })
	set("source-queue", func() { conf.SourceQueue = opts.flags.SourceQueue })
	set("sink-queue", func() { conf.SinkQueue = opts.flags.SinkQueue })
	set("poison-queue", func() { conf.PoisonQueue = opts.flags.PoisonQueue })
	set("admin-port", func() { conf.AdminPort = opts.flags.AdminPort })
	set("metrics", func() { conf.MetricsEnabled = opts.flags.MetricsEnabled })
	set("resume-concurrency", func() { conf.ResumeConcurrency = opts.flags.ResumeConcurrency })

	if opts.RootOptions != nil {
		if opts.LogLevel != "" {
			conf.LogLevel = opts.LogLevel
		}
		if opts.LogFormat != "" {
			conf.LogFormat = opts.LogFormat
		}
	}
	return conf, nil
}
