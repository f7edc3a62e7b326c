package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/terrpan/slabrunner/internal/action"
	"github.com/terrpan/slabrunner/internal/buildinfo"
	"github.com/terrpan/slabrunner/internal/config"
	"github.com/terrpan/slabrunner/internal/health"
	"github.com/terrpan/slabrunner/internal/lifecycle"
	"github.com/terrpan/slabrunner/internal/otel"
)

var (
	cfgPath       string
	flagOverrides config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "slabrunner",
	Short: "Provision and tear down ephemeral self-hosted runners through a Slab orchestrator",
	Long: `slabrunner asks a Slab orchestrator to start or stop a cloud instance
hosting an ephemeral GitHub Actions runner, waits for the instance task to
finish and, on start, for the runner to come online.

Configuration is read from a YAML file (--config), from the step inputs
when running as a GitHub Action, and from CLI flag overrides.  The mode
comes from the configuration unless a start or stop subcommand is used.`,
	Version:      buildinfo.Version,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return execute(cmd, "")
	},
}

var startCmd = &cobra.Command{
	Use:          "start",
	Short:        "Start an instance and wait for its runner to come online",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return execute(cmd, string(lifecycle.ModeStart))
	},
}

var stopCmd = &cobra.Command{
	Use:          "stop",
	Short:        "Stop the instance hosting a runner",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return execute(cmd, string(lifecycle.ModeStop))
	},
}

func init() {
	pf := rootCmd.PersistentFlags()

	// Config file
	pf.StringVar(&cfgPath, "config", "slabrunner.yaml", "Path to YAML configuration file")

	// Orchestrator & GitHub overrides
	pf.StringVar(&flagOverrides.Slab.URL, "slab-url", "", "Slab orchestrator base URL")
	pf.StringVar(&flagOverrides.Slab.Secret, "job-secret", "", "Shared secret used to sign job submissions")
	pf.StringVar(&flagOverrides.GitHub.Token, "github-token", "", "GitHub token with access to the repository's runners")
	pf.StringVar(&flagOverrides.GitHub.Repository, "repository", "", "Repository in owner/repo form (default $GITHUB_REPOSITORY)")
	pf.StringVar(&flagOverrides.GitHub.SHA, "sha", "", "Commit SHA sent with every job (default $GITHUB_SHA)")
	pf.StringVar(&flagOverrides.GitHub.Ref, "ref", "", "Git ref sent with every job (default $GITHUB_REF)")

	// Logging & metrics overrides
	pf.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")
	pf.StringVar(&flagOverrides.Metrics.ListenAddr, "metrics-addr", "", "Serve /healthz and /metrics on this address")
	pf.StringVar(&flagOverrides.Metrics.PushgatewayURL, "pushgateway-url", "", "Push final metrics to this Prometheus Pushgateway")

	// Start overrides
	sf := startCmd.Flags()
	sf.StringVar(&flagOverrides.Start.Backend, "backend", "", "Cloud backend (e.g. aws)")
	sf.StringVar(&flagOverrides.Start.Profile, "profile", "", "Named instance profile")
	sf.StringVar(&flagOverrides.Start.Region, "region", "", "Region for a raw placement")
	sf.StringVar(&flagOverrides.Start.ImageID, "image-id", "", "Image for a raw placement")
	sf.StringVar(&flagOverrides.Start.InstanceType, "instance-type", "", "Instance type for a raw placement")
	sf.StringVar(&flagOverrides.Start.SubnetID, "subnet-id", "", "Subnet for a raw placement")
	sf.StringSliceVar(&flagOverrides.Start.SecurityGroupIDs, "security-group-ids", nil, "Security groups for a raw placement")
	sf.BoolVar(&flagOverrides.Start.CreateWatchdog, "create-watchdog", false, "Ask the orchestrator to terminate the instance if no stop arrives")

	// Stop overrides
	tf := stopCmd.Flags()
	tf.StringVar(&flagOverrides.Stop.Label, "label", "", "Label (name) of the runner to stop")
	tf.Int64Var(&flagOverrides.Stop.RunnerID, "runner-id", 0, "Numeric id of the runner to stop")

	rootCmd.AddCommand(startCmd, stopCmd)
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}

	set(&cfg.Slab.URL, flagOverrides.Slab.URL)
	set(&cfg.Slab.Secret, flagOverrides.Slab.Secret)
	set(&cfg.GitHub.Token, flagOverrides.GitHub.Token)
	set(&cfg.GitHub.Repository, flagOverrides.GitHub.Repository)
	set(&cfg.GitHub.SHA, flagOverrides.GitHub.SHA)
	set(&cfg.GitHub.Ref, flagOverrides.GitHub.Ref)
	set(&cfg.Logging.Level, flagOverrides.Logging.Level)
	set(&cfg.Logging.Format, flagOverrides.Logging.Format)
	set(&cfg.Metrics.ListenAddr, flagOverrides.Metrics.ListenAddr)
	set(&cfg.Metrics.PushgatewayURL, flagOverrides.Metrics.PushgatewayURL)

	set(&cfg.Start.Backend, flagOverrides.Start.Backend)
	set(&cfg.Start.Profile, flagOverrides.Start.Profile)
	set(&cfg.Start.Region, flagOverrides.Start.Region)
	set(&cfg.Start.ImageID, flagOverrides.Start.ImageID)
	set(&cfg.Start.InstanceType, flagOverrides.Start.InstanceType)
	set(&cfg.Start.SubnetID, flagOverrides.Start.SubnetID)
	if len(flagOverrides.Start.SecurityGroupIDs) > 0 {
		cfg.Start.SecurityGroupIDs = flagOverrides.Start.SecurityGroupIDs
	}
	if flagOverrides.Start.CreateWatchdog {
		cfg.Start.CreateWatchdog = true
	}

	set(&cfg.Stop.Label, flagOverrides.Stop.Label)
	if flagOverrides.Stop.RunnerID != 0 {
		cfg.Stop.RunnerID = flagOverrides.Stop.RunnerID
	}
}

func execute(cmd *cobra.Command, mode string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return run(ctx, mode)
}

func run(ctx context.Context, mode string) error {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	act := action.New(nil)
	var inputs action.Inputs
	if act.Running() {
		inputs = act.Inputs()
	}
	wf, err := act.Context()
	if err != nil {
		return fmt.Errorf("reading workflow context: %w", err)
	}
	if err := cfg.ApplyActionInputs(inputs, wf); err != nil {
		return reportFailure(act, err)
	}

	applyFlagOverrides(cfg)
	if mode != "" {
		cfg.Mode = mode
	}

	if err := cfg.Validate(); err != nil {
		return reportFailure(act, err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger := cfg.NewLogger().With(
		slog.String("invocation", uuid.NewString()),
		slog.String("mode", cfg.Mode),
	)
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("slab", cfg.Slab.URL),
		slog.String("repository", cfg.GitHub.Repository),
		slog.String("sha", cfg.GitHub.SHA),
		slog.Bool("githubActions", act.Running()),
	)
	if ignored := cfg.IgnoredFields(); len(ignored) > 0 {
		logger.Warn("ignoring settings that do not apply to this mode",
			slog.Any("fields", ignored),
		)
	}

	// ---------------------------------------------------------------
	// 3. Telemetry
	// ---------------------------------------------------------------
	otelCfg := cfg.OTelSettings()
	// Grouping label names must not collide with metric attributes
	// (mode, state, kind, ...) or the gateway rejects the push.
	otelCfg.PushGrouping = map[string]string{
		"repository": cfg.GitHub.Repository,
		"workflow":   cfg.Mode,
	}
	sdk, err := otel.SetupOTelSDK(ctx, "slabrunner", otelCfg)
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer scancel()
		if err := sdk.Shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 4. Wire the workflow
	// ---------------------------------------------------------------
	eng, err := cfg.NewEngine(logger)
	if err != nil {
		return fmt.Errorf("initializing engine: %w", err)
	}
	gh, err := cfg.NewGitHubClient()
	if err != nil {
		return fmt.Errorf("creating GitHub client: %w", err)
	}
	orch := cfg.NewOrchestrator(eng, gh, logger)

	// ---------------------------------------------------------------
	// 5. Optional health & metrics listener
	// ---------------------------------------------------------------
	if cfg.Metrics.ListenAddr != "" {
		var gatherer prometheus.Gatherer
		if reg := sdk.Registry(); reg != nil {
			gatherer = reg
		}
		srv, err := health.Listen(cfg.Metrics.ListenAddr,
			health.NewMux(cfg.Mode, func() string { return string(orch.State()) }, gatherer),
			logger.WithGroup("health"),
		)
		if err != nil {
			return fmt.Errorf("starting health listener: %w", err)
		}
		defer func() {
			_ = srv.Shutdown(context.WithoutCancel(ctx))
		}()
	}

	// ---------------------------------------------------------------
	// 6. Run
	// ---------------------------------------------------------------
	switch lifecycle.Mode(cfg.Mode) {
	case lifecycle.ModeStart:
		out, err := orch.Start(ctx, cfg.StartRequest())
		if err != nil {
			return reportFailure(act, err)
		}
		logger.Info("runner ready",
			slog.String("label", out.Label),
			slog.Int64("runnerID", out.RunnerID),
			slog.String("instanceID", out.InstanceID),
		)
		if act.Running() {
			act.SetStartOutputs(out)
		}
	case lifecycle.ModeStop:
		if err := orch.Stop(ctx, cfg.StopHandle()); err != nil {
			return reportFailure(act, err)
		}
	}

	return nil
}

// reportFailure annotates the step as failed when running as an Action.
func reportFailure(act *action.Action, err error) error {
	if act.Running() {
		act.Fail(err.Error())
	}
	return err
}
