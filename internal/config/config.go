// Package config handles loading, validating, and applying
// configuration for slabrunner.  Configuration is read from an optional
// YAML file, then from GitHub Action inputs, and can finally be
// overridden by CLI flags.  Validate runs before any network call.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/terrpan/slabrunner/internal/action"
	"github.com/terrpan/slabrunner/internal/engine"
	"github.com/terrpan/slabrunner/internal/engine/slab"
	"github.com/terrpan/slabrunner/internal/github"
	"github.com/terrpan/slabrunner/internal/lifecycle"
	"github.com/terrpan/slabrunner/internal/otel"
)

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// ErrConfiguration is matched by every *ConfigurationError.
var ErrConfiguration = errors.New("invalid configuration")

// ConfigurationError reports a missing, malformed or conflicting setting.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

func invalid(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	// Mode selects the workflow: "start" or "stop".
	Mode         string             `yaml:"mode"`
	Slab         SlabConfig         `yaml:"slab"`
	GitHub       GitHubConfig       `yaml:"github"`
	Start        StartConfig        `yaml:"start"`
	Stop         StopConfig         `yaml:"stop"`
	Polling      PollingConfig      `yaml:"polling"`
	Housekeeping HousekeepingConfig `yaml:"housekeeping"`
	Logging      LoggingConfig      `yaml:"logging"`
	OTel         OTelConfig         `yaml:"otel"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// SlabConfig locates and authenticates against the orchestrator.
type SlabConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

// GitHubConfig holds the repository runners register with.
type GitHubConfig struct {
	Token string `yaml:"token"`
	// Host is the GitHub host.  Default: "github.com".
	Host string `yaml:"host"`
	// Repository is "owner/repo".  Falls back to GITHUB_REPOSITORY.
	Repository string `yaml:"repository"`
	// SHA and Ref are forwarded to the orchestrator with every job.
	SHA string `yaml:"sha"`
	Ref string `yaml:"ref"`
}

// StartConfig describes the instance to provision.  Either Profile or
// the raw placement fields are used, never both.
type StartConfig struct {
	Backend string `yaml:"backend"`
	Profile string `yaml:"profile"`

	Region           string   `yaml:"region"`
	ImageID          string   `yaml:"image_id"`
	InstanceType     string   `yaml:"instance_type"`
	SubnetID         string   `yaml:"subnet_id"`
	SecurityGroupIDs []string `yaml:"security_group_ids"`

	// CreateWatchdog asks the orchestrator to terminate the instance on
	// its own if no stop ever arrives.
	CreateWatchdog bool `yaml:"create_watchdog"`
}

func (s StartConfig) hasPlacement() bool {
	return s.Region != "" || s.ImageID != "" || s.InstanceType != "" ||
		s.SubnetID != "" || len(s.SecurityGroupIDs) > 0
}

// StopConfig identifies the runner to stop.  Exactly one of Label and
// RunnerID is set.
type StopConfig struct {
	Label    string `yaml:"label"`
	RunnerID int64  `yaml:"runner_id"`

	// UnregisterRunner removes a leftover runner registration after the
	// instance is stopped.  Default: true.
	UnregisterRunner *bool `yaml:"unregister_runner"`
}

// PollingConfig holds every wait budget.
type PollingConfig struct {
	// SubmitAttempts bounds the initial job submission.  Default: 3.
	SubmitAttempts int                `yaml:"submit_attempts"`
	Task           TaskPollingConfig  `yaml:"task"`
	Registration   RegistrationConfig `yaml:"registration"`
}

// TaskPollingConfig bounds an orchestrator task wait.  Default: 15s x 30.
type TaskPollingConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MaxAttempts int           `yaml:"max_attempts"`
	Timeout     time.Duration `yaml:"timeout"`
}

// RegistrationConfig bounds the runner registration wait.
type RegistrationConfig struct {
	QuietPeriod time.Duration `yaml:"quiet_period"`
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
}

// HousekeepingConfig toggles task record hygiene.  Both default to true.
type HousekeepingConfig struct {
	Acknowledge *bool `yaml:"acknowledge"`
	DeleteTask  *bool `yaml:"delete_task"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry & metrics
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OTLP export is active.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).
	StdOut bool `yaml:"stdout"`
}

// MetricsConfig exposes metrics for the lifetime of the invocation.
type MetricsConfig struct {
	// ListenAddr serves /healthz and /metrics (e.g. ":9090").  Empty
	// disables the listener.
	ListenAddr string `yaml:"listen_addr"`

	// PushgatewayURL receives the final metric values before exit.
	PushgatewayURL string `yaml:"pushgateway_url"`

	// PushJob is the Pushgateway job name.  Default: "slabrunner".
	PushJob string `yaml:"push_job"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// If the file does not exist the returned Config will contain zero values
// which must be filled via action inputs or flags before Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Config file is optional -- inputs and flags can supply everything.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ApplyActionInputs merges non-empty step inputs into c and fills the
// repository, commit and ref from the workflow context when unset.
func (c *Config) ApplyActionInputs(in action.Inputs, wf action.Context) error {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}

	set(&c.Mode, in.Mode)
	set(&c.GitHub.Token, in.GitHubToken)
	set(&c.Slab.URL, in.SlabURL)
	set(&c.Slab.Secret, in.JobSecret)
	set(&c.Start.Backend, in.Backend)
	set(&c.Start.Profile, in.Profile)
	set(&c.Start.Region, in.Region)
	set(&c.Start.ImageID, in.ImageID)
	set(&c.Start.InstanceType, in.InstanceType)
	set(&c.Start.SubnetID, in.SubnetID)
	set(&c.Stop.Label, in.Label)
	if len(in.SecurityGroupIDs) > 0 {
		c.Start.SecurityGroupIDs = in.SecurityGroupIDs
	}

	if in.CreateWatchdog != "" {
		v, err := strconv.ParseBool(in.CreateWatchdog)
		if err != nil {
			return invalid("start.create_watchdog", "%q is not a boolean", in.CreateWatchdog)
		}
		c.Start.CreateWatchdog = v
	}
	if in.RunnerID != "" {
		id, err := strconv.ParseInt(in.RunnerID, 10, 64)
		if err != nil {
			return invalid("stop.runner_id", "%q is not an integer", in.RunnerID)
		}
		c.Stop.RunnerID = id
	}

	if c.GitHub.Repository == "" {
		c.GitHub.Repository = wf.Repository
	}
	if c.GitHub.SHA == "" {
		c.GitHub.SHA = wf.SHA
	}
	if c.GitHub.Ref == "" {
		c.GitHub.Ref = wf.Ref
	}
	if c.GitHub.Host == "" {
		c.GitHub.Host = hostFromAPIURL(wf.APIURL)
	}
	return nil
}

// hostFromAPIURL maps the workflow's API URL to the host go-gh expects:
// github.com for https://api.github.com, the server host for GHES
// (https://ghe.example.com/api/v3). Unparseable URLs yield "".
func hostFromAPIURL(apiURL string) string {
	if apiURL == "" {
		return ""
	}
	u, err := url.Parse(apiURL)
	if err != nil || u.Host == "" {
		return ""
	}
	if strings.EqualFold(u.Hostname(), "api.github.com") {
		return "github.com"
	}
	return u.Host
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	if c.GitHub.Host == "" {
		c.GitHub.Host = "github.com"
	}

	p := &c.Polling
	if p.SubmitAttempts == 0 {
		p.SubmitAttempts = lifecycle.DefaultSubmitAttempts
	}
	if p.Task.Interval == 0 {
		p.Task.Interval = slab.DefaultPollInterval
	}
	if p.Task.MaxAttempts == 0 && p.Task.Timeout == 0 {
		p.Task.MaxAttempts = slab.DefaultPollMaxAttempts
	}
	if p.Registration.QuietPeriod == 0 {
		p.Registration.QuietPeriod = github.DefaultQuietPeriod
	}
	if p.Registration.Interval == 0 {
		p.Registration.Interval = github.DefaultInterval
	}
	if p.Registration.Timeout == 0 {
		p.Registration.Timeout = github.DefaultTimeout
	}

	t := true
	if c.Housekeeping.Acknowledge == nil {
		c.Housekeeping.Acknowledge = &t
	}
	if c.Housekeeping.DeleteTask == nil {
		c.Housekeeping.DeleteTask = &t
	}
	if c.Stop.UnregisterRunner == nil {
		c.Stop.UnregisterRunner = &t
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.PushJob == "" {
		c.Metrics.PushJob = "slabrunner"
	}
}

// Validate checks that all required fields are present and consistent.
// Every failure is a *ConfigurationError.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	switch lifecycle.Mode(c.Mode) {
	case lifecycle.ModeStart, lifecycle.ModeStop:
	case "":
		return invalid("mode", "required (start or stop)")
	default:
		return invalid("mode", "%q is not supported (supported: start, stop)", c.Mode)
	}

	if err := validateURL("slab.url", c.Slab.URL); err != nil {
		return err
	}
	if c.Slab.Secret == "" {
		return invalid("slab.secret", "required")
	}
	if c.GitHub.Token == "" {
		return invalid("github.token", "required")
	}
	if owner, repo, ok := strings.Cut(c.GitHub.Repository, "/"); !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return invalid("github.repository", "%q is not in owner/repo form", c.GitHub.Repository)
	}

	var err error
	if lifecycle.Mode(c.Mode) == lifecycle.ModeStart {
		err = c.validateStart()
	} else {
		err = c.validateStop()
	}
	if err != nil {
		return err
	}

	if err := c.validateBudgets(); err != nil {
		return err
	}

	if c.Metrics.PushgatewayURL != "" {
		if err := validateURL("metrics.pushgateway_url", c.Metrics.PushgatewayURL); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateStart() error {
	s := c.Start
	if s.Backend == "" {
		return invalid("start.backend", "required in start mode")
	}

	switch {
	case s.Profile != "" && s.hasPlacement():
		return invalid("start.profile", "mutually exclusive with a raw placement (region, image_id, instance_type)")
	case s.Profile == "" && !s.hasPlacement():
		return invalid("start.profile", "either a profile or a raw placement (region, image_id, instance_type) is required")
	case s.hasPlacement():
		if s.Region == "" {
			return invalid("start.region", "required for a raw placement")
		}
		if s.ImageID == "" {
			return invalid("start.image_id", "required for a raw placement")
		}
		if s.InstanceType == "" {
			return invalid("start.instance_type", "required for a raw placement")
		}
	}
	return nil
}

func (c *Config) validateStop() error {
	st := c.Stop
	switch {
	case st.RunnerID < 0:
		return invalid("stop.runner_id", "must be positive")
	case st.Label != "" && st.RunnerID != 0:
		return invalid("stop.label", "mutually exclusive with stop.runner_id")
	case st.Label == "" && st.RunnerID == 0:
		return invalid("stop.label", "one of stop.label or stop.runner_id is required")
	}
	return nil
}

// IgnoredFields lists the fields that are set but belong to the other
// mode. They are not an error: one set of inputs is commonly shared by
// the start and stop steps of a workflow.
func (c *Config) IgnoredFields() []string {
	type field struct {
		name string
		set  bool
	}
	var fields []field
	switch lifecycle.Mode(c.Mode) {
	case lifecycle.ModeStart:
		fields = []field{
			{"stop.label", c.Stop.Label != ""},
			{"stop.runner_id", c.Stop.RunnerID != 0},
		}
	case lifecycle.ModeStop:
		s := c.Start
		fields = []field{
			{"start.profile", s.Profile != ""},
			{"start.region", s.Region != ""},
			{"start.image_id", s.ImageID != ""},
			{"start.instance_type", s.InstanceType != ""},
			{"start.subnet_id", s.SubnetID != ""},
			{"start.security_group_ids", len(s.SecurityGroupIDs) > 0},
		}
	}

	var ignored []string
	for _, f := range fields {
		if f.set {
			ignored = append(ignored, f.name)
		}
	}
	return ignored
}

func (c *Config) validateBudgets() error {
	p := c.Polling
	switch {
	case p.SubmitAttempts < 0:
		return invalid("polling.submit_attempts", "must be positive")
	case p.Task.Interval < 0:
		return invalid("polling.task.interval", "must not be negative")
	case p.Task.MaxAttempts < 0:
		return invalid("polling.task.max_attempts", "must not be negative")
	case p.Task.Timeout < 0:
		return invalid("polling.task.timeout", "must not be negative")
	case p.Registration.QuietPeriod < 0:
		return invalid("polling.registration.quiet_period", "must not be negative")
	case p.Registration.Interval <= 0:
		return invalid("polling.registration.interval", "must be positive")
	case p.Registration.Timeout < 0:
		return invalid("polling.registration.timeout", "must be positive")
	}
	return nil
}

func validateURL(field, raw string) error {
	if raw == "" {
		return invalid(field, "required")
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return invalid(field, "invalid URL %q", raw)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// OTelSettings maps the otel and metrics sections onto otel.Config.
func (c *Config) OTelSettings() otel.Config {
	return otel.Config{
		Enabled:        c.OTel.Enabled,
		Endpoint:       c.OTel.Endpoint,
		Insecure:       c.OTel.Insecure,
		StdOut:         c.OTel.StdOut,
		Prometheus:     c.Metrics.ListenAddr != "" || c.Metrics.PushgatewayURL != "",
		PushgatewayURL: c.Metrics.PushgatewayURL,
		PushJob:        c.Metrics.PushJob,
	}
}

// NewEngine creates the orchestrator-backed engine.
func (c *Config) NewEngine(logger *slog.Logger) (engine.Engine, error) {
	return slab.New(slab.Config{
		URL:        c.Slab.URL,
		Secret:     c.Slab.Secret,
		Repository: c.GitHub.Repository,
		SHA:        c.GitHub.SHA,
		Ref:        c.GitHub.Ref,
		Polling: slab.PollConfig{
			Interval:    c.Polling.Task.Interval,
			MaxAttempts: c.Polling.Task.MaxAttempts,
			Timeout:     c.Polling.Task.Timeout,
		},
		Acknowledge: *c.Housekeeping.Acknowledge,
		DeleteTask:  *c.Housekeeping.DeleteTask,
	}, logger.WithGroup("engine.slab"))
}

// NewGitHubClient creates the runner registry client.
func (c *Config) NewGitHubClient() (*github.Client, error) {
	return github.NewClient(github.ClientConfig{
		Token:      c.GitHub.Token,
		Host:       c.GitHub.Host,
		Repository: c.GitHub.Repository,
	})
}

// NewWatcher creates the registration watcher over source.
func (c *Config) NewWatcher(source github.RunnerSource, logger *slog.Logger) *github.Watcher {
	return github.NewWatcher(source, github.WatchConfig{
		QuietPeriod: c.Polling.Registration.QuietPeriod,
		Interval:    c.Polling.Registration.Interval,
		Timeout:     c.Polling.Registration.Timeout,
	}, logger.WithGroup("github.watcher"))
}

// NewOrchestrator wires the engine and the runner registry into a
// lifecycle orchestrator.
func (c *Config) NewOrchestrator(eng engine.Engine, gh *github.Client, logger *slog.Logger) *lifecycle.Orchestrator {
	cfg := lifecycle.Config{
		Engine:         eng,
		Watcher:        c.NewWatcher(gh, logger),
		SubmitAttempts: c.Polling.SubmitAttempts,
		Logger:         logger.WithGroup("lifecycle"),
	}
	if *c.Stop.UnregisterRunner {
		cfg.Registry = gh
	}
	return lifecycle.New(cfg)
}

// StartRequest builds the engine request for start mode.
func (c *Config) StartRequest() engine.StartRequest {
	req := engine.StartRequest{
		Provider:       c.Start.Backend,
		Profile:        c.Start.Profile,
		SHA:            c.GitHub.SHA,
		Ref:            c.GitHub.Ref,
		CreateWatchdog: c.Start.CreateWatchdog,
	}
	if c.Start.hasPlacement() {
		req.Placement = &engine.Placement{
			Region:           c.Start.Region,
			ImageID:          c.Start.ImageID,
			InstanceType:     c.Start.InstanceType,
			SubnetID:         c.Start.SubnetID,
			SecurityGroupIDs: c.Start.SecurityGroupIDs,
		}
	}
	return req
}

// StopHandle returns the runner to stop in stop mode.
func (c *Config) StopHandle() engine.RunnerHandle {
	if c.Stop.RunnerID != 0 {
		return engine.HandleFromID(c.Stop.RunnerID)
	}
	return engine.HandleFromName(c.Stop.Label)
}
