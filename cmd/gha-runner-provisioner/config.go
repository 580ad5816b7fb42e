package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gartnera/gha-runner-provisioner/providers"
	"github.com/gartnera/gha-runner-provisioner/providers/interfaces"
)

// Config is the root configuration, read from a YAML file with a few flag
// and environment overrides.
type Config struct {
	// Provider selects the cloud backend: aws, gcp, or lxd.
	Provider string `yaml:"provider"`

	GitHub   GitHubConfig   `yaml:"github"`
	Instance InstanceConfig `yaml:"instance"`
	Runner   RunnerConfig   `yaml:"runner"`
	Wait     WaitConfig     `yaml:"wait"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// GitHubConfig holds the API credential and target repository.
type GitHubConfig struct {
	// Token is a personal access token. Falls back to GITHUB_TOKEN.
	Token string `yaml:"token"`
	// Repo is the repository in "owner/repo" form.
	Repo string `yaml:"repo"`
}

// InstanceConfig describes the instances to create.
type InstanceConfig struct {
	Image   string `yaml:"image"`
	Type    string `yaml:"type"`
	Count   int    `yaml:"count"`
	HomeDir string `yaml:"home_dir"`
	// Region is the AWS region or GCP zone.
	Region string `yaml:"region"`
	// Project is the GCP project id (gcp only).
	Project string `yaml:"project"`
	// Labels are extra runner labels, comma separated. The generated
	// per-instance label is appended automatically.
	Labels        string            `yaml:"labels"`
	Subnet        string            `yaml:"subnet"`
	SecurityGroup string            `yaml:"security_group"`
	IAMRole       string            `yaml:"iam_role"`
	// Script is spliced into the bootstrap before the runner starts.
	Script string            `yaml:"script"`
	Tags   map[string]string `yaml:"tags"`
	// CloudInitOverlayPath points at a cloud-init document merged over
	// the generated user data (gcp and lxd backends).
	CloudInitOverlayPath string `yaml:"cloud_init_overlay"`
}

// RunnerConfig tunes the runner agent download and registration wait.
type RunnerConfig struct {
	// Platform/Arch select the runner release asset. Defaults: linux, x64.
	Platform string `yaml:"platform"`
	Arch     string `yaml:"arch"`
	// Release overrides the resolved download URL.
	Release string `yaml:"release"`
	// PollIntervalSeconds is the delay between registration checks.
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	// OnlineTimeoutMinutes bounds the whole wait for runners to come
	// online. Default: 10.
	OnlineTimeoutMinutes int `yaml:"online_timeout_minutes"`
}

// WaitConfig bounds the cloud readiness/termination polls.
type WaitConfig struct {
	MaxAttempts  int `yaml:"max_attempts"`
	DelaySeconds int `yaml:"delay_seconds"`
}

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error. Default: info.
	Level string `yaml:"level"`
	// Format: text, json. Default: text.
	Format string `yaml:"format"`
}

// MetricsConfig controls the prometheus endpoint served while waiting.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Load reads the YAML config at path. A missing file is not an error:
// flags and environment can supply everything.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields, including the GITHUB_TOKEN fallback.
func (c *Config) ApplyDefaults() {
	if c.GitHub.Token == "" {
		c.GitHub.Token = os.Getenv("GITHUB_TOKEN")
	}
	if c.Instance.Count == 0 {
		c.Instance.Count = 1
	}
	if c.Instance.HomeDir == "" {
		c.Instance.HomeDir = "/home/ubuntu"
	}
	if c.Runner.Platform == "" {
		c.Runner.Platform = "linux"
	}
	if c.Runner.Arch == "" {
		c.Runner.Arch = "x64"
	}
	if c.Runner.PollIntervalSeconds == 0 {
		c.Runner.PollIntervalSeconds = 15
	}
	if c.Runner.OnlineTimeoutMinutes == 0 {
		c.Runner.OnlineTimeoutMinutes = 10
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
}

// Validate checks required fields and consistency.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	found := false
	for _, name := range providers.Names() {
		if name == c.Provider {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("provider %q is not supported (options: %s)", c.Provider, strings.Join(providers.Names(), "|"))
	}

	if c.GitHub.Token == "" {
		return fmt.Errorf("github.token is required (or set GITHUB_TOKEN)")
	}
	if !strings.Contains(c.GitHub.Repo, "/") {
		return fmt.Errorf("github.repo must be in owner/repo form, got %q", c.GitHub.Repo)
	}
	if c.Instance.Image == "" {
		return fmt.Errorf("instance.image is required")
	}
	if c.Instance.Type == "" {
		return fmt.Errorf("instance.type is required")
	}
	if c.Instance.Count < 1 {
		return fmt.Errorf("instance.count must be at least 1, got %d", c.Instance.Count)
	}
	return nil
}

// ProviderConfig maps the file configuration onto the provider
// configuration, reading the cloud-init overlay when configured.
func (c *Config) ProviderConfig() (interfaces.Config, error) {
	cfg := interfaces.Config{
		ImageID:         c.Instance.Image,
		InstanceType:    c.Instance.Type,
		HomeDir:         c.Instance.HomeDir,
		Repo:            c.GitHub.Repo,
		Tags:            c.Instance.Tags,
		Region:          c.Instance.Region,
		Project:         c.Instance.Project,
		RunnerRelease:   c.Runner.Release,
		Labels:          c.Instance.Labels,
		SubnetID:        c.Instance.Subnet,
		SecurityGroupID: c.Instance.SecurityGroup,
		IAMRole:         c.Instance.IAMRole,
		Script:          c.Instance.Script,
	}
	if c.Instance.CloudInitOverlayPath != "" {
		overlay, err := os.ReadFile(c.Instance.CloudInitOverlayPath)
		if err != nil {
			return interfaces.Config{}, fmt.Errorf("reading %s: %w", c.Instance.CloudInitOverlayPath, err)
		}
		cfg.CloudInitOverlay = string(overlay)
	}
	return cfg, nil
}

// WaitOptions maps the wait tuning; zero fields fall back to the
// provider defaults.
func (c *Config) WaitOptions() *interfaces.WaitOptions {
	return &interfaces.WaitOptions{
		MaxAttempts: c.Wait.MaxAttempts,
		Delay:       time.Duration(c.Wait.DelaySeconds) * time.Second,
	}
}

// RunnerPollInterval returns the registration check interval.
func (c *Config) RunnerPollInterval() time.Duration {
	return time.Duration(c.Runner.PollIntervalSeconds) * time.Second
}

// OnlineTimeout bounds a whole start invocation.
func (c *Config) OnlineTimeout() time.Duration {
	return time.Duration(c.Runner.OnlineTimeoutMinutes) * time.Minute
}

// NewLogger creates a slog.Logger from the logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.slogLevel()}
	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
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
