package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gartnera/gha-runner-provisioner/gh"
	"github.com/gartnera/gha-runner-provisioner/provision"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: %s <command> [flags]

commands:
  start   provision instances and wait for their runners to register
  stop    deregister runners and terminate their instances
`, os.Args[0])
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "start":
		err = runStart(ctx, os.Args[2:])
	case "stop":
		err = runStop(ctx, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

// mapping is the start output and stop input: which label rides on which
// instance.
type mapping struct {
	Provider  string               `json:"provider"`
	Instances []provision.Instance `json:"instances"`
}

func setup(ctx context.Context, configPath string) (*Config, *provision.Provisioner, error) {
	cfg, err := Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	registry, err := gh.New(ctx, cfg.GitHub.Token, cfg.GitHub.Repo)
	if err != nil {
		return nil, nil, err
	}
	registry.SetLogger(logger)

	pcfg, err := cfg.ProviderConfig()
	if err != nil {
		return nil, nil, err
	}
	if pcfg.RunnerRelease == "" {
		release, err := registry.GetLatestRunnerRelease(ctx, cfg.Runner.Platform, cfg.Runner.Arch)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("resolved runner release", "url", release)
		pcfg.RunnerRelease = release
	}

	provisioner := provision.New(cfg.Provider, pcfg, registry, logger)
	provisioner.Wait = cfg.WaitOptions()
	provisioner.RunnerPollInterval = cfg.RunnerPollInterval()

	if cfg.Metrics.Enabled {
		go serveMetrics(logger, cfg.Metrics.Addr)
	}
	return cfg, provisioner, nil
}

func serveMetrics(logger *slog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server failed", "err", err)
	}
}

func runStart(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to the YAML configuration")
	count := fs.Int("count", 0, "number of instances, overrides instance.count")
	output := fs.String("output", "-", "where to write the instance mapping JSON, - for stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, provisioner, err := setup(ctx, *configPath)
	if err != nil {
		return err
	}
	n := cfg.Instance.Count
	if *count > 0 {
		n = *count
	}

	startCtx, cancel := context.WithTimeout(ctx, cfg.OnlineTimeout())
	defer cancel()

	instances, startErr := provisioner.Start(startCtx, n)

	// write the mapping even on failure: without it the caller cannot
	// tear down whatever was created
	if len(instances) > 0 {
		if err := writeMapping(*output, mapping{Provider: cfg.Provider, Instances: instances}); err != nil {
			startErr = errors.Join(startErr, fmt.Errorf("writing instance mapping: %w", err))
		}
	}
	return startErr
}

func runStop(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to the YAML configuration")
	input := fs.String("instances", "-", "instance mapping JSON written by start, - for stdin")
	if err := fs.Parse(args); err != nil {
		return err
	}

	m, err := readMapping(*input)
	if err != nil {
		return err
	}

	_, provisioner, err := setup(ctx, *configPath)
	if err != nil {
		return err
	}
	return provisioner.Stop(ctx, m.Instances)
}

func writeMapping(path string, m mapping) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if path == "-" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func readMapping(path string) (mapping, error) {
	var m mapping
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return m, fmt.Errorf("reading instance mapping: %w", err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("parsing instance mapping: %w", err)
	}
	return m, nil
}
