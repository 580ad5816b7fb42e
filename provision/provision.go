// Package provision coordinates the lifecycle of ephemeral runner
// instances: pairing each cloud instance with a generated label and a
// fresh registration token on the way up, and removing the registration
// before reclaiming the instance on the way down.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/go-github/v68/github"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/samber/lo"

	"github.com/gartnera/gha-runner-provisioner/gh"
	"github.com/gartnera/gha-runner-provisioner/providers"
	"github.com/gartnera/gha-runner-provisioner/providers/interfaces"
)

const metricsNamespace = "gha_runner_provisioner"

var (
	instancesLaunched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "instances_launched_total",
		Help:      "Number of cloud instances launched",
	})
	instancesTerminated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "instances_terminated_total",
		Help:      "Number of cloud instances terminated",
	})
	runnersOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "runners_online",
		Help:      "Number of runners currently registered online by this invocation",
	})
)

// Instance pairs a provider instance id with the runner label embedded in
// its bootstrap data. Both halves are needed for teardown: the id to
// terminate the instance, the label to deregister the runner.
type Instance struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Registry is the subset of the GitHub client the coordinator needs.
type Registry interface {
	CreateRunnerToken(ctx context.Context) (string, error)
	WaitForRunner(ctx context.Context, label string, interval time.Duration) (*github.Runner, error)
	RemoveRunner(ctx context.Context, label string) error
}

// Factory builds a backend for a provider name and configuration.
// Overridable for tests; defaults to providers.Get.
type Factory func(name string, cfg interfaces.Config) (interfaces.Provider, error)

// Provisioner drives one start or stop invocation. All state is
// in-memory and scoped to the call.
type Provisioner struct {
	ProviderName string
	Config       interfaces.Config
	Registry     Registry
	Logger       *slog.Logger

	// Wait bounds the provider readiness/removal polls.
	Wait *interfaces.WaitOptions

	// RunnerPollInterval is the delay between runner registration checks.
	RunnerPollInterval time.Duration

	// Factory defaults to providers.Get.
	Factory Factory
}

func New(providerName string, cfg interfaces.Config, registry Registry, logger *slog.Logger) *Provisioner {
	return &Provisioner{
		ProviderName: providerName,
		Config:       cfg,
		Registry:     registry,
		Logger:       logger,
		Factory:      providers.Get,
	}
}

// Start provisions count instances, each with its own label and
// registration token, then waits for the cloud to report them running and
// for each runner to register itself online.
//
// On error the instances created so far are still returned so the caller
// can tear them down; losing them would orphan both the instances and
// their registrations.
func (p *Provisioner) Start(ctx context.Context, count int) ([]Instance, error) {
	if count < 1 {
		return nil, fmt.Errorf("instance count must be at least 1, got %d", count)
	}

	instances := make([]Instance, 0, count)
	var provider interfaces.Provider
	for i := 0; i < count; i++ {
		label := gh.GenerateRandomLabel()
		token, err := p.Registry.CreateRunnerToken(ctx)
		if err != nil {
			return instances, fmt.Errorf("minting registration token: %w", err)
		}

		cfg := p.Config
		cfg.RunnerToken = token
		cfg.Labels = appendLabel(cfg.Labels, label)

		provider, err = p.Factory(p.ProviderName, cfg)
		if err != nil {
			return instances, err
		}
		ids, err := provider.CreateInstances(ctx, 1)
		if err != nil {
			return instances, fmt.Errorf("creating instance: %w", err)
		}
		instancesLaunched.Inc()
		p.Logger.Info("instance created", "id", ids[0], "label", label)
		instances = append(instances, Instance{ID: ids[0], Label: label})
	}

	ids := instanceIDs(instances)
	p.Logger.Info("waiting for instances to be running", "ids", ids)
	if err := provider.WaitUntilReady(ctx, ids, p.Wait); err != nil {
		return instances, fmt.Errorf("waiting for instances: %w", err)
	}

	for _, inst := range instances {
		if _, err := p.Registry.WaitForRunner(ctx, inst.Label, p.RunnerPollInterval); err != nil {
			return instances, fmt.Errorf("waiting for runner registration: %w", err)
		}
		runnersOnline.Inc()
	}
	return instances, nil
}

// Stop deregisters each runner and terminates the backing instances.
// Teardown keeps going past individual failures so one stuck runner does
// not orphan the rest; the collected errors are returned at the end. A
// runner that never registered (or already unregistered) is logged and
// skipped, not treated as a failure.
func (p *Provisioner) Stop(ctx context.Context, instances []Instance) error {
	if len(instances) == 0 {
		return nil
	}

	var errs []error
	for _, inst := range instances {
		err := p.Registry.RemoveRunner(ctx, inst.Label)
		switch {
		case err == nil:
			p.Logger.Info("runner removed", "label", inst.Label)
			runnersOnline.Dec()
		case errors.Is(err, gh.ErrRunnerNotFound):
			p.Logger.Warn("runner not registered, skipping removal", "label", inst.Label)
		default:
			errs = append(errs, err)
		}
	}

	provider, err := p.Factory(p.ProviderName, p.Config)
	if err != nil {
		errs = append(errs, err)
		return errors.Join(errs...)
	}

	ids := instanceIDs(instances)
	if err := provider.RemoveInstances(ctx, ids); err != nil {
		errs = append(errs, fmt.Errorf("removing instances: %w", err))
		return errors.Join(errs...)
	}
	instancesTerminated.Add(float64(len(ids)))

	p.Logger.Info("waiting for instances to be terminated", "ids", ids)
	if err := provider.WaitUntilRemoved(ctx, ids, p.Wait); err != nil {
		errs = append(errs, fmt.Errorf("waiting for termination: %w", err))
	}
	return errors.Join(errs...)
}

func appendLabel(labels, label string) string {
	if labels == "" {
		return label
	}
	return labels + "," + label
}

func instanceIDs(instances []Instance) []string {
	return lo.Map(instances, func(inst Instance, _ int) string { return inst.ID })
}
