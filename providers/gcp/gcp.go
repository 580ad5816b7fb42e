// Package gcp implements the provider interface on Google Compute Engine.
// Instance ids are instance names within the configured project and zone.
package gcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/samber/lo"
	compute "google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"

	"github.com/gartnera/gha-runner-provisioner/providers/common"
	"github.com/gartnera/gha-runner-provisioner/providers/interfaces"
)

const statusRunning = "RUNNING"
const statusTerminated = "TERMINATED"

type Provider struct {
	client *compute.Service
	cfg    interfaces.Config
}

var _ interfaces.Provider = (*Provider)(nil)

// New creates a GCE-backed provider using Application Default Credentials.
// cfg.Region is interpreted as the zone.
func New(cfg interfaces.Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Project == "" {
		return nil, fmt.Errorf("project is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("region (zone) is required")
	}
	client, err := compute.NewService(context.Background())
	if err != nil {
		return nil, fmt.Errorf("create compute client: %w", err)
	}
	return &Provider{client: client, cfg: cfg}, nil
}

// instanceLabels converts tags to GCP labels, which must be lowercase.
func (p *Provider) instanceLabels() map[string]string {
	if len(p.cfg.Tags) == 0 {
		return nil
	}
	labels := make(map[string]string, len(p.cfg.Tags))
	for k, v := range p.cfg.Tags {
		labels[strings.ToLower(k)] = strings.ToLower(v)
	}
	return labels
}

func (p *Provider) buildInstance(name, userData string) *compute.Instance {
	instance := &compute.Instance{
		Name:        name,
		MachineType: fmt.Sprintf("zones/%s/machineTypes/%s", p.cfg.Region, p.cfg.InstanceType),
		Labels:      p.instanceLabels(),
		Disks: []*compute.AttachedDisk{
			{
				AutoDelete: true,
				Boot:       true,
				InitializeParams: &compute.AttachedDiskInitializeParams{
					SourceImage: p.cfg.ImageID,
				},
			},
		},
		NetworkInterfaces: []*compute.NetworkInterface{
			{
				Network: "global/networks/default",
				AccessConfigs: []*compute.AccessConfig{
					{
						Name: "External NAT",
						Type: "ONE_TO_ONE_NAT",
					},
				},
			},
		},
		Metadata: &compute.Metadata{
			Items: []*compute.MetadataItems{
				{
					Key:   "user-data",
					Value: &userData,
				},
			},
		},
	}
	if p.cfg.SubnetID != "" {
		instance.NetworkInterfaces[0].Subnetwork = p.cfg.SubnetID
	}
	if p.cfg.SecurityGroupID != "" {
		instance.Tags = &compute.Tags{Items: []string{p.cfg.SecurityGroupID}}
	}
	if p.cfg.IAMRole != "" {
		instance.ServiceAccounts = []*compute.ServiceAccount{
			{
				Email:  p.cfg.IAMRole,
				Scopes: []string{compute.CloudPlatformScope},
			},
		}
	}
	return instance
}

func (p *Provider) CreateInstances(ctx context.Context, count int) ([]string, error) {
	if count < 1 {
		return nil, fmt.Errorf("instance count must be at least 1, got %d", count)
	}
	if p.cfg.RunnerToken == "" {
		return nil, fmt.Errorf("runner token is required")
	}
	script, err := common.RenderUserData(common.DefaultUserDataTemplate, p.cfg.UserDataParams())
	if err != nil {
		return nil, fmt.Errorf("rendering user data: %w", err)
	}
	userData, err := common.WrapCloudInit(script, p.cfg.CloudInitOverlay)
	if err != nil {
		return nil, fmt.Errorf("wrapping user data: %w", err)
	}

	names := make([]string, 0, count)
	ops := make([]*compute.Operation, 0, count)
	for i := 0; i < count; i++ {
		name := fmt.Sprintf("runner-%s", lo.RandomString(8, lo.LowerCaseLettersCharset))
		op, err := p.client.Instances.Insert(p.cfg.Project, p.cfg.Region, p.buildInstance(name, userData)).Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("create instance: %w", err)
		}
		names = append(names, name)
		ops = append(ops, op)
	}
	for i, op := range ops {
		if err := p.waitOperation(ctx, op); err != nil {
			return nil, fmt.Errorf("wait for creation of %s: %w", names[i], err)
		}
	}
	return names, nil
}

func (p *Provider) RemoveInstances(ctx context.Context, ids []string) error {
	for _, name := range ids {
		_, err := p.client.Instances.Delete(p.cfg.Project, p.cfg.Region, name).Context(ctx).Do()
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return fmt.Errorf("delete instance %s: %w", name, err)
		}
	}
	return nil
}

func (p *Provider) WaitUntilReady(ctx context.Context, ids []string, opts *interfaces.WaitOptions) error {
	return p.pollInstances(ctx, ids, opts, func(name string) (bool, error) {
		inst, err := p.client.Instances.Get(p.cfg.Project, p.cfg.Region, name).Context(ctx).Do()
		if err != nil {
			return false, fmt.Errorf("get instance %s: %w", name, err)
		}
		return inst.Status == statusRunning, nil
	})
}

func (p *Provider) WaitUntilRemoved(ctx context.Context, ids []string, opts *interfaces.WaitOptions) error {
	return p.pollInstances(ctx, ids, opts, func(name string) (bool, error) {
		inst, err := p.client.Instances.Get(p.cfg.Project, p.cfg.Region, name).Context(ctx).Do()
		if err != nil {
			if isNotFound(err) {
				return true, nil
			}
			return false, fmt.Errorf("get instance %s: %w", name, err)
		}
		return inst.Status == statusTerminated, nil
	})
}

// pollInstances checks done for every id each attempt until all report
// done, the attempt budget is exhausted, or ctx is canceled.
func (p *Provider) pollInstances(ctx context.Context, ids []string, opts *interfaces.WaitOptions, done func(name string) (bool, error)) error {
	o := opts.Normalize()
	for attempt := 0; attempt < o.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, o.Delay); err != nil {
				return err
			}
		}
		allDone := true
		for _, name := range ids {
			ok, err := done(name)
			if err != nil {
				return err
			}
			if !ok {
				allDone = false
				break
			}
		}
		if allDone {
			return nil
		}
	}
	return fmt.Errorf("instances %v: %w after %d attempts", ids, interfaces.ErrWaitTimeout, o.MaxAttempts)
}

func (p *Provider) waitOperation(ctx context.Context, op *compute.Operation) error {
	for {
		// sleep first since operations may 404 right after creation
		if err := sleepCtx(ctx, 5*time.Second); err != nil {
			return err
		}

		var result *compute.Operation
		var err error
		if op.Zone != "" {
			result, err = p.client.ZoneOperations.Get(p.cfg.Project, p.cfg.Region, op.Name).Context(ctx).Do()
		} else {
			result, err = p.client.GlobalOperations.Get(p.cfg.Project, op.Name).Context(ctx).Do()
		}
		if err != nil {
			return fmt.Errorf("get operation: %w", err)
		}

		if result.Status == "DONE" {
			if result.Error != nil {
				return fmt.Errorf("operation failed: %v", result.Error)
			}
			return nil
		}
	}
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
