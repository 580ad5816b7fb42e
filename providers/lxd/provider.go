// Package lxd implements the provider interface on a local LXD daemon.
// Containers are ephemeral, so stopping one removes it. Instance ids are
// container names.
package lxd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	lxdClient "github.com/canonical/lxd/client"
	"github.com/canonical/lxd/shared/api"
	"github.com/samber/lo"

	"github.com/gartnera/gha-runner-provisioner/providers/common"
	"github.com/gartnera/gha-runner-provisioner/providers/interfaces"
)

const managedByKey = "user.gha-runner-provisioner"

type Provider struct {
	client lxdClient.InstanceServer
	cfg    interfaces.Config
}

var _ interfaces.Provider = (*Provider)(nil)

// New connects to the local LXD daemon over the unix socket.
// cfg.ImageID is interpreted as an image alias; cfg.Region is ignored.
func New(cfg interfaces.Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	lxd, err := lxdClient.ConnectLXDUnix("", nil)
	if err != nil {
		return nil, fmt.Errorf("connect to lxd: %w", err)
	}
	return &Provider{client: lxd, cfg: cfg}, nil
}

func (p *Provider) instanceConfig(userData string) map[string]string {
	conf := map[string]string{
		managedByKey:       "true",
		"security.nesting": "true",
		"user.user-data":   userData,
	}
	for k, v := range p.cfg.Tags {
		conf["user."+k] = v
	}
	return conf
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
	for i := 0; i < count; i++ {
		name := fmt.Sprintf("runner-%s", lo.RandomString(8, lo.LowerCaseLettersCharset))
		createOp, err := p.client.CreateInstance(api.InstancesPost{
			Name:         name,
			InstanceType: p.cfg.InstanceType,
			Source: api.InstanceSource{
				Type:  "image",
				Alias: p.cfg.ImageID,
			},
			InstancePut: api.InstancePut{
				Config:    p.instanceConfig(userData),
				Profiles:  []string{"default"},
				Ephemeral: true,
			},
			Type: api.InstanceTypeContainer,
		})
		if err != nil {
			return nil, fmt.Errorf("creating container %s: %w", name, err)
		}
		if err := createOp.Wait(); err != nil {
			return nil, fmt.Errorf("waiting for container creation %s: %w", name, err)
		}

		startOp, err := p.client.UpdateInstanceState(name, api.InstanceStatePut{Action: "start"}, "")
		if err != nil {
			return nil, fmt.Errorf("starting container %s: %w", name, err)
		}
		if err := startOp.Wait(); err != nil {
			return nil, fmt.Errorf("waiting for container start %s: %w", name, err)
		}
		names = append(names, name)
	}
	return names, nil
}

func (p *Provider) RemoveInstances(ctx context.Context, ids []string) error {
	for _, name := range ids {
		// ephemeral containers are removed on stop
		stopOp, err := p.client.UpdateInstanceState(name, api.InstanceStatePut{Action: "stop", Force: true}, "")
		if err != nil {
			if api.StatusErrorCheck(err, http.StatusNotFound) {
				continue
			}
			return fmt.Errorf("stop container %s: %w", name, err)
		}
		if err := stopOp.Wait(); err != nil && !api.StatusErrorCheck(err, http.StatusNotFound) {
			return fmt.Errorf("waiting for container stop %s: %w", name, err)
		}
	}
	return nil
}

func (p *Provider) WaitUntilReady(ctx context.Context, ids []string, opts *interfaces.WaitOptions) error {
	return p.poll(ctx, ids, opts, func(name string) (bool, error) {
		state, _, err := p.client.GetInstanceState(name)
		if err != nil {
			return false, fmt.Errorf("get container state %s: %w", name, err)
		}
		return state.StatusCode == api.Running, nil
	})
}

func (p *Provider) WaitUntilRemoved(ctx context.Context, ids []string, opts *interfaces.WaitOptions) error {
	return p.poll(ctx, ids, opts, func(name string) (bool, error) {
		_, _, err := p.client.GetInstance(name)
		if err != nil {
			if api.StatusErrorCheck(err, http.StatusNotFound) {
				return true, nil
			}
			return false, fmt.Errorf("get container %s: %w", name, err)
		}
		return false, nil
	})
}

func (p *Provider) poll(ctx context.Context, ids []string, opts *interfaces.WaitOptions, done func(name string) (bool, error)) error {
	o := opts.Normalize()
	for attempt := 0; attempt < o.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(o.Delay):
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
	return fmt.Errorf("containers %v: %w after %d attempts", ids, interfaces.ErrWaitTimeout, o.MaxAttempts)
}
