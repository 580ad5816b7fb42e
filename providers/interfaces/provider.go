// Package interfaces defines the contract every cloud backend must satisfy
// to host ephemeral GitHub Actions runners, along with the provider
// configuration shared by all backends.
package interfaces

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrWaitTimeout is returned by WaitUntilReady/WaitUntilRemoved when the
// configured poll attempts are exhausted before every instance reached the
// target state.
var ErrWaitTimeout = errors.New("wait timed out")

// Default poll settings, matching the EC2 instance waiters.
const (
	DefaultWaitMaxAttempts = 40
	DefaultWaitDelay       = 15 * time.Second
)

// WaitOptions bounds a provider wait. A nil or zero-valued options struct
// falls back to the defaults above; waits are never unbounded.
type WaitOptions struct {
	MaxAttempts int
	Delay       time.Duration
}

// Normalize returns a copy with defaults applied for unset fields.
func (o *WaitOptions) Normalize() WaitOptions {
	out := WaitOptions{
		MaxAttempts: DefaultWaitMaxAttempts,
		Delay:       DefaultWaitDelay,
	}
	if o == nil {
		return out
	}
	if o.MaxAttempts > 0 {
		out.MaxAttempts = o.MaxAttempts
	}
	if o.Delay > 0 {
		out.Delay = o.Delay
	}
	return out
}

// MaxWait returns the total wall-clock budget for a wait.
func (o WaitOptions) MaxWait() time.Duration {
	return time.Duration(o.MaxAttempts) * o.Delay
}

// Config describes how a backend should create runner instances. Optional
// fields left empty are omitted from the provider request entirely, never
// sent as empty values.
type Config struct {
	// ImageID is the boot image: an AMI id on AWS, an image self link or
	// family URL on GCP, an image alias on LXD.
	ImageID string

	// InstanceType is the machine size, in the backend's own vocabulary.
	InstanceType string

	// HomeDir is where the runner agent is unpacked on the instance.
	HomeDir string

	// Repo is the target repository in "owner/repo" form.
	Repo string

	// RunnerToken is the short-lived registration token embedded in the
	// bootstrap data. Required for CreateInstances only.
	RunnerToken string

	// Tags are attached to every created instance.
	Tags map[string]string

	// Region is the locality identifier: an AWS region or a GCP zone.
	// Ignored by LXD.
	Region string

	// Project is the GCP project id. Only read by the gcp backend.
	Project string

	// RunnerRelease is the download URL of the runner agent tarball.
	RunnerRelease string

	// Labels is the comma-separated label set the runner registers with.
	Labels string

	// SubnetID places the instance in a specific subnet (optional).
	SubnetID string

	// SecurityGroupID is the security boundary: a security group on AWS,
	// a network tag on GCP (optional).
	SecurityGroupID string

	// IAMRole is the execution identity: an instance profile name on AWS,
	// a service account email on GCP (optional).
	IAMRole string

	// Script is an extra script body spliced into the bootstrap template
	// before the runner is configured (optional).
	Script string

	// CloudInitOverlay is a cloud-init document merged over the generated
	// user data on backends that boot via cloud-init (optional).
	CloudInitOverlay string
}

// UserDataParams maps the configuration onto the bootstrap template
// placeholders.
func (c Config) UserDataParams() map[string]string {
	return map[string]string{
		"token":          c.RunnerToken,
		"repo":           c.Repo,
		"homedir":        c.HomeDir,
		"script":         c.Script,
		"runner_release": c.RunnerRelease,
		"labels":         c.Labels,
	}
}

// Validate checks the fields every backend requires.
func (c Config) Validate() error {
	if c.ImageID == "" {
		return fmt.Errorf("image id is required")
	}
	if c.InstanceType == "" {
		return fmt.Errorf("instance type is required")
	}
	if c.Repo == "" {
		return fmt.Errorf("repo is required")
	}
	return nil
}

// Provider is the capability set required of every cloud backend.
//
// Instance ids are opaque strings owned by the backend. Readiness here is
// the cloud control plane's view only; whether the runner agent on the
// instance came online is a separate concern tracked through the GitHub
// API.
type Provider interface {
	// CreateInstances requests count instances configured from the
	// provider Config. It returns the full id list or an error; it never
	// returns a partial result.
	CreateInstances(ctx context.Context, count int) ([]string, error)

	// RemoveInstances requests termination of the given instances.
	// Removing an already-terminated instance is not an error.
	RemoveInstances(ctx context.Context, ids []string) error

	// WaitUntilReady blocks until all ids report running, the poll budget
	// is exhausted (ErrWaitTimeout), or ctx is done.
	WaitUntilReady(ctx context.Context, ids []string, opts *WaitOptions) error

	// WaitUntilRemoved blocks until all ids report terminated, the poll
	// budget is exhausted (ErrWaitTimeout), or ctx is done.
	WaitUntilRemoved(ctx context.Context, ids []string, opts *WaitOptions) error
}
