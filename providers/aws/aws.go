// Package aws implements the provider interface on EC2. Its value-add is
// request shaping and bootstrap templating; launching, terminating, and
// state waiting are delegated to the AWS SDK.
package aws

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	smithy "github.com/aws/smithy-go"
	"github.com/samber/lo"

	"github.com/gartnera/gha-runner-provisioner/providers/common"
	"github.com/gartnera/gha-runner-provisioner/providers/interfaces"
)

// ec2API is the subset of the EC2 client the provider uses. The embedded
// DescribeInstancesAPIClient is what the SDK waiters consume.
type ec2API interface {
	ec2.DescribeInstancesAPIClient
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

type Provider struct {
	client ec2API
	cfg    interfaces.Config
}

var _ interfaces.Provider = (*Provider)(nil)

// New creates an EC2-backed provider using the ambient AWS credential
// chain, scoped to cfg.Region.
func New(cfg interfaces.Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("region is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return &Provider{
		client: ec2.NewFromConfig(awsCfg),
		cfg:    cfg,
	}, nil
}

// newWithClient is the test seam.
func newWithClient(client ec2API, cfg interfaces.Config) *Provider {
	return &Provider{client: client, cfg: cfg}
}

// buildRunInput shapes the RunInstances request. Optional fields are only
// present when configured: EC2 rejects empty strings for parameters that
// should be absent.
func (p *Provider) buildRunInput(count int, userData string) *ec2.RunInstancesInput {
	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(p.cfg.ImageID),
		InstanceType: ec2types.InstanceType(p.cfg.InstanceType),
		MinCount:     aws.Int32(int32(count)),
		MaxCount:     aws.Int32(int32(count)),
		UserData:     aws.String(base64.StdEncoding.EncodeToString([]byte(userData))),
	}
	if len(p.cfg.Tags) > 0 {
		keys := lo.Keys(p.cfg.Tags)
		sort.Strings(keys)
		tags := make([]ec2types.Tag, 0, len(keys))
		for _, k := range keys {
			tags = append(tags, ec2types.Tag{Key: aws.String(k), Value: aws.String(p.cfg.Tags[k])})
		}
		input.TagSpecifications = []ec2types.TagSpecification{
			{
				ResourceType: ec2types.ResourceTypeInstance,
				Tags:         tags,
			},
		}
	}
	if p.cfg.SubnetID != "" {
		input.SubnetId = aws.String(p.cfg.SubnetID)
	}
	if p.cfg.SecurityGroupID != "" {
		input.SecurityGroupIds = []string{p.cfg.SecurityGroupID}
	}
	if p.cfg.IAMRole != "" {
		input.IamInstanceProfile = &ec2types.IamInstanceProfileSpecification{
			Name: aws.String(p.cfg.IAMRole),
		}
	}
	return input
}

func (p *Provider) CreateInstances(ctx context.Context, count int) ([]string, error) {
	if count < 1 {
		return nil, fmt.Errorf("instance count must be at least 1, got %d", count)
	}
	if p.cfg.RunnerToken == "" {
		return nil, fmt.Errorf("runner token is required")
	}
	userData, err := common.RenderUserData(common.DefaultUserDataTemplate, p.cfg.UserDataParams())
	if err != nil {
		return nil, fmt.Errorf("rendering user data: %w", err)
	}

	out, err := p.client.RunInstances(ctx, p.buildRunInput(count, userData))
	if err != nil {
		return nil, fmt.Errorf("running instances: %w", err)
	}

	ids := lo.Map(out.Instances, func(inst ec2types.Instance, _ int) string {
		return aws.ToString(inst.InstanceId)
	})
	if len(ids) != count {
		return nil, fmt.Errorf("requested %d instances, got %d", count, len(ids))
	}
	return ids, nil
}

func (p *Provider) RemoveInstances(ctx context.Context, ids []string) error {
	_, err := p.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: ids,
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidInstanceID.NotFound" {
			return nil
		}
		return fmt.Errorf("terminating instances: %w", err)
	}
	return nil
}

func (p *Provider) WaitUntilReady(ctx context.Context, ids []string, opts *interfaces.WaitOptions) error {
	o := opts.Normalize()
	waiter := ec2.NewInstanceRunningWaiter(p.client, func(w *ec2.InstanceRunningWaiterOptions) {
		w.MinDelay = o.Delay
		w.MaxDelay = o.Delay
	})
	err := waiter.Wait(ctx, &ec2.DescribeInstancesInput{InstanceIds: ids}, o.MaxWait())
	if err != nil {
		return fmt.Errorf("waiting for instances to be running: %w", err)
	}
	return nil
}

func (p *Provider) WaitUntilRemoved(ctx context.Context, ids []string, opts *interfaces.WaitOptions) error {
	o := opts.Normalize()
	waiter := ec2.NewInstanceTerminatedWaiter(p.client, func(w *ec2.InstanceTerminatedWaiterOptions) {
		w.MinDelay = o.Delay
		w.MaxDelay = o.Delay
	})
	err := waiter.Wait(ctx, &ec2.DescribeInstancesInput{InstanceIds: ids}, o.MaxWait())
	if err != nil {
		return fmt.Errorf("waiting for instances to be terminated: %w", err)
	}
	return nil
}
