// Package compute manages the lifecycle of EC2 build hosts and the machine
// images made from them.
package compute

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/buildhost/ec2-builder/pkg/errors"
	"github.com/buildhost/ec2-builder/pkg/poll"
	"github.com/samber/lo"
)

// ProbeFunc checks that addr accepts TCP connections.
type ProbeFunc func(ctx context.Context, addr string) error

// Options tune how the client waits on EC2.
type Options struct {
	SSHPort        int
	InstancePolicy poll.Policy
	ImagePolicy    poll.Policy
	Probe          ProbeFunc
}

// Client provides instance and image operations on EC2
type Client struct {
	ec2            EC2API
	sshPort        int
	instancePolicy poll.Policy
	imagePolicy    poll.Policy
	probe          ProbeFunc
}

// NewClient creates an EC2 client for region using the default credential chain
func NewClient(ctx context.Context, region string, opts Options) (*Client, error) {
	slog.Info("ec2_client_init", "region", region)

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	return New(ec2.NewFromConfig(cfg), opts), nil
}

// New wraps an existing EC2 API implementation.
func New(api EC2API, opts Options) *Client {
	if opts.SSHPort == 0 {
		opts.SSHPort = 22
	}
	if opts.Probe == nil {
		opts.Probe = tcpProbe
	}
	return &Client{
		ec2:            api,
		sshPort:        opts.SSHPort,
		instancePolicy: opts.InstancePolicy,
		imagePolicy:    opts.ImagePolicy,
		probe:          opts.Probe,
	}
}

// ResolveBaseImage returns the id of the newest image matching filter.
func (c *Client) ResolveBaseImage(ctx context.Context, filter ImageFilter) (string, error) {
	slog.Info("resolve_base_image_start", "name", filter.Name, "owners", filter.Owners)

	out, err := c.ec2.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Filters: []types.Filter{{Name: aws.String("name"), Values: []string{filter.Name}}},
		Owners:  filter.Owners,
	})
	if err != nil {
		slog.Error("describe_images_failed", "name", filter.Name, "error", err)
		return "", errors.Wrap(err, "failed to describe images")
	}

	if len(out.Images) == 0 {
		slog.Error("base_image_not_found", "name", filter.Name)
		return "", errors.E(errors.ErrLookup, "resolve_base_image", fmt.Errorf("no image matches name %q", filter.Name))
	}

	newest := lo.MaxBy(out.Images, func(a, b types.Image) bool {
		return lo.FromPtr(a.CreationDate) > lo.FromPtr(b.CreationDate)
	})
	imageID := lo.FromPtr(newest.ImageId)

	slog.Info("base_image_resolved", "name", filter.Name, "image_id", imageID, "matches", len(out.Images))
	return imageID, nil
}

// ImageNameExists reports whether an image owned by this account is already
// registered under name.
func (c *Client) ImageNameExists(ctx context.Context, name string) (bool, error) {
	out, err := c.ec2.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Filters: []types.Filter{{Name: aws.String("name"), Values: []string{name}}},
		Owners:  []string{"self"},
	})
	if err != nil {
		slog.Error("describe_images_failed", "name", name, "error", err)
		return false, errors.Wrap(err, "failed to describe images")
	}

	exists := len(out.Images) > 0
	slog.Info("image_name_checked", "name", name, "exists", exists)
	return exists, nil
}

// CreateInstance launches one instance and blocks until it is running with a
// public address whose SSH port accepts connections. If the instance was
// launched but the wait fails, the instance is returned alongside the error
// so the caller can release it.
func (c *Client) CreateInstance(ctx context.Context, spec InstanceSpec) (*Instance, error) {
	slog.Info("create_instance_start", "image_id", spec.ImageID, "instance_type", spec.InstanceType, "key_name", spec.KeyName)

	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(spec.ImageID),
		InstanceType: types.InstanceType(spec.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
	}
	if spec.KeyName != "" {
		input.KeyName = aws.String(spec.KeyName)
	}
	if tags := instanceTags(spec); len(tags) > 0 {
		input.TagSpecifications = []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags:         tags,
		}}
	}

	out, err := c.ec2.RunInstances(ctx, input)
	if err != nil {
		slog.Error("run_instances_failed", "image_id", spec.ImageID, "error", err)
		return nil, errors.Wrap(err, "failed to run instance")
	}
	if len(out.Instances) == 0 || out.Instances[0].InstanceId == nil {
		return nil, errors.E(errors.ErrProvisioning, "run_instances", fmt.Errorf("no instances created"))
	}

	inst := &Instance{
		ID:           *out.Instances[0].InstanceId,
		InstanceType: spec.InstanceType,
		State:        string(types.InstanceStateNamePending),
	}
	slog.Info("instance_created", "instance_id", inst.ID)

	if err := c.waitReachable(ctx, inst); err != nil {
		slog.Error("instance_not_reachable", "instance_id", inst.ID, "state", inst.State, "error", err)
		return inst, err
	}

	slog.Info("instance_reachable", "instance_id", inst.ID, "public_ip", inst.PublicIP)
	return inst, nil
}

func (c *Client) waitReachable(ctx context.Context, inst *Instance) error {
	check := func(ctx context.Context) (bool, error) {
		out, err := c.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			InstanceIds: []string{inst.ID},
		})
		if err != nil {
			return false, err
		}
		if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
			return false, nil
		}

		described := out.Reservations[0].Instances[0]
		state := types.InstanceStateNamePending
		if described.State != nil {
			state = described.State.Name
		}
		inst.State = string(state)

		switch state {
		case types.InstanceStateNameShuttingDown, types.InstanceStateNameTerminated,
			types.InstanceStateNameStopping, types.InstanceStateNameStopped:
			return false, errors.E(errors.ErrProvisioning, "wait_instance_running",
				fmt.Errorf("instance %s entered state %s", inst.ID, state))
		case types.InstanceStateNameRunning:
		default:
			return false, nil
		}

		inst.PublicIP = lo.FromPtr(described.PublicIpAddress)
		if inst.PublicIP == "" {
			return false, nil
		}

		addr := net.JoinHostPort(inst.PublicIP, strconv.Itoa(c.sshPort))
		if err := c.probe(ctx, addr); err != nil {
			slog.Debug("ssh_port_not_ready", "instance_id", inst.ID, "addr", addr, "error", err)
			return false, nil
		}
		return true, nil
	}

	notify := func(attempt int, next time.Duration) {
		slog.Info("waiting_for_instance", "instance_id", inst.ID, "state", inst.State, "attempt", attempt, "next_poll", next)
	}

	if err := poll.Until(ctx, c.instancePolicy, check, notify); err != nil {
		if errors.Is(err, errors.ErrProvisioning) {
			return err
		}
		return errors.E(errors.ErrProvisioning, "wait_instance_reachable", err)
	}
	return nil
}

// CreateImage snapshots a running instance into a new machine image.
func (c *Client) CreateImage(ctx context.Context, instanceID, name, description string) (string, error) {
	slog.Info("create_image_start", "instance_id", instanceID, "name", name)

	out, err := c.ec2.CreateImage(ctx, &ec2.CreateImageInput{
		InstanceId:  aws.String(instanceID),
		Name:        aws.String(name),
		Description: aws.String(description),
	})
	if err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) && ae.ErrorCode() == "InvalidAMIName.Duplicate" {
			return "", errors.E(errors.ErrNameConflict, "create_image", err)
		}
		slog.Error("create_image_failed", "instance_id", instanceID, "error", err)
		return "", errors.Wrap(err, "failed to create image")
	}

	imageID := lo.FromPtr(out.ImageId)
	slog.Info("image_requested", "instance_id", instanceID, "image_id", imageID)
	return imageID, nil
}

// ImageState returns the current state of imageID. An image that is not yet
// visible is reported as pending.
func (c *Client) ImageState(ctx context.Context, imageID string) (string, error) {
	out, err := c.ec2.DescribeImages(ctx, &ec2.DescribeImagesInput{
		ImageIds: []string{imageID},
	})
	if err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) && ae.ErrorCode() == "InvalidAMIID.NotFound" {
			return ImageStatePending, nil
		}
		return "", errors.Wrap(err, "failed to describe image")
	}
	if len(out.Images) == 0 {
		return ImageStatePending, nil
	}
	return string(out.Images[0].State), nil
}

// WaitImageAvailable polls imageID until it is available. onPoll is invoked
// after every describe call with the observed state.
func (c *Client) WaitImageAvailable(ctx context.Context, imageID string, onPoll func(attempt int, state string)) error {
	attempt := 0

	check := func(ctx context.Context) (bool, error) {
		state, err := c.ImageState(ctx, imageID)
		if err != nil {
			return false, err
		}
		attempt++
		if onPoll != nil {
			onPoll(attempt, state)
		}

		switch types.ImageState(state) {
		case types.ImageStateAvailable:
			return true, nil
		case types.ImageStateFailed, types.ImageStateInvalid, types.ImageStateError,
			types.ImageStateDeregistered:
			return false, errors.E(errors.ErrProvisioning, "wait_image_available",
				fmt.Errorf("image %s entered state %s", imageID, state))
		}
		return false, nil
	}

	if err := poll.Until(ctx, c.imagePolicy, check, nil); err != nil {
		slog.Error("image_not_available", "image_id", imageID, "polls", attempt, "error", err)
		if errors.Is(err, errors.ErrProvisioning) {
			return err
		}
		return errors.E(errors.ErrProvisioning, "wait_image_available", err)
	}

	slog.Info("image_available", "image_id", imageID, "polls", attempt)
	return nil
}

// TerminateInstance requests termination without waiting for it to finish.
func (c *Client) TerminateInstance(ctx context.Context, instanceID string) error {
	slog.Info("terminate_instance", "instance_id", instanceID)

	_, err := c.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		slog.Error("terminate_instance_failed", "instance_id", instanceID, "error", err)
		return errors.Wrap(err, "failed to terminate instance")
	}
	return nil
}

func instanceTags(spec InstanceSpec) []types.Tag {
	var tags []types.Tag
	if spec.Name != "" {
		tags = append(tags, types.Tag{Key: aws.String("Name"), Value: aws.String(spec.Name)})
	}

	keys := lo.Keys(spec.Tags)
	sort.Strings(keys)
	for _, k := range keys {
		tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(spec.Tags[k])})
	}
	return tags
}

func tcpProbe(ctx context.Context, addr string) error {
	d := net.Dialer{Timeout: 5 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}
