package compute

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
)

// EC2API is the subset of the EC2 client the lifecycle manager calls.
type EC2API interface {
	DescribeImages(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	CreateImage(ctx context.Context, params *ec2.CreateImageInput, optFns ...func(*ec2.Options)) (*ec2.CreateImageOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// ImageFilter selects a base image from the catalog.
type ImageFilter struct {
	// Name is matched with the EC2 "name" filter and may contain wildcards.
	Name   string
	Owners []string
}

// InstanceSpec describes the build host to launch.
type InstanceSpec struct {
	ImageID      string
	InstanceType string
	KeyName      string
	Name         string
	Tags         map[string]string
}

// Instance is a launched build host.
type Instance struct {
	ID           string
	PublicIP     string
	InstanceType string
	State        string
}

// Image states reported by DescribeImages.
const (
	ImageStatePending   = "pending"
	ImageStateAvailable = "available"
)

// Image is a machine image in the provider's catalog.
type Image struct {
	ID    string
	Name  string
	State string
}
