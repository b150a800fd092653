package ec2

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/cloud"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/log"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/types"
)

// API is the subset of the EC2 client the provider calls
type API interface {
	ec2.DescribeInstancesAPIClient
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	StartInstances(ctx context.Context, in *ec2.StartInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
	StopInstances(ctx context.Context, in *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	ModifyInstanceAttribute(ctx context.Context, in *ec2.ModifyInstanceAttributeInput, optFns ...func(*ec2.Options)) (*ec2.ModifyInstanceAttributeOutput, error)
	CreateTags(ctx context.Context, in *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
	DescribeVolumes(ctx context.Context, in *ec2.DescribeVolumesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error)
	CreateVolume(ctx context.Context, in *ec2.CreateVolumeInput, optFns ...func(*ec2.Options)) (*ec2.CreateVolumeOutput, error)
	AttachVolume(ctx context.Context, in *ec2.AttachVolumeInput, optFns ...func(*ec2.Options)) (*ec2.AttachVolumeOutput, error)
	DeleteVolume(ctx context.Context, in *ec2.DeleteVolumeInput, optFns ...func(*ec2.Options)) (*ec2.DeleteVolumeOutput, error)
	DescribeIamInstanceProfileAssociations(ctx context.Context, in *ec2.DescribeIamInstanceProfileAssociationsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeIamInstanceProfileAssociationsOutput, error)
	AssociateIamInstanceProfile(ctx context.Context, in *ec2.AssociateIamInstanceProfileInput, optFns ...func(*ec2.Options)) (*ec2.AssociateIamInstanceProfileOutput, error)
	ReplaceIamInstanceProfileAssociation(ctx context.Context, in *ec2.ReplaceIamInstanceProfileAssociationInput, optFns ...func(*ec2.Options)) (*ec2.ReplaceIamInstanceProfileAssociationOutput, error)
}

// Options configures the provider
type Options struct {
	Region string

	// RateLimit caps API calls per second across all users; zero disables it
	RateLimit float64

	// WaiterTimeout bounds a single waiter call. The retry executor repeats
	// waiter calls that time out.
	WaiterTimeout time.Duration
}

// Provider implements cloud.Provider on EC2
type Provider struct {
	api           API
	limiter       *rate.Limiter
	waiterTimeout time.Duration
	logger        zerolog.Logger
}

var _ cloud.Provider = (*Provider)(nil)

// New loads AWS credentials from the default chain and creates a provider
func New(ctx context.Context, opts Options) (*Provider, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return NewWithAPI(ec2.NewFromConfig(awsCfg), opts), nil
}

// NewWithAPI creates a provider around an existing client
func NewWithAPI(api API, opts Options) *Provider {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), int(opts.RateLimit)+1)
	}
	if opts.WaiterTimeout <= 0 {
		opts.WaiterTimeout = 2 * time.Minute
	}
	return &Provider{
		api:           api,
		limiter:       limiter,
		waiterTimeout: opts.WaiterTimeout,
		logger:        log.WithComponent("ec2"),
	}
}

func (p *Provider) wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}

func (p *Provider) DescribeInstance(ctx context.Context, instanceID string) (*types.Instance, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	out, err := p.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil {
		return nil, mapError(err)
	}
	return instanceFromOutput(instanceID, out)
}

func (p *Provider) RunInstance(ctx context.Context, spec types.LaunchSpec) (string, error) {
	if err := p.wait(ctx); err != nil {
		return "", err
	}

	in := &ec2.RunInstancesInput{
		ImageId:          aws.String(spec.ImageID),
		InstanceType:     ec2types.InstanceType(spec.InstanceType),
		MinCount:         aws.Int32(1),
		MaxCount:         aws.Int32(1),
		SecurityGroupIds: spec.SecurityGroupIDs,
	}
	if spec.KeyName != "" {
		in.KeyName = aws.String(spec.KeyName)
	}
	if spec.SubnetID != "" {
		in.SubnetId = aws.String(spec.SubnetID)
	}
	if spec.BootDevice != "" && spec.BootVolumeSizeGB > 0 {
		ebs := &ec2types.EbsBlockDevice{
			VolumeSize:          aws.Int32(spec.BootVolumeSizeGB),
			DeleteOnTermination: aws.Bool(true),
		}
		if spec.BootVolumeType != "" {
			ebs.VolumeType = ec2types.VolumeType(spec.BootVolumeType)
		}
		in.BlockDeviceMappings = []ec2types.BlockDeviceMapping{{
			DeviceName: aws.String(spec.BootDevice),
			Ebs:        ebs,
		}}
	}

	out, err := p.api.RunInstances(ctx, in)
	if err != nil {
		return "", mapError(err)
	}
	if out == nil || len(out.Instances) == 0 || aws.ToString(out.Instances[0].InstanceId) == "" {
		return "", fmt.Errorf("%w: run instances returned no instance id", cloud.ErrMalformedResponse)
	}

	id := aws.ToString(out.Instances[0].InstanceId)
	p.logger.Info().Str("instance_id", id).Str("instance_type", spec.InstanceType).Msg("Launched instance")
	return id, nil
}

func (p *Provider) StartInstance(ctx context.Context, instanceID string) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	_, err := p.api.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: []string{instanceID}})
	return mapError(err)
}

func (p *Provider) StopInstance(ctx context.Context, instanceID string) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	_, err := p.api.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: []string{instanceID}})
	return mapError(err)
}

func (p *Provider) TerminateInstance(ctx context.Context, instanceID string) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	_, err := p.api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{instanceID}})
	return mapError(err)
}

func (p *Provider) ModifyInstanceType(ctx context.Context, instanceID, instanceType string) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	_, err := p.api.ModifyInstanceAttribute(ctx, &ec2.ModifyInstanceAttributeInput{
		InstanceId:   aws.String(instanceID),
		InstanceType: &ec2types.AttributeValue{Value: aws.String(instanceType)},
	})
	return mapError(err)
}

func (p *Provider) WaitUntilExists(ctx context.Context, instanceID string) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	w := ec2.NewInstanceExistsWaiter(p.api)
	err := w.Wait(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}}, p.waiterTimeout)
	return mapError(err)
}

func (p *Provider) WaitUntilRunning(ctx context.Context, instanceID string) (*types.Instance, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	w := ec2.NewInstanceRunningWaiter(p.api)
	out, err := w.WaitForOutput(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}}, p.waiterTimeout)
	if err != nil {
		return nil, mapError(err)
	}
	return instanceFromOutput(instanceID, out)
}

func (p *Provider) CreateTags(ctx context.Context, resourceID string, tags map[string]string) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	_, err := p.api.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{resourceID},
		Tags:      toTags(tags),
	})
	return mapError(err)
}

func (p *Provider) DescribeVolume(ctx context.Context, volumeID string) (*types.Volume, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	out, err := p.api.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{VolumeIds: []string{volumeID}})
	if err != nil {
		return nil, mapError(err)
	}
	if len(out.Volumes) == 0 {
		return nil, fmt.Errorf("volume %s: %w", volumeID, cloud.ErrNotFound)
	}
	v := out.Volumes[0]
	return &types.Volume{
		ID:         aws.ToString(v.VolumeId),
		SizeGB:     aws.ToInt32(v.Size),
		State:      string(v.State),
		SnapshotID: aws.ToString(v.SnapshotId),
	}, nil
}

func (p *Provider) CreateVolume(ctx context.Context, spec types.VolumeSpec) (string, error) {
	if err := p.wait(ctx); err != nil {
		return "", err
	}

	in := &ec2.CreateVolumeInput{
		AvailabilityZone: aws.String(spec.Zone),
	}
	if spec.SizeGB > 0 {
		in.Size = aws.Int32(spec.SizeGB)
	}
	if spec.SnapshotID != "" {
		in.SnapshotId = aws.String(spec.SnapshotID)
	}
	if spec.VolumeType != "" {
		in.VolumeType = ec2types.VolumeType(spec.VolumeType)
	}

	out, err := p.api.CreateVolume(ctx, in)
	if err != nil {
		return "", mapError(err)
	}
	if out == nil || aws.ToString(out.VolumeId) == "" {
		return "", fmt.Errorf("%w: create volume returned no volume id", cloud.ErrMalformedResponse)
	}
	return aws.ToString(out.VolumeId), nil
}

func (p *Provider) AttachVolume(ctx context.Context, volumeID, instanceID, device string) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	_, err := p.api.AttachVolume(ctx, &ec2.AttachVolumeInput{
		VolumeId:   aws.String(volumeID),
		InstanceId: aws.String(instanceID),
		Device:     aws.String(device),
	})
	return mapError(err)
}

func (p *Provider) DeleteVolume(ctx context.Context, volumeID string) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	_, err := p.api.DeleteVolume(ctx, &ec2.DeleteVolumeInput{VolumeId: aws.String(volumeID)})
	return mapError(err)
}

// AssociateRole attaches the role's instance profile. An existing association
// with the same profile is left alone; a different one is replaced.
func (p *Provider) AssociateRole(ctx context.Context, instanceID string, role types.RoleBinding) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	existing, err := p.api.DescribeIamInstanceProfileAssociations(ctx, &ec2.DescribeIamInstanceProfileAssociationsInput{
		Filters: []ec2types.Filter{{Name: aws.String("instance-id"), Values: []string{instanceID}}},
	})
	if err != nil {
		return mapError(err)
	}

	profile := &ec2types.IamInstanceProfileSpecification{Arn: aws.String(role.RoleIdentifier)}
	if role.RoleIdentifier == "" {
		profile = &ec2types.IamInstanceProfileSpecification{Name: aws.String(role.RoleName)}
	}

	for _, a := range existing.IamInstanceProfileAssociations {
		if a.State != ec2types.IamInstanceProfileAssociationStateAssociated &&
			a.State != ec2types.IamInstanceProfileAssociationStateAssociating {
			continue
		}
		if a.IamInstanceProfile != nil && role.RoleIdentifier != "" && aws.ToString(a.IamInstanceProfile.Arn) == role.RoleIdentifier {
			return nil
		}
		_, err := p.api.ReplaceIamInstanceProfileAssociation(ctx, &ec2.ReplaceIamInstanceProfileAssociationInput{
			AssociationId:      a.AssociationId,
			IamInstanceProfile: profile,
		})
		return mapError(err)
	}

	_, err = p.api.AssociateIamInstanceProfile(ctx, &ec2.AssociateIamInstanceProfileInput{
		InstanceId:         aws.String(instanceID),
		IamInstanceProfile: profile,
	})
	return mapError(err)
}

func instanceFromOutput(instanceID string, out *ec2.DescribeInstancesOutput) (*types.Instance, error) {
	if out == nil {
		return nil, fmt.Errorf("%w: empty describe response", cloud.ErrMalformedResponse)
	}
	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			if aws.ToString(inst.InstanceId) != instanceID {
				continue
			}
			if inst.State == nil {
				return nil, fmt.Errorf("%w: instance %s has no state", cloud.ErrMalformedResponse, instanceID)
			}
			return &types.Instance{
				ID:             instanceID,
				Phase:          types.LifecyclePhase(inst.State.Name),
				PrivateAddress: aws.ToString(inst.PrivateIpAddress),
				InstanceType:   string(inst.InstanceType),
				LaunchTime:     aws.ToTime(inst.LaunchTime),
			}, nil
		}
	}
	return nil, fmt.Errorf("instance %s: %w", instanceID, cloud.ErrNotFound)
}

func toTags(m map[string]string) []ec2types.Tag {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tags := make([]ec2types.Tag, 0, len(m))
	for _, k := range keys {
		tags = append(tags, ec2types.Tag{Key: aws.String(k), Value: aws.String(m[k])})
	}
	return tags
}

var notFoundCodes = map[string]bool{
	"InvalidInstanceID.NotFound": true,
	"InvalidVolume.NotFound":     true,
}

// mapError translates provider error codes into cloud sentinels
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && notFoundCodes[apiErr.ErrorCode()] {
		return fmt.Errorf("%w: %s", cloud.ErrNotFound, apiErr.ErrorMessage())
	}
	return err
}
