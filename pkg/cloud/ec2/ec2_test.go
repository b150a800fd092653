package ec2

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/cloud"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/types"
)

type fakeAPI struct {
	API

	describe   func(*ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error)
	run        func(*ec2.RunInstancesInput) (*ec2.RunInstancesOutput, error)
	volumes    func(*ec2.DescribeVolumesInput) (*ec2.DescribeVolumesOutput, error)
	create     func(*ec2.CreateVolumeInput) (*ec2.CreateVolumeOutput, error)
	assocs     []ec2types.IamInstanceProfileAssociation
	associated []*ec2.AssociateIamInstanceProfileInput
	replaced   []*ec2.ReplaceIamInstanceProfileAssociationInput
	tagged     []*ec2.CreateTagsInput
}

func (f *fakeAPI) DescribeInstances(_ context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	return f.describe(in)
}

func (f *fakeAPI) RunInstances(_ context.Context, in *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	return f.run(in)
}

func (f *fakeAPI) DescribeVolumes(_ context.Context, in *ec2.DescribeVolumesInput, _ ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error) {
	return f.volumes(in)
}

func (f *fakeAPI) CreateVolume(_ context.Context, in *ec2.CreateVolumeInput, _ ...func(*ec2.Options)) (*ec2.CreateVolumeOutput, error) {
	return f.create(in)
}

func (f *fakeAPI) CreateTags(_ context.Context, in *ec2.CreateTagsInput, _ ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	f.tagged = append(f.tagged, in)
	return &ec2.CreateTagsOutput{}, nil
}

func (f *fakeAPI) DescribeIamInstanceProfileAssociations(_ context.Context, _ *ec2.DescribeIamInstanceProfileAssociationsInput, _ ...func(*ec2.Options)) (*ec2.DescribeIamInstanceProfileAssociationsOutput, error) {
	return &ec2.DescribeIamInstanceProfileAssociationsOutput{IamInstanceProfileAssociations: f.assocs}, nil
}

func (f *fakeAPI) AssociateIamInstanceProfile(_ context.Context, in *ec2.AssociateIamInstanceProfileInput, _ ...func(*ec2.Options)) (*ec2.AssociateIamInstanceProfileOutput, error) {
	f.associated = append(f.associated, in)
	return &ec2.AssociateIamInstanceProfileOutput{}, nil
}

func (f *fakeAPI) ReplaceIamInstanceProfileAssociation(_ context.Context, in *ec2.ReplaceIamInstanceProfileAssociationInput, _ ...func(*ec2.Options)) (*ec2.ReplaceIamInstanceProfileAssociationOutput, error) {
	f.replaced = append(f.replaced, in)
	return &ec2.ReplaceIamInstanceProfileAssociationOutput{}, nil
}

func TestDescribeInstance(t *testing.T) {
	launch := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		out       *ec2.DescribeInstancesOutput
		err       error
		wantPhase types.LifecyclePhase
		wantErr   error
	}{
		{
			name: "running",
			out: &ec2.DescribeInstancesOutput{Reservations: []ec2types.Reservation{{Instances: []ec2types.Instance{{
				InstanceId:       aws.String("i-1"),
				State:            &ec2types.InstanceState{Name: ec2types.InstanceStateNameRunning},
				PrivateIpAddress: aws.String("10.0.0.5"),
				InstanceType:     ec2types.InstanceTypeT3Medium,
				LaunchTime:       aws.Time(launch),
			}}}}},
			wantPhase: types.PhaseRunning,
		},
		{
			name:    "empty reservations",
			out:     &ec2.DescribeInstancesOutput{},
			wantErr: cloud.ErrNotFound,
		},
		{
			name:    "api not found",
			err:     &smithy.GenericAPIError{Code: "InvalidInstanceID.NotFound", Message: "gone"},
			wantErr: cloud.ErrNotFound,
		},
		{
			name: "missing state",
			out: &ec2.DescribeInstancesOutput{Reservations: []ec2types.Reservation{{Instances: []ec2types.Instance{{
				InstanceId: aws.String("i-1"),
			}}}}},
			wantErr: cloud.ErrMalformedResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{describe: func(in *ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
				assert.Equal(t, []string{"i-1"}, in.InstanceIds)
				return tt.out, tt.err
			}}
			p := NewWithAPI(api, Options{})

			inst, err := p.DescribeInstance(context.Background(), "i-1")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPhase, inst.Phase)
			assert.Equal(t, "10.0.0.5", inst.PrivateAddress)
			assert.Equal(t, "t3.medium", inst.InstanceType)
			assert.Equal(t, launch, inst.LaunchTime)
		})
	}
}

func TestRunInstance(t *testing.T) {
	var captured *ec2.RunInstancesInput
	api := &fakeAPI{run: func(in *ec2.RunInstancesInput) (*ec2.RunInstancesOutput, error) {
		captured = in
		return &ec2.RunInstancesOutput{Instances: []ec2types.Instance{{InstanceId: aws.String("i-new")}}}, nil
	}}
	p := NewWithAPI(api, Options{RateLimit: 5})

	id, err := p.RunInstance(context.Background(), types.LaunchSpec{
		ImageID:          "ami-1",
		InstanceType:     "t3.small",
		KeyName:          "hub",
		SubnetID:         "subnet-1",
		SecurityGroupIDs: []string{"sg-1"},
		BootDevice:       "/dev/sda1",
		BootVolumeSizeGB: 20,
		BootVolumeType:   "gp3",
	})
	require.NoError(t, err)
	assert.Equal(t, "i-new", id)

	require.NotNil(t, captured)
	assert.Equal(t, int32(1), aws.ToInt32(captured.MinCount))
	assert.Equal(t, int32(1), aws.ToInt32(captured.MaxCount))
	assert.Equal(t, ec2types.InstanceType("t3.small"), captured.InstanceType)
	require.Len(t, captured.BlockDeviceMappings, 1)
	assert.Equal(t, int32(20), aws.ToInt32(captured.BlockDeviceMappings[0].Ebs.VolumeSize))
}

func TestRunInstanceMalformed(t *testing.T) {
	api := &fakeAPI{run: func(*ec2.RunInstancesInput) (*ec2.RunInstancesOutput, error) {
		return &ec2.RunInstancesOutput{}, nil
	}}
	p := NewWithAPI(api, Options{})

	_, err := p.RunInstance(context.Background(), types.LaunchSpec{ImageID: "ami-1", InstanceType: "t3.small"})
	assert.ErrorIs(t, err, cloud.ErrMalformedResponse)
}

func TestVolumes(t *testing.T) {
	api := &fakeAPI{
		volumes: func(in *ec2.DescribeVolumesInput) (*ec2.DescribeVolumesOutput, error) {
			if in.VolumeIds[0] == "vol-gone" {
				return nil, &smithy.GenericAPIError{Code: "InvalidVolume.NotFound"}
			}
			return &ec2.DescribeVolumesOutput{Volumes: []ec2types.Volume{{
				VolumeId: aws.String("vol-1"),
				Size:     aws.Int32(50),
				State:    ec2types.VolumeStateAvailable,
			}}}, nil
		},
		create: func(in *ec2.CreateVolumeInput) (*ec2.CreateVolumeOutput, error) {
			assert.Equal(t, "eu-west-2a", aws.ToString(in.AvailabilityZone))
			assert.Equal(t, ec2types.VolumeType("gp3"), in.VolumeType)
			return &ec2.CreateVolumeOutput{VolumeId: aws.String("vol-new")}, nil
		},
	}
	p := NewWithAPI(api, Options{})
	ctx := context.Background()

	vol, err := p.DescribeVolume(ctx, "vol-1")
	require.NoError(t, err)
	assert.Equal(t, int32(50), vol.SizeGB)
	assert.Equal(t, "available", vol.State)

	_, err = p.DescribeVolume(ctx, "vol-gone")
	assert.True(t, cloud.IsNotFound(err))

	id, err := p.CreateVolume(ctx, types.VolumeSpec{Zone: "eu-west-2a", SizeGB: 10, VolumeType: "gp3"})
	require.NoError(t, err)
	assert.Equal(t, "vol-new", id)
}

func TestAssociateRole(t *testing.T) {
	role := types.RoleBinding{UserID: "alice", RoleName: "alice-role", RoleIdentifier: "arn:aws:iam::1:instance-profile/alice"}

	tests := []struct {
		name         string
		assocs       []ec2types.IamInstanceProfileAssociation
		wantAssoc    int
		wantReplaced int
	}{
		{name: "no association", wantAssoc: 1},
		{
			name: "same profile",
			assocs: []ec2types.IamInstanceProfileAssociation{{
				AssociationId:      aws.String("a-1"),
				State:              ec2types.IamInstanceProfileAssociationStateAssociated,
				IamInstanceProfile: &ec2types.IamInstanceProfile{Arn: aws.String(role.RoleIdentifier)},
			}},
		},
		{
			name: "other profile",
			assocs: []ec2types.IamInstanceProfileAssociation{{
				AssociationId:      aws.String("a-1"),
				State:              ec2types.IamInstanceProfileAssociationStateAssociated,
				IamInstanceProfile: &ec2types.IamInstanceProfile{Arn: aws.String("arn:aws:iam::1:instance-profile/bob")},
			}},
			wantReplaced: 1,
		},
		{
			name: "disassociated ignored",
			assocs: []ec2types.IamInstanceProfileAssociation{{
				AssociationId: aws.String("a-1"),
				State:         ec2types.IamInstanceProfileAssociationStateDisassociated,
			}},
			wantAssoc: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{assocs: tt.assocs}
			p := NewWithAPI(api, Options{})

			require.NoError(t, p.AssociateRole(context.Background(), "i-1", role))
			assert.Len(t, api.associated, tt.wantAssoc)
			assert.Len(t, api.replaced, tt.wantReplaced)
		})
	}
}

func TestToTagsSorted(t *testing.T) {
	tags := toTags(map[string]string{"User": "alice", "Name": "jupyter_alice", "Owner": "hub"})
	require.Len(t, tags, 3)
	assert.Equal(t, "Name", aws.ToString(tags[0].Key))
	assert.Equal(t, "Owner", aws.ToString(tags[1].Key))
	assert.Equal(t, "User", aws.ToString(tags[2].Key))
}

func TestMapError(t *testing.T) {
	assert.NoError(t, mapError(nil))

	plain := errors.New("throttled")
	assert.Equal(t, plain, mapError(plain))

	other := &smithy.GenericAPIError{Code: "UnauthorizedOperation"}
	assert.False(t, cloud.IsNotFound(mapError(other)))
}
