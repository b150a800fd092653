package cloud

import (
	"context"
	"errors"

	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/types"
)

var (
	// ErrNotFound means the provider does not know the resource id
	ErrNotFound = errors.New("cloud resource not found")

	// ErrMalformedResponse means the provider answered without the fields a
	// well-formed response must carry
	ErrMalformedResponse = errors.New("malformed provider response")
)

// Provider is the cloud control plane. Implementations make exactly one API
// call per method (waiters excepted) and never retry; callers wrap every
// method with the retry executor.
type Provider interface {
	DescribeInstance(ctx context.Context, instanceID string) (*types.Instance, error)
	RunInstance(ctx context.Context, spec types.LaunchSpec) (string, error)
	StartInstance(ctx context.Context, instanceID string) error
	StopInstance(ctx context.Context, instanceID string) error
	TerminateInstance(ctx context.Context, instanceID string) error
	ModifyInstanceType(ctx context.Context, instanceID, instanceType string) error
	WaitUntilExists(ctx context.Context, instanceID string) error
	WaitUntilRunning(ctx context.Context, instanceID string) (*types.Instance, error)

	CreateTags(ctx context.Context, resourceID string, tags map[string]string) error

	DescribeVolume(ctx context.Context, volumeID string) (*types.Volume, error)
	CreateVolume(ctx context.Context, spec types.VolumeSpec) (string, error)
	AttachVolume(ctx context.Context, volumeID, instanceID, device string) error
	DeleteVolume(ctx context.Context, volumeID string) error

	AssociateRole(ctx context.Context, instanceID string, role types.RoleBinding) error
}

// IsNotFound reports whether err means the resource is gone
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
