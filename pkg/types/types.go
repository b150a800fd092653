package types

import (
	"net"
	"strconv"
	"time"
)

// InstanceRecord is the durable mapping from a user to the compute resource
// and persistent volume provisioned for them. At most one exists per user.
type InstanceRecord struct {
	UserID     string    `json:"user_id"`
	ResourceID string    `json:"resource_id"`
	VolumeID   string    `json:"volume_id"`
	RoleName   string    `json:"role_name,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// RoleBinding is the authorization context attached to a user's instance
type RoleBinding struct {
	UserID         string `json:"user_id" yaml:"user_id"`
	RoleName       string `json:"role_name" yaml:"role_name"`
	RoleIdentifier string `json:"role_identifier" yaml:"role_identifier"`
	StorageBucket  string `json:"storage_bucket,omitempty" yaml:"storage_bucket,omitempty"`
}

// LifecyclePhase is the provider-reported state of a compute resource
type LifecyclePhase string

const (
	PhasePending      LifecyclePhase = "pending"
	PhaseRunning      LifecyclePhase = "running"
	PhaseStopping     LifecyclePhase = "stopping"
	PhaseStopped      LifecyclePhase = "stopped"
	PhaseShuttingDown LifecyclePhase = "shutting-down"
	PhaseTerminated   LifecyclePhase = "terminated"
)

// Resumable reports whether an instance in this phase can be brought back
// with a start call instead of being re-provisioned.
func (p LifecyclePhase) Resumable() bool {
	switch p {
	case PhaseStopped, PhaseStopping, PhasePending, PhaseShuttingDown:
		return true
	}
	return false
}

// Instance is a live snapshot of a compute resource as reported by the cloud.
// It is never cached beyond a single orchestration step.
type Instance struct {
	ID             string
	Phase          LifecyclePhase
	PrivateAddress string
	InstanceType   string
	LaunchTime     time.Time
}

// Uptime returns wall-clock time since launch
func (i *Instance) Uptime(now time.Time) time.Duration {
	if i.LaunchTime.IsZero() {
		return 0
	}
	return now.Sub(i.LaunchTime)
}

// Volume is a live snapshot of a persistent block volume
type Volume struct {
	ID         string
	SizeGB     int32
	State      string
	SnapshotID string
}

// VolumeSpec describes a volume to create
type VolumeSpec struct {
	Zone       string
	SizeGB     int32
	SnapshotID string
	VolumeType string
}

// LaunchSpec describes a compute resource to launch
type LaunchSpec struct {
	ImageID          string
	InstanceType     string
	KeyName          string
	SubnetID         string
	SecurityGroupIDs []string
	BootDevice       string
	BootVolumeSizeGB int32
	BootVolumeType   string
}

// Endpoint is where the invoking framework can reach a user's notebook
type Endpoint struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(e.Port))
}

// ProvisionedInstance is the outcome of a successful provisioning run
type ProvisionedInstance struct {
	Record   *InstanceRecord
	Instance *Instance
	Volume   VolumeSelection
}

// VolumeSelection records which volume was chosen and how it came to be
type VolumeSelection struct {
	VolumeID string
	Source   VolumeSource
}

// Fresh reports whether the volume was created empty during this request
// and therefore needs a filesystem before it can be mounted.
func (s VolumeSelection) Fresh() bool {
	return s.Source == VolumeSourceCreated
}

// Created reports whether the volume was created during this request
func (s VolumeSelection) Created() bool {
	return s.Source == VolumeSourceCreated || s.Source == VolumeSourceSnapshot
}

// VolumeSource explains which branch of volume selection produced a volume
type VolumeSource string

const (
	VolumeSourceRegistry VolumeSource = "registry"
	VolumeSourceExisting VolumeSource = "existing"
	VolumeSourceCreated  VolumeSource = "created"
	VolumeSourceSnapshot VolumeSource = "snapshot"
)

// PollStatus is the coarse outcome of a poll
type PollStatus string

const (
	PollHealthy    PollStatus = "healthy"
	PollDegraded   PollStatus = "degraded"
	PollNotTracked PollStatus = "not-tracked"
)

// Degraded reasons
const (
	ReasonHang              = "hang"
	ReasonServiceNotRunning = "service not running"
	ReasonNotReady          = "resource not ready"
)

// PollResult is returned by a poll of a user's instance
type PollResult struct {
	Status PollStatus `json:"status"`
	Reason string     `json:"reason,omitempty"`
}

// Healthy reports whether the notebook is running and reachable
func (r PollResult) Healthy() bool {
	return r.Status == PollHealthy
}

// StatusText follows the hub convention: empty means healthy, anything else
// describes why the server is not usable.
func (r PollResult) StatusText() string {
	switch r.Status {
	case PollHealthy:
		return ""
	case PollNotTracked:
		return "instance not found/tracked"
	default:
		return r.Reason
	}
}
