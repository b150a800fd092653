// Package cloudtest provides an in-memory cloud.Provider for tests
package cloudtest

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/cloud"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/types"
)

// Call records one provider method invocation
type Call struct {
	Method string
	ID     string
	Arg    string
}

// Provider keeps instances and volumes in maps. Instances move to running
// on RunInstance and StartInstance, and to stopped or terminated
// immediately on the matching calls.
type Provider struct {
	mu        sync.Mutex
	instances map[string]*types.Instance
	volumes   map[string]*types.Volume
	tags      map[string]map[string]string
	attached  map[string]string
	roles     map[string]types.RoleBinding
	failures  map[string][]error
	calls     []Call
	nextID    int

	// Now stamps launch times; defaults to time.Now
	Now func() time.Time

	// Address assigns private addresses to launched instances
	Address func(instanceID string) string
}

func New() *Provider {
	return &Provider{
		instances: make(map[string]*types.Instance),
		volumes:   make(map[string]*types.Volume),
		tags:      make(map[string]map[string]string),
		attached:  make(map[string]string),
		roles:     make(map[string]types.RoleBinding),
		failures:  make(map[string][]error),
		Now:       time.Now,
		Address: func(id string) string {
			return "10.0.0." + id[len(id)-1:]
		},
	}
}

var _ cloud.Provider = (*Provider)(nil)

// AddInstance seeds an instance
func (p *Provider) AddInstance(inst types.Instance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.instances[inst.ID] = &inst
}

// AddVolume seeds a volume
func (p *Provider) AddVolume(vol types.Volume) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volumes[vol.ID] = &vol
}

// SetPhase changes an instance's phase
func (p *Provider) SetPhase(id string, phase types.LifecyclePhase) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if inst, ok := p.instances[id]; ok {
		inst.Phase = phase
	}
}

// FailNext queues errors returned, in order, by the next calls to method
func (p *Provider) FailNext(method string, errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[method] = append(p.failures[method], errs...)
}

// Instance returns a copy of a stored instance
func (p *Provider) Instance(id string) (types.Instance, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.instances[id]
	if !ok {
		return types.Instance{}, false
	}
	return *inst, true
}

// HasVolume reports whether a volume exists
func (p *Provider) HasVolume(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.volumes[id]
	return ok
}

// Tags returns the tags applied to a resource
func (p *Provider) Tags(id string) map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return maps.Clone(p.tags[id])
}

// AttachedTo returns the instance a volume is attached to
func (p *Provider) AttachedTo(volumeID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attached[volumeID]
}

// Role returns the role associated with an instance
func (p *Provider) Role(instanceID string) (types.RoleBinding, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.roles[instanceID]
	return r, ok
}

// Calls returns every recorded call
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.calls...)
}

// CallCount counts calls to method
func (p *Provider) CallCount(method string) int {
	n := 0
	for _, c := range p.Calls() {
		if c.Method == method {
			n++
		}
	}
	return n
}

// InstanceCount returns the number of non-terminated instances
func (p *Provider) InstanceCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, inst := range p.instances {
		if inst.Phase != types.PhaseTerminated {
			n++
		}
	}
	return n
}

// record must be called with mu held
func (p *Provider) record(method, id, arg string) error {
	p.calls = append(p.calls, Call{Method: method, ID: id, Arg: arg})
	if q := p.failures[method]; len(q) > 0 {
		p.failures[method] = q[1:]
		return q[0]
	}
	return nil
}

// mintID returns the next id with prefix that no seeded resource uses
func (p *Provider) mintID(prefix string) string {
	for {
		p.nextID++
		id := fmt.Sprintf("%s-%d", prefix, p.nextID)
		_, isInstance := p.instances[id]
		_, isVolume := p.volumes[id]
		if !isInstance && !isVolume {
			return id
		}
	}
}

func (p *Provider) instance(id string) (*types.Instance, error) {
	inst, ok := p.instances[id]
	if !ok {
		return nil, fmt.Errorf("instance %s: %w", id, cloud.ErrNotFound)
	}
	return inst, nil
}

func (p *Provider) DescribeInstance(_ context.Context, id string) (*types.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("DescribeInstance", id, ""); err != nil {
		return nil, err
	}
	inst, err := p.instance(id)
	if err != nil {
		return nil, err
	}
	c := *inst
	return &c, nil
}

func (p *Provider) RunInstance(_ context.Context, spec types.LaunchSpec) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("RunInstance", "", spec.InstanceType); err != nil {
		return "", err
	}
	id := p.mintID("i")
	p.instances[id] = &types.Instance{
		ID:             id,
		Phase:          types.PhaseRunning,
		PrivateAddress: p.Address(id),
		InstanceType:   spec.InstanceType,
		LaunchTime:     p.Now(),
	}
	return id, nil
}

func (p *Provider) transition(method, id string, phase types.LifecyclePhase) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record(method, id, string(phase)); err != nil {
		return err
	}
	inst, err := p.instance(id)
	if err != nil {
		return err
	}
	inst.Phase = phase
	if phase == types.PhaseRunning {
		inst.LaunchTime = p.Now()
	}
	return nil
}

func (p *Provider) StartInstance(_ context.Context, id string) error {
	return p.transition("StartInstance", id, types.PhaseRunning)
}

func (p *Provider) StopInstance(_ context.Context, id string) error {
	return p.transition("StopInstance", id, types.PhaseStopped)
}

func (p *Provider) TerminateInstance(_ context.Context, id string) error {
	return p.transition("TerminateInstance", id, types.PhaseTerminated)
}

func (p *Provider) ModifyInstanceType(_ context.Context, id, instanceType string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("ModifyInstanceType", id, instanceType); err != nil {
		return err
	}
	inst, err := p.instance(id)
	if err != nil {
		return err
	}
	inst.InstanceType = instanceType
	return nil
}

func (p *Provider) WaitUntilExists(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("WaitUntilExists", id, ""); err != nil {
		return err
	}
	_, err := p.instance(id)
	return err
}

func (p *Provider) WaitUntilRunning(_ context.Context, id string) (*types.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("WaitUntilRunning", id, ""); err != nil {
		return nil, err
	}
	inst, err := p.instance(id)
	if err != nil {
		return nil, err
	}
	if inst.Phase != types.PhaseRunning {
		return nil, fmt.Errorf("instance %s is %s", id, inst.Phase)
	}
	c := *inst
	return &c, nil
}

func (p *Provider) CreateTags(_ context.Context, id string, tags map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("CreateTags", id, ""); err != nil {
		return err
	}
	if p.tags[id] == nil {
		p.tags[id] = make(map[string]string)
	}
	maps.Copy(p.tags[id], tags)
	return nil
}

func (p *Provider) DescribeVolume(_ context.Context, id string) (*types.Volume, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("DescribeVolume", id, ""); err != nil {
		return nil, err
	}
	v, ok := p.volumes[id]
	if !ok {
		return nil, fmt.Errorf("volume %s: %w", id, cloud.ErrNotFound)
	}
	c := *v
	return &c, nil
}

func (p *Provider) CreateVolume(_ context.Context, spec types.VolumeSpec) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("CreateVolume", "", spec.SnapshotID); err != nil {
		return "", err
	}
	id := p.mintID("vol")
	p.volumes[id] = &types.Volume{ID: id, SizeGB: spec.SizeGB, State: "available", SnapshotID: spec.SnapshotID}
	return id, nil
}

func (p *Provider) AttachVolume(_ context.Context, volumeID, instanceID, device string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("AttachVolume", volumeID, device); err != nil {
		return err
	}
	if _, err := p.instance(instanceID); err != nil {
		return err
	}
	if v, ok := p.volumes[volumeID]; ok {
		v.State = "in-use"
	}
	p.attached[volumeID] = instanceID
	return nil
}

func (p *Provider) DeleteVolume(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("DeleteVolume", id, ""); err != nil {
		return err
	}
	if _, ok := p.volumes[id]; !ok {
		return fmt.Errorf("volume %s: %w", id, cloud.ErrNotFound)
	}
	delete(p.volumes, id)
	delete(p.attached, id)
	return nil
}

func (p *Provider) AssociateRole(_ context.Context, id string, role types.RoleBinding) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("AssociateRole", id, role.RoleName); err != nil {
		return err
	}
	if _, err := p.instance(id); err != nil {
		return err
	}
	p.roles[id] = role
	return nil
}
