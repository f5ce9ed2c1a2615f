// Package cloud provides the CloudDriver capability boundary: launching
// and enumerating instances on a named cloud provider. Concrete drivers
// are thin REST clients; no cloud provider SDK is used.
package cloud

import (
	"context"
	"fmt"

	"github.com/fleetscale/controller/pkg/group"
)

// LifecycleStatus is a cloud instance's coarse provisioning state.
type LifecycleStatus string

const (
	StatusProvisioning LifecycleStatus = "Provisioning"
	StatusRunning      LifecycleStatus = "Running"
	StatusTerminated   LifecycleStatus = "Terminated"
)

// LaunchResult is one newly requested instance.
type LaunchResult struct {
	InstanceID string
	Status     LifecycleStatus
}

// Instance is a cloud-side instance as enumerated by List.
type Instance struct {
	InstanceID string
	Region     string
	Status     LifecycleStatus
}

// Driver is the uniform capability every cloud provider implementation
// exposes, selected by InstanceGroup.Cloud.
type Driver interface {
	// Launch requests n new instances for the group in region, returning
	// one LaunchResult per successfully requested instance (which may be
	// fewer than n on partial failure).
	Launch(ctx context.Context, g *group.InstanceGroup, region string, n int) ([]LaunchResult, error)

	// List enumerates every cloud-side instance belonging to the group.
	List(ctx context.Context, g *group.InstanceGroup) ([]Instance, error)

	// Status reports one instance's current lifecycle state.
	Status(ctx context.Context, g *group.InstanceGroup, instanceID string) (LifecycleStatus, error)
}

// Registry selects a Driver by a group's configured Cloud.
type Registry struct {
	drivers map[group.Cloud]Driver
}

// NewRegistry creates a Registry over the given provider drivers.
func NewRegistry(drivers map[group.Cloud]Driver) *Registry {
	return &Registry{drivers: drivers}
}

// For returns the Driver configured for c, or an error if none is
// registered (e.g. credentials were not supplied for a declared provider).
func (r *Registry) For(c group.Cloud) (Driver, error) {
	d, ok := r.drivers[c]
	if !ok {
		return nil, fmt.Errorf("cloud: no driver registered for provider %q", c)
	}
	return d, nil
}
