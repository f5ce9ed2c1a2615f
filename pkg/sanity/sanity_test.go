package sanity

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/fleetscale/controller/pkg/cloud"
	"github.com/fleetscale/controller/pkg/group"
	"github.com/fleetscale/controller/pkg/instance"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeGroupRepo struct {
	g *group.InstanceGroup
}

func (f *fakeGroupRepo) Get(_ context.Context, _ string) (*group.InstanceGroup, bool, error) {
	if f.g == nil {
		return nil, false, nil
	}
	return f.g, true, nil
}

type fakeInstanceReader struct {
	statuses []instance.Status
}

func (f *fakeInstanceReader) GetCurrent(_ context.Context, _ string) ([]instance.Status, error) {
	return f.statuses, nil
}

type fakeDriver struct {
	instances []cloud.Instance
}

func (d *fakeDriver) Launch(_ context.Context, _ *group.InstanceGroup, _ string, _ int) ([]cloud.LaunchResult, error) {
	return nil, nil
}
func (d *fakeDriver) List(_ context.Context, _ *group.InstanceGroup) ([]cloud.Instance, error) {
	return d.instances, nil
}
func (d *fakeDriver) Status(_ context.Context, _ *group.InstanceGroup, _ string) (cloud.LifecycleStatus, error) {
	return cloud.StatusRunning, nil
}

type fakeDrivers struct {
	driver cloud.Driver
}

func (f *fakeDrivers) For(_ group.Cloud) (cloud.Driver, error) { return f.driver, nil }

func TestLoop_Drift(t *testing.T) {
	g := &group.InstanceGroup{Name: "jibri-east", Cloud: group.CloudOracle}
	groups := &fakeGroupRepo{g: g}
	instances := &fakeInstanceReader{statuses: []instance.Status{
		{InstanceID: "tracked-only"},
		{InstanceID: "both"},
	}}
	driver := &fakeDriver{instances: []cloud.Instance{
		{InstanceID: "both"},
		{InstanceID: "cloud-only"},
	}}
	clouds := &fakeDrivers{driver: driver}

	loop := NewLoop(groups, instances, clouds, discardLogger())

	drift, err := loop.Drift(context.Background(), "jibri-east")
	if err != nil {
		t.Fatalf("Drift() error = %v", err)
	}
	if drift.TrackedCount != 2 || drift.CloudCount != 2 {
		t.Fatalf("Drift() counts = %+v, want tracked=2 cloud=2", drift)
	}
	if len(drift.UntrackedInstances) != 1 || drift.UntrackedInstances[0] != "cloud-only" {
		t.Fatalf("UntrackedInstances = %v, want [cloud-only]", drift.UntrackedInstances)
	}
	if len(drift.StaleInstances) != 1 || drift.StaleInstances[0] != "tracked-only" {
		t.Fatalf("StaleInstances = %v, want [tracked-only]", drift.StaleInstances)
	}
}

func TestLoop_ReportUntrackedInstancesDoesNotMutateState(t *testing.T) {
	g := &group.InstanceGroup{Name: "jibri-east", Cloud: group.CloudOracle}
	groups := &fakeGroupRepo{g: g}
	instances := &fakeInstanceReader{statuses: nil}
	driver := &fakeDriver{instances: []cloud.Instance{{InstanceID: "zombie"}}}
	clouds := &fakeDrivers{driver: driver}

	loop := NewLoop(groups, instances, clouds, discardLogger())

	if err := loop.ReportUntrackedInstances(context.Background(), "jibri-east"); err != nil {
		t.Fatalf("ReportUntrackedInstances() error = %v", err)
	}
	// No store dependency exists to assert against; the absence of a
	// mutation capability on GroupRepo/InstanceReader/CloudDrivers is
	// itself the guarantee — this call can only read.
}

func TestLoop_UnknownGroupIsNoOp(t *testing.T) {
	groups := &fakeGroupRepo{g: nil}
	instances := &fakeInstanceReader{}
	clouds := &fakeDrivers{driver: &fakeDriver{}}

	loop := NewLoop(groups, instances, clouds, discardLogger())
	drift, err := loop.Drift(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Drift() error = %v", err)
	}
	if drift.GroupName != "" {
		t.Fatalf("Drift() for missing group = %+v, want zero value", drift)
	}
}
