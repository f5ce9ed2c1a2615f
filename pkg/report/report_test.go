package report

import (
	"context"
	"testing"
	"time"

	"github.com/fleetscale/controller/pkg/audit"
	"github.com/fleetscale/controller/pkg/group"
	"github.com/fleetscale/controller/pkg/instance"
	"github.com/fleetscale/controller/pkg/sanity"
)

type fakeGroups struct{ g *group.InstanceGroup }

func (f *fakeGroups) Get(_ context.Context, _ string) (*group.InstanceGroup, bool, error) {
	if f.g == nil {
		return nil, false, nil
	}
	return f.g, true, nil
}

type fakeInstances struct{ statuses []instance.Status }

func (f *fakeInstances) GetCurrent(_ context.Context, _ string) ([]instance.Status, error) {
	return f.statuses, nil
}

type fakeAuditor struct {
	entries  []audit.Entry
	lastAS   time.Time
	lastAuto bool
}

func (f *fakeAuditor) List(_ context.Context, _ string) ([]audit.Entry, error) { return f.entries, nil }
func (f *fakeAuditor) LastAutoScalerRun(_ context.Context, _ string) (time.Time, bool, error) {
	return f.lastAS, f.lastAuto, nil
}
func (f *fakeAuditor) LastLauncherRun(_ context.Context, _ string) (time.Time, bool, error) {
	return time.Time{}, false, nil
}

type fakeDrift struct{ d sanity.Drift }

func (f *fakeDrift) Drift(_ context.Context, _ string) (sanity.Drift, error) { return f.d, nil }

func TestBuilder_BuildReport(t *testing.T) {
	g := &group.InstanceGroup{Name: "jibri-east"}
	now := time.Now()

	b := NewBuilder(
		&fakeGroups{g: g},
		&fakeInstances{statuses: []instance.Status{{InstanceID: "i-1"}}},
		&fakeAuditor{entries: []audit.Entry{{ActionType: audit.ActionLaunch, Count: 1}}, lastAS: now, lastAuto: true},
		&fakeDrift{d: sanity.Drift{GroupName: "jibri-east", TrackedCount: 1, CloudCount: 1}},
	)

	out, err := b.BuildReport(context.Background(), "jibri-east")
	if err != nil {
		t.Fatalf("BuildReport() error = %v", err)
	}
	rep, ok := out.(Report)
	if !ok {
		t.Fatalf("BuildReport() returned %T, want Report", out)
	}
	if rep.Group.Name != "jibri-east" {
		t.Fatalf("rep.Group = %+v", rep.Group)
	}
	if len(rep.Instances) != 1 || len(rep.AuditHistory) != 1 {
		t.Fatalf("rep = %+v, unexpected shape", rep)
	}
	if rep.LastAutoScalerRun == nil || !rep.LastAutoScalerRun.Equal(now) {
		t.Fatalf("rep.LastAutoScalerRun = %v, want %v", rep.LastAutoScalerRun, now)
	}
	if rep.LastLauncherRun != nil {
		t.Fatalf("rep.LastLauncherRun = %v, want nil", rep.LastLauncherRun)
	}
}

func TestBuilder_MissingGroup(t *testing.T) {
	b := NewBuilder(&fakeGroups{g: nil}, &fakeInstances{}, &fakeAuditor{}, &fakeDrift{})
	out, err := b.BuildReport(context.Background(), "missing")
	if err != nil {
		t.Fatalf("BuildReport() error = %v", err)
	}
	if out != nil {
		t.Fatalf("BuildReport() = %v, want nil", out)
	}
}
