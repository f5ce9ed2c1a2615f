// Package report composes the group-report endpoint's response from the
// audit trail, tracked inventory, and cloud-side drift — each already
// owned by another package. It adds no new state of its own.
package report

import (
	"context"
	"time"

	"github.com/fleetscale/controller/pkg/audit"
	"github.com/fleetscale/controller/pkg/group"
	"github.com/fleetscale/controller/pkg/instance"
	"github.com/fleetscale/controller/pkg/sanity"
)

// Auditor is the slice of audit.Log the Builder needs.
type Auditor interface {
	List(ctx context.Context, groupName string) ([]audit.Entry, error)
	LastAutoScalerRun(ctx context.Context, groupName string) (time.Time, bool, error)
	LastLauncherRun(ctx context.Context, groupName string) (time.Time, bool, error)
}

// GroupRepo is the slice of group.Registry the Builder needs.
type GroupRepo interface {
	Get(ctx context.Context, name string) (*group.InstanceGroup, bool, error)
}

// InstanceReader is the slice of instance.Tracker the Builder needs.
type InstanceReader interface {
	GetCurrent(ctx context.Context, groupName string) ([]instance.Status, error)
}

// DriftReader is the slice of sanity.Loop the Builder needs.
type DriftReader interface {
	Drift(ctx context.Context, groupName string) (sanity.Drift, error)
}

// Report is the composed view served at GET /groups/:name/report.
type Report struct {
	Group             *group.InstanceGroup `json:"group"`
	Instances         []instance.Status    `json:"instances"`
	Drift             sanity.Drift         `json:"drift"`
	AuditHistory      []audit.Entry        `json:"auditHistory"`
	LastAutoScalerRun *time.Time           `json:"lastAutoScalerRun,omitempty"`
	LastLauncherRun   *time.Time           `json:"lastLauncherRun,omitempty"`
}

// Builder assembles a Report for one group from its constituent sources.
type Builder struct {
	groups    GroupRepo
	instances InstanceReader
	audit     Auditor
	drift     DriftReader
}

// NewBuilder creates a report Builder.
func NewBuilder(groups GroupRepo, instances InstanceReader, auditor Auditor, drift DriftReader) *Builder {
	return &Builder{groups: groups, instances: instances, audit: auditor, drift: drift}
}

// BuildReport composes a Report for groupName. It satisfies
// group.Reporter.
func (b *Builder) BuildReport(ctx context.Context, groupName string) (any, error) {
	g, ok, err := b.groups.Get(ctx, groupName)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	statuses, err := b.instances.GetCurrent(ctx, groupName)
	if err != nil {
		return nil, err
	}

	entries, err := b.audit.List(ctx, groupName)
	if err != nil {
		return nil, err
	}

	drift, err := b.drift.Drift(ctx, groupName)
	if err != nil {
		return nil, err
	}

	rep := Report{
		Group:        g,
		Instances:    statuses,
		Drift:        drift,
		AuditHistory: entries,
	}

	if t, ok, err := b.audit.LastAutoScalerRun(ctx, groupName); err == nil && ok {
		rep.LastAutoScalerRun = &t
	}
	if t, ok, err := b.audit.LastLauncherRun(ctx, groupName); err == nil && ok {
		rep.LastLauncherRun = &t
	}

	return rep, nil
}
