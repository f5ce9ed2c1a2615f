// Package sanity reports drift between the controller's tracked
// inventory and what a group's cloud provider actually enumerates. It is
// purely observational: it never mutates Store state, and exists to
// surface zombies (cloud instances with no tracker entry) and staleness
// (tracked instances the cloud no longer has) for operator attention.
package sanity

import (
	"context"
	"log/slog"

	"github.com/fleetscale/controller/internal/telemetry"
	"github.com/fleetscale/controller/pkg/cloud"
	"github.com/fleetscale/controller/pkg/group"
	"github.com/fleetscale/controller/pkg/instance"
)

// GroupRepo is the slice of group.Registry the Loop needs.
type GroupRepo interface {
	Get(ctx context.Context, name string) (*group.InstanceGroup, bool, error)
}

// InstanceReader is the slice of instance.Tracker the Loop needs.
type InstanceReader interface {
	GetCurrent(ctx context.Context, groupName string) ([]instance.Status, error)
}

// CloudDrivers resolves the Driver configured for a group's cloud provider.
type CloudDrivers interface {
	For(c group.Cloud) (cloud.Driver, error)
}

// Loop computes the drift between tracked and cloud-enumerated inventory
// for one group at a time, emitting metrics and log lines an operator
// dashboard can alert on.
type Loop struct {
	groups    GroupRepo
	instances InstanceReader
	clouds    CloudDrivers
	logger    *slog.Logger
}

// NewLoop creates a sanity Loop.
func NewLoop(groups GroupRepo, instances InstanceReader, clouds CloudDrivers, logger *slog.Logger) *Loop {
	return &Loop{groups: groups, instances: instances, clouds: clouds, logger: logger}
}

// Drift is the computed mismatch between tracked and cloud-side
// inventory for one group, returned for callers (e.g. the group report
// endpoint) that want the numbers without re-deriving them.
type Drift struct {
	GroupName          string   `json:"groupName"`
	TrackedCount       int      `json:"trackedCount"`
	CloudCount         int      `json:"cloudCount"`
	UntrackedInstances []string `json:"untrackedInstances"`
	StaleInstances     []string `json:"staleInstances"`
}

// ReportUntrackedInstances enumerates the group's cloud-side inventory,
// diffs it against the tracked inventory, and emits metrics/logs for the
// instances found only on one side. It never mutates state.
func (l *Loop) ReportUntrackedInstances(ctx context.Context, groupName string) error {
	drift, err := l.computeDrift(ctx, groupName)
	if err != nil {
		return err
	}

	telemetry.SanityUntrackedInstances.WithLabelValues(groupName).Set(float64(len(drift.UntrackedInstances)))
	telemetry.SanityStaleInstances.WithLabelValues(groupName).Set(float64(len(drift.StaleInstances)))

	if len(drift.UntrackedInstances) > 0 {
		l.logger.Warn("sanity: cloud instances with no tracker entry", "group", groupName, "instances", drift.UntrackedInstances)
	}
	if len(drift.StaleInstances) > 0 {
		l.logger.Warn("sanity: tracked instances with no cloud-side entry", "group", groupName, "instances", drift.StaleInstances)
	}
	return nil
}

// Drift computes and returns one group's current drift without logging,
// for use by the group-report endpoint.
func (l *Loop) Drift(ctx context.Context, groupName string) (Drift, error) {
	return l.computeDrift(ctx, groupName)
}

func (l *Loop) computeDrift(ctx context.Context, groupName string) (Drift, error) {
	g, ok, err := l.groups.Get(ctx, groupName)
	if err != nil {
		return Drift{}, err
	}
	if !ok {
		return Drift{}, nil
	}

	driver, err := l.clouds.For(g.Cloud)
	if err != nil {
		return Drift{}, err
	}

	cloudInstances, err := driver.List(ctx, g)
	if err != nil {
		return Drift{}, err
	}
	tracked, err := l.instances.GetCurrent(ctx, groupName)
	if err != nil {
		return Drift{}, err
	}

	trackedIDs := make(map[string]struct{}, len(tracked))
	for _, st := range tracked {
		trackedIDs[st.InstanceID] = struct{}{}
	}
	cloudIDs := make(map[string]struct{}, len(cloudInstances))
	for _, inst := range cloudInstances {
		cloudIDs[inst.InstanceID] = struct{}{}
	}

	var untracked, stale []string
	for id := range cloudIDs {
		if _, ok := trackedIDs[id]; !ok {
			untracked = append(untracked, id)
		}
	}
	for id := range trackedIDs {
		if _, ok := cloudIDs[id]; !ok {
			stale = append(stale, id)
		}
	}

	return Drift{
		GroupName:          groupName,
		TrackedCount:       len(tracked),
		CloudCount:         len(cloudInstances),
		UntrackedInstances: untracked,
		StaleInstances:     stale,
	}, nil
}
