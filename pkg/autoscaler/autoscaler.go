// Package autoscaler implements the per-group decision engine: turning a
// windowed history of metric samples into desiredCount adjustments, with
// hysteresis from the launcher-lag guard and the autoscale grace period.
package autoscaler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fleetscale/controller/internal/lock"
	"github.com/fleetscale/controller/pkg/audit"
	"github.com/fleetscale/controller/pkg/group"
	"github.com/fleetscale/controller/pkg/instance"
)

// GroupRepo is the slice of group.Registry the Autoscaler needs: load one
// group, mutate its desiredCount, and manage its grace marker.
type GroupRepo interface {
	Get(ctx context.Context, name string) (*group.InstanceGroup, bool, error)
	UpdateDesiredCount(ctx context.Context, name string, n int) (*group.InstanceGroup, error)
	HasAutoScaleGrace(ctx context.Context, name string) (bool, error)
	SetAutoScaleGrace(ctx context.Context, name string) error
}

// MetricReader is the slice of instance.Tracker the Autoscaler needs:
// current inventory size and bucketized metric history.
type MetricReader interface {
	GetCurrent(ctx context.Context, groupName string) ([]instance.Status, error)
	GetMetricInventoryPerPeriod(ctx context.Context, groupName string, periodsCount int, period time.Duration, now time.Time) ([][]instance.MetricSample, error)
}

// Auditor is the slice of audit.Log the Autoscaler needs.
type Auditor interface {
	Append(ctx context.Context, groupName string, entry audit.Entry) error
	RecordAutoScalerRun(ctx context.Context, groupName string, at time.Time) error
}

// Locker acquires the named lease an Autoscaler run must hold.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (*lock.Lease, error)
}

// Autoscaler evaluates and applies scaling decisions for one group at a
// time, serialized by that group's lock.
type Autoscaler struct {
	groups       GroupRepo
	metrics      MetricReader
	audit        Auditor
	locks        Locker
	groupLockTTL time.Duration
	logger       *slog.Logger
}

// NewAutoscaler creates an Autoscaler.
func NewAutoscaler(groups GroupRepo, metrics MetricReader, auditor Auditor, locks Locker, groupLockTTL time.Duration, logger *slog.Logger) *Autoscaler {
	return &Autoscaler{groups: groups, metrics: metrics, audit: auditor, locks: locks, groupLockTTL: groupLockTTL, logger: logger}
}

func lockNameForGroup(name string) string { return "groupLock:" + name }

// ProcessAutoscalingByGroup evaluates one group's metric window and, if
// warranted, adjusts its desiredCount. It returns false whenever no
// decision was reached (lock contention, group missing/disabled, within
// grace, launcher still converging, or no change warranted) and true
// when a scaling decision was written.
func (a *Autoscaler) ProcessAutoscalingByGroup(ctx context.Context, groupName string) bool {
	lease, err := a.locks.Acquire(ctx, lockNameForGroup(groupName), a.groupLockTTL)
	if err != nil {
		if !errors.Is(err, lock.ErrNotAcquired) {
			a.logger.Warn("autoscaler: lock error", "group", groupName, "error", err)
		}
		return false
	}
	defer func() {
		if err := lease.Release(ctx); err != nil {
			a.logger.Warn("autoscaler: releasing lock failed", "group", groupName, "error", err)
		}
	}()

	g, ok, err := a.groups.Get(ctx, groupName)
	if err != nil {
		a.logger.Warn("autoscaler: loading group failed", "group", groupName, "error", err)
		return false
	}
	if !ok || !g.EnableAutoScale {
		return false
	}

	hasGrace, err := a.groups.HasAutoScaleGrace(ctx, groupName)
	if err != nil {
		a.logger.Warn("autoscaler: checking grace failed", "group", groupName, "error", err)
		return false
	}
	if hasGrace {
		return false
	}

	now := time.Now()
	if err := a.audit.RecordAutoScalerRun(ctx, groupName, now); err != nil {
		a.logger.Warn("autoscaler: recording run failed", "group", groupName, "error", err)
	}

	current, err := a.metrics.GetCurrent(ctx, groupName)
	if err != nil {
		a.logger.Warn("autoscaler: loading inventory failed", "group", groupName, "error", err)
		return false
	}
	count := len(current)
	desired := g.ScalingOptions.DesiredCount

	if desired != count {
		a.logger.Info("autoscaler: launcher lag, skipping", "group", groupName, "count", count, "desired", desired)
		return false
	}

	opts := g.ScalingOptions
	periodsCount := opts.ScaleUpPeriodsCount
	if opts.ScaleDownPeriodsCount > periodsCount {
		periodsCount = opts.ScaleDownPeriodsCount
	}
	period := time.Duration(opts.ScalePeriodSec) * time.Second

	buckets, err := a.metrics.GetMetricInventoryPerPeriod(ctx, groupName, periodsCount, period, now)
	if err != nil {
		a.logger.Warn("autoscaler: loading metric window failed", "group", groupName, "error", err)
		return false
	}

	strat := strategyFor(g.Type)
	summaries := make([]float64, len(buckets))
	anySamples := false
	for i, b := range buckets {
		summaries[i] = strat.summarize(b, opts)
		if len(b) > 0 {
			anySamples = true
		}
	}
	if !anySamples {
		a.logger.Warn("autoscaler: empty metric window, skipping", "group", groupName)
		return false
	}

	scaleUp := evalAllPeriods(summaries, opts.ScaleUpPeriodsCount, func(s float64) bool {
		return strat.upPredicate(count, s, opts)
	})
	scaleDown := !scaleUp && evalAllPeriods(summaries, opts.ScaleDownPeriodsCount, func(s float64) bool {
		return strat.downPredicate(count, s, opts)
	})

	var newDesired int
	var action audit.ActionType
	switch {
	case scaleUp:
		newDesired = desired + opts.ScaleUpQuantity
		if newDesired > opts.MaxDesired {
			newDesired = opts.MaxDesired
		}
		action = audit.ActionIncreaseDesiredCount
	case scaleDown:
		newDesired = desired - opts.ScaleDownQuantity
		if newDesired < opts.MinDesired {
			newDesired = opts.MinDesired
		}
		action = audit.ActionDecreaseDesiredCount
	default:
		return false
	}

	if newDesired == desired {
		return false
	}

	if _, err := a.groups.UpdateDesiredCount(ctx, groupName, newDesired); err != nil {
		a.logger.Warn("autoscaler: writing desired count failed", "group", groupName, "error", err)
		return false
	}

	entry := audit.Entry{
		Timestamp:       now,
		ActionType:      action,
		Count:           count,
		OldDesiredCount: desired,
		NewDesiredCount: newDesired,
		ScaleMetrics:    summaries,
	}
	if err := a.audit.Append(ctx, groupName, entry); err != nil {
		a.logger.Warn("autoscaler: appending audit entry failed", "group", groupName, "error", err)
	}
	if err := a.groups.SetAutoScaleGrace(ctx, groupName); err != nil {
		a.logger.Warn("autoscaler: setting grace failed", "group", groupName, "error", err)
	}

	a.logger.Info("autoscaler: scaled group", "group", groupName, "action", action, "old", desired, "new", newDesired)
	return true
}

// evalAllPeriods reports whether predicate holds for every one of the
// first n bucket summaries (bucket 0 = most recent). Fewer than n
// buckets (periodsCount shorter than n, which cannot happen given how
// periodsCount is computed, but guarded regardless) fails closed.
func evalAllPeriods(summaries []float64, n int, predicate func(float64) bool) bool {
	if n <= 0 || n > len(summaries) {
		return false
	}
	for i := 0; i < n; i++ {
		if !predicate(summaries[i]) {
			return false
		}
	}
	return true
}
