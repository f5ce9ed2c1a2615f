// Package launcher converges a group's actual cloud inventory toward its
// desiredCount: requesting new instances on a shortfall, and selecting
// and signaling shutdown for surplus ones.
package launcher

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/fleetscale/controller/internal/lock"
	"github.com/fleetscale/controller/pkg/audit"
	"github.com/fleetscale/controller/pkg/cloud"
	"github.com/fleetscale/controller/pkg/group"
	"github.com/fleetscale/controller/pkg/instance"
)

// GroupRepo is the slice of group.Registry the Launcher needs.
type GroupRepo interface {
	Get(ctx context.Context, name string) (*group.InstanceGroup, bool, error)
	UpdateDesiredCount(ctx context.Context, name string, n int) (*group.InstanceGroup, error)
}

// InstanceReader is the slice of instance.Tracker the Launcher needs.
type InstanceReader interface {
	GetCurrent(ctx context.Context, groupName string) ([]instance.Status, error)
}

// ShutdownSignaler is the slice of shutdown.Manager the Launcher needs:
// signaling termination and checking scale-down protection.
type ShutdownSignaler interface {
	Signal(ctx context.Context, instanceID string) error
	IsProtected(ctx context.Context, groupName, instanceID string) (bool, error)
	Protect(ctx context.Context, groupName, instanceID string, ttl time.Duration) error
}

// CloudDrivers resolves the Driver configured for a group's cloud provider.
type CloudDrivers interface {
	For(c group.Cloud) (cloud.Driver, error)
}

// Auditor is the slice of audit.Log the Launcher needs.
type Auditor interface {
	Append(ctx context.Context, groupName string, entry audit.Entry) error
	RecordLauncherRun(ctx context.Context, groupName string, at time.Time) error
}

// Locker acquires the named lease a Launcher run must hold.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (*lock.Lease, error)
}

// Launcher converges one group's cloud inventory toward its desiredCount.
type Launcher struct {
	groups       GroupRepo
	instances    InstanceReader
	shutdown     ShutdownSignaler
	clouds       CloudDrivers
	audit        Auditor
	locks        Locker
	groupLockTTL time.Duration
	logger       *slog.Logger
}

// NewLauncher creates a Launcher.
func NewLauncher(groups GroupRepo, instances InstanceReader, shutdown ShutdownSignaler, clouds CloudDrivers, auditor Auditor, locks Locker, groupLockTTL time.Duration, logger *slog.Logger) *Launcher {
	return &Launcher{
		groups: groups, instances: instances, shutdown: shutdown, clouds: clouds,
		audit: auditor, locks: locks, groupLockTTL: groupLockTTL, logger: logger,
	}
}

func lockNameForGroup(name string) string { return "groupLock:" + name }

// LaunchOrShutdownInstancesByGroup converges one group's inventory toward
// its desiredCount: it launches a shortfall or signals shutdown for
// surplus victims. It is idempotent per tick — once count == desired
// there is nothing to do, and re-signaling an already-flagged victim is
// a harmless TTL refresh.
func (l *Launcher) LaunchOrShutdownInstancesByGroup(ctx context.Context, groupName string) error {
	lease, err := l.locks.Acquire(ctx, lockNameForGroup(groupName), l.groupLockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil
		}
		return err
	}
	defer func() {
		if err := lease.Release(ctx); err != nil {
			l.logger.Warn("launcher: releasing lock failed", "group", groupName, "error", err)
		}
	}()

	g, ok, err := l.groups.Get(ctx, groupName)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	now := time.Now()
	if err := l.audit.RecordLauncherRun(ctx, groupName, now); err != nil {
		l.logger.Warn("launcher: recording run failed", "group", groupName, "error", err)
	}

	current, err := l.instances.GetCurrent(ctx, groupName)
	if err != nil {
		return err
	}
	count := len(current)
	desired := g.ScalingOptions.DesiredCount

	switch {
	case count < desired:
		return l.launch(ctx, g, desired-count, now)
	case count > desired:
		return l.shutdownSurplus(ctx, g, current, count-desired, now)
	default:
		return nil
	}
}

func (l *Launcher) launch(ctx context.Context, g *group.InstanceGroup, n int, now time.Time) error {
	driver, err := l.clouds.For(g.Cloud)
	if err != nil {
		return err
	}

	results, err := driver.Launch(ctx, g, g.Region, n)
	if err != nil {
		l.logger.Warn("launcher: cloud launch failed", "group", g.Name, "error", err)
		if len(results) == 0 {
			return err
		}
	}

	if g.ProtectedTTLSec > 0 {
		ttl := time.Duration(g.ProtectedTTLSec) * time.Second
		for _, r := range results {
			if protErr := l.shutdown.Protect(ctx, g.Name, r.InstanceID, ttl); protErr != nil {
				l.logger.Warn("launcher: protecting new instance failed", "group", g.Name, "instance", r.InstanceID, "error", protErr)
			}
		}
	}

	entry := audit.Entry{Timestamp: now, ActionType: audit.ActionLaunch, Count: len(results)}
	if auditErr := l.audit.Append(ctx, g.Name, entry); auditErr != nil {
		l.logger.Warn("launcher: appending audit entry failed", "group", g.Name, "error", auditErr)
	}
	return err
}

// victim is one candidate for shutdown-signal selection.
type victim struct {
	instanceID string
	priority   float64 // lower = shut down first
}

func (l *Launcher) shutdownSurplus(ctx context.Context, g *group.InstanceGroup, inventory []instance.Status, n int, now time.Time) error {
	candidates := make([]victim, 0, len(inventory))
	for _, st := range inventory {
		protected, err := l.shutdown.IsProtected(ctx, g.Name, st.InstanceID)
		if err != nil {
			l.logger.Warn("launcher: checking protection failed", "group", g.Name, "instance", st.InstanceID, "error", err)
			continue
		}
		if protected {
			continue
		}
		candidates = append(candidates, victim{instanceID: st.InstanceID, priority: victimPriority(g.Type, st)})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority < candidates[j].priority
		}
		return candidates[i].instanceID < candidates[j].instanceID
	})

	if n > len(candidates) {
		l.logger.Warn("launcher: insufficient eligible victims", "group", g.Name, "need", n, "eligible", len(candidates))
		n = len(candidates)
	}

	shutCount := 0
	for i := 0; i < n; i++ {
		if err := l.shutdown.Signal(ctx, candidates[i].instanceID); err != nil {
			l.logger.Warn("launcher: signaling shutdown failed", "group", g.Name, "instance", candidates[i].instanceID, "error", err)
			continue
		}
		shutCount++
	}

	if shutCount == 0 {
		return nil
	}
	entry := audit.Entry{Timestamp: now, ActionType: audit.ActionShutdown, Count: shutCount}
	if err := l.audit.Append(ctx, g.Name, entry); err != nil {
		l.logger.Warn("launcher: appending audit entry failed", "group", g.Name, "error", err)
	}
	return nil
}

// victimPriority ranks an instance's availability for termination: lower
// values are shut down first. jibri instances that are IDLE sort before
// BUSY ones; JVB instances sort by their last reported stress, lowest
// first. Equal priorities fall through to the lexicographic tie-break.
func victimPriority(t group.Type, st instance.Status) float64 {
	if t == group.TypeJVB {
		return st.Stress
	}
	if st.BusyStatus == instance.BusyStatusIdle {
		return 0
	}
	return 1
}

// LaunchProtected implements the admin launch-protected action: request
// count new instances and mark each one scale-down protected for
// protectedTTLSec, optionally overriding the group's configured instance
// configuration for this batch.
func (l *Launcher) LaunchProtected(ctx context.Context, groupName string, count int, protectedTTLSec int, instanceConfigurationID string) error {
	lease, err := l.locks.Acquire(ctx, lockNameForGroup(groupName), l.groupLockTTL)
	if err != nil {
		return err
	}
	defer func() {
		if err := lease.Release(ctx); err != nil {
			l.logger.Warn("launcher: releasing lock failed", "group", groupName, "error", err)
		}
	}()

	g, ok, err := l.groups.Get(ctx, groupName)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("launcher: group not found")
	}
	if instanceConfigurationID != "" {
		cfg := *g
		cfg.InstanceConfigurationID = instanceConfigurationID
		g = &cfg
	}

	if _, err := l.groups.UpdateDesiredCount(ctx, groupName, g.ScalingOptions.DesiredCount+count); err != nil {
		return err
	}

	driver, err := l.clouds.For(g.Cloud)
	if err != nil {
		return err
	}
	results, err := driver.Launch(ctx, g, g.Region, count)
	if err != nil && len(results) == 0 {
		return err
	}

	ttl := time.Duration(protectedTTLSec) * time.Second
	for _, r := range results {
		if protErr := l.shutdown.Protect(ctx, groupName, r.InstanceID, ttl); protErr != nil {
			l.logger.Warn("launcher: protecting launched instance failed", "group", groupName, "instance", r.InstanceID, "error", protErr)
		}
	}

	entry := audit.Entry{Timestamp: time.Now(), ActionType: audit.ActionLaunch, Count: len(results)}
	if auditErr := l.audit.Append(ctx, groupName, entry); auditErr != nil {
		l.logger.Warn("launcher: appending audit entry failed", "group", groupName, "error", auditErr)
	}
	return nil
}
