package autoscaler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/fleetscale/controller/internal/lock"
	"github.com/fleetscale/controller/internal/store"
	"github.com/fleetscale/controller/pkg/audit"
	"github.com/fleetscale/controller/pkg/group"
	"github.com/fleetscale/controller/pkg/instance"
)

type testHarness struct {
	groups  *group.Registry
	tracker *instance.Tracker
	audit   *audit.Log
	locks   *lock.Manager
	scaler  *Autoscaler
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	s := store.NewRedisStore(rdb)
	groups := group.NewRegistry(s, 30*time.Second)
	tracker := instance.NewTracker(s, time.Hour, time.Hour)
	auditLog := audit.NewLog(s, 48*time.Hour)
	locks := lock.NewManager(rdb)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return &testHarness{
		groups:  groups,
		tracker: tracker,
		audit:   auditLog,
		locks:   locks,
		scaler:  NewAutoscaler(groups, tracker, auditLog, locks, 3*time.Minute, logger),
	}
}

func (h *testHarness) trackInstances(t *testing.T, ctx context.Context, groupName string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		st := instance.Status{GroupName: groupName, InstanceID: fmt.Sprintf("i-%02d", i), InstanceType: "m1"}
		if err := h.tracker.Track(ctx, st, 0, time.Now()); err != nil {
			t.Fatalf("tracking instance: %v", err)
		}
	}
}

func (h *testHarness) postSample(t *testing.T, ctx context.Context, groupName, instanceID string, value float64, age time.Duration) {
	t.Helper()
	st := instance.Status{GroupName: groupName, InstanceID: instanceID, InstanceType: "m1"}
	if err := h.tracker.Track(ctx, st, value, time.Now().Add(-age)); err != nil {
		t.Fatalf("posting sample: %v", err)
	}
}

func TestAutoscaler_ScaleUpOnSustainedDemandJibri(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	g := &group.InstanceGroup{
		Name: "jibri-fleet", Type: group.TypeJibri, Cloud: group.CloudOracle, EnableAutoScale: true,
		ScalingOptions: group.ScalingOptions{
			MinDesired: 1, MaxDesired: 5, DesiredCount: 2,
			ScaleUpThreshold: 1, ScaleUpQuantity: 2, ScaleUpPeriodsCount: 2,
			ScaleDownThreshold: 0, ScaleDownQuantity: 1, ScaleDownPeriodsCount: 1,
			ScalePeriodSec: 60,
		},
	}
	if err := h.groups.Upsert(ctx, g); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	h.trackInstances(t, ctx, g.Name, 2)
	// Busy (value 0 < scaleUpThreshold=1) in both of the two most recent periods.
	h.postSample(t, ctx, g.Name, "i-00", 0, 10*time.Second)
	h.postSample(t, ctx, g.Name, "i-01", 0, 10*time.Second)
	h.postSample(t, ctx, g.Name, "i-00", 0, 70*time.Second)
	h.postSample(t, ctx, g.Name, "i-01", 0, 70*time.Second)

	if changed := h.scaler.ProcessAutoscalingByGroup(ctx, g.Name); !changed {
		t.Fatal("ProcessAutoscalingByGroup() = false, want true")
	}

	updated, ok, err := h.groups.Get(ctx, g.Name)
	if err != nil || !ok {
		t.Fatalf("Get() after scale = (%v, %v, %v)", updated, ok, err)
	}
	if updated.ScalingOptions.DesiredCount != 4 {
		t.Fatalf("DesiredCount = %d, want 4", updated.ScalingOptions.DesiredCount)
	}

	entries, err := h.audit.List(ctx, g.Name)
	if err != nil {
		t.Fatalf("audit List: %v", err)
	}
	if len(entries) != 1 || entries[0].ActionType != audit.ActionIncreaseDesiredCount {
		t.Fatalf("audit entries = %+v, want one increaseDesiredCount entry", entries)
	}

	hasGrace, err := h.groups.HasAutoScaleGrace(ctx, g.Name)
	if err != nil || !hasGrace {
		t.Fatalf("HasAutoScaleGrace() = (%v, %v), want (true, nil)", hasGrace, err)
	}
}

func TestAutoscaler_NoOpUnderLauncherLag(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	g := &group.InstanceGroup{
		Name: "jibri-lag", Type: group.TypeJibri, Cloud: group.CloudOracle, EnableAutoScale: true,
		ScalingOptions: group.ScalingOptions{
			MinDesired: 1, MaxDesired: 5, DesiredCount: 2,
			ScaleUpThreshold: 1, ScaleUpQuantity: 2, ScaleUpPeriodsCount: 2,
			ScaleDownThreshold: 0, ScaleDownQuantity: 1, ScaleDownPeriodsCount: 1,
			ScalePeriodSec: 60,
		},
	}
	if err := h.groups.Upsert(ctx, g); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	h.trackInstances(t, ctx, g.Name, 1) // count=1 != desired=2

	if changed := h.scaler.ProcessAutoscalingByGroup(ctx, g.Name); changed {
		t.Fatal("ProcessAutoscalingByGroup() = true, want false under launcher lag")
	}

	updated, _, _ := h.groups.Get(ctx, g.Name)
	if updated.ScalingOptions.DesiredCount != 2 {
		t.Fatalf("DesiredCount = %d, want unchanged 2", updated.ScalingOptions.DesiredCount)
	}
	entries, _ := h.audit.List(ctx, g.Name)
	if len(entries) != 0 {
		t.Fatalf("audit entries = %+v, want none", entries)
	}
}

func TestAutoscaler_ScaleDownJVB(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	g := &group.InstanceGroup{
		Name: "jvb-fleet", Type: group.TypeJVB, Cloud: group.CloudOracle, EnableAutoScale: true,
		ScalingOptions: group.ScalingOptions{
			MinDesired: 2, MaxDesired: 10, DesiredCount: 6,
			ScaleUpThreshold: 999, ScaleUpQuantity: 1, ScaleUpPeriodsCount: 1,
			ScaleDownThreshold: 0.3, ScaleDownQuantity: 2, ScaleDownPeriodsCount: 3,
			ScalePeriodSec: 60,
		},
	}
	if err := h.groups.Upsert(ctx, g); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	h.trackInstances(t, ctx, g.Name, 6)

	values := []float64{0.1, 0.2, 0.25}
	ages := []time.Duration{10 * time.Second, 70 * time.Second, 130 * time.Second}
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("i-%02d", i)
		for p := range values {
			h.postSample(t, ctx, g.Name, id, values[p], ages[p])
		}
	}

	if changed := h.scaler.ProcessAutoscalingByGroup(ctx, g.Name); !changed {
		t.Fatal("ProcessAutoscalingByGroup() = false, want true")
	}

	updated, ok, err := h.groups.Get(ctx, g.Name)
	if err != nil || !ok {
		t.Fatalf("Get() after scale = (%v, %v, %v)", updated, ok, err)
	}
	if updated.ScalingOptions.DesiredCount != 4 {
		t.Fatalf("DesiredCount = %d, want 4", updated.ScalingOptions.DesiredCount)
	}
}

func TestAutoscaler_ClampAtMin(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	g := &group.InstanceGroup{
		Name: "jibri-clamp", Type: group.TypeJibri, Cloud: group.CloudOracle, EnableAutoScale: true,
		ScalingOptions: group.ScalingOptions{
			MinDesired: 2, MaxDesired: 10, DesiredCount: 3,
			ScaleUpThreshold: 0, ScaleUpQuantity: 1, ScaleUpPeriodsCount: 1,
			ScaleDownThreshold: 1, ScaleDownQuantity: 5, ScaleDownPeriodsCount: 2,
			ScalePeriodSec: 60,
		},
	}
	if err := h.groups.Upsert(ctx, g); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	h.trackInstances(t, ctx, g.Name, 3)

	// All 3 instances idle (value=1) in both of the two most recent periods:
	// summary=3 > scaleDownThreshold=1 in each.
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("i-%02d", i)
		h.postSample(t, ctx, g.Name, id, 1, 10*time.Second)
		h.postSample(t, ctx, g.Name, id, 1, 70*time.Second)
	}

	if changed := h.scaler.ProcessAutoscalingByGroup(ctx, g.Name); !changed {
		t.Fatal("ProcessAutoscalingByGroup() = false, want true")
	}

	updated, ok, err := h.groups.Get(ctx, g.Name)
	if err != nil || !ok {
		t.Fatalf("Get() after scale = (%v, %v, %v)", updated, ok, err)
	}
	if updated.ScalingOptions.DesiredCount != 2 {
		t.Fatalf("DesiredCount = %d, want clamped to min 2 (not negative)", updated.ScalingOptions.DesiredCount)
	}
}

func TestAutoscaler_GraceSuppressesSecondDecision(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	g := &group.InstanceGroup{
		Name: "jibri-grace", Type: group.TypeJibri, Cloud: group.CloudOracle, EnableAutoScale: true,
		ScalingOptions: group.ScalingOptions{
			MinDesired: 1, MaxDesired: 10, DesiredCount: 2,
			ScaleUpThreshold: 1, ScaleUpQuantity: 2, ScaleUpPeriodsCount: 1,
			ScaleDownThreshold: 0, ScaleDownQuantity: 1, ScaleDownPeriodsCount: 1,
			ScalePeriodSec: 60,
		},
	}
	if err := h.groups.Upsert(ctx, g); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	h.trackInstances(t, ctx, g.Name, 2)
	h.postSample(t, ctx, g.Name, "i-00", 0, 10*time.Second)

	if changed := h.scaler.ProcessAutoscalingByGroup(ctx, g.Name); !changed {
		t.Fatal("first ProcessAutoscalingByGroup() = false, want true")
	}

	// Even with the launcher instantly converged and demand unchanged, the
	// grace marker holds the next decision back.
	h.trackInstances(t, ctx, g.Name, 4)
	h.postSample(t, ctx, g.Name, "i-00", 0, 10*time.Second)
	if changed := h.scaler.ProcessAutoscalingByGroup(ctx, g.Name); changed {
		t.Fatal("second ProcessAutoscalingByGroup() = true, want false within grace window")
	}

	updated, _, _ := h.groups.Get(ctx, g.Name)
	if updated.ScalingOptions.DesiredCount != 4 {
		t.Fatalf("DesiredCount = %d, want 4 (only the first decision applied)", updated.ScalingOptions.DesiredCount)
	}
}

func TestAutoscaler_EmptyWindowNoChange(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	s := store.NewRedisStore(rdb)
	groups := group.NewRegistry(s, 30*time.Second)
	// metricTTL shorter than idleTTL: the instance status survives while
	// its metric sample expires, leaving GetCurrent non-empty but the
	// metric window empty.
	tracker := instance.NewTracker(s, time.Hour, time.Millisecond)
	auditLog := audit.NewLog(s, 48*time.Hour)
	locks := lock.NewManager(rdb)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	scaler := NewAutoscaler(groups, tracker, auditLog, locks, 3*time.Minute, logger)

	g := &group.InstanceGroup{
		Name: "jibri-empty", Type: group.TypeJibri, Cloud: group.CloudOracle, EnableAutoScale: true,
		ScalingOptions: group.ScalingOptions{
			MinDesired: 1, MaxDesired: 5, DesiredCount: 2,
			ScaleUpThreshold: 1, ScaleUpQuantity: 2, ScaleUpPeriodsCount: 2,
			ScaleDownThreshold: 0, ScaleDownQuantity: 1, ScaleDownPeriodsCount: 1,
			ScalePeriodSec: 60,
		},
	}
	if err := groups.Upsert(ctx, g); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	for i := 0; i < 2; i++ {
		st := instance.Status{GroupName: g.Name, InstanceID: fmt.Sprintf("i-%02d", i), InstanceType: "m1"}
		if err := tracker.Track(ctx, st, 0, time.Now()); err != nil {
			t.Fatalf("tracking instance: %v", err)
		}
	}
	mr.FastForward(time.Second)

	if changed := scaler.ProcessAutoscalingByGroup(ctx, g.Name); changed {
		t.Fatal("ProcessAutoscalingByGroup() = true, want false on empty metric window")
	}
}
