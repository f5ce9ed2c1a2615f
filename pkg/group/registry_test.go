package group

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/fleetscale/controller/internal/store"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRegistry(store.NewRedisStore(rdb), 30*time.Second)
}

func sampleGroup(name string) *InstanceGroup {
	return &InstanceGroup{
		Name:            name,
		Type:            TypeJibri,
		Region:          "us-east",
		Cloud:           CloudOracle,
		EnableAutoScale: true,
		ScalingOptions: ScalingOptions{
			MinDesired:            1,
			MaxDesired:            5,
			DesiredCount:          2,
			ScaleUpThreshold:      1,
			ScaleDownThreshold:    0,
			ScaleUpQuantity:       2,
			ScaleDownQuantity:     1,
			ScaleUpPeriodsCount:   2,
			ScaleDownPeriodsCount: 2,
			ScalePeriodSec:        60,
		},
	}
}

func TestRegistry_UpsertGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	g := sampleGroup("jibri-east")

	if err := r.Upsert(ctx, g); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	got, ok, err := r.Get(ctx, "jibri-east")
	if err != nil || !ok {
		t.Fatalf("Get() = (%v, %v, %v)", got, ok, err)
	}
	if got.ScalingOptions.DesiredCount != 2 || got.Type != TypeJibri {
		t.Errorf("Get() round-trip mismatch: %+v", got)
	}
}

func TestRegistry_GetMissing(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	_, ok, err := r.Get(ctx, "nope")
	if err != nil || ok {
		t.Fatalf("Get(missing) = (ok=%v, err=%v), want (false, nil)", ok, err)
	}
}

func TestRegistry_List(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	_ = r.Upsert(ctx, sampleGroup("b-group"))
	_ = r.Upsert(ctx, sampleGroup("a-group"))

	groups, err := r.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(groups) != 2 || groups[0].Name != "a-group" || groups[1].Name != "b-group" {
		t.Fatalf("List() = %+v, want sorted [a-group, b-group]", groups)
	}
}

func TestRegistry_UpdateDesiredCountClamps(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	g := sampleGroup("jibri-east")
	_ = r.Upsert(ctx, g)

	updated, err := r.UpdateDesiredCount(ctx, "jibri-east", 99)
	if err != nil {
		t.Fatalf("UpdateDesiredCount() error = %v", err)
	}
	if updated.ScalingOptions.DesiredCount != 5 {
		t.Errorf("DesiredCount = %d, want clamped to max 5", updated.ScalingOptions.DesiredCount)
	}

	updated, err = r.UpdateDesiredCount(ctx, "jibri-east", -10)
	if err != nil {
		t.Fatalf("UpdateDesiredCount() error = %v", err)
	}
	if updated.ScalingOptions.DesiredCount != 1 {
		t.Errorf("DesiredCount = %d, want clamped to min 1", updated.ScalingOptions.DesiredCount)
	}
}

func TestRegistry_AutoScaleGrace(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	has, err := r.HasAutoScaleGrace(ctx, "jibri-east")
	if err != nil || has {
		t.Fatalf("HasAutoScaleGrace() = (%v, %v), want (false, nil) before set", has, err)
	}

	if err := r.SetAutoScaleGrace(ctx, "jibri-east"); err != nil {
		t.Fatalf("SetAutoScaleGrace() error = %v", err)
	}

	has, err = r.HasAutoScaleGrace(ctx, "jibri-east")
	if err != nil || !has {
		t.Fatalf("HasAutoScaleGrace() = (%v, %v), want (true, nil) after set", has, err)
	}
}

func TestInstanceGroup_Validate(t *testing.T) {
	g := sampleGroup("jibri-east")
	if errs := g.Validate(); len(errs) != 0 {
		t.Fatalf("Validate() of a well-formed group = %v, want none", errs)
	}

	bad := sampleGroup("jibri-east")
	bad.ScalingOptions.MinDesired = 3
	bad.ScalingOptions.MaxDesired = 2
	if errs := bad.Validate(); len(errs) == 0 {
		t.Fatal("Validate() should reject minDesired > maxDesired")
	}

	bad2 := sampleGroup("jibri-east")
	bad2.ScalingOptions.DesiredCount = 10
	if errs := bad2.Validate(); len(errs) == 0 {
		t.Fatal("Validate() should reject desiredCount outside [min, max]")
	}
}
