package instance

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/fleetscale/controller/internal/store"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewTracker(store.NewRedisStore(rdb), time.Minute, time.Hour)
}

func TestTracker_TrackAndGetCurrent(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t)
	now := time.Now()

	status := Status{GroupName: "jibri-east", InstanceID: "i-1", BusyStatus: BusyStatusIdle}
	if err := tr.Track(ctx, status, 1, now); err != nil {
		t.Fatalf("Track() error = %v", err)
	}

	got, err := tr.GetCurrent(ctx, "jibri-east")
	if err != nil {
		t.Fatalf("GetCurrent() error = %v", err)
	}
	if len(got) != 1 || got[0].InstanceID != "i-1" {
		t.Fatalf("GetCurrent() = %+v, want one entry for i-1", got)
	}
}

func TestTracker_CountCurrent(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t)
	now := time.Now()

	_ = tr.Track(ctx, Status{GroupName: "jibri-east", InstanceID: "i-1"}, 1, now)
	_ = tr.Track(ctx, Status{GroupName: "jibri-east", InstanceID: "i-2"}, 0, now)

	count, err := tr.CountCurrent(ctx, "jibri-east")
	if err != nil {
		t.Fatalf("CountCurrent() error = %v", err)
	}
	if count != 2 {
		t.Errorf("CountCurrent() = %d, want 2", count)
	}
}

// TestTracker_MetricBucketization exercises the invariant that a sample
// with timestamp S lands in bucket floor((now-S)/period), for 0 <= bucket
// < periodsCount, and is dropped otherwise.
func TestTracker_MetricBucketization(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t)

	period := time.Minute
	now := time.Now()

	samples := []struct {
		age   time.Duration
		value float64
	}{
		{age: 10 * time.Second, value: 0.1},  // bucket 0
		{age: 65 * time.Second, value: 0.2},  // bucket 1
		{age: 125 * time.Second, value: 0.3}, // bucket 2
		{age: 10 * time.Hour, value: 0.9},    // out of window, dropped
	}

	for i, s := range samples {
		status := Status{GroupName: "jvb-west", InstanceID: "i-1"}
		ts := now.Add(-s.age)
		if err := tr.Track(ctx, status, s.value, ts); err != nil {
			t.Fatalf("Track(%d) error = %v", i, err)
		}
	}

	buckets, err := tr.GetMetricInventoryPerPeriod(ctx, "jvb-west", 3, period, now)
	if err != nil {
		t.Fatalf("GetMetricInventoryPerPeriod() error = %v", err)
	}
	if len(buckets) != 3 {
		t.Fatalf("got %d buckets, want 3", len(buckets))
	}
	for i, want := range []float64{0.1, 0.2, 0.3} {
		if len(buckets[i]) != 1 || buckets[i][0].Value != want {
			t.Errorf("bucket %d = %+v, want single sample with value %v", i, buckets[i], want)
		}
	}
}

func TestTracker_EmptyBucketsPreserved(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t)

	buckets, err := tr.GetMetricInventoryPerPeriod(ctx, "empty-group", 4, time.Minute, time.Now())
	if err != nil {
		t.Fatalf("GetMetricInventoryPerPeriod() error = %v", err)
	}
	if len(buckets) != 4 {
		t.Fatalf("got %d buckets, want 4", len(buckets))
	}
	for i, b := range buckets {
		if b == nil || len(b) != 0 {
			t.Errorf("bucket %d = %v, want empty non-nil slice", i, b)
		}
	}
}
