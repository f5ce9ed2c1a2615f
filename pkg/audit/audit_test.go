package audit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/fleetscale/controller/internal/store"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewLog(store.NewRedisStore(rdb), 48*time.Hour)
}

func TestLog_AppendAndList(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t)

	entry := Entry{
		Timestamp:       time.Now(),
		ActionType:      ActionIncreaseDesiredCount,
		Count:           2,
		OldDesiredCount: 2,
		NewDesiredCount: 4,
	}
	if err := l.Append(ctx, "jibri-east", entry); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	entries, err := l.List(ctx, "jibri-east")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 1 || entries[0].ActionType != ActionIncreaseDesiredCount || entries[0].NewDesiredCount != 4 {
		t.Fatalf("List() = %+v, unexpected content", entries)
	}
}

func TestLog_RunTimestamps(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t)

	if _, ok, err := l.LastAutoScalerRun(ctx, "jibri-east"); err != nil || ok {
		t.Fatalf("LastAutoScalerRun() before record = (ok=%v, err=%v), want (false, nil)", ok, err)
	}

	now := time.Now()
	if err := l.RecordAutoScalerRun(ctx, "jibri-east", now); err != nil {
		t.Fatalf("RecordAutoScalerRun() error = %v", err)
	}

	got, ok, err := l.LastAutoScalerRun(ctx, "jibri-east")
	if err != nil || !ok {
		t.Fatalf("LastAutoScalerRun() = (ok=%v, err=%v), want (true, nil)", ok, err)
	}
	if got.Unix() != now.Unix() {
		t.Errorf("LastAutoScalerRun() = %v, want %v", got, now)
	}

	if err := l.RecordLauncherRun(ctx, "jibri-east", now); err != nil {
		t.Fatalf("RecordLauncherRun() error = %v", err)
	}
	if _, ok, err := l.LastLauncherRun(ctx, "jibri-east"); err != nil || !ok {
		t.Fatalf("LastLauncherRun() = (ok=%v, err=%v), want (true, nil)", ok, err)
	}
}

func TestLog_AppendTrimsToMaxEntries(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t)

	for i := 0; i < maxEntriesPerGroup+10; i++ {
		entry := Entry{Timestamp: time.Now(), ActionType: ActionLaunch, Count: 1}
		if err := l.Append(ctx, "jvb-west", entry); err != nil {
			t.Fatalf("Append(%d) error = %v", i, err)
		}
	}

	entries, err := l.List(ctx, "jvb-west")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != maxEntriesPerGroup {
		t.Errorf("List() returned %d entries, want %d after trim", len(entries), maxEntriesPerGroup)
	}
}
