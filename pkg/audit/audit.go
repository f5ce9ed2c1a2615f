// Package audit records scaling actions and last-run timestamps for the
// group-report endpoint and health dashboards.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fleetscale/controller/internal/store"
)

// ActionType enumerates the kinds of scaling action an AuditEntry records.
type ActionType string

const (
	ActionIncreaseDesiredCount ActionType = "increaseDesiredCount"
	ActionDecreaseDesiredCount ActionType = "decreaseDesiredCount"
	ActionLaunch               ActionType = "launch"
	ActionShutdown             ActionType = "shutdown"
)

// Entry is one recorded scaling action.
type Entry struct {
	Timestamp       time.Time  `json:"timestamp"`
	ActionType      ActionType `json:"actionType"`
	Count           int        `json:"count"`
	OldDesiredCount int        `json:"oldDesiredCount"`
	NewDesiredCount int        `json:"newDesiredCount"`
	ScaleMetrics    []float64  `json:"scaleMetrics,omitempty"`
}

const (
	auditKeyPrefix       = "audit:"
	lastAutoScalerRunKey = "lastAutoScalerRun:"
	lastLauncherRunKey   = "lastLauncherRun:"
	maxEntriesPerGroup   = 200
)

// Log appends an AuditEntry to a group's capped, TTL-bounded history.
type Log struct {
	store    store.Store
	auditTTL time.Duration
}

// NewLog creates an audit Log. auditTTL bounds how long entries are
// retained.
func NewLog(s store.Store, auditTTL time.Duration) *Log {
	return &Log{store: s, auditTTL: auditTTL}
}

func auditKey(groupName string) string { return auditKeyPrefix + groupName }

// Append records one scaling action for a group, trimming the list to
// the most recent maxEntriesPerGroup entries.
func (l *Log) Append(ctx context.Context, groupName string, entry Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: encoding entry for %q: %w", groupName, err)
	}

	key := auditKey(groupName)
	if err := l.store.RPush(ctx, key, string(raw), l.auditTTL); err != nil {
		return fmt.Errorf("audit: appending entry for %q: %w", groupName, err)
	}
	if err := l.store.LTrim(ctx, key, -maxEntriesPerGroup, -1); err != nil {
		return fmt.Errorf("audit: trimming entries for %q: %w", groupName, err)
	}
	return nil
}

// List returns a group's recorded scaling actions, oldest first.
func (l *Log) List(ctx context.Context, groupName string) ([]Entry, error) {
	raws, err := l.store.LRange(ctx, auditKey(groupName), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("audit: listing entries for %q: %w", groupName, err)
	}

	entries := make([]Entry, 0, len(raws))
	for _, raw := range raws {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("audit: decoding entry for %q: %w", groupName, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// RecordAutoScalerRun stamps the time the autoscaler last evaluated a
// group, regardless of whether it made a change.
func (l *Log) RecordAutoScalerRun(ctx context.Context, groupName string, at time.Time) error {
	if err := l.store.Set(ctx, lastAutoScalerRunKey+groupName, formatTime(at), 0); err != nil {
		return fmt.Errorf("audit: recording autoscaler run for %q: %w", groupName, err)
	}
	return nil
}

// LastAutoScalerRun returns the last-recorded autoscaler run time, or ok=false.
func (l *Log) LastAutoScalerRun(ctx context.Context, groupName string) (time.Time, bool, error) {
	return l.getTime(ctx, lastAutoScalerRunKey+groupName)
}

// RecordLauncherRun stamps the time the launcher last converged a group.
func (l *Log) RecordLauncherRun(ctx context.Context, groupName string, at time.Time) error {
	if err := l.store.Set(ctx, lastLauncherRunKey+groupName, formatTime(at), 0); err != nil {
		return fmt.Errorf("audit: recording launcher run for %q: %w", groupName, err)
	}
	return nil
}

// LastLauncherRun returns the last-recorded launcher run time, or ok=false.
func (l *Log) LastLauncherRun(ctx context.Context, groupName string) (time.Time, bool, error) {
	return l.getTime(ctx, lastLauncherRunKey+groupName)
}

func (l *Log) getTime(ctx context.Context, key string) (time.Time, bool, error) {
	raw, ok, err := l.store.Get(ctx, key)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("audit: reading %q: %w", key, err)
	}
	if !ok {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("audit: parsing %q: %w", key, err)
	}
	return t, true, nil
}

func formatTime(t time.Time) string { return t.Format(time.RFC3339Nano) }
