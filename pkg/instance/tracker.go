package instance

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fleetscale/controller/internal/store"
)

const (
	statusKeyPrefix = "instance:status:"
	metricKeyPrefix = "metric:available:"
)

// Tracker records instance status and metric samples, and answers
// current-inventory and windowed-metric queries.
type Tracker struct {
	store     store.Store
	idleTTL   time.Duration
	metricTTL time.Duration
}

// NewTracker creates a Tracker. idleTTL bounds InstanceStatus freshness;
// metricTTL bounds MetricSample retention and must be at least as long as
// the largest metric window any group evaluates.
func NewTracker(s store.Store, idleTTL, metricTTL time.Duration) *Tracker {
	return &Tracker{store: s, idleTTL: idleTTL, metricTTL: metricTTL}
}

func statusKey(groupName, instanceID string) string {
	return statusKeyPrefix + groupName + ":" + instanceID
}

func metricKey(groupName, instanceID string, timestampMs int64) string {
	return fmt.Sprintf("%s%s:%s:%d", metricKeyPrefix, groupName, instanceID, timestampMs)
}

// Track persists the instance's current status and appends one metric
// sample at now. Any Store error aborts the write; the caller (the
// sidecar's next poll) is expected to retry.
func (t *Tracker) Track(ctx context.Context, status Status, metricValue float64, now time.Time) error {
	raw, err := encodeStatus(status)
	if err != nil {
		return fmt.Errorf("instance: encoding status %s/%s: %w", status.GroupName, status.InstanceID, err)
	}
	if err := t.store.Set(ctx, statusKey(status.GroupName, status.InstanceID), raw, t.idleTTL); err != nil {
		return fmt.Errorf("instance: writing status %s/%s: %w", status.GroupName, status.InstanceID, err)
	}

	ts := now.UnixMilli()
	value := strconv.FormatFloat(metricValue, 'f', -1, 64)
	if err := t.store.Set(ctx, metricKey(status.GroupName, status.InstanceID, ts), value, t.metricTTL); err != nil {
		return fmt.Errorf("instance: writing metric sample %s/%s: %w", status.GroupName, status.InstanceID, err)
	}

	return nil
}

// GetCurrent returns every tracked instance's status in a group. Absence
// of a status key means the instance is considered gone, so this list is
// the controller's view of "current inventory".
func (t *Tracker) GetCurrent(ctx context.Context, groupName string) ([]Status, error) {
	keys, err := t.store.ScanMatch(ctx, statusKeyPrefix+groupName+":*")
	if err != nil {
		return nil, fmt.Errorf("instance: scanning statuses for %q: %w", groupName, err)
	}
	if len(keys) == 0 {
		return []Status{}, nil
	}

	results, err := t.store.MGet(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("instance: loading statuses for %q: %w", groupName, err)
	}

	statuses := make([]Status, 0, len(results))
	for _, res := range results {
		if !res.OK {
			continue
		}
		s, err := decodeStatus(res.Value)
		if err != nil {
			return nil, fmt.Errorf("instance: decoding status %q: %w", res.Key, err)
		}
		statuses = append(statuses, s)
	}

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].InstanceID < statuses[j].InstanceID })
	return statuses, nil
}

// CountCurrent returns len(GetCurrent(groupName)), satisfying the
// group.InstanceCounter capability used by group delete validation.
func (t *Tracker) CountCurrent(ctx context.Context, groupName string) (int, error) {
	statuses, err := t.GetCurrent(ctx, groupName)
	if err != nil {
		return 0, err
	}
	return len(statuses), nil
}

// GetMetricInventoryPerPeriod buckets every retained metric sample for a
// group into periodsCount fixed windows, bucket 0 being the most recent
// ([now-period, now)) and bucket periodsCount-1 the oldest. A sample is
// assigned by its own timestamp, never by arrival time. Empty buckets are
// preserved as empty (non-nil) slices.
func (t *Tracker) GetMetricInventoryPerPeriod(ctx context.Context, groupName string, periodsCount int, period time.Duration, now time.Time) ([][]MetricSample, error) {
	buckets := make([][]MetricSample, periodsCount)
	for i := range buckets {
		buckets[i] = []MetricSample{}
	}

	keys, err := t.store.ScanMatch(ctx, metricKeyPrefix+groupName+":*")
	if err != nil {
		return nil, fmt.Errorf("instance: scanning metrics for %q: %w", groupName, err)
	}
	if len(keys) == 0 {
		return buckets, nil
	}

	results, err := t.store.MGet(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("instance: loading metrics for %q: %w", groupName, err)
	}

	nowMs := now.UnixMilli()
	periodMs := period.Milliseconds()

	for _, res := range results {
		if !res.OK {
			continue
		}
		ts, err := timestampFromMetricKey(res.Key)
		if err != nil {
			continue
		}
		value, err := strconv.ParseFloat(res.Value, 64)
		if err != nil {
			continue
		}

		age := nowMs - ts
		if age < 0 || periodMs <= 0 {
			continue
		}
		bucket := int(age / periodMs)
		if bucket < 0 || bucket >= periodsCount {
			continue
		}
		buckets[bucket] = append(buckets[bucket], MetricSample{TimestampMs: ts, Value: value})
	}

	return buckets, nil
}

func timestampFromMetricKey(key string) (int64, error) {
	idx := strings.LastIndex(key, ":")
	if idx < 0 {
		return 0, fmt.Errorf("instance: malformed metric key %q", key)
	}
	return strconv.ParseInt(key[idx+1:], 10, 64)
}
