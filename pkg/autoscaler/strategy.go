package autoscaler

import (
	"github.com/fleetscale/controller/pkg/group"
	"github.com/fleetscale/controller/pkg/instance"
)

// strategy summarizes a bucket of metric samples and evaluates the
// scale-up/scale-down predicates for one workload type. Each group.Type
// gets its own strategy, so adding a workload is adding one variant.
type strategy interface {
	summarize(bucket []instance.MetricSample, opts group.ScalingOptions) float64
	upPredicate(count int, summary float64, opts group.ScalingOptions) bool
	downPredicate(count int, summary float64, opts group.ScalingOptions) bool
}

func strategyFor(t group.Type) strategy {
	switch t {
	case group.TypeJVB:
		return jvbStrategy{}
	default:
		return jibriStrategy{}
	}
}

// jibriStrategy treats a sample's value as 1 when the instance was idle
// during that heartbeat, 0 otherwise: summarize counts idle heartbeats
// in the bucket.
type jibriStrategy struct{}

func (jibriStrategy) summarize(bucket []instance.MetricSample, _ group.ScalingOptions) float64 {
	if len(bucket) == 0 {
		return 0
	}
	var sum float64
	for _, s := range bucket {
		sum += s.Value
	}
	return sum
}

func (jibriStrategy) upPredicate(count int, summary float64, opts group.ScalingOptions) bool {
	if count < opts.MinDesired {
		return true
	}
	return count < opts.MaxDesired && summary < opts.ScaleUpThreshold
}

func (jibriStrategy) downPredicate(count int, summary float64, opts group.ScalingOptions) bool {
	return count > opts.MinDesired && summary > opts.ScaleDownThreshold
}

// jvbStrategy treats a sample's value as a stress level in [0,1]:
// summarize is the arithmetic mean. An empty bucket has no signal, so it
// is assigned the group's scale-up threshold as a neutral value rather
// than zero, which would otherwise read as "no load" and bias toward
// scaling down.
type jvbStrategy struct{}

func (jvbStrategy) summarize(bucket []instance.MetricSample, opts group.ScalingOptions) float64 {
	if len(bucket) == 0 {
		return opts.ScaleUpThreshold
	}
	var sum float64
	for _, s := range bucket {
		sum += s.Value
	}
	return sum / float64(len(bucket))
}

func (jvbStrategy) upPredicate(count int, summary float64, opts group.ScalingOptions) bool {
	if count < opts.MinDesired {
		return true
	}
	return count < opts.MaxDesired && summary >= opts.ScaleUpThreshold
}

func (jvbStrategy) downPredicate(count int, summary float64, opts group.ScalingOptions) bool {
	return count > opts.MinDesired && summary < opts.ScaleDownThreshold
}
