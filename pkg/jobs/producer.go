package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fleetscale/controller/internal/lock"
	"github.com/fleetscale/controller/internal/store"
	"github.com/fleetscale/controller/internal/telemetry"
	"github.com/fleetscale/controller/pkg/group"
)

const (
	jobCreationLockName = "jobCreationLock"
	groupJobsGraceKey   = "groupJobsGrace"
	sanityJobsGraceKey  = "sanityJobsGrace"
)

// GroupLister is the slice of group.Registry the Producer needs.
type GroupLister interface {
	List(ctx context.Context) ([]group.InstanceGroup, error)
}

// Locker acquires the job-creation lease a Producer tick must hold.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (*lock.Lease, error)
}

// ProducerConfig holds the Producer's tick intervals, grace windows, and
// the timeouts stamped onto jobs it creates.
type ProducerConfig struct {
	JobCreationLockTTL time.Duration
	GroupTickInterval  time.Duration
	SanityTickInterval time.Duration
	GroupJobsGrace     time.Duration
	SanityJobsGrace    time.Duration
	AutoscalerTimeout  time.Duration // stamped on Autoscale/Launch jobs; equals groupLockTTL
	SanityTimeout      time.Duration
}

// Producer runs two independent tickers: a group tick that enqueues one
// Autoscale and one Launch job per group, and a sanity tick that
// enqueues one Sanity job per group.
// Each tick is guarded by a fast-path grace check, the job-creation
// lock, and a double-check of the grace marker after acquiring it, so
// that of however many replicas tick at the same moment, at most one
// actually creates jobs.
type Producer struct {
	groups GroupLister
	locks  Locker
	store  store.Store
	queue  *Queue
	cfg    ProducerConfig
	logger *slog.Logger
}

// NewProducer creates a Producer.
func NewProducer(groups GroupLister, locks Locker, s store.Store, queue *Queue, cfg ProducerConfig, logger *slog.Logger) *Producer {
	return &Producer{groups: groups, locks: locks, store: s, queue: queue, cfg: cfg, logger: logger}
}

// Run blocks, driving both tickers, until ctx is cancelled.
func (p *Producer) Run(ctx context.Context) {
	groupTicker := time.NewTicker(p.cfg.GroupTickInterval)
	defer groupTicker.Stop()
	sanityTicker := time.NewTicker(p.cfg.SanityTickInterval)
	defer sanityTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-groupTicker.C:
			p.tickGroups(ctx)
		case <-sanityTicker.C:
			p.tickSanity(ctx)
		}
	}
}

func (p *Producer) tickGroups(ctx context.Context) {
	p.tick(ctx, groupJobsGraceKey, p.cfg.GroupJobsGrace, func(groups []group.InstanceGroup) {
		for _, g := range groups {
			p.enqueue(ctx, g.Name, TypeAutoscale, p.cfg.AutoscalerTimeout)
			p.enqueue(ctx, g.Name, TypeLaunch, p.cfg.AutoscalerTimeout)
		}
	})
}

func (p *Producer) tickSanity(ctx context.Context) {
	p.tick(ctx, sanityJobsGraceKey, p.cfg.SanityJobsGrace, func(groups []group.InstanceGroup) {
		for _, g := range groups {
			p.enqueue(ctx, g.Name, TypeSanity, p.cfg.SanityTimeout)
		}
	})
}

// tick implements one tick's protocol: fast-path grace check, acquire
// the job-creation lock (failing to acquire is not an error — another
// replica is producing this tick), double-checked grace re-check, load
// groups, enqueue, then set the grace marker.
func (p *Producer) tick(ctx context.Context, graceKey string, graceTTL time.Duration, enqueueFn func([]group.InstanceGroup)) {
	if hasGrace, err := p.hasGrace(ctx, graceKey); err != nil {
		p.logger.Warn("jobs: checking grace failed", "key", graceKey, "error", err)
		return
	} else if hasGrace {
		return
	}

	lease, err := p.locks.Acquire(ctx, jobCreationLockName, p.cfg.JobCreationLockTTL)
	if err != nil {
		if !errors.Is(err, lock.ErrNotAcquired) {
			p.logger.Warn("jobs: job-creation lock error", "error", err)
		}
		return
	}
	defer func() {
		if err := lease.Release(ctx); err != nil {
			p.logger.Warn("jobs: releasing job-creation lock failed", "error", err)
		}
	}()

	if hasGrace, err := p.hasGrace(ctx, graceKey); err != nil {
		p.logger.Warn("jobs: re-checking grace failed", "key", graceKey, "error", err)
		return
	} else if hasGrace {
		return
	}

	groups, err := p.groups.List(ctx)
	if err != nil {
		p.logger.Warn("jobs: listing groups failed", "error", err)
		return
	}

	enqueueFn(groups)

	if err := p.store.Set(ctx, graceKey, "1", graceTTL); err != nil {
		p.logger.Warn("jobs: setting grace failed", "key", graceKey, "error", err)
	}
}

func (p *Producer) hasGrace(ctx context.Context, key string) (bool, error) {
	_, ok, err := p.store.Get(ctx, key)
	return ok, err
}

func (p *Producer) enqueue(ctx context.Context, groupName string, t Type, timeout time.Duration) {
	job := Job{
		ID:         uuid.New().String(),
		GroupName:  groupName,
		Type:       t,
		TimeoutMs:  timeout.Milliseconds(),
		Retries:    0,
		EnqueuedAt: time.Now(),
	}
	if err := p.queue.Enqueue(ctx, job); err != nil {
		telemetry.JobCreateFailureTotal.WithLabelValues(string(t)).Inc()
		p.logger.Warn("jobs: enqueue failed", "group", groupName, "type", t, "error", err)
		return
	}
	telemetry.JobCreateTotal.WithLabelValues(string(t)).Inc()
}
