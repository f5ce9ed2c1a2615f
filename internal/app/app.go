// Package app wires every component together from config and runs the
// selected mode. It is constructed once at startup; there is no
// process-wide mutable state outside of it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/fleetscale/controller/internal/auth"
	"github.com/fleetscale/controller/internal/config"
	"github.com/fleetscale/controller/internal/httpserver"
	"github.com/fleetscale/controller/internal/lock"
	"github.com/fleetscale/controller/internal/platform"
	"github.com/fleetscale/controller/internal/store"
	"github.com/fleetscale/controller/internal/telemetry"
	"github.com/fleetscale/controller/pkg/audit"
	"github.com/fleetscale/controller/pkg/autoscaler"
	"github.com/fleetscale/controller/pkg/cloud"
	"github.com/fleetscale/controller/pkg/group"
	"github.com/fleetscale/controller/pkg/instance"
	"github.com/fleetscale/controller/pkg/jobs"
	"github.com/fleetscale/controller/pkg/launcher"
	"github.com/fleetscale/controller/pkg/report"
	"github.com/fleetscale/controller/pkg/sanity"
	"github.com/fleetscale/controller/pkg/shutdown"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, wires every component, and starts the modes
// (api / jobs / all) cfg.Mode selects.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting fleetscale controller", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	rdb, err := platform.NewRedisClient(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	metricsReg := telemetry.NewRegistry()

	c, err := build(cfg, rdb, logger)
	if err != nil {
		return err
	}

	if cfg.GroupConfigFile != "" {
		baseline, err := group.LoadConfigFile(cfg.GroupConfigFile)
		if err != nil {
			return fmt.Errorf("loading group config file: %w", err)
		}
		c.baseline = baseline
		if err := group.Bootstrap(ctx, c.groups, baseline); err != nil {
			return fmt.Errorf("bootstrapping groups: %w", err)
		}
		logger.Info("bootstrapped groups from config file", "path", cfg.GroupConfigFile, "count", len(baseline))
	}

	go c.reportManagedGroups(ctx)
	go c.reportQueueWaiting(ctx)

	switch cfg.Mode {
	case "api":
		return c.runAPI(ctx, cfg, metricsReg)
	case "jobs":
		c.runJobPipeline(ctx, cfg)
		return nil
	case "all", "":
		return c.runAll(ctx, cfg, metricsReg)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// controller holds every wired component, constructed once from config.
type controller struct {
	rdb      *redis.Client
	groups   *group.Registry
	tracker  *instance.Tracker
	shutdown *shutdown.Manager
	auditLog *audit.Log
	clouds   *cloud.Registry
	locks    *lock.Manager
	scaler   *autoscaler.Autoscaler
	launcher *launcher.Launcher
	sanity   *sanity.Loop
	reporter *report.Builder
	queue    *jobs.Queue
	auth     *auth.Verifier
	baseline []group.InstanceGroup
	logger   *slog.Logger
}

func build(cfg *config.Config, rdb *redis.Client, logger *slog.Logger) (*controller, error) {
	s := store.NewRedisStore(rdb)
	locks := lock.NewManager(rdb)

	groupLockTTL := time.Duration(cfg.GroupLockTTLMs) * time.Millisecond
	autoScaleGrace := time.Duration(cfg.AutoscaleGraceSec) * time.Second
	idleTTL := time.Duration(cfg.IdleTTLSec) * time.Second
	metricTTL := time.Duration(cfg.MetricTTLSec) * time.Second
	shutdownTTL := time.Duration(cfg.ShutdownTTLSec) * time.Second
	auditTTL := time.Duration(cfg.AuditTTLSec) * time.Second

	groups := group.NewRegistry(s, autoScaleGrace)
	tracker := instance.NewTracker(s, idleTTL, metricTTL)
	shutdownMgr := shutdown.NewManager(s, shutdownTTL)
	auditLog := audit.NewLog(s, auditTTL)

	clouds, err := buildCloudRegistry(cfg, logger)
	if err != nil {
		return nil, err
	}

	scaler := autoscaler.NewAutoscaler(groups, tracker, auditLog, locks, groupLockTTL, logger)
	launch := launcher.NewLauncher(groups, tracker, shutdownMgr, clouds, auditLog, locks, groupLockTTL, logger)
	sanityLoop := sanity.NewLoop(groups, tracker, clouds, logger)
	reporter := report.NewBuilder(groups, tracker, auditLog, sanityLoop)

	queue := jobs.NewQueue(rdb)

	var verifier *auth.Verifier
	if cfg.JWTSecret != "" {
		verifier = auth.NewVerifier(cfg.JWTSecret)
	}
	if cfg.ProtectedAPI && cfg.JWTSecret == "" {
		return nil, errors.New("PROTECTED_API is true but JWT_SECRET is not set")
	}

	return &controller{
		rdb:      rdb,
		groups:   groups,
		tracker:  tracker,
		shutdown: shutdownMgr,
		auditLog: auditLog,
		clouds:   clouds,
		locks:    locks,
		scaler:   scaler,
		launcher: launch,
		sanity:   sanityLoop,
		reporter: reporter,
		queue:    queue,
		auth:     verifier,
		logger:   logger,
	}, nil
}

// buildCloudRegistry constructs a Driver for every provider named in
// CLOUD_PROVIDERS. Missing credentials for a declared provider is a
// fatal startup error.
func buildCloudRegistry(cfg *config.Config, logger *slog.Logger) (*cloud.Registry, error) {
	drivers := make(map[group.Cloud]cloud.Driver, len(cfg.CloudProviders))
	maxElapsed := time.Duration(cfg.CloudCallMaxTimeSec) * time.Second
	maxDelay := time.Duration(cfg.CloudCallMaxDelayMs) * time.Millisecond

	for _, p := range cfg.CloudProviders {
		switch group.Cloud(p) {
		case group.CloudOracle:
			if cfg.OracleTenancyID == "" || cfg.OracleUserID == "" || cfg.OracleFingerprint == "" || cfg.OraclePrivateKey == "" {
				return nil, fmt.Errorf("cloud: oracle declared in CLOUD_PROVIDERS but credentials are incomplete")
			}
			drivers[group.CloudOracle] = cloud.NewOracleDriver(cloud.OracleConfig{
				BaseURL:       cfg.OracleAPIBaseURL,
				TenancyID:     cfg.OracleTenancyID,
				UserID:        cfg.OracleUserID,
				Fingerprint:   cfg.OracleFingerprint,
				PrivateKeyPEM: cfg.OraclePrivateKey,
				MaxElapsed:    maxElapsed,
				MaxDelay:      maxDelay,
			}, logger)
		case group.CloudDigitalOcean:
			if cfg.DigitalOceanAPIKey == "" {
				return nil, fmt.Errorf("cloud: digitalocean declared in CLOUD_PROVIDERS but DIGITALOCEAN_API_KEY is not set")
			}
			drivers[group.CloudDigitalOcean] = cloud.NewDigitalOceanDriver(cloud.DigitalOceanConfig{
				BaseURL:    cfg.DigitalOceanBaseURL,
				APIKey:     cfg.DigitalOceanAPIKey,
				MaxElapsed: maxElapsed,
				MaxDelay:   maxDelay,
			}, logger)
		case group.CloudCustom:
			drivers[group.CloudCustom] = cloud.NewCustomDriver(logger)
		default:
			return nil, fmt.Errorf("cloud: unknown provider %q in CLOUD_PROVIDERS", p)
		}
	}

	// "custom" groups never need declared credentials; always register
	// it so group.cloud=custom works even when the operator only listed
	// the providers they actually automate.
	if _, ok := drivers[group.CloudCustom]; !ok {
		drivers[group.CloudCustom] = cloud.NewCustomDriver(logger)
	}

	return cloud.NewRegistry(drivers), nil
}

func (c *controller) runAPI(ctx context.Context, cfg *config.Config, metricsReg *prometheus.Registry) error {
	srv := c.newHTTPServer(cfg, metricsReg)
	return serve(ctx, srv, cfg.ListenAddr(), c.logger)
}

func (c *controller) runAll(ctx context.Context, cfg *config.Config, metricsReg *prometheus.Registry) error {
	jobsCtx, cancelJobs := context.WithCancel(ctx)
	jobsDone := make(chan struct{})
	go func() {
		defer close(jobsDone)
		c.runJobPipeline(jobsCtx, cfg)
	}()

	srv := c.newHTTPServer(cfg, metricsReg)
	err := serve(ctx, srv, cfg.ListenAddr(), c.logger)

	// Stop the job pipeline and wait for in-flight jobs to return.
	cancelJobs()
	<-jobsDone
	return err
}

// runJobPipeline starts the producer and a worker pool, blocking until
// ctx is cancelled. Every replica that runs in "jobs" or "all" mode runs
// one of each; the job-creation lock and group locks serialize the
// actual work across them.
func (c *controller) runJobPipeline(ctx context.Context, cfg *config.Config) {
	groupLockTTL := time.Duration(cfg.GroupLockTTLMs) * time.Millisecond

	producerCfg := jobs.ProducerConfig{
		JobCreationLockTTL: time.Duration(cfg.JobsCreationLockTTL) * time.Millisecond,
		GroupTickInterval:  time.Duration(cfg.GroupJobsCreationIntervalSec) * time.Second,
		SanityTickInterval: time.Duration(cfg.SanityJobsCreationIntervalSec) * time.Second,
		GroupJobsGrace:     time.Duration(cfg.GroupJobsGraceSec) * time.Second,
		SanityJobsGrace:    time.Duration(cfg.SanityJobsGraceSec) * time.Second,
		AutoscalerTimeout:  groupLockTTL,
		SanityTimeout:      time.Duration(cfg.SanityLoopProcessingTimeoutMs) * time.Millisecond,
	}
	producer := jobs.NewProducer(c.groups, c.locks, store.NewRedisStore(c.rdb), c.queue, producerCfg, c.logger)

	handlers := map[jobs.Type]jobs.Handler{
		jobs.TypeAutoscale: func(ctx context.Context, groupName string) error {
			c.scaler.ProcessAutoscalingByGroup(ctx, groupName)
			return nil
		},
		jobs.TypeLaunch: func(ctx context.Context, groupName string) error {
			return c.launcher.LaunchOrShutdownInstancesByGroup(ctx, groupName)
		},
		jobs.TypeSanity: func(ctx context.Context, groupName string) error {
			return c.sanity.ReportUntrackedInstances(ctx, groupName)
		},
	}
	worker := jobs.NewWorker(c.queue, handlers, jobs.WorkerConfig{
		Concurrency:     cfg.JobWorkerConcurrency,
		DequeueBlockFor: 2 * time.Second,
		ReapInterval:    groupLockTTL,
	}, c.logger)

	go producer.Run(ctx)
	worker.Run(ctx)
}

func (c *controller) newHTTPServer(cfg *config.Config, metricsReg *prometheus.Registry) *httpserver.Server {
	authMiddleware := auth.Middleware(c.auth, cfg.ProtectedAPI, c.logger)

	srv := httpserver.NewServer(httpserver.Config{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	}, c.logger, c.rdb, metricsReg, authMiddleware)

	groupHandler := group.NewHandler(c.groups, c.locks, time.Duration(cfg.GroupLockTTLMs)*time.Millisecond, c.logger, c.baseline, c.tracker, c.launcher, c.reporter)
	instanceHandler := instance.NewHandler(c.tracker, c.groups, c.shutdown, c.logger)

	srv.APIRouter.Mount("/groups", groupHandler.Routes())
	srv.APIRouter.Mount("/", instanceHandler.Routes())

	return srv
}

func serve(ctx context.Context, handler http.Handler, addr string, logger *slog.Logger) error {
	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// reportManagedGroups periodically refreshes the autoscaling_groups_managed
// gauge from the registry, until ctx is cancelled.
func (c *controller) reportManagedGroups(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		groups, err := c.groups.List(ctx)
		if err == nil {
			telemetry.AutoscalingGroupsManaged.Set(float64(len(groups)))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// reportQueueWaiting periodically refreshes the queue_waiting gauge,
// until ctx is cancelled.
func (c *controller) reportQueueWaiting(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		if n, err := c.queue.Waiting(ctx); err == nil {
			telemetry.QueueWaiting.Set(float64(n))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
