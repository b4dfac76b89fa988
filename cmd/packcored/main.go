// Command packcored wires together the package cache daemon: the string
// interning pool, buffer pool, file access controller, virtual archive
// cache, binary metadata cache, image disk cache, search response cache,
// priority work queue, parallel work scheduler, resilience subsystem, and
// the metrics dashboard.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/packcore/packcore/internal/archivecache"
	"github.com/packcore/packcore/internal/bufpool"
	"github.com/packcore/packcore/internal/config"
	"github.com/packcore/packcore/internal/dashboard"
	"github.com/packcore/packcore/internal/fileaccess"
	"github.com/packcore/packcore/internal/imagecache"
	"github.com/packcore/packcore/internal/intern"
	"github.com/packcore/packcore/internal/metacache"
	"github.com/packcore/packcore/internal/optimizer"
	"github.com/packcore/packcore/internal/resilience"
	"github.com/packcore/packcore/internal/scheduler"
	"github.com/packcore/packcore/internal/searchcache"
	"github.com/packcore/packcore/internal/workqueue"
	"github.com/packcore/packcore/pkg/logging"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file (defaults built in if omitted)")
	flag.Parse()

	logger := logging.New(logging.DefaultConfig())

	cfg, err := loadConfig(*configPath, logger)
	if err != nil {
		logger.Error("failed to load configuration", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.Paths.AppDataDir, 0o755); err != nil {
		logger.Error("failed to create app data directory", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	daemon := newDaemon(cfg, logger)
	if err := daemon.Start(); err != nil {
		logger.Error("failed to start daemon", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutting down", nil)
	if err := daemon.Stop(); err != nil {
		logger.Error("error during shutdown", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
}

func loadConfig(path string, logger *logging.Logger) (*config.Configuration, error) {
	if path == "" {
		return config.NewDefault(), nil
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	logger.Info("loaded configuration", map[string]interface{}{"path": path})
	return cfg, nil
}

// daemon owns every long-lived subsystem and the order they start and
// stop in: caches load before the scheduler admits work, and the
// scheduler drains before caches are saved and closed.
type daemon struct {
	cfg    *config.Configuration
	logger *logging.Logger

	interner *intern.Pool
	buffers  *bufpool.Pool
	locks    *fileaccess.Controller

	archives *archivecache.Cache
	metadata *metacache.Cache
	images   *imagecache.Cache
	search   *searchcache.Cache

	queue      *workqueue.Queue
	optimizerC *optimizer.Optimizer
	retry      *resilience.RetryPolicy
	breakers   *resilience.BreakerManager
	deadLetter *resilience.DeadLetterQueue
	sched      *scheduler.Scheduler
	dash       *dashboard.Dashboard

	metricsServer *http.Server
}

func newDaemon(cfg *config.Configuration, logger *logging.Logger) *daemon {
	interner := intern.New()
	buffers := bufpool.New()
	locks := fileaccess.New(fileaccess.Config{
		StaleInterval: cfg.Locking.StaleInterval,
		SweepInterval: cfg.Locking.SweepInterval,
		Logger:        logger,
	})

	opt := optimizer.New(optimizer.Config{
		Target:             cfg.Scheduler.TargetWorkers,
		Min:                cfg.Scheduler.MinWorkers,
		Max:                cfg.Scheduler.MaxWorkers,
		AdjustmentInterval: cfg.Scheduler.AdjustmentInterval,
	})

	archives := archivecache.New(archivecache.Config{
		Controller:      locks,
		Pool:            buffers,
		Interner:        interner,
		Logger:          logger,
		PerArchiveCap:   cfg.ArchiveCache.PerArchiveCapBytes,
		GlobalCap:       cfg.ArchiveCache.GlobalCapBytes,
		WeakPromote:     cfg.ArchiveCache.WeakPromoteBytes,
		IdleEvictAfter:  cfg.ArchiveCache.IdleEvictAfter,
		SweepInterval:   cfg.ArchiveCache.SweepInterval,
		DemoteToPercent: cfg.ArchiveCache.DemoteToPercent,
		Optimizer:       opt,
	})

	metadata := metacache.New(metacache.Config{
		Path:     filepath.Join(cfg.Paths.AppDataDir, cfg.Paths.MetadataCacheFile),
		Interner: interner,
		Logger:   logger,
	})

	images := imagecache.New(imagecache.Config{
		Path:        filepath.Join(cfg.Paths.AppDataDir, cfg.Paths.ImageCacheFile),
		LRUCapacity: cfg.ImageCache.LRUCapacity,
		Logger:      logger,
	})

	search := searchcache.New(searchcache.Config{
		Path:   filepath.Join(cfg.Paths.AppDataDir, cfg.Paths.SearchCacheFile),
		Logger: logger,
	})

	queue := workqueue.New(workqueue.Config{Capacity: int64(cfg.Scheduler.QueueCapacity)})

	retry := resilience.NewRetryPolicy(resilience.RetryConfig{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		Multiplier:   cfg.Retry.Multiplier,
		JitterFactor: cfg.Retry.JitterFactor,
	})

	breakers := resilience.NewBreakerManager(resilience.BreakerConfig{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		Window:           cfg.CircuitBreaker.Window,
		OpenTimeout:      cfg.CircuitBreaker.OpenTimeout,
	})

	deadLetter := resilience.New(resilience.Config{
		Capacity:      cfg.DeadLetter.Capacity,
		Retention:     cfg.DeadLetter.Retention,
		MaxRetryDelay: cfg.DeadLetter.MaxRetryDelay,
		FailureWindow: cfg.DeadLetter.FailureWindow,
	})

	sched := scheduler.New(queue, logger, scheduler.Config{
		MaxWorkers:     cfg.Scheduler.MaxWorkers,
		AdjustInterval: cfg.Scheduler.AdjustmentInterval,
		Retry:          retry,
		Breakers:       breakers,
		DeadLetter:     deadLetter,
		Optimizer:      opt,
	})

	dash := dashboard.New(dashboard.Config{
		UpdateInterval: cfg.Metrics.UpdateInterval,
		Optimizer:      opt,
		Namespace:      "packcore",
	})

	return &daemon{
		cfg:        cfg,
		logger:     logger,
		interner:   interner,
		buffers:    buffers,
		locks:      locks,
		archives:   archives,
		metadata:   metadata,
		images:     images,
		search:     search,
		queue:      queue,
		optimizerC: opt,
		retry:      retry,
		breakers:   breakers,
		deadLetter: deadLetter,
		sched:      sched,
		dash:       dash,
	}
}

// Start loads on-disk caches, brings up the scheduler and dashboard, and
// (if enabled) starts the Prometheus metrics HTTP endpoint.
func (d *daemon) Start() error {
	if err := d.metadata.Load(); err != nil {
		d.logger.Warn("metadata cache load failed, starting empty", map[string]interface{}{"error": err.Error()})
	}
	if err := d.images.Load(); err != nil {
		d.logger.Warn("image cache load failed, starting empty", map[string]interface{}{"error": err.Error()})
	}
	if err := d.search.Load(); err != nil {
		d.logger.Warn("search cache load failed, starting empty", map[string]interface{}{"error": err.Error()})
	}

	if err := d.sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if err := d.dash.Start(); err != nil {
		return fmt.Errorf("start dashboard: %w", err)
	}

	if d.cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(d.cfg.Metrics.Path, promhttp.Handler())
		d.metricsServer = &http.Server{Addr: d.cfg.Metrics.ListenAddr, Handler: mux}
		go func() {
			if err := d.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				d.logger.Error("metrics server stopped unexpectedly", map[string]interface{}{"error": err.Error()})
			}
		}()
	}

	d.logger.Info("packcored started", map[string]interface{}{"app_data_dir": d.cfg.Paths.AppDataDir})
	return nil
}

// Stop drains the scheduler, stops the dashboard, persists every on-disk
// cache, and releases file locks, in that order.
func (d *daemon) Stop() error {
	if err := d.sched.Stop(); err != nil {
		d.logger.Warn("scheduler stop returned an error", map[string]interface{}{"error": err.Error()})
	}
	if err := d.dash.Stop(); err != nil {
		d.logger.Warn("dashboard stop returned an error", map[string]interface{}{"error": err.Error()})
	}

	if d.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.metricsServer.Shutdown(ctx); err != nil {
			d.logger.Warn("metrics server shutdown returned an error", map[string]interface{}{"error": err.Error()})
		}
	}

	d.archives.ReleaseAll()
	d.archives.Close()

	if err := d.metadata.Save(); err != nil {
		d.logger.Error("metadata cache save failed", map[string]interface{}{"error": err.Error()})
	}
	if err := d.images.Save(); err != nil {
		d.logger.Error("image cache save failed", map[string]interface{}{"error": err.Error()})
	}
	if err := d.search.Save(); err != nil {
		d.logger.Error("search cache save failed", map[string]interface{}{"error": err.Error()})
	}

	d.locks.Close()
	return nil
}
