// Package app wires the process together: config, store, event bus,
// dispatcher, orchestrator, worker pool, and HTTP router, mirroring the
// teacher's app.New()/Start()/Run()/Close() lifecycle shape.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/yungbote/planner/internal/config"
	"github.com/yungbote/planner/internal/dispatcher"
	"github.com/yungbote/planner/internal/domain"
	"github.com/yungbote/planner/internal/eventbus"
	"github.com/yungbote/planner/internal/httpapi"
	"github.com/yungbote/planner/internal/orchestrator"
	"github.com/yungbote/planner/internal/platform/logger"
	"github.com/yungbote/planner/internal/store"
	"github.com/yungbote/planner/internal/worker"
)

type App struct {
	Log *logger.Logger

	cfg     config.Config
	snap    *config.Snapshot
	store   *store.Store
	bus     *eventbus.Bus
	pub     *eventbus.Publisher
	disp    *dispatcher.Dispatcher
	orch    *orchestrator.Orchestrator
	registry *worker.Registry
	pool    *worker.Pool
	router  http.Handler
	srv     *http.Server

	cancelBg context.CancelFunc
}

func New() (*App, error) {
	cfg := config.Load()
	snap := config.NewSnapshot(cfg)

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("app: logger init: %w", err)
	}

	st, err := store.Open(cfg.PostgresDSN, log)
	if err != nil {
		return nil, fmt.Errorf("app: store open: %w", err)
	}
	if err := st.AutoMigrate(); err != nil {
		return nil, fmt.Errorf("app: automigrate: %w", err)
	}

	bus, err := eventbus.New(log, cfg.RedisAddr, cfg.EventBusSubscriberBuffer)
	if err != nil {
		return nil, fmt.Errorf("app: eventbus init: %w", err)
	}
	pub := eventbus.NewPublisher(st, bus)

	disp, err := dispatcher.New(log, cfg.RedisAddr, st, cfg.QueueSoftCapPerRole)
	if err != nil {
		return nil, fmt.Errorf("app: dispatcher init: %w", err)
	}

	orch := orchestrator.New(log, st, disp, pub, cfg.MinRequirementsLen, cfg.OrchestratorPerJobLockTTL)

	registry := worker.NewRegistry()
	if err := worker.RegisterBuiltinHandlers(registry); err != nil {
		return nil, fmt.Errorf("app: handler registration: %w", err)
	}

	onTerminal := func(ctx context.Context, task *domain.Task, succeeded bool) {
		var err error
		if succeeded {
			err = orch.HandleTaskSucceeded(ctx, task.ID)
		} else {
			err = orch.HandleTaskFailed(ctx, task.ID, true)
		}
		if err != nil {
			log.Warn("app: orchestrator advance failed", "task_id", task.ID.String(), "error", err.Error())
		}
	}

	pool := worker.NewPool(log, disp, st, st, pub, registry, worker.Config{
		Lease:            time.Duration(cfg.WorkerLeaseSeconds) * time.Second,
		HeartbeatEvery:   cfg.WorkerHeartbeatInterval,
		DefaultDeadline:  cfg.TaskDefaultDeadline,
		MaxAttempts:      cfg.TaskMaxAttempts,
		RetryBackoffBase: cfg.TaskRetryBackoffBase,
		RetryBackoffCap:  cfg.TaskRetryBackoffCap,
	}, onTerminal)

	metrics := httpapi.NewMetrics()
	api := httpapi.NewAPI(log, orch, st, disp, pub, pool, metrics)
	router := httpapi.NewRouter(log, api, metrics)

	return &App{
		Log: log, cfg: cfg, snap: snap, store: st, bus: bus, pub: pub,
		disp: disp, orch: orch, registry: registry, pool: pool, router: router,
	}, nil
}

// Start launches background components: the Redis pub/sub forwarder and
// the lease-reclaim sweep (always), and the worker pool fan-out when
// runWorker is true, so a single binary can run as an API-only or a
// combined API-and-worker process. The HTTP server is started by Run.
func (a *App) Start(runWorker bool) {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancelBg = cancel

	go func() {
		if err := a.bus.StartForwarder(ctx); err != nil {
			a.Log.Warn("app: eventbus forwarder stopped", "error", err.Error())
		}
	}()

	go a.reclaimLoop(ctx)

	if runWorker {
		a.pool.Start(ctx, "planner-worker", 4)
	}
}

func (a *App) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := a.disp.ReapExpiredLeases(ctx); err != nil {
				a.Log.Warn("app: reap expired leases failed", "error", err.Error())
			} else if n > 0 {
				a.Log.Info("app: reclaimed expired leases", "count", n)
			}
		}
	}
}

func (a *App) Run(addr string) error {
	a.srv = &http.Server{Addr: addr, Handler: a.router}
	return a.srv.ListenAndServe()
}

func (a *App) HTTPAddr() string { return a.cfg.HTTPAddr }

func (a *App) Close() {
	if a.cancelBg != nil {
		a.cancelBg()
	}
	if a.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.srv.Shutdown(ctx)
	}
	_ = a.bus.Close()
	_ = a.disp.Close()
	a.Log.Sync()
}
