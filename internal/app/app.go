package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"runtimekit/internal/bridge/redisbus"
	"runtimekit/internal/config"
	"runtimekit/internal/event"
	"runtimekit/internal/expiry"
	"runtimekit/internal/observability/debughttp"
	"runtimekit/internal/observability/metrics"
	rtsup "runtimekit/internal/runtime/supervisor"
	"runtimekit/internal/storage"
	"runtimekit/internal/task/engine"
	"runtimekit/internal/task/scheduler"
	logx "runtimekit/pkg/logx"
)

var ErrMetricsDisabled = errors.New("metrics disabled")

// App owns every runtime component. Construction order is
// pool -> scheduler -> event registry -> redis bridge; Stop tears them down
// in reverse.
type App struct {
	cfgm *config.Manager // nil when built from a config value
	cfg  *config.Config

	sup  *rtsup.Supervisor
	log  logx.Logger
	logs *logx.Service

	mp     *sdkmetric.MeterProvider
	reader *sdkmetric.ManualReader

	store  storage.Store
	pool   *engine.Pool
	sched  *scheduler.Scheduler
	events *event.Registry
	bridge *redisbus.Bridge
	debug  *debughttp.Server

	hbMu      sync.Mutex
	heartbeat *scheduler.Task
	watchdog  *expiry.Entity // nil unless the heartbeat has a fixed period
	beats     atomic.Uint64
	stalls    atomic.Uint64

	winMu       sync.Mutex
	redisWindow *expiry.CoolDown[string, uint64]
	windowLen   time.Duration

	// notices remembers recently logged restart warnings per section.
	notices *expiry.Metadata

	stopOnce sync.Once
}

// New loads cfgPath and builds the app. The config file is watched for
// changes once the app is started.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(ctx, cfgm, cfg)
}

// NewWithConfig builds the app from an in-memory config. Hot reload is not
// available.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return build(ctx, nil, cfg)
}

func build(ctx context.Context, cfgm *config.Manager, cfg *config.Config) (_ *App, err error) {
	logSvc, root := logx.New(mapLoggingConfig(cfg))
	a := &App{
		cfgm: cfgm,
		cfg:  cfg,
		log:  root.With(logx.String("comp", "app")),
		logs: logSvc,
	}

	// Undo partial construction on failure.
	var undo []func()
	defer func() {
		if err == nil {
			return
		}
		for _, fn := range slices.Backward(undo) {
			fn()
		}
		_ = logSvc.Close()
	}()

	var rec metrics.Recorder = metrics.Noop{}
	if cfg.Metrics.Enabled {
		a.reader = sdkmetric.NewManualReader()
		a.mp = sdkmetric.NewMeterProvider(sdkmetric.WithReader(a.reader))
		undo = append(undo, func() { _ = a.mp.Shutdown(context.Background()) })
		if rec, err = metrics.New(a.mp); err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
	}

	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	schedOpts := []scheduler.Option{scheduler.WithMetrics(rec)}
	if enabled {
		if a.store, err = storage.Open(sc, root); err != nil {
			return nil, err
		}
		undo = append(undo, func() { _ = a.store.Close() })
		schedOpts = append(schedOpts, scheduler.WithObserver(scheduler.ObserverFunc(a.recordRun)))
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	a.pool = engine.New(root.With(logx.String("comp", "pool")))
	if a.sched, err = scheduler.New(mapSchedulerConfig(cfg), a.pool, root, schedOpts...); err != nil {
		a.pool.Shutdown()
		return nil, err
	}
	undo = append(undo, func() { _, _ = a.sched.Shutdown(time.Second) })
	a.notices = expiry.NewMetadata(a.sched)
	a.windowLen = redisWindowLen

	a.events = event.NewRegistry(a.sched, root,
		event.WithMetrics(rec),
		event.WithFailureLogRate(eventFailureRate(cfg)),
	)

	if rc, ok := mapRedisConfig(cfg); ok {
		if a.bridge, err = redisbus.New(ctx, rc, a.events, root); err != nil {
			return nil, err
		}
		a.log.Info("redis bridge enabled", logx.String("addr", rc.Addr), logx.Int("channels", len(rc.Channels)))
	}

	if dc, ok := mapDebugConfig(cfg); ok {
		a.debug = debughttp.New(dc, func() any { return a.Status() }, root)
	}
	return a, nil
}

func (a *App) Config() *config.Config {
	if a.cfgm != nil {
		if cfg := a.cfgm.Get(); cfg != nil {
			return cfg
		}
	}
	return a.cfg
}

func (a *App) Logger() logx.Logger             { return a.log }
func (a *App) Pool() *engine.Pool              { return a.pool }
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }
func (a *App) Events() *event.Registry         { return a.events }
func (a *App) Store() storage.Store            { return a.store }
func (a *App) Bridge() *redisbus.Bridge        { return a.bridge }
func (a *App) Supervisor() *rtsup.Supervisor   { return a.sup }
func (a *App) Debug() *debughttp.Server        { return a.debug }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// CollectMetrics reads the current value of every instrument.
func (a *App) CollectMetrics(ctx context.Context) (metricdata.ResourceMetrics, error) {
	var rm metricdata.ResourceMetrics
	if a.reader == nil {
		return rm, ErrMetricsDisabled
	}
	err := a.reader.Collect(ctx, &rm)
	return rm, err
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	if a.bridge != nil {
		if err := a.watchRedisActivity(); err != nil {
			return err
		}
		if err := a.bridge.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	if a.debug != nil {
		if err := a.debug.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	if err := a.subscribeHeartbeat(); err != nil {
		return err
	}
	if err := a.scheduleHeartbeat(a.cfg.Heartbeat.Schedule); err != nil {
		return err
	}

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log)
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			a.reloadLoop(c, sub)
		})
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	a.log.Info("app started",
		logx.String("timezone", a.sched.Location().String()),
		logx.Bool("metrics", a.reader != nil),
		logx.Bool("storage", a.store != nil),
		logx.Bool("redis", a.bridge != nil),
		logx.Bool("debug", a.debug != nil),
	)
	return nil
}

// Stop shuts every component down within ctx. The scheduler gets at most
// scheduler.shutdown_grace to drain running tasks. Calling Stop again is a
// no-op.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	var stopErr error
	a.stopOnce.Do(func() { stopErr = a.stop(ctx, reason) })
	return stopErr
}

func (a *App) stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sup != nil {
		// Unwind background loops first.
		a.sup.Cancel()
	}

	var errs []error
	if a.debug != nil {
		a.step(ctx, "debug", time.Second, a.debug.Stop)
	}
	if a.bridge != nil {
		a.step(ctx, "redis", 2*time.Second, func(context.Context) error { return a.bridge.Close() })
	}
	if err := a.step(ctx, "scheduler", a.Config().ShutdownGrace(), func(c context.Context) error {
		_, err := a.sched.ShutdownContext(c)
		return err
	}); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}
	a.step(ctx, "events", time.Second, func(context.Context) error { a.events.Close(); return nil })
	if a.mp != nil {
		a.step(ctx, "metrics", time.Second, a.mp.Shutdown)
	}
	if a.store != nil {
		a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })
	}
	if a.sup != nil {
		a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	}

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
	if max > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return err
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		// Observe when/if the step eventually finishes.
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
		return stepCtx.Err()
	}
}

func (a *App) recordRun(ctx context.Context, run scheduler.Run) {
	// The scheduler context is gone during shutdown but the run still belongs
	// in the history.
	c, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := a.store.AppendRun(c, runRecord(run)); err != nil {
		a.log.Warn("run history write failed", logx.String("task", run.Name), logx.Err(err))
	}
}
