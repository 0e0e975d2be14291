// Package app wires the service together: config, logging, storage, the
// repository-host client, the scheduler and the HTTP ingress, all supervised
// under one lifecycle.
package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"commitpulse/internal/alert"
	"commitpulse/internal/config"
	"commitpulse/internal/eventbus"
	"commitpulse/internal/github"
	"commitpulse/internal/pipeline"
	"commitpulse/internal/recorder"
	rtsup "commitpulse/internal/runtime/supervisor"
	"commitpulse/internal/scheduler"
	"commitpulse/internal/server"
	"commitpulse/internal/store"
	logx "commitpulse/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus

	store  store.Store
	sched  *scheduler.Service
	alerts *alert.Service
	http   *server.Service

	startedAt time.Time
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(logs.Logger().With(logx.String("comp", "config")))

	bus := eventbus.New()

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, logs.Logger().With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", cfg.Storage.Driver))

	ghTimeout, err := config.ParseDurationOrDefault("github.timeout", cfg.GitHub.Timeout, 30*time.Second)
	if err != nil {
		return nil, err
	}
	gh := github.New(github.Config{
		BaseURL:    cfg.GitHub.BaseURL,
		Timeout:    ghTimeout,
		RatePerSec: cfg.GitHub.RatePerSec,
	})

	maxPredelay, err := config.ParseDurationOrDefault("scheduler.max_predelay", cfg.Scheduler.MaxPredelay, time.Hour)
	if err != nil {
		return nil, err
	}
	stopTimeout, err := config.ParseDurationOrDefault("scheduler.stop_timeout", cfg.Scheduler.StopTimeout, 30*time.Second)
	if err != nil {
		return nil, err
	}

	runner := pipeline.NewRunner(gh, pipeline.Config{MaxPredelay: maxPredelay},
		logs.Logger().With(logx.String("comp", "pipeline")))
	rec := recorder.New(st, logs.Logger().With(logx.String("comp", "recorder")))

	sched := scheduler.New(scheduler.Config{
		Enabled:     cfg.Scheduler.Enabled,
		Tick:        cfg.Scheduler.Tick,
		Workers:     cfg.Scheduler.Workers,
		QueueSize:   cfg.Scheduler.QueueSize,
		StopTimeout: stopTimeout,
	}, scheduler.Deps{
		Store:    st,
		Runner:   runner,
		Recorder: rec,
		Bus:      bus,
	}, logs.Logger().With(logx.String("comp", "scheduler")))

	var alerts *alert.Service
	if cfg.Alerts != nil {
		alerts, err = alert.New(alert.Config{
			Enabled:    cfg.Alerts.Enabled,
			Token:      cfg.Alerts.Telegram.Token,
			ChatID:     cfg.Alerts.Telegram.ChatID,
			RatePerSec: cfg.Alerts.RatePerSec,
		}, bus, logs.Logger().With(logx.String("comp", "alert")))
		if err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	window, err := config.ParseDurationOrDefault("server.rate_limit.window", cfg.Server.RateLimit.Window, time.Minute)
	if err != nil {
		return nil, err
	}
	startedAt := time.Now()
	limiter := server.NewFixedWindowLimiter(window, cfg.Server.RateLimit.MaxRequests)
	handler := server.NewHandler(server.Deps{
		Store:     st,
		Host:      gh,
		Scheduler: sched,
		Bus:       bus,
		Token:     cfg.Server.APIToken,
		Limiter:   limiter,
		Log:       logs.Logger().With(logx.String("comp", "http")),
		StartedAt: startedAt,
	})
	httpSvc := server.New(cfg.Server.Addr, handler, logs.Logger().With(logx.String("comp", "http")))

	return &App{
		cfgm:      cfgm,
		logs:      logs,
		log:       log,
		bus:       bus,
		store:     st,
		sched:     sched,
		alerts:    alerts,
		http:      httpSvc,
		startedAt: startedAt,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(true),
	)
	sup := a.sup

	sup.Go0("config.watch", func(c context.Context) {
		_ = a.cfgm.Watch(c)
	})
	sub := a.cfgm.Subscribe(4)
	sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyReload(cfg)
			}
		}
	})

	if err := a.sched.Start(sup.Context()); err != nil {
		return err
	}

	if a.alerts != nil {
		sup.GoRestart("alerts", a.alerts.Run)
	}

	sup.Go("http.serve", func(c context.Context) error {
		return a.http.Start()
	})
	sup.Go0("http.shutdown", func(c context.Context) {
		<-c.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.http.Stop(shCtx); err != nil {
			a.log.Warn("http shutdown", logx.Err(err))
		}
	})

	// No-op outside systemd.
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify: ready")
	}

	a.log.Info("started")
	return nil
}

// applyReload applies the hot-reloadable subset of a published config.
// Structural settings (storage driver, listen address, worker counts) need a
// restart.
func (a *App) applyReload(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.log.Info("config reloaded", logx.String("level", cfg.Logging.Level))
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	a.sched.Stop(ctx)

	if a.sup != nil {
		a.sup.Cancel()
		waitCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		_ = a.sup.Wait(waitCtx)
	}

	if err := a.store.Close(); err != nil {
		a.log.Warn("store close", logx.Err(err))
	}
	a.log.Info("stopped")
	return a.logs.Close()
}
