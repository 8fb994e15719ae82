// Package app wires the scheduler daemon together: config, storage, the
// cycle orchestrator and its supporting services.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"routined/internal/backoff"
	"routined/internal/config"
	"routined/internal/cycle"
	"routined/internal/eventbus"
	"routined/internal/housekeeping"
	"routined/internal/notifier"
	"routined/internal/observability/debugsrv"
	"routined/internal/priority"
	"routined/internal/runtime/supervisor"
	"routined/internal/storage"
	logx "routined/pkg/logx"
)

// StopReason is logged when the daemon shuts down.
type StopReason string

const (
	StopSignal StopReason = "signal"
	StopFatal  StopReason = "fatal_error"
	StopOnce   StopReason = "once"
)

// Options configure New.
type Options struct {
	ConfigPath string
	Overrides  Overrides
}

type App struct {
	opts Options

	cfgm *config.Manager
	res  config.Resolved
	logs *logx.Service
	log  logx.Logger

	lock   *storage.RunLock
	store  storage.Store
	prio   *priority.Store
	bus    eventbus.Bus
	orch   *cycle.Orchestrator
	keeper *housekeeping.Service
	notif  *notifier.Service
	sup    *supervisor.Supervisor
}

// New loads config, takes the run lock for the storage directory and builds
// every component. Close releases what New acquired.
func New(opts Options) (a *App, err error) {
	cfgm, cfg, res, err := LoadConfig(opts.ConfigPath, opts.Overrides)
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	logs, log := logx.New(logConfig(cfg))
	a = &App{opts: opts, cfgm: cfgm, res: res, logs: logs, log: log.With(logx.Comp("app"))}
	defer func() {
		if err != nil {
			_ = a.Close()
			a = nil
		}
	}()

	dir := cfg.StorageDir()
	if a.lock, err = storage.AcquireRunLock(dir); err != nil {
		if errors.Is(err, storage.ErrLocked) {
			if pid, perr := storage.ReadPID(dir); perr == nil {
				return nil, fmt.Errorf("%w (pid %d)", err, pid)
			}
		}
		return nil, err
	}

	sc := storageConfig(cfg, res)
	if a.store, err = storage.Open(sc, log.With(logx.Comp("storage"))); err != nil {
		return nil, err
	}
	if a.prio, err = priority.Open(a.store, priority.WithLogger(log.With(logx.Comp("priority")))); err != nil {
		return nil, err
	}
	if mp := res.MaxPerCycle; mp != nil {
		a.prio.UpdateSettings(func(s *priority.Settings) { s.MaxExecutionsPerCycle = *mp })
	}

	cat, err := NewCatalog(cfg, res, log.With(logx.Comp("catalog")))
	if err != nil {
		return nil, err
	}
	pipe, err := NewPipeline(cfg, log.With(logx.Comp("pipeline")))
	if err != nil {
		return nil, err
	}

	a.bus = eventbus.New()
	eng := backoff.New(policy(res), log.With(logx.Comp("backoff")))
	a.orch, err = cycle.New(cycle.Deps{
		Store:    a.prio,
		Engine:   eng,
		Catalog:  cat,
		Pipeline: pipe,
		History:  a.store,
		Bus:      a.bus,
		Log:      log.With(logx.Comp("cycle")),
	}, cycle.FromResolved(res))
	if err != nil {
		return nil, err
	}

	if a.keeper, err = housekeeping.New(a.store, housekeepingConfig(res), log.With(logx.Comp("housekeeping"))); err != nil {
		return nil, err
	}

	if n := cfg.Notify; n != nil && n.Enabled {
		tg, err := notifier.NewTelegram(n.Token, n.ChatID, n.ThreadID)
		if err != nil {
			return nil, err
		}
		a.notif = notifier.New(notifierConfig(cfg), tg, log.With(logx.Comp("notifier")))
	}

	a.log.Info("routined ready",
		logx.String("config", cfgm.Path()),
		logx.String("storage", sc.Dir),
		logx.String("driver", sc.Driver),
		logx.String("catalog", cfg.Catalog.Driver),
	)
	return a, nil
}

// Orchestrator exposes the cycle loop (status output, tests).
func (a *App) Orchestrator() *cycle.Orchestrator { return a.orch }

// Run starts every service and blocks until ctx is cancelled or a service
// fails fatally. In-flight dispatches get scheduler.shutdown_grace to finish.
func (a *App) Run(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.Comp("supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	a.cfgm.SetLogger(a.log.With(logx.Comp("config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	grace := a.res.ShutdownGrace
	restart := supervisor.RestartPolicy{MinBackoff: time.Second, MaxBackoff: time.Minute}
	sub := a.cfgm.Subscribe(4)

	a.sup.Go("cycle", a.orch.Run)
	a.sup.GoRestart("config.watch", restart, a.cfgm.Watch)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.GoRestart("housekeeping", restart, a.keeper.Run)
	if a.notif != nil {
		a.sup.GoRestart("notifier", restart, func(c context.Context) error { return a.notif.Run(c, a.bus) })
	}
	a.sup.Go("systemd", a.systemdLoop)
	if a.cfgm.Get().Debug.Addr != "" {
		srv := debugsrv.New(debugConfig(a.cfgm.Get()),
			func() any { return a.Status() },
			a.log.With(logx.Comp("debug")),
		)
		a.sup.GoRestart("debug", restart, srv.Run)
	}

	<-a.sup.Context().Done()
	reason := StopSignal
	if a.sup.Err() != nil {
		reason = StopFatal
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	wait, cancel := context.WithTimeout(context.Background(), grace+5*time.Second)
	defer cancel()
	if err := a.sup.Wait(wait); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			a.log.Warn("services still running after shutdown grace", logx.Any("tasks", a.sup.Tasks()))
			return nil
		}
		return err
	}
	a.log.Info("stopped")
	return nil
}

// Status is the document served at /status.
type Status struct {
	Cycle        cycle.Snapshot         `json:"cycle"`
	Housekeeping housekeeping.Status    `json:"housekeeping"`
	Tasks        []supervisor.TaskStats `json:"tasks,omitempty"`
	Notify       *NotifyStatus          `json:"notify,omitempty"`
	EventsLost   uint64                 `json:"events_dropped"`
}

type NotifyStatus struct {
	Sent   uint64 `json:"sent"`
	Failed uint64 `json:"failed"`
}

func (a *App) Status() Status {
	st := Status{
		Cycle:        a.orch.Snapshot(),
		Housekeeping: a.keeper.Status(),
		EventsLost:   eventbus.Dropped(a.bus),
	}
	if a.sup != nil {
		st.Tasks = a.sup.Tasks()
	}
	if a.notif != nil {
		sent, failed := a.notif.Counts()
		st.Notify = &NotifyStatus{Sent: sent, Failed: failed}
	}
	return st
}

// RunOnce runs a single cycle and returns its summary.
func (a *App) RunOnce(ctx context.Context) (cycle.Summary, error) {
	sum, err := a.orch.RunOnce(ctx)
	a.log.Info("single cycle done", logx.String("reason", string(StopOnce)))
	return sum, err
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// keep only the newest of a burst
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.apply(last, next)
			last = next
		}
	}
}

func (a *App) apply(old, next *config.Config) {
	res, err := resolve(next, a.opts.Overrides)
	if err != nil {
		a.log.Warn("config reload rejected", logx.Err(err))
		return
	}
	sections, fields := config.SummarizeChange(old, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}

	a.logs.Apply(logConfig(next))
	a.orch.Apply(cycle.FromResolved(res))
	if err := a.keeper.Apply(housekeepingConfig(res)); err != nil {
		a.log.Warn("history settings rejected; keeping previous", logx.Err(err))
	}
	if a.notif != nil {
		a.notif.Apply(notifierConfig(next))
	} else if next.Notify != nil && next.Notify.Enabled {
		a.log.Warn("notify enabled in config; restart required to start the notifier")
	}
	if restart := config.RestartRequired(old, next); len(restart) > 0 {
		a.log.Warn("some changes take effect after restart", logx.String("sections", strings.Join(restart, ",")))
	}
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)...)
}

// Close releases storage, the run lock and log sinks.
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.lock != nil {
		errs = append(errs, a.lock.Release())
	}
	if a.logs != nil {
		errs = append(errs, a.logs.Close())
	}
	return errors.Join(errs...)
}
