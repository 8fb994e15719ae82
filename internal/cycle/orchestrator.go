// Package cycle runs the scheduling loop: fetch the active routines, pick a
// weighted batch, dispatch it in parallel, commit the outcomes and sleep.
//
// All Priority Store mutations happen on the goroutine calling Run or
// RunOnce. Dispatch workers only produce results.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"routined/internal/backoff"
	"routined/internal/catalog"
	"routined/internal/eventbus"
	"routined/internal/pipeline"
	"routined/internal/priority"
	"routined/internal/selector"
	logx "routined/pkg/logx"
)

const reportTimeout = 15 * time.Second

var ErrMissingDependency = errors.New("cycle: missing dependency")

// Deps are the collaborators of an Orchestrator. Store, Catalog and
// Pipeline are required.
type Deps struct {
	Store    *priority.Store
	Selector *selector.Selector
	Engine   *backoff.Engine
	Catalog  catalog.Catalog
	Pipeline pipeline.Pipeline
	History  History
	Bus      eventbus.Bus
	Log      logx.Logger
}

type Option func(*Orchestrator)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithSleep overrides the between-cycle wait.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.sleep = fn
		}
	}
}

type Orchestrator struct {
	store    *priority.Store
	sel      *selector.Selector
	eng      *backoff.Engine
	cat      catalog.Catalog
	pipe     pipeline.Pipeline
	hist     History
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	state    atomic.Int32
	runGuard sync.Mutex

	mu          sync.Mutex
	cfg         Config
	cycle       uint64
	consecutive int
	interval    time.Duration
	totals      Totals
	last        Summary
	lastAt      time.Time
}

func New(d Deps, cfg Config, opts ...Option) (*Orchestrator, error) {
	switch {
	case d.Store == nil:
		return nil, fmt.Errorf("%w: priority store", ErrMissingDependency)
	case d.Catalog == nil:
		return nil, fmt.Errorf("%w: catalog", ErrMissingDependency)
	case d.Pipeline == nil:
		return nil, fmt.Errorf("%w: pipeline", ErrMissingDependency)
	}
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	o := &Orchestrator{
		store: d.Store,
		sel:   d.Selector,
		eng:   d.Engine,
		cat:   d.Catalog,
		pipe:  d.Pipeline,
		hist:  d.History,
		bus:   d.Bus,
		log:   log,
		now:   time.Now,
		sleep: backoff.SleepContext,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.sel == nil {
		o.sel = selector.New(d.Store, selector.WithClock(o.now))
	}
	if o.eng == nil {
		o.eng = backoff.New(backoff.DefaultPolicy(), log)
	}
	o.cfg = cfg.withDefaults()
	o.interval = o.cfg.Interval
	return o, nil
}

// Apply swaps the runtime settings. The adaptive interval is kept while a
// rate-limit streak is in progress.
func (o *Orchestrator) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	o.mu.Lock()
	o.cfg = cfg
	if o.consecutive == 0 {
		o.interval = cfg.Interval
	} else {
		o.interval = min(max(o.interval, cfg.Interval), cfg.MaxInterval)
	}
	o.mu.Unlock()
	o.warnShortInterval(cfg.Interval)
}

func (o *Orchestrator) State() State { return State(o.state.Load()) }

func (o *Orchestrator) setState(s State) { o.state.Store(int32(s)) }

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Snapshot{
		State:                  o.State(),
		Cycle:                  o.cycle,
		Interval:               o.interval,
		BaseInterval:           o.cfg.Interval,
		ConsecutiveRateLimited: o.consecutive,
		Totals:                 o.totals,
		Last:                   o.last,
		LastCycleAt:            o.lastAt,
	}
}

// Run loops until ctx is cancelled and then returns ctx.Err().
func (o *Orchestrator) Run(ctx context.Context) error {
	o.warnShortInterval(o.config().Interval)
	o.log.Info("scheduler loop started", logx.Duration("interval", o.config().Interval))
	for {
		sum, _ := o.RunOnce(ctx)
		if ctx.Err() != nil {
			break
		}
		o.setState(Sleeping)
		if err := o.sleep(ctx, sum.NextSleep); err != nil {
			break
		}
	}
	o.setState(Cancelled)
	o.publish(eventbus.Event{Type: eventbus.Stopped, Cycle: o.Snapshot().Cycle})
	o.log.Info("scheduler loop stopped")
	return ctx.Err()
}

// RunOnce executes a single cycle and returns its summary. The error is
// the fetch failure that aborted the cycle, if any.
func (o *Orchestrator) RunOnce(ctx context.Context) (Summary, error) {
	o.runGuard.Lock()
	defer o.runGuard.Unlock()

	start := o.now()
	o.mu.Lock()
	o.cycle++
	n := o.cycle
	cfg := o.cfg
	o.mu.Unlock()

	log := o.log.With(logx.Uint64("cycle", n))
	o.publish(eventbus.Event{Type: eventbus.CycleStarted, Cycle: n})

	o.setState(FetchingRoutines)
	active, err := backoff.Do(ctx, o.eng, "fetch routines", o.cat.FetchActive)
	if err != nil {
		if ctx.Err() != nil {
			o.setState(Cancelled)
			return Summary{FetchError: err.Error()}, err
		}
		class := backoff.Classify(err)
		log.Warn("fetch failed; cycle aborted", logx.String("class", class.String()), logx.Err(err))
		o.publish(eventbus.Event{Type: eventbus.FetchFailed, Cycle: n, Data: eventbus.Cadence{
			Class: class.String(),
			Error: err.Error(),
		}})
		sum := Summary{FetchError: err.Error(), NextSleep: o.adapt(n, class == backoff.ClassRateLimited, err)}
		o.finish(n, start, sum, true)
		return sum, err
	}
	active = catalog.FilterActive(active)

	sum := Summary{Fetched: len(active)}
	if len(active) == 0 {
		log.Debug("no active routines")
		sum.NextSleep = o.adapt(n, false, nil)
		o.finish(n, start, sum, false)
		return sum, nil
	}

	o.setState(SelectingBatch)
	if added, removed := o.store.Reconcile(active); added+removed > 0 {
		log.Info("priorities reconciled", logx.Int("added", added), logx.Int("removed", removed))
	}
	batch := o.buildBatch(active)
	sum.Selected = len(batch)

	if len(batch) > 0 {
		o.setState(Dispatching)
		results, abandoned := o.dispatchBatch(ctx, n, cfg, batch, o.hints(ctx, cfg, batch))
		if abandoned > 0 {
			sum.Abandoned = abandoned
			o.setState(Cancelled)
			o.mu.Lock()
			o.totals.Abandoned += uint64(abandoned)
			o.mu.Unlock()
			log.Warn("batch abandoned on shutdown", logx.Int("abandoned", abandoned))
			return sum, ctx.Err()
		}

		o.setState(Reconciling)
		for _, res := range results {
			if o.commit(ctx, n, res) {
				sum.Succeeded++
			} else {
				sum.Failed++
			}
		}
	}

	sum.NextSleep = o.adapt(n, false, nil)
	sum.Duration = o.now().Sub(start)
	o.finish(n, start, sum, false)
	log.Info("cycle finished",
		logx.Int("fetched", sum.Fetched),
		logx.Int("selected", sum.Selected),
		logx.Int("succeeded", sum.Succeeded),
		logx.Int("failed", sum.Failed),
		logx.Duration("next", sum.NextSleep),
	)
	return sum, nil
}

// buildBatch draws up to maxExecutionsPerCycle distinct routines. Each pick
// is reserved and removed from the pool, so a zero cooldown still cannot
// select a routine twice in one batch.
func (o *Orchestrator) buildBatch(active []catalog.Routine) []catalog.Routine {
	limit := o.store.Settings().MaxExecutionsPerCycle
	batch := make([]catalog.Routine, 0, min(limit, len(active)))
	pool := append([]catalog.Routine(nil), active...)
	for len(batch) < limit && len(pool) > 0 {
		r, ok := o.sel.SelectOne(pool)
		if !ok {
			break
		}
		if !o.store.Reserve(r.ID, o.now()) {
			break
		}
		batch = append(batch, r)
		pool = slices.DeleteFunc(pool, func(c catalog.Routine) bool { return c.ID == r.ID })
	}
	return batch
}

func (o *Orchestrator) hints(ctx context.Context, cfg Config, batch []catalog.Routine) map[string]pipeline.DedupHints {
	out := make(map[string]pipeline.DedupHints, len(batch))
	if o.hist == nil || cfg.DedupHints == 0 {
		return out
	}
	for _, r := range batch {
		recs, err := o.hist.Recent(ctx, r.ID, cfg.DedupHints)
		if err != nil {
			o.log.Debug("dedup hints unavailable", logx.String("routine", r.ID), logx.Err(err))
			continue
		}
		var h pipeline.DedupHints
		for _, rec := range recs {
			if rec.Success && rec.Message != "" {
				h.RecentMessages = append(h.RecentMessages, rec.Message)
			}
		}
		out[r.ID] = h
	}
	return out
}

// adapt updates the cadence after a cycle and returns the next sleep.
func (o *Orchestrator) adapt(n uint64, rateLimited bool, cause error) time.Duration {
	o.mu.Lock()
	prev := o.interval
	if rateLimited {
		o.consecutive++
		next := backoff.SuggestOptimalDuration(o.consecutive, o.interval)
		o.interval = min(max(next, o.cfg.Interval), o.cfg.MaxInterval)
	} else {
		o.consecutive = 0
		o.interval = o.cfg.Interval
	}
	next, streak := o.interval, o.consecutive
	o.mu.Unlock()

	if next != prev {
		ev := eventbus.Cadence{Consecutive: streak, Interval: next, Previous: prev}
		if cause != nil {
			ev.Class = backoff.Classify(cause).String()
			ev.Error = cause.Error()
		}
		if rateLimited {
			o.log.Warn("rate limited; slowing down",
				logx.Int("consecutive", streak),
				logx.Duration("interval", next),
			)
		} else {
			o.log.Info("cadence restored", logx.Duration("interval", next))
		}
		o.publish(eventbus.Event{Type: eventbus.IntervalChanged, Cycle: n, Data: ev})
	}
	return next
}

func (o *Orchestrator) finish(n uint64, start time.Time, sum Summary, fetchFailed bool) {
	if sum.Duration == 0 {
		sum.Duration = o.now().Sub(start)
	}
	o.mu.Lock()
	o.totals.Cycles++
	o.totals.Dispatched += uint64(sum.Succeeded + sum.Failed)
	o.totals.Succeeded += uint64(sum.Succeeded)
	o.totals.Failed += uint64(sum.Failed)
	if fetchFailed {
		o.totals.FetchFailures++
	}
	o.last = sum
	o.lastAt = start
	o.mu.Unlock()
	o.publish(eventbus.Event{Type: eventbus.CycleFinished, Cycle: n, Data: sum})
}

func (o *Orchestrator) warnShortInterval(interval time.Duration) {
	minimum := time.Duration(o.store.Settings().MinimumIntervalSeconds) * time.Second
	if minimum > 0 && interval < minimum {
		o.log.Warn("interval is below minimumIntervalSeconds",
			logx.Duration("interval", interval),
			logx.Duration("minimum", minimum),
		)
	}
}

func (o *Orchestrator) config() Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg
}

func (o *Orchestrator) publish(e eventbus.Event) {
	if o.bus != nil {
		o.bus.Publish(e)
	}
}
