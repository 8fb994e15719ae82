package cycle

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"routined/internal/backoff"
	"routined/internal/catalog"
	"routined/internal/eventbus"
	"routined/internal/pipeline"
	"routined/internal/storage"
	logx "routined/pkg/logx"
)

// result is one finished dispatch, produced by a worker and committed by
// the loop goroutine.
type result struct {
	routine catalog.Routine
	outcome pipeline.Outcome
	err     error
	started time.Time
	took    time.Duration
}

func (r result) success() bool { return r.err == nil && r.outcome.Success }

// dispatchBatch runs the batch with bounded parallelism and waits for every
// result. On cancellation it waits up to ShutdownGrace for workers to exit
// and reports how many results were abandoned.
func (o *Orchestrator) dispatchBatch(ctx context.Context, n uint64, cfg Config, batch []catalog.Routine, hints map[string]pipeline.DedupHints) ([]result, int) {
	limit := cfg.Concurrency
	if limit <= 0 || limit > len(batch) {
		limit = len(batch)
	}

	out := make(chan result, len(batch))
	done := make(chan struct{})
	go func() {
		defer close(done)
		var g errgroup.Group
		g.SetLimit(limit)
		for _, r := range batch {
			g.Go(func() error {
				out <- o.dispatchOne(ctx, cfg, r, hints[r.ID])
				return nil
			})
		}
		_ = g.Wait()
	}()

	results := make([]result, 0, len(batch))
	for len(results) < len(batch) {
		select {
		case res := <-out:
			if ctx.Err() != nil {
				return nil, o.abandon(n, cfg, done, len(batch))
			}
			results = append(results, res)
		case <-ctx.Done():
			return nil, o.abandon(n, cfg, done, len(batch))
		}
	}
	<-done
	return results, 0
}

// abandon waits for in-flight workers for at most the shutdown grace; their
// results are discarded either way.
func (o *Orchestrator) abandon(n uint64, cfg Config, done <-chan struct{}, pending int) int {
	t := time.NewTimer(cfg.ShutdownGrace)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		o.log.Warn("dispatches still running after shutdown grace",
			logx.Uint64("cycle", n),
			logx.Duration("grace", cfg.ShutdownGrace),
		)
	}
	return pending
}

func (o *Orchestrator) dispatchOne(ctx context.Context, cfg Config, r catalog.Routine, hints pipeline.DedupHints) result {
	dctx, cancel := context.WithTimeout(ctx, cfg.DispatchTimeout)
	defer cancel()

	started := o.now()
	out, err := backoff.Do(dctx, o.eng, "dispatch "+r.ID, func(c context.Context) (pipeline.Outcome, error) {
		return o.safeDispatch(c, r, hints)
	})
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("dispatch timed out after %s: %w", cfg.DispatchTimeout, err)
	}
	return result{routine: r, outcome: out, err: err, started: started, took: o.now().Sub(started)}
}

func (o *Orchestrator) safeDispatch(ctx context.Context, r catalog.Routine, hints pipeline.DedupHints) (out pipeline.Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			o.log.Error("dispatch panicked",
				logx.String("routine", r.ID),
				logx.Any("panic", p),
				logx.String("stack", string(debug.Stack())),
			)
			out, err = pipeline.Outcome{}, backoff.Permanent(fmt.Errorf("dispatch panic: %v", p))
		}
	}()
	return o.pipe.Dispatch(ctx, r, hints)
}

// commit records one real outcome: store, history, catalog report, event.
// It reports whether the dispatch succeeded.
func (o *Orchestrator) commit(ctx context.Context, n uint64, res result) bool {
	ok := res.success()
	o.store.RecordOutcome(res.routine.ID, ok)

	rec := storage.OutcomeRecord{
		RoutineID:   res.routine.ID,
		RoutineName: res.routine.Name,
		Success:     ok,
		Message:     res.outcome.Message,
		Error:       res.outcome.Error,
		Class:       res.outcome.Class,
		DurationMs:  res.took.Milliseconds(),
		ExecutedAt:  res.started,
		Cycle:       n,
	}
	if res.err != nil {
		rec.Error = res.err.Error()
		rec.Class = backoff.Classify(res.err).String()
	}

	fields := []logx.Field{
		logx.Uint64("cycle", n),
		logx.String("routine", rec.RoutineID),
		logx.Bool("success", ok),
		logx.Duration("took", res.took),
	}
	if ok {
		o.log.Info("dispatch finished", fields...)
	} else {
		o.log.Warn("dispatch failed", append(fields, logx.String("class", rec.Class), logx.String("error", rec.Error))...)
	}

	if o.hist != nil {
		if err := o.hist.Append(ctx, rec); err != nil {
			o.log.Warn("history append failed", logx.String("routine", rec.RoutineID), logx.Err(err))
		}
	}

	rctx, cancel := context.WithTimeout(ctx, reportTimeout)
	err := o.cat.ReportOutcome(rctx, catalog.Report{
		RoutineID:  rec.RoutineID,
		Success:    ok,
		Message:    rec.Message,
		Error:      rec.Error,
		DurationMs: rec.DurationMs,
		ExecutedAt: rec.ExecutedAt,
	})
	cancel()
	if err != nil {
		o.log.Warn("outcome report failed",
			logx.String("routine", rec.RoutineID),
			logx.String("class", backoff.Classify(err).String()),
			logx.Err(err),
		)
	}

	o.publish(eventbus.Event{Type: eventbus.DispatchFinished, Cycle: n, Data: eventbus.Dispatch{
		RoutineID:   rec.RoutineID,
		RoutineName: rec.RoutineName,
		Success:     ok,
		Message:     rec.Message,
		Error:       rec.Error,
		Class:       rec.Class,
		Duration:    res.took,
	}})
	return ok
}
