// Package housekeeping prunes the outcome history on a schedule.
package housekeeping

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "routined/pkg/logx"
)

// Pruner is the history side of storage.Store.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time, maxRecords int) (int, error)
}

// Config controls retention. Zero Retention disables age pruning; zero
// MaxRecords disables the count cap.
type Config struct {
	Schedule   string
	Retention  time.Duration
	MaxRecords int
}

// Status is reported by `show`-style output and tests.
type Status struct {
	Schedule    string
	Next        time.Time
	LastRun     time.Time
	LastRemoved int
	LastErr     string
}

type Option func(*Service)

// WithClock overrides time.Now for cutoff computation.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

type Service struct {
	p   Pruner
	log logx.Logger
	now func() time.Time

	mu      sync.Mutex
	cfg     Config
	c       *cron.Cron
	entry   cron.EntryID
	ctx     context.Context
	lastRun time.Time
	removed int
	lastErr string
}

func New(p Pruner, cfg Config, log logx.Logger, opts ...Option) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if _, _, err := ParseSchedule(cfg.Schedule); err != nil {
		return nil, err
	}
	s := &Service{p: p, cfg: cfg, log: log, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Run prunes once at start, then on schedule until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	if err := s.start(ctx); err != nil {
		return err
	}
	if _, err := s.PruneNow(ctx); err != nil {
		s.log.Warn("initial history prune failed", logx.Err(err))
	}
	<-ctx.Done()
	s.stop()
	return ctx.Err()
}

func (s *Service) start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
	return s.scheduleLocked()
}

func (s *Service) scheduleLocked() error {
	sched, kind, err := ParseSchedule(s.cfg.Schedule)
	if err != nil {
		return err
	}
	if s.c == nil {
		cl := cronLogger{log: s.log}
		s.c = cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
		s.c.Start()
	}
	if s.entry != 0 {
		s.c.Remove(s.entry)
	}
	ctx := s.ctx
	s.entry = s.c.Schedule(sched, cron.FuncJob(func() {
		if _, err := s.PruneNow(ctx); err != nil {
			s.log.Warn("history prune failed", logx.Err(err))
		}
	}))
	s.log.Debug("history prune scheduled", logx.String("schedule", s.cfg.Schedule), logx.String("kind", kind))
	return nil
}

func (s *Service) stop() {
	s.mu.Lock()
	c := s.c
	s.c, s.entry = nil, 0
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Apply swaps retention settings; a changed schedule is re-registered.
func (s *Service) Apply(cfg Config) error {
	if _, _, err := ParseSchedule(cfg.Schedule); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := cfg.Schedule != s.cfg.Schedule
	s.cfg = cfg
	if changed && s.c != nil {
		return s.scheduleLocked()
	}
	return nil
}

// PruneNow removes history older than the retention window and beyond the
// record cap.
func (s *Service) PruneNow(ctx context.Context) (int, error) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	var cutoff time.Time
	if cfg.Retention > 0 {
		cutoff = s.now().Add(-cfg.Retention)
	}
	n, err := s.p.Prune(ctx, cutoff, cfg.MaxRecords)

	s.mu.Lock()
	s.lastRun = s.now()
	s.removed = n
	s.lastErr = ""
	if err != nil {
		s.lastErr = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		return n, fmt.Errorf("prune history: %w", err)
	}
	if n > 0 {
		s.log.Info("history pruned", logx.Int("removed", n), logx.Duration("retention", cfg.Retention), logx.Int("max_records", cfg.MaxRecords))
	}
	return n, nil
}

func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{Schedule: s.cfg.Schedule, LastRun: s.lastRun, LastRemoved: s.removed, LastErr: s.lastErr}
	if s.c != nil && s.entry != 0 {
		st.Next = s.c.Entry(s.entry).Next
	}
	return st
}

// cronLogger routes robfig/cron's logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
