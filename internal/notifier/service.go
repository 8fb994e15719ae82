// Package notifier turns cycle events into operator messages (failed
// dispatches, cadence changes) and delivers them through a rate-limited
// Sender, normally Telegram.
package notifier

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"routined/internal/backoff"
	"routined/internal/eventbus"
	logx "routined/pkg/logx"
)

const (
	sendTimeout = 15 * time.Second
	maxText     = 3500
)

// Config selects which events become messages.
type Config struct {
	Enabled    bool
	RatePerSec int
	OnFailure  bool
	OnBackoff  bool
}

type Service struct {
	sender Sender
	eng    *backoff.Engine
	log    logx.Logger

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	sent    uint64
	failed  uint64
}

func New(cfg Config, sender Sender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		log:    log,
		eng:    backoff.New(backoff.Policy{MaxRetries: 2}, log),
	}
	s.Apply(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

// Run consumes bus events until ctx is done.
func (s *Service) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			s.handle(ctx, e)
		}
	}
}

func (s *Service) handle(ctx context.Context, e eventbus.Event) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()
	if !cfg.Enabled || s.sender == nil {
		return
	}
	text, ok := Format(cfg, e)
	if !ok {
		return
	}
	if err := lim.Wait(ctx); err != nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	err := s.eng.Execute(sctx, "notify", func(c context.Context) error {
		return s.sender.Send(c, text)
	})

	s.mu.Lock()
	if err != nil {
		s.failed++
	} else {
		s.sent++
	}
	s.mu.Unlock()
	if err != nil {
		s.log.Warn("notification not delivered", logx.String("event", string(e.Type)), logx.Err(err))
	}
}

// Counts returns delivered and failed message totals.
func (s *Service) Counts() (sent, failed uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent, s.failed
}

// Format renders the message for e, or reports false when cfg does not
// ask for it.
func Format(cfg Config, e eventbus.Event) (string, bool) {
	var b strings.Builder
	switch e.Type {
	case eventbus.DispatchFinished:
		d, ok := e.Data.(eventbus.Dispatch)
		if !ok || d.Success || !cfg.OnFailure {
			return "", false
		}
		name := d.RoutineName
		if name == "" {
			name = d.RoutineID
		}
		fmt.Fprintf(&b, "routine %q failed (cycle %d)\n", name, e.Cycle)
		if d.Class != "" {
			fmt.Fprintf(&b, "class: %s\n", d.Class)
		}
		if d.Error != "" {
			fmt.Fprintf(&b, "error: %s\n", d.Error)
		}
		fmt.Fprintf(&b, "took: %s", d.Duration.Round(time.Millisecond))
	case eventbus.FetchFailed:
		c, ok := e.Data.(eventbus.Cadence)
		// rate limits are covered by IntervalChanged
		if !ok || !cfg.OnFailure || c.Class == backoff.ClassRateLimited.String() {
			return "", false
		}
		fmt.Fprintf(&b, "catalog fetch failed (cycle %d, %s): %s", e.Cycle, c.Class, c.Error)
	case eventbus.IntervalChanged:
		c, ok := e.Data.(eventbus.Cadence)
		if !ok || !cfg.OnBackoff {
			return "", false
		}
		if c.Consecutive > 0 {
			fmt.Fprintf(&b, "rate limited %d time(s) in a row; next cycle in %s (was %s)", c.Consecutive, c.Interval, c.Previous)
		} else {
			fmt.Fprintf(&b, "cadence restored; next cycle in %s", c.Interval)
		}
	default:
		return "", false
	}
	text := b.String()
	if len(text) > maxText {
		text = text[:maxText] + "..."
	}
	return text, true
}
