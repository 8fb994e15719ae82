package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	logx "routined/pkg/logx"
)

// Policy bounds one Execute call.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

// DefaultPolicy returns the policy used when config leaves fields empty.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   60 * time.Second,
		Multiplier: 2,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	return p
}

// maxJitter caps the random share added on top of the exponential term.
const maxJitter = 0.1

// CalculateDelay returns the wait before retry number attempt (0-based).
//
// hint is a service-provided retry-after value; when positive it replaces the
// base (floored at BaseDelay). jitter is a fraction in [0, 0.1] of the
// exponential term. The result never exceeds MaxDelay.
func CalculateDelay(p Policy, attempt int, hint time.Duration, jitter float64) time.Duration {
	p = p.withDefaults()
	if attempt < 0 {
		attempt = 0
	}
	if jitter < 0 {
		jitter = 0
	}
	if jitter > maxJitter {
		jitter = maxJitter
	}

	base := p.BaseDelay
	if hint > base {
		base = hint
	}

	exp := float64(base) * math.Pow(p.Multiplier, float64(attempt))
	d := exp + exp*jitter
	if d >= float64(p.MaxDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// SuggestOptimalInterval recommends the next cycle interval after
// consecutive rate-limit failures: unchanged at zero, otherwise the current
// interval times min(2 + 0.5*errors, 5), floored to whole units.
func SuggestOptimalInterval(consecutiveRateLimitErrors int, currentInterval int) int {
	if consecutiveRateLimitErrors <= 0 {
		return currentInterval
	}
	return int(math.Floor(float64(currentInterval) * intervalFactor(consecutiveRateLimitErrors)))
}

// SuggestOptimalDuration is SuggestOptimalInterval on a time.Duration, so
// sub-second and fractional intervals scale instead of truncating.
func SuggestOptimalDuration(consecutiveRateLimitErrors int, current time.Duration) time.Duration {
	if consecutiveRateLimitErrors <= 0 {
		return current
	}
	return time.Duration(math.Floor(float64(current) * intervalFactor(consecutiveRateLimitErrors)))
}

func intervalFactor(n int) float64 { return math.Min(2+0.5*float64(n), 5) }

// Rand is the jitter source. *rand.Rand satisfies it.
type Rand interface {
	Float64() float64
}

// Engine executes operations with rate-limit-aware retries.
type Engine struct {
	policy Policy
	log    logx.Logger

	rmu sync.Mutex
	rng Rand

	sleep func(ctx context.Context, d time.Duration) error
}

type Option func(*Engine)

// WithRand overrides the jitter source.
func WithRand(r Rand) Option {
	return func(e *Engine) {
		if r != nil {
			e.rng = r
		}
	}
}

// WithSleep overrides the retry wait. Tests use it to skip real sleeping.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		if fn != nil {
			e.sleep = fn
		}
	}
}

func New(p Policy, log logx.Logger, opts ...Option) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		policy: p.withDefaults(),
		log:    log,
		rng:    rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
		sleep:  SleepContext,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) Policy() Policy { return e.policy }

// Execute runs op, retrying only rate-limited failures.
func (e *Engine) Execute(ctx context.Context, name string, op func(ctx context.Context) error) error {
	_, err := Do(ctx, e, name, func(c context.Context) (struct{}, error) {
		return struct{}{}, op(c)
	})
	return err
}

// Do is Execute for operations that return a value.
func Do[T any](ctx context.Context, e *Engine, name string, op func(ctx context.Context) (T, error)) (T, error) {
	p := e.policy
	for attempt := 0; ; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		class := Classify(err)
		if class != ClassRateLimited {
			return v, err
		}
		if attempt >= p.MaxRetries {
			e.log.Warn("retries exhausted", logx.String("op", name), logx.Int("attempts", attempt+1), logx.Err(err))
			return v, err
		}

		delay := CalculateDelay(p, attempt, RetryAfterHint(err), e.jitter())
		e.log.Debug("rate limited; retry scheduled",
			logx.String("op", name),
			logx.Int("attempt", attempt+1),
			logx.Duration("delay", delay),
			logx.Err(err),
		)
		if serr := e.sleep(ctx, delay); serr != nil {
			return v, err
		}
	}
}

func (e *Engine) jitter() float64 {
	e.rmu.Lock()
	defer e.rmu.Unlock()
	return e.rng.Float64() * maxJitter
}

// SleepContext waits for d or until ctx is done, whichever comes first.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}
