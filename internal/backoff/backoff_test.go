package backoff

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"

	logx "routined/pkg/logx"
)

type statusErr int

func (s statusErr) Error() string   { return fmt.Sprintf("status %d", int(s)) }
func (s statusErr) StatusCode() int { return int(s) }

type fixedRand float64

func (f fixedRand) Float64() float64 { return float64(f) }

func noSleep(calls *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*calls = append(*calls, d)
		return ctx.Err()
	}
}

func TestSuggestOptimalInterval(t *testing.T) {
	t.Parallel()
	cases := []struct {
		n, cur, want int
	}{
		{0, 60, 60},
		{1, 60, 150},
		{2, 60, 180},
		{3, 60, 210},
		{6, 60, 300},
		{20, 60, 300},
		{1, 7, 17},
	}
	for _, tc := range cases {
		if got := SuggestOptimalInterval(tc.n, tc.cur); got != tc.want {
			t.Fatalf("SuggestOptimalInterval(%d, %d) = %d, want %d", tc.n, tc.cur, got, tc.want)
		}
	}
}

func TestSuggestOptimalDuration(t *testing.T) {
	t.Parallel()
	cases := []struct {
		n         int
		cur, want time.Duration
	}{
		{0, 500 * time.Millisecond, 500 * time.Millisecond},
		{1, 500 * time.Millisecond, 1250 * time.Millisecond},
		{1, 1500 * time.Millisecond, 3750 * time.Millisecond},
		{3, time.Minute, 210 * time.Second},
		{20, time.Minute, 5 * time.Minute},
	}
	for _, tc := range cases {
		if got := SuggestOptimalDuration(tc.n, tc.cur); got != tc.want {
			t.Fatalf("SuggestOptimalDuration(%d, %s) = %s, want %s", tc.n, tc.cur, got, tc.want)
		}
	}
}

func TestCalculateDelayMonotonicAndCapped(t *testing.T) {
	t.Parallel()
	p := DefaultPolicy()
	for _, jitter := range []float64{0, 0.05, 0.1} {
		prev := time.Duration(0)
		for attempt := 0; attempt < 12; attempt++ {
			d := CalculateDelay(p, attempt, 0, jitter)
			if d < prev {
				t.Fatalf("jitter=%v attempt=%d: delay %s < previous %s", jitter, attempt, d, prev)
			}
			if d > p.MaxDelay {
				t.Fatalf("jitter=%v attempt=%d: delay %s exceeds cap %s", jitter, attempt, d, p.MaxDelay)
			}
			prev = d
		}
		if prev != p.MaxDelay {
			t.Fatalf("jitter=%v: expected cap to be reached, got %s", jitter, prev)
		}
	}
}

func TestCalculateDelayValues(t *testing.T) {
	t.Parallel()
	p := DefaultPolicy()
	if got := CalculateDelay(p, 0, 0, 0); got != time.Second {
		t.Fatalf("attempt 0 = %s, want 1s", got)
	}
	if got := CalculateDelay(p, 2, 0, 0); got != 4*time.Second {
		t.Fatalf("attempt 2 = %s, want 4s", got)
	}
	if got := CalculateDelay(p, 0, 0, 0.1); got != 1100*time.Millisecond {
		t.Fatalf("attempt 0 with 10%% jitter = %s, want 1.1s", got)
	}
	// jitter above the cap is clamped
	if got := CalculateDelay(p, 0, 0, 0.9); got != 1100*time.Millisecond {
		t.Fatalf("clamped jitter = %s, want 1.1s", got)
	}
	if got := CalculateDelay(p, 1, 5*time.Second, 0); got != 10*time.Second {
		t.Fatalf("hint base = %s, want 10s", got)
	}
	// hints below the base never shorten the wait
	if got := CalculateDelay(p, 0, 10*time.Millisecond, 0); got != time.Second {
		t.Fatalf("small hint = %s, want 1s", got)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		err  error
		want Class
	}{
		{"explicit rate limited", RateLimited(errors.New("x"), 0), ClassRateLimited},
		{"explicit permanent wraps 429 text", Permanent(errors.New("429 in body")), ClassPermanent},
		{"wrapped explicit", fmt.Errorf("fetch: %w", Transient(errors.New("x"))), ClassTransient},
		{"status 429", statusErr(429), ClassRateLimited},
		{"status 503", statusErr(503), ClassTransient},
		{"status 408", statusErr(408), ClassTransient},
		{"status 404", statusErr(404), ClassPermanent},
		{"deadline", context.DeadlineExceeded, ClassTransient},
		{"cancelled", fmt.Errorf("op: %w", context.Canceled), ClassPermanent},
		{"econnrefused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), ClassTransient},
		{"message quota", errors.New("Quota exceeded for project"), ClassRateLimited},
		{"message too many", errors.New("Too Many Requests"), ClassRateLimited},
		{"message timeout", errors.New("i/o timeout"), ClassTransient},
		{"message unauthorized", errors.New("unauthorized"), ClassPermanent},
		{"unknown", errors.New("something odd"), ClassTransient},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("%s: Classify = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestRetryAfterHint(t *testing.T) {
	t.Parallel()
	err := fmt.Errorf("wrap: %w", RateLimited(errors.New("slow down"), 7*time.Second))
	if got := RetryAfterHint(err); got != 7*time.Second {
		t.Fatalf("RetryAfterHint = %s, want 7s", got)
	}
	if got := RetryAfterHint(errors.New("plain")); got != 0 {
		t.Fatalf("RetryAfterHint(plain) = %s, want 0", got)
	}
	if RateLimited(nil, time.Second) != nil || Permanent(nil) != nil || Transient(nil) != nil {
		t.Fatal("constructors must pass nil through")
	}
}

func TestExecuteNonRateLimitedCallsOnce(t *testing.T) {
	t.Parallel()
	for _, err := range []error{
		Permanent(errors.New("bad input")),
		Transient(errors.New("conn refused")),
		errors.New("unknown failure"),
	} {
		var sleeps []time.Duration
		e := New(DefaultPolicy(), logx.Nop(), WithSleep(noSleep(&sleeps)))
		calls := 0
		got := e.Execute(context.Background(), "op", func(context.Context) error {
			calls++
			return err
		})
		if calls != 1 {
			t.Fatalf("%v: calls = %d, want 1", err, calls)
		}
		if !errors.Is(got, err) {
			t.Fatalf("%v: returned %v", err, got)
		}
		if len(sleeps) != 0 {
			t.Fatalf("%v: unexpected sleeps %v", err, sleeps)
		}
	}
}

func TestExecuteRetriesRateLimited(t *testing.T) {
	t.Parallel()
	var sleeps []time.Duration
	e := New(DefaultPolicy(), logx.Nop(), WithSleep(noSleep(&sleeps)), WithRand(fixedRand(0)))

	calls := 0
	err := e.Execute(context.Background(), "op", func(context.Context) error {
		calls++
		if calls < 3 {
			return RateLimited(errors.New("throttled"), 0)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(sleeps) != len(want) {
		t.Fatalf("sleeps = %v, want %v", sleeps, want)
	}
	for i := range want {
		if sleeps[i] != want[i] {
			t.Fatalf("sleep[%d] = %s, want %s", i, sleeps[i], want[i])
		}
	}
}

func TestExecuteExhaustsRetries(t *testing.T) {
	t.Parallel()
	var sleeps []time.Duration
	p := DefaultPolicy()
	e := New(p, logx.Nop(), WithSleep(noSleep(&sleeps)))

	calls := 0
	last := RateLimited(errors.New("still throttled"), 0)
	err := e.Execute(context.Background(), "op", func(context.Context) error {
		calls++
		return last
	})
	if !errors.Is(err, last) {
		t.Fatalf("err = %v, want last error", err)
	}
	if calls != p.MaxRetries+1 {
		t.Fatalf("calls = %d, want %d", calls, p.MaxRetries+1)
	}
}

func TestDoStopsOnCancelledSleep(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := New(DefaultPolicy(), logx.Nop())

	calls := 0
	_, err := Do(ctx, e, "op", func(context.Context) (int, error) {
		calls++
		return 0, RateLimited(errors.New("throttled"), time.Hour)
	})
	if err == nil || calls != 1 {
		t.Fatalf("calls=%d err=%v; want one call and an error", calls, err)
	}
}

func TestDoReturnsValue(t *testing.T) {
	t.Parallel()
	e := New(DefaultPolicy(), logx.Nop())
	v, err := Do(context.Background(), e, "op", func(context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("Do = %q, %v", v, err)
	}
}
