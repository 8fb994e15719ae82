package housekeeping

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logx "routined/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	from := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		raw  string
		kind string
		next time.Time
	}{
		{raw: "6h", kind: "interval", next: from.Add(6 * time.Hour)},
		{raw: "interval:45m", kind: "interval", next: from.Add(45 * time.Minute)},
		{raw: "01:30", kind: "interval", next: from.Add(90 * time.Minute)},
		{raw: "0 */6 * * *", kind: "cron", next: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		{raw: "cron:@daily", kind: "cron", next: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)},
		{raw: "@every 2h", kind: "cron", next: from.Add(2 * time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			sched, kind, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule: %v", err)
			}
			if kind != tt.kind {
				t.Fatalf("kind = %s, want %s", kind, tt.kind)
			}
			if got := sched.Next(from); !got.Equal(tt.next) {
				t.Fatalf("next = %s, want %s", got, tt.next)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "soon", "00:75", "500ms", "cron:", "cron:61 * * * *"} {
		if _, _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q) succeeded", raw)
		}
	}
}

type fakePruner struct {
	mu      sync.Mutex
	cutoffs []time.Time
	caps    []int
	err     error
}

func (f *fakePruner) Prune(_ context.Context, cutoff time.Time, maxRecords int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	f.caps = append(f.caps, maxRecords)
	return 2, f.err
}

func (f *fakePruner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs)
}

func TestPruneNowComputesCutoff(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	p := &fakePruner{}
	s, err := New(p, Config{Schedule: "6h", Retention: 48 * time.Hour, MaxRecords: 100}, logx.Nop(),
		WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatal(err)
	}
	n, err := s.PruneNow(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("PruneNow = %d, %v", n, err)
	}
	if !p.cutoffs[0].Equal(now.Add(-48*time.Hour)) || p.caps[0] != 100 {
		t.Fatalf("cutoff %s cap %d", p.cutoffs[0], p.caps[0])
	}

	_ = s.Apply(Config{Schedule: "6h"})
	_, _ = s.PruneNow(context.Background())
	if !p.cutoffs[1].IsZero() || p.caps[1] != 0 {
		t.Fatalf("unbounded prune got cutoff %s cap %d", p.cutoffs[1], p.caps[1])
	}
}

func TestPruneErrorIsReported(t *testing.T) {
	t.Parallel()
	p := &fakePruner{err: errors.New("disk full")}
	s, _ := New(p, Config{Schedule: "1h", Retention: time.Hour}, logx.Nop())
	if _, err := s.PruneNow(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if st := s.Status(); st.LastErr == "" || st.LastRun.IsZero() {
		t.Fatalf("status = %+v", st)
	}
}

func TestRunPrunesImmediatelyAndSchedules(t *testing.T) {
	t.Parallel()
	p := &fakePruner{}
	s, err := New(p, Config{Schedule: "1h", Retention: time.Hour}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for p.calls() == 0 || s.Status().Next.IsZero() {
		if time.Now().After(deadline) {
			t.Fatalf("no initial prune or schedule; status %+v", s.Status())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if next := s.Status().Next; time.Until(next) < 59*time.Minute {
		t.Fatalf("next = %s", next)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestNewRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	if _, err := New(&fakePruner{}, Config{Schedule: "whenever"}, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
}
