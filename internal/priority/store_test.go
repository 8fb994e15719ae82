package priority

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"routined/internal/catalog"
)

type memPersister struct {
	mu    sync.Mutex
	doc   Document
	found bool
	saves int
	err   error
}

func (m *memPersister) Load() (Document, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc, m.found, nil
}

func (m *memPersister) Save(doc Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.doc = doc
	m.found = true
	m.saves++
	return nil
}

func routines(ids ...string) []catalog.Routine {
	out := make([]catalog.Routine, 0, len(ids))
	for _, id := range ids {
		out = append(out, catalog.Routine{ID: id, Name: id, Active: true})
	}
	return out
}

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestReconcileIsIdempotent(t *testing.T) {
	t.Parallel()
	p := &memPersister{}
	s, err := Open(p)
	if err != nil {
		t.Fatal(err)
	}

	added, removed := s.Reconcile(routines("a", "b", "c"))
	if added != 3 || removed != 0 {
		t.Fatalf("first reconcile = +%d -%d", added, removed)
	}
	first := s.Snapshot()
	saves := p.saves

	added, removed = s.Reconcile(routines("a", "b", "c"))
	if added != 0 || removed != 0 {
		t.Fatalf("second reconcile = +%d -%d", added, removed)
	}
	if p.saves != saves {
		t.Fatalf("no-op reconcile should not persist (saves %d -> %d)", saves, p.saves)
	}
	second := s.Snapshot()
	if len(first.Entries) != len(second.Entries) {
		t.Fatalf("entries changed: %d -> %d", len(first.Entries), len(second.Entries))
	}
	for i := range first.Entries {
		if first.Entries[i] != second.Entries[i] {
			t.Fatalf("entry %d changed: %+v -> %+v", i, first.Entries[i], second.Entries[i])
		}
	}
}

func TestReconcilePrunesAndDefaults(t *testing.T) {
	t.Parallel()
	s, _ := Open(nil)
	s.Reconcile(routines("a", "b"))
	s.AdjustPriority("a", 9)

	added, removed := s.Reconcile(routines("a", "c"))
	if added != 1 || removed != 1 {
		t.Fatalf("reconcile = +%d -%d", added, removed)
	}
	if _, ok := s.Get("b"); ok {
		t.Fatal("b should be pruned")
	}
	c, ok := s.Get("c")
	if !ok || c.Priority != DefaultPriority || c.Weight != DefaultWeight || c.SuccessRate != 1 || c.LastExecuted != nil {
		t.Fatalf("c = %+v", c)
	}
	a, _ := s.Get("a")
	if a.Priority != 9 {
		t.Fatalf("a priority = %d, want kept 9", a.Priority)
	}

	s.Reconcile(nil)
	if s.Len() != 0 {
		t.Fatalf("empty reconcile left %d entries", s.Len())
	}
}

func TestAdjustPriorityClampsAndReportsMissing(t *testing.T) {
	t.Parallel()
	p := &memPersister{}
	s, _ := Open(p)
	s.Reconcile(routines("a"))

	cases := []struct{ in, want int }{{15, 10}, {0, 1}, {-3, 1}, {7, 7}}
	for _, tc := range cases {
		if !s.AdjustPriority("a", tc.in) {
			t.Fatalf("AdjustPriority(a, %d) = false", tc.in)
		}
		if e, _ := s.Get("a"); e.Priority != tc.want {
			t.Fatalf("priority after %d = %d, want %d", tc.in, e.Priority, tc.want)
		}
	}

	before := s.Snapshot()
	saves := p.saves
	if s.AdjustPriority("missing", 5) {
		t.Fatal("AdjustPriority on missing id should return false")
	}
	if s.AdjustWeight("missing", 2) {
		t.Fatal("AdjustWeight on missing id should return false")
	}
	if p.saves != saves || len(s.Snapshot().Entries) != len(before.Entries) {
		t.Fatal("missing id must not mutate state")
	}
}

func TestAdjustWeightClamps(t *testing.T) {
	t.Parallel()
	s, _ := Open(nil)
	s.Reconcile(routines("a"))
	for in, want := range map[float64]float64{9: 5, 0: 0.1, -1: 0.1, 2.5: 2.5, math.NaN(): DefaultWeight} {
		s.AdjustWeight("a", in)
		if e, _ := s.Get("a"); e.Weight != want {
			t.Fatalf("weight after %v = %v, want %v", in, e.Weight, want)
		}
	}
}

func TestSuccessRateStaysInUnitInterval(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s, _ := Open(nil, WithClock(fixedClock(now)))
	s.Reconcile(routines("a"))

	pattern := []bool{false, false, true, false, true, true, true, false}
	for i := 0; i < 200; i++ {
		s.RecordOutcome("a", pattern[i%len(pattern)])
		e, _ := s.Get("a")
		if e.SuccessRate < 0 || e.SuccessRate > 1 {
			t.Fatalf("success rate out of range after %d outcomes: %v", i+1, e.SuccessRate)
		}
	}
	e, _ := s.Get("a")
	if e.ExecutionCount != 200 {
		t.Fatalf("execution count = %d", e.ExecutionCount)
	}
	if e.LastExecuted == nil || !e.LastExecuted.Equal(now) {
		t.Fatalf("last executed = %v", e.LastExecuted)
	}
}

func TestRecordOutcomeEMA(t *testing.T) {
	t.Parallel()
	s, _ := Open(nil)
	s.Reconcile(routines("a"))
	s.RecordOutcome("a", false)
	e, _ := s.Get("a")
	if math.Abs(e.SuccessRate-0.8) > 1e-12 {
		t.Fatalf("after one failure = %v, want 0.8", e.SuccessRate)
	}
	s.RecordOutcome("a", true)
	e, _ = s.Get("a")
	if math.Abs(e.SuccessRate-0.84) > 1e-12 {
		t.Fatalf("after failure+success = %v, want 0.84", e.SuccessRate)
	}
	if s.RecordOutcome("nope", true) {
		t.Fatal("unknown routine outcome should be ignored")
	}
}

func TestReserveOnlyTouchesLastExecuted(t *testing.T) {
	t.Parallel()
	s, _ := Open(nil)
	s.Reconcile(routines("a"))
	at := time.Date(2026, 5, 5, 5, 5, 5, 0, time.UTC)
	if !s.Reserve("a", at) {
		t.Fatal("Reserve returned false")
	}
	e, _ := s.Get("a")
	if e.LastExecuted == nil || !e.LastExecuted.Equal(at) {
		t.Fatalf("last executed = %v", e.LastExecuted)
	}
	if e.ExecutionCount != 0 || e.SuccessRate != 1 {
		t.Fatalf("reserve changed counters: %+v", e)
	}
	if s.Reserve("missing", at) {
		t.Fatal("Reserve on missing id should be false")
	}
}

func TestOpenLoadsAndNormalizes(t *testing.T) {
	t.Parallel()
	p := &memPersister{found: true, doc: Document{
		Priorities: map[string]Entry{
			"a": {Priority: 99, Weight: 0, SuccessRate: 3, ExecutionCount: -2},
		},
		GlobalSettings: Settings{MaxExecutionsPerCycle: -1, CooldownPeriodSeconds: 10},
	}}
	s, err := Open(p)
	if err != nil {
		t.Fatal(err)
	}
	e, ok := s.Get("a")
	if !ok || e.RoutineID != "a" || e.Priority != 10 || e.Weight != 0.1 || e.SuccessRate != 1 || e.ExecutionCount != 0 {
		t.Fatalf("normalized entry = %+v", e)
	}
	if st := s.Settings(); st.MaxExecutionsPerCycle != 0 || st.CooldownPeriodSeconds != 10 {
		t.Fatalf("settings = %+v", st)
	}
}

func TestPersistFailureIsSwallowed(t *testing.T) {
	t.Parallel()
	p := &memPersister{err: errors.New("disk full")}
	s, _ := Open(p)
	s.Reconcile(routines("a"))
	if !s.AdjustPriority("a", 3) {
		t.Fatal("mutation should still apply in memory")
	}
	if e, _ := s.Get("a"); e.Priority != 3 {
		t.Fatalf("priority = %d", e.Priority)
	}
}

func TestUpdateSettings(t *testing.T) {
	t.Parallel()
	p := &memPersister{}
	s, _ := Open(p)
	got := s.UpdateSettings(func(st *Settings) {
		st.MaxExecutionsPerCycle = 5
		st.CooldownPeriodSeconds = -4
	})
	if got.MaxExecutionsPerCycle != 5 || got.CooldownPeriodSeconds != 0 || got.MinimumIntervalSeconds != 60 {
		t.Fatalf("settings = %+v", got)
	}
	if p.doc.GlobalSettings != got {
		t.Fatalf("persisted settings = %+v", p.doc.GlobalSettings)
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	t.Parallel()
	s, _ := Open(nil)
	s.Reconcile(routines("b", "a"))
	s.Reserve("a", time.Unix(100, 0))
	snap := s.Snapshot()
	if snap.Entries[0].RoutineID != "a" || snap.Entries[1].RoutineID != "b" {
		t.Fatalf("snapshot not sorted: %+v", snap.Entries)
	}
	*snap.Entries[0].LastExecuted = time.Unix(0, 0)
	e, _ := s.Get("a")
	if !e.LastExecuted.Equal(time.Unix(100, 0)) {
		t.Fatal("snapshot aliases store state")
	}
}
