package priority

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"routined/internal/catalog"
	logx "routined/pkg/logx"
)

// Store holds the scheduling state of every known routine plus the global
// settings. All methods are safe for concurrent use; every mutation is
// flushed to the Persister before the method returns.
type Store struct {
	mu       sync.Mutex
	entries  map[string]Entry
	settings Settings

	persist Persister
	log     logx.Logger
	now     func() time.Time
}

type Option func(*Store)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(s *Store) {
		if !log.IsZero() {
			s.log = log
		}
	}
}

// Open loads the document from p (defaults when nothing is stored yet).
// A nil Persister keeps state in memory only.
func Open(p Persister, opts ...Option) (*Store, error) {
	s := &Store{
		entries:  map[string]Entry{},
		settings: DefaultSettings(),
		persist:  p,
		log:      logx.Nop(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if p == nil {
		return s, nil
	}

	doc, found, err := p.Load()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptDocument, err)
	}
	if !found {
		s.log.Info("no priority document yet; starting with defaults")
		return s, nil
	}
	for id, e := range doc.Priorities {
		if id == "" {
			continue
		}
		e.RoutineID = id
		s.entries[id] = e.normalize()
	}
	s.settings = doc.GlobalSettings.normalize()
	s.log.Debug("priority document loaded", logx.Int("entries", len(s.entries)))
	return s, nil
}

// Reconcile makes the entry set match active: new ids get defaults, ids no
// longer present are dropped. Returns how many entries were added/removed.
func (s *Store) Reconcile(active []catalog.Routine) (added, removed int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep := make(map[string]struct{}, len(active))
	for _, r := range active {
		if r.ID == "" {
			continue
		}
		keep[r.ID] = struct{}{}
		if _, ok := s.entries[r.ID]; !ok {
			s.entries[r.ID] = NewEntry(r.ID)
			added++
		}
	}
	for id := range s.entries {
		if _, ok := keep[id]; !ok {
			delete(s.entries, id)
			removed++
		}
	}
	if added > 0 || removed > 0 {
		s.log.Debug("priorities reconciled", logx.Int("added", added), logx.Int("removed", removed), logx.Int("total", len(s.entries)))
		s.flushLocked()
	}
	return added, removed
}

// Reserve marks id as started at now so it is in cooldown for the rest of
// the batch. It does not touch the execution count or success rate; those
// change only in RecordOutcome.
func (s *Store) Reserve(id string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return false
	}
	t := now
	e.LastExecuted = &t
	s.entries[id] = e
	s.flushLocked()
	return true
}

// RecordOutcome commits one execution result. Unknown ids are ignored.
func (s *Store) RecordOutcome(id string, success bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		s.log.Warn("outcome for unknown routine ignored", logx.String("routine", id))
		return false
	}
	t := s.now()
	e.LastExecuted = &t
	e.ExecutionCount++
	e.SuccessRate = UpdateSuccessRate(e.SuccessRate, success)
	s.entries[id] = e
	s.flushLocked()
	return true
}

// AdjustPriority clamps v into [1,10]. Returns false when id is unknown.
func (s *Store) AdjustPriority(id string, v int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return false
	}
	e.Priority = ClampPriority(v)
	s.entries[id] = e
	s.flushLocked()
	return true
}

// AdjustWeight clamps v into [0.1,5.0]. Returns false when id is unknown.
func (s *Store) AdjustWeight(id string, v float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return false
	}
	e.Weight = ClampWeight(v)
	s.entries[id] = e
	s.flushLocked()
	return true
}

// UpdateSettings applies fn to a copy of the settings, clamps the result and
// persists it.
func (s *Store) UpdateSettings(fn func(*Settings)) Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.settings
	if fn != nil {
		fn(&next)
	}
	next = next.normalize()
	if next != s.settings {
		s.settings = next
		s.flushLocked()
	}
	return s.settings
}

func (s *Store) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// Get returns a copy of the entry for id.
func (s *Store) Get(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Snapshot{
		Entries:  make([]Entry, 0, len(s.entries)),
		Settings: s.settings,
	}
	for _, e := range s.entries {
		out.Entries = append(out.Entries, e.clone())
	}
	sort.Slice(out.Entries, func(i, j int) bool {
		return out.Entries[i].RoutineID < out.Entries[j].RoutineID
	})
	return out
}

func (s *Store) documentLocked() Document {
	doc := Document{
		Priorities:     make(map[string]Entry, len(s.entries)),
		GlobalSettings: s.settings,
	}
	for id, e := range s.entries {
		doc.Priorities[id] = e.clone()
	}
	return doc
}

// flushLocked writes the full document. Failures are logged, never returned:
// in-memory state stays authoritative until the next successful write.
func (s *Store) flushLocked() {
	if s.persist == nil {
		return
	}
	if err := s.persist.Save(s.documentLocked()); err != nil {
		lvl := s.log.Warn
		if errors.Is(err, ErrPersisterClosed) {
			lvl = s.log.Debug
		}
		lvl("priority document not persisted", logx.Err(err))
	}
}

