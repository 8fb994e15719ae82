// Package selector picks the next routine to run: a cooldown filter followed
// by a weighted random draw over priority, weight, success rate and idle time.
package selector

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"routined/internal/catalog"
	"routined/internal/priority"
)

const (
	// minWeight keeps every eligible routine drawable.
	minWeight = 0.1
	// boostPerHour and maxBoost shape the idle-time multiplier.
	boostPerHour = 0.1
	maxBoost     = 3.0
)

// Rand is the uniform [0,1) source used for draws. *rand.Rand satisfies it.
type Rand interface {
	Float64() float64
}

// Source is the read side of the priority store.
type Source interface {
	Get(id string) (priority.Entry, bool)
	Settings() priority.Settings
}

// Skip reasons reported by Candidates.
const (
	ReasonCooldown = "cooldown"
)

// Candidate is one routine as seen by the selector.
type Candidate struct {
	Routine      catalog.Routine
	Entry        priority.Entry
	Known        bool // false when the store has no entry yet (defaults used)
	Eligible     bool
	Reason       string
	CooldownLeft time.Duration
	Weight       float64
}

type Selector struct {
	src Source
	now func() time.Time

	mu  sync.Mutex
	rng Rand
}

type Option func(*Selector)

// WithRand injects the random source. Tests pass a seeded *rand.Rand.
func WithRand(r Rand) Option {
	return func(s *Selector) {
		if r != nil {
			s.rng = r
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Selector) {
		if now != nil {
			s.now = now
		}
	}
}

func New(src Source, opts ...Option) *Selector {
	s := &Selector{
		src: src,
		now: time.Now,
		rng: rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(time.Now().Unix()))),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Weight is the draw weight of an eligible entry at now.
func Weight(e priority.Entry, now time.Time) float64 {
	w := math.Max(float64(e.Priority)*e.Weight*e.SuccessRate, minWeight)
	if e.LastExecuted != nil {
		hours := now.Sub(*e.LastExecuted).Hours()
		if hours < 0 {
			hours = 0
		}
		w *= math.Min(1+hours*boostPerHour, maxBoost)
	}
	return w
}

// Candidates evaluates every routine in active order. Ineligible routines
// carry a Reason and zero Weight.
func (s *Selector) Candidates(active []catalog.Routine) []Candidate {
	now := s.now()
	cooldown := s.src.Settings().Cooldown()

	out := make([]Candidate, 0, len(active))
	for _, r := range active {
		e, known := s.src.Get(r.ID)
		if !known {
			e = priority.NewEntry(r.ID)
		}
		c := Candidate{Routine: r, Entry: e, Known: known, Eligible: true}
		if e.LastExecuted != nil {
			since := now.Sub(*e.LastExecuted)
			if since < cooldown {
				c.Eligible = false
				c.Reason = ReasonCooldown
				c.CooldownLeft = cooldown - since
			}
		}
		if c.Eligible {
			c.Weight = Weight(e, now)
		}
		out = append(out, c)
	}
	return out
}

// SelectOne draws one eligible routine. ok is false when every routine is in
// cooldown (or active is empty); that means "nothing to do", not an error.
func (s *Selector) SelectOne(active []catalog.Routine) (catalog.Routine, bool) {
	cands := s.Candidates(active)

	eligible := cands[:0:0]
	total := 0.0
	for _, c := range cands {
		if c.Eligible {
			eligible = append(eligible, c)
			total += c.Weight
		}
	}
	if len(eligible) == 0 {
		return catalog.Routine{}, false
	}

	r := s.draw() * total
	acc := 0.0
	for _, c := range eligible {
		acc += c.Weight
		if acc >= r {
			return c.Routine, true
		}
	}
	return eligible[len(eligible)-1].Routine, true
}

func (s *Selector) draw() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}
