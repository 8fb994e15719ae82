// Package eventbus fans cycle events out to in-process listeners such as
// the notifier.
//
// Publish never blocks; each subscriber owns a buffered channel and a slow
// subscriber loses events rather than stalling the control loop.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type names what happened.
type Type string

const (
	CycleStarted     Type = "cycle.started"
	CycleFinished    Type = "cycle.finished"
	FetchFailed      Type = "fetch.failed"
	DispatchFinished Type = "dispatch.finished"
	IntervalChanged  Type = "interval.changed"
	Stopped          Type = "loop.stopped"
)

// Event carries a small payload; Data is one of the payload structs below.
type Event struct {
	Type  Type
	Time  time.Time
	Cycle uint64
	Data  any
}

// Dispatch is the payload of DispatchFinished.
type Dispatch struct {
	RoutineID   string
	RoutineName string
	Success     bool
	Message     string
	Error       string
	Class       string
	Duration    time.Duration
}

// Cadence is the payload of FetchFailed and IntervalChanged.
type Cadence struct {
	Class       string
	Error       string
	Consecutive int
	Interval    time.Duration
	Previous    time.Duration
}

// Summary is the payload of CycleFinished.
type Summary struct {
	Fetched    int
	Selected   int
	Succeeded  int
	Failed     int
	Abandoned  int
	Duration   time.Duration
	NextSleep  time.Duration
	FetchError string
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends happen under the read lock; unsubscribe takes the write lock
	// before closing, so a send never races a close.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Dropped reports how many deliveries were skipped because a subscriber
// buffer was full.
func Dropped(b Bus) uint64 {
	if m, ok := b.(*memBus); ok {
		return m.dropped.Load()
	}
	return 0
}
