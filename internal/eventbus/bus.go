package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is an in-memory signal between components. Publish never blocks;
// a subscriber whose buffer is full misses the event and the bus counts it
// as dropped.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Well-known event types.
const (
	DeliverySent    = "delivery.sent"
	DeliverySkipped = "delivery.skipped"
	DeliveryFailed  = "delivery.failed"
	CycleFinished   = "cycle.finished"
	CalendarApplied = "calendar.applied"
)

// Delivery describes one newsletter post or reminder DM.
type Delivery struct {
	Job     string
	Key     string
	Target  string
	Reason  string // skip reason or error text
	RunID   string
	Elapsed time.Duration
}

// Cycle summarizes one job run.
type Cycle struct {
	Job      string
	RunID    string
	Sent     int
	Skipped  int
	Failed   int
	Duration time.Duration
	Err      string
}

// CalendarAction is one create or update applied to the mirror calendar.
type CalendarAction struct {
	Action   string // create, update
	SourceID string
	MirrorID string
	Summary  string
	RunID    string
	Err      string
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() *MemBus {
	return &MemBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch     chan Event
	prefix string
}

type MemBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*sub
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *MemBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]*sub, 0, len(b.subs))
	for _, s := range b.subs {
		if s.prefix == "" || strings.HasPrefix(e.Type, s.prefix) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		func() {
			// Unsubscribe may close the channel concurrently.
			defer func() { _ = recover() }()
			select {
			case s.ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

func (b *MemBus) Subscribe(buffer int) (<-chan Event, func()) {
	return b.SubscribePrefix("", buffer)
}

// SubscribePrefix receives only events whose Type starts with prefix
// ("delivery." for example).
func (b *MemBus) SubscribePrefix(prefix string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	s := &sub{ch: make(chan Event, buffer), prefix: prefix}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

// Dropped is the number of deliveries lost to full subscriber buffers.
func (b *MemBus) Dropped() uint64 { return b.dropped.Load() }
