package settlement

import (
	"sync"
	"time"

	"foundry-backend/core/trust"
)

// EventType names a settlement event.
type EventType string

const (
	EventMachineRegistered EventType = "machine.registered"
	EventJobSubmitted      EventType = "job.submitted"
	EventJobCompleted      EventType = "job.completed"
	EventJobRejected       EventType = "job.rejected"
	EventTrustVerdict      EventType = "trust.verdict"
	EventJobFlagged        EventType = "job.flagged"
)

// Event is published after a state change is persisted.
type Event struct {
	Type        EventType     `json:"type"`
	JobHash     string        `json:"job_hash,omitempty"`
	MachineID   string        `json:"machine_id,omitempty"`
	Code        string        `json:"code,omitempty"`
	RewardUnits int64         `json:"reward_units,omitempty"`
	TxRef       string        `json:"tx_ref,omitempty"`
	Trust       *trust.Record `json:"trust,omitempty"`
	Job         *Job          `json:"job,omitempty"`
	At          time.Time     `json:"at"`
}

// Bus fans events out to subscribers and keeps a short history.
// Slow subscribers miss events rather than block publishers; every miss is
// counted per subscriber name and reported to the drop handler.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*subscriber
	nextID  int
	history []Event
	limit   int
	dropped map[string]int64
	onDrop  func(subscriber string, ev Event)
}

type subscriber struct {
	name string
	ch   chan Event
}

// NewBus keeps the last historyLimit events.
func NewBus(historyLimit int) *Bus {
	if historyLimit <= 0 {
		historyLimit = 100
	}
	return &Bus{subs: make(map[int]*subscriber), limit: historyLimit, dropped: make(map[string]int64)}
}

// OnDrop sets the function told about each event a full subscriber
// missed. It runs under the bus lock and must not call back into the bus.
func (b *Bus) OnDrop(fn func(subscriber string, ev Event)) {
	b.mu.Lock()
	b.onDrop = fn
	b.mu.Unlock()
}

// Publish delivers ev to every subscriber with room in its buffer.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.mu.Lock()
	b.history = append(b.history, ev)
	if len(b.history) > b.limit {
		b.history = b.history[len(b.history)-b.limit:]
	}
	for _, s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			b.dropped[s.name]++
			if b.onDrop != nil {
				b.onDrop(s.name, ev)
			}
		}
	}
	b.mu.Unlock()
}

// Dropped returns how many events subscribers named name have missed.
func (b *Bus) Dropped(name string) int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped[name]
}

// Subscribe returns a channel of future events and a cancel function that
// closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	return b.SubscribeAs("anonymous", buffer)
}

// SubscribeAs is Subscribe with a name used for drop accounting.
func (b *Bus) SubscribeAs(name string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = &subscriber{name: name, ch: ch}
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

// Recent returns up to n of the latest events, oldest first.
func (b *Bus) Recent(n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 || n > len(b.history) {
		n = len(b.history)
	}
	out := make([]Event, n)
	copy(out, b.history[len(b.history)-n:])
	return out
}
