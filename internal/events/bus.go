package events

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snarg/scribe-engine/internal/metrics"
	"github.com/snarg/scribe-engine/internal/transcribe"
)

// Event is one status transition as delivered to stream subscribers.
type Event struct {
	ID          string          `json:"id"`
	RecordingID int64           `json:"recording_id"`
	Status      string          `json:"status"`
	Timestamp   string          `json:"timestamp"`
	Data        json.RawMessage `json:"data"`
}

// Filter selects events for a subscriber. Empty fields match everything.
type Filter struct {
	Recordings []int64
	Statuses   []string
}

func (f Filter) matches(e Event) bool {
	if len(f.Recordings) > 0 && !slices.Contains(f.Recordings, e.RecordingID) {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, e.Status) {
		return false
	}
	return true
}

// Bus provides pub-sub event distribution for stream subscribers.
// It maintains a ring buffer for replay on reconnect.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uint64]subscriber
	nextID      uint64
	seq         atomic.Uint64

	ring     []Event
	ringSize int
	ringHead int
	ringMu   sync.RWMutex
}

type subscriber struct {
	ch     chan Event
	filter Filter
}

// NewBus creates an event bus with the given ring buffer size.
func NewBus(ringSize int) *Bus {
	if ringSize < 1 {
		ringSize = 1
	}
	return &Bus{
		subscribers: make(map[uint64]subscriber),
		ring:        make([]Event, ringSize),
		ringSize:    ringSize,
	}
}

// Subscribe registers a new subscriber and returns a channel and cancel function.
func (b *Bus) Subscribe(filter Filter) (<-chan Event, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, 64)
	b.subscribers[id] = subscriber{ch: ch, filter: filter}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// Subscribers returns the number of connected subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// ReplaySince returns buffered events published after lastEventID. An id
// that has already left the buffer replays nothing.
func (b *Bus) ReplaySince(lastEventID string, filter Filter) []Event {
	b.ringMu.RLock()
	defer b.ringMu.RUnlock()

	var events []Event
	found := lastEventID == ""
	for i := 0; i < b.ringSize; i++ {
		e := b.ring[(b.ringHead+i)%b.ringSize]
		if e.ID == "" {
			continue
		}
		if !found {
			found = e.ID == lastEventID
			continue
		}
		if filter.matches(e) {
			events = append(events, e)
		}
	}
	return events
}

// Publish sends a status event to all matching subscribers and adds it to
// the ring buffer. Slow subscribers miss events rather than block the runner.
func (b *Bus) Publish(ev transcribe.StatusEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	ts := ev.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	seq := b.seq.Add(1)
	event := Event{
		ID:          fmt.Sprintf("%d-%d", ts.UnixMilli(), seq),
		RecordingID: ev.RecordingID,
		Status:      string(ev.Status),
		Timestamp:   ts.UTC().Format(time.RFC3339),
		Data:        data,
	}

	b.ringMu.Lock()
	b.ring[b.ringHead] = event
	b.ringHead = (b.ringHead + 1) % b.ringSize
	b.ringMu.Unlock()

	b.mu.RLock()
	for _, sub := range b.subscribers {
		if sub.filter.matches(event) {
			select {
			case sub.ch <- event:
			default:
				// Drop if subscriber is slow
			}
		}
	}
	b.mu.RUnlock()
	metrics.EventsPublishedTotal.WithLabelValues("stream").Inc()
}
