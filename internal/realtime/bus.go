// Package realtime is the in-process event bus behind the WebSocket
// surface. Delivery is best-effort: subscribers that fall behind drop
// events instead of stalling publishers, and nothing is replayed.
package realtime

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Topic is one event stream.
type Topic string

const (
	TopicNodeStatus      Topic = "node_status"
	TopicJobProgress     Topic = "job_progress"
	TopicCollectionStats Topic = "collection_stats"
	TopicError           Topic = "error"
)

// Event is one published message.
type Event struct {
	Topic     Topic     `json:"topic"`
	Project   string    `json:"project"`
	Timestamp time.Time `json:"ts"`
	Payload   any       `json:"payload"`
}

// NodeStatus reports a backend component's health.
type NodeStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
}

// JobProgress mirrors an ingestion job transition.
type JobProgress struct {
	JobID    string `json:"job_id"`
	Dataset  string `json:"dataset"`
	Kind     string `json:"kind"`
	State    string `json:"state"`
	Phase    string `json:"phase,omitempty"`
	Progress int    `json:"progress"`
	Error    string `json:"error,omitempty"`
}

// CollectionStats reports a collection's size after an ingest.
type CollectionStats struct {
	Collection string `json:"collection"`
	Dataset    string `json:"dataset"`
	PointCount int64  `json:"point_count"`
}

// ErrorEvent surfaces a coded failure to watchers.
type ErrorEvent struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Filter selects the events a subscriber receives. Project "all"
// matches every project; empty Topics matches every topic.
type Filter struct {
	Project string  `json:"project"`
	Topics  []Topic `json:"topics,omitempty"`
}

func (f Filter) matches(ev Event) bool {
	if f.Project != "all" && f.Project != "" && f.Project != ev.Project {
		return false
	}
	if len(f.Topics) == 0 {
		return true
	}
	for _, t := range f.Topics {
		if t == ev.Topic {
			return true
		}
	}
	return false
}

// DefaultBuffer is the per-subscriber channel depth.
const DefaultBuffer = 64

type subscriber struct {
	filter Filter
	ch     chan Event
}

// Bus fans events out to filtered subscribers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*subscriber
	nextID  int
	dropped atomic.Int64
	log     *slog.Logger
}

func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{subs: make(map[int]*subscriber), log: log}
}

// Subscribe registers a filtered channel. The returned cancel closes
// the channel and must be called exactly once.
func (b *Bus) Subscribe(filter Filter, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &subscriber{filter: filter, ch: make(chan Event, buffer)}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish delivers ev to every matching subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.filter.matches(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped is the count of events lost to slow subscribers.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Subscribers is the current subscription count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
