// Package events implements the in-process pub/sub bus behind the SSE
// surfaces. Delivery is best-effort: a subscriber that cannot keep up loses
// events rather than stalling publishers.
package events

import (
	"sync"

	relay "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/telemetry"
)

// Per-subscriber channel capacities. Log streams burst harder than request
// telemetry, so they get more headroom.
const (
	requestBuffer = 64
	logBuffer     = 128
)

// MaxSubscribers bounds the bus-wide subscriber count.
const MaxSubscribers = 200

// Event is one published message. Type becomes the SSE event name.
type Event struct {
	Topic string
	Type  string
	Data  any
}

type subscriber struct {
	topic string
	ch    chan Event
}

// Bus fans events out to per-topic subscribers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	metrics *telemetry.Metrics
	closed  bool
}

// NewBus constructs an empty bus. Metrics may be nil.
func NewBus(m *telemetry.Metrics) *Bus {
	return &Bus{subs: make(map[*subscriber]struct{}), metrics: m}
}

// Subscribe registers a subscriber for topic and returns its channel with a
// cancel that unregisters and closes it. Cancel is safe to call more than
// once and after Close.
func (b *Bus) Subscribe(topic string) (<-chan Event, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || len(b.subs) >= MaxSubscribers {
		return nil, nil, relay.ErrSubscriberOverflow
	}
	s := &subscriber{topic: topic, ch: make(chan Event, bufferFor(topic))}
	b.subs[s] = struct{}{}

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[s]; !ok {
			return
		}
		delete(b.subs, s)
		close(s.ch)
	}
	return s.ch, cancel, nil
}

func bufferFor(topic string) int {
	if topic == relay.TopicLogs {
		return logBuffer
	}
	return requestBuffer
}

// Publish delivers ev to every subscriber of its topic without blocking.
// Sends happen under the read lock so cancel and Close can close channels
// without racing a send.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		if s.topic != ev.Topic {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			if b.metrics != nil {
				b.metrics.EventsDropped.WithLabelValues(ev.Topic).Inc()
			}
		}
	}
}

// PublishRequest publishes onto the request telemetry topic.
func (b *Bus) PublishRequest(typ string, data any) {
	b.Publish(Event{Topic: relay.TopicRequests, Type: typ, Data: data})
}

// PublishLog publishes onto the log topic.
func (b *Bus) PublishLog(data any) {
	b.Publish(Event{Topic: relay.TopicLogs, Type: "log", Data: data})
}

// Close drops every subscriber and closes their channels. Publish and
// Subscribe after Close are rejected.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for s := range b.subs {
		close(s.ch)
	}
	clear(b.subs)
	return nil
}
