// Package eventbus implements an in-process typed pub/sub bus:
// topic-indexed multicast, fan-out concurrent across subscribers
// but serialized per subscriber, with a bounded queue per subscriber so a
// slow consumer cannot stall the publisher or other subscribers.
package eventbus

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Topic names published by the core. Payload types are defined in
// payloads.go; the bus itself treats payloads as opaque values.
const (
	TopicHostnamesDiscovered = "HOSTNAMES_DISCOVERED"
	TopicDNSRecordCreated    = "DNS_RECORD_CREATED"
	TopicDNSRecordUpdated    = "DNS_RECORD_UPDATED"
	TopicDNSRecordDeleted    = "DNS_RECORD_DELETED"
	TopicDNSRecordOrphaned   = "DNS_RECORD_ORPHANED"
	TopicDNSRecordsUpdated   = "DNS_RECORDS_UPDATED"
	TopicDNSSyncCompleted    = "DNS_SYNC_COMPLETED"
	TopicContainerStarted    = "CONTAINER_STARTED"
	TopicContainerStopped    = "CONTAINER_STOPPED"
	TopicContainerDestroyed  = "CONTAINER_DESTROYED"
	TopicTunnelRouteCreated  = "TUNNEL_ROUTE_CREATED"
	TopicTunnelRouteDeleted  = "TUNNEL_ROUTE_DELETED"
	TopicSettingsChanged     = "SETTINGS_CHANGED"
	TopicErrorOccurred       = "ERROR_OCCURRED"
)

// defaultQueueSize is the bounded per-subscriber queue depth before the
// bus starts dropping the oldest pending event for that subscriber.
const defaultQueueSize = 64

// subscriber is one registered consumer of a topic.
type subscriber struct {
	id      uint64
	queue   chan any
	done    chan struct{}
	dropped atomic.Bool // true once an overflow warning has been logged this episode
}

// Bus is an in-process typed event bus. The zero value is not usable;
// construct with New.
type Bus struct {
	logger *slog.Logger

	mu          sync.Mutex
	subscribers map[string][]*subscriber
	nextID      uint64
}

// Option is a functional option for configuring the Bus.
type Option func(*Bus)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// New creates a new Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		logger:      slog.Default(),
		subscribers: make(map[string][]*subscriber),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Unsubscribe is returned by Subscribe; call it to stop receiving events
// on that topic. Safe to call from any goroutine, safe to call once.
type Unsubscribe func()

// Subscribe registers handler to run, in its own goroutine, for every
// event published to topic after this call returns. Subscription takes
// effect on the next Publish call. The handler is invoked serially for
// this subscriber; a handler that blocks only delays delivery to
// itself, never to other subscribers or the publisher.
func (b *Bus) Subscribe(topic string, handler func(payload any)) Unsubscribe {
	sub := &subscriber{
		queue: make(chan any, defaultQueueSize),
		done:  make(chan struct{}),
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subscribers[topic] = append(b.subscribers[topic], sub)
	b.mu.Unlock()

	go func() {
		for {
			select {
			case payload, ok := <-sub.queue:
				if !ok {
					return
				}
				handler(payload)
			case <-sub.done:
				return
			}
		}
	}()

	return func() {
		b.mu.Lock()
		subs := b.subscribers[topic]
		for i, s := range subs {
			if s.id == sub.id {
				b.subscribers[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		close(sub.done)
	}
}

// Publish delivers payload to every current subscriber of topic. Delivery
// is best-effort and non-blocking for the publisher: if a subscriber's
// queue is full, the oldest queued event for that subscriber is dropped
// to make room, and one warning is logged per overflow episode (cleared
// once the subscriber catches up).
func (b *Bus) Publish(topic string, payload any) {
	b.mu.Lock()
	subs := make([]*subscriber, len(b.subscribers[topic]))
	copy(subs, b.subscribers[topic])
	b.mu.Unlock()

	for _, sub := range subs {
		b.deliver(topic, sub, payload)
	}
}

func (b *Bus) deliver(topic string, sub *subscriber, payload any) {
	select {
	case sub.queue <- payload:
		sub.dropped.Store(false)
		return
	default:
	}

	// Queue full: drop the oldest pending event and retry once.
	select {
	case <-sub.queue:
	default:
	}

	select {
	case sub.queue <- payload:
	default:
		// Another goroutine drained/filled concurrently; give up silently
		// for this event rather than blocking the publisher.
	}

	if !sub.dropped.Swap(true) {
		b.logger.Warn("event subscriber queue overflow, dropping oldest event",
			slog.String("topic", topic),
		)
	}
}

// SubscriberCount returns the number of active subscribers for topic.
// Useful for tests and diagnostics.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[topic])
}
