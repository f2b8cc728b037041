// Package events fans SnapshotWritten notifications out to in-process
// subscribers and websocket clients. Subscribers pick change sets with a
// doublestar pattern over "workspace/change set".
package events

import (
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"rebaser/apperror"
	"rebaser/proto"
)

// MatchAll is the pattern matching every change set.
const MatchAll = "**"

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

var (
	published = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rebaser_events_published_total",
		Help: "Snapshot-written events published on the bus",
	})
	dropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rebaser_events_dropped_total",
		Help: "Events dropped because a subscriber fell behind",
	})
	subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rebaser_event_subscribers",
		Help: "Open event subscriptions",
	})
)

// Bus delivers events to subscribers without blocking the publisher. A
// subscriber whose queue is full misses the event.
type Bus struct {
	log *zap.Logger

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBus creates an empty bus.
func NewBus(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{log: log, subs: make(map[*Subscription]struct{})}
}

// Subscription is one subscriber. C is closed when the subscription or the
// bus is closed.
type Subscription struct {
	C       <-chan *proto.SnapshotWritten
	Pattern string

	bus  *Bus
	ch   chan *proto.SnapshotWritten
	once sync.Once
}

// ValidatePattern checks a subscription pattern.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return nil
	}
	if !doublestar.ValidatePattern(pattern) {
		return apperror.Serialization("invalid match pattern "+pattern, doublestar.ErrBadPattern)
	}
	return nil
}

// Subscribe registers a subscriber for the change sets matching pattern.
// An empty pattern matches everything; buffer <= 0 selects DefaultBuffer.
func (b *Bus) Subscribe(pattern string, buffer int) (*Subscription, error) {
	if pattern == "" {
		pattern = MatchAll
	}
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan *proto.SnapshotWritten, buffer)
	s := &Subscription{C: ch, Pattern: pattern, bus: b, ch: ch}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return s, nil
	}
	b.subs[s] = struct{}{}
	subscribers.Inc()
	return s, nil
}

// Close unregisters the subscription.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s]; ok {
		delete(s.bus.subs, s)
		subscribers.Dec()
		s.closeChan()
	}
}

func (s *Subscription) closeChan() {
	s.once.Do(func() { close(s.ch) })
}

// Matches reports whether the subscription wants events of subject.
func (s *Subscription) Matches(subject string) bool {
	ok, err := doublestar.Match(s.Pattern, subject)
	return err == nil && ok
}

// Publish delivers e to every matching subscriber.
func (b *Bus) Publish(e *proto.SnapshotWritten) {
	subject := e.Subject()

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	published.Inc()
	for s := range b.subs {
		if !s.Matches(subject) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			dropped.Inc()
			b.log.Warn("subscriber fell behind; event dropped",
				zap.String("pattern", s.Pattern),
				zap.String("subject", subject),
			)
		}
	}
}

// Len returns the number of open subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription. Later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		delete(b.subs, s)
		subscribers.Dec()
		s.closeChan()
	}
}
