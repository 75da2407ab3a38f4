// internal/service/publisher.go
package service

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"feeder-gateway/internal/metrics"
	"feeder-gateway/internal/model"
)

// Publisher fans snapshots out to subscribers. Publish never blocks on a
// slow subscriber: a full subscriber buffer drops its oldest snapshot.
type Publisher struct {
	buffer  int
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	latest *model.Snapshot
}

// Subscription is one consumer's snapshot stream
type Subscription struct {
	name      string
	publisher *Publisher
	ch        chan model.Snapshot
	dropped   atomic.Uint64

	mu     sync.Mutex
	closed bool
}

// NewPublisher creates a publisher with a per-subscriber buffer size
func NewPublisher(buffer int, m *metrics.Metrics, logger *zap.Logger) *Publisher {
	if buffer < 1 {
		buffer = 1
	}
	return &Publisher{
		buffer:  buffer,
		metrics: m,
		logger:  logger.With(zap.String("component", "publisher")),
		subs:    make(map[*Subscription]struct{}),
	}
}

// Publish delivers a snapshot to every subscriber. Delivery happens under
// p.mu so a concurrent Subscribe never sees its replay overtaken.
func (p *Publisher) Publish(snapshot model.Snapshot) {
	dropped := 0

	p.mu.Lock()
	p.latest = &snapshot
	for sub := range p.subs {
		if sub.deliver(snapshot) {
			dropped++
		}
	}
	p.mu.Unlock()

	for i := 0; i < dropped; i++ {
		p.metrics.SubscriberDrop()
	}
	p.metrics.SnapshotPublished()
}

// Subscribe registers a consumer. The latest snapshot, if any, is delivered first.
func (p *Publisher) Subscribe(name string) *Subscription {
	sub := &Subscription{
		name:      name,
		publisher: p,
		ch:        make(chan model.Snapshot, p.buffer),
	}

	// Replay and registration are one step with respect to Publish
	p.mu.Lock()
	if p.latest != nil {
		sub.deliver(*p.latest)
	}
	p.subs[sub] = struct{}{}
	p.mu.Unlock()

	p.logger.Debug("Subscriber added", zap.String("subscriber", name))
	return sub
}

// Latest returns the most recently published snapshot
func (p *Publisher) Latest() (model.Snapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.latest == nil {
		return model.Snapshot{}, false
	}
	return *p.latest, true
}

// Count returns the number of active subscribers
func (p *Publisher) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subs)
}

func (p *Publisher) remove(sub *Subscription) {
	p.mu.Lock()
	delete(p.subs, sub)
	p.mu.Unlock()
}

// C returns the snapshot channel. It is closed by Close.
func (s *Subscription) C() <-chan model.Snapshot {
	return s.ch
}

// Name returns the subscriber name
func (s *Subscription) Name() string {
	return s.name
}

// Dropped returns how many snapshots were discarded for this subscriber
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unsubscribes and closes the channel
func (s *Subscription) Close() {
	s.publisher.remove(s)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// deliver enqueues a snapshot, evicting the oldest when full. It reports whether one was dropped.
func (s *Subscription) deliver(snapshot model.Snapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	select {
	case s.ch <- snapshot:
		return false
	default:
	}

	// The reader may drain concurrently; only an actual eviction counts as a drop
	evicted := false
	select {
	case <-s.ch:
		evicted = true
		s.dropped.Add(1)
	default:
	}

	// Sends happen only under s.mu, so there is room now
	s.ch <- snapshot
	return evicted
}
