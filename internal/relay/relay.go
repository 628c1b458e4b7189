// Package relay turns the shared change bus into process-local broadcast
// traffic.
//
// A server process runs exactly one Relay. It holds a single subscription to
// the bus and copies every payload into the bounded buffer of each attached
// Subscription. A subscriber that falls more than the buffer capacity behind
// loses its oldest buffered payloads; the relay itself never waits for a
// subscriber. Subscribers only see payloads that arrive after they attach.
package relay

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ochmanski/tenmillioncheckboxes/internal/gateway"
	"github.com/ochmanski/tenmillioncheckboxes/internal/metrics"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"
)

// DefaultCapacity is the per-subscriber backlog.
const DefaultCapacity = 100

var (
	// ErrNotStarted is returned by Run when Start has not succeeded.
	ErrNotStarted = errors.New("relay not started")
	// ErrSubscriptionEnded is returned by Run when the bus stops delivering.
	ErrSubscriptionEnded = errors.New("bus subscription ended")
)

// Subscriber is the part of a gateway the relay needs.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (gateway.Subscription, error)
}

// Relay fans bus payloads out to local subscriptions.
type Relay struct {
	bus      Subscriber
	topic    string
	capacity int
	logger   logrus.FieldLogger

	sub    gateway.Subscription
	subs   *xsync.MapOf[uint64, *Subscription]
	nextID atomic.Uint64
}

// Cfg configures a Relay.
type Cfg func(*Relay) error

// WithSubscriber sets the bus the relay listens on.
func WithSubscriber(bus Subscriber) Cfg {
	return func(r *Relay) error {
		r.bus = bus
		return nil
	}
}

// WithTopic overrides the bus topic.
func WithTopic(topic string) Cfg {
	return func(r *Relay) error {
		if topic == "" {
			return errors.New("topic must not be empty")
		}
		r.topic = topic
		return nil
	}
}

// WithCapacity sets the per-subscriber backlog.
func WithCapacity(capacity int) Cfg {
	return func(r *Relay) error {
		if capacity < 1 {
			return errors.Errorf("capacity must be positive, got %d", capacity)
		}
		r.capacity = capacity
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) Cfg {
	return func(r *Relay) error {
		r.logger = logger
		return nil
	}
}

// NewRelay creates a Relay with the given configuration.
func NewRelay(cfgs ...Cfg) (*Relay, error) {
	r := &Relay{
		topic:    gateway.ChangesTopic,
		capacity: DefaultCapacity,
		logger:   logrus.StandardLogger(),
		subs:     xsync.NewMapOf[uint64, *Subscription](),
	}
	for _, cfg := range cfgs {
		if err := cfg(r); err != nil {
			return nil, errors.Wrap(err, "apply Relay cfg failed")
		}
	}
	if r.bus == nil {
		return nil, errors.New("relay needs a subscriber")
	}
	return r, nil
}

// Start establishes the bus subscription. Payloads published after Start
// returns are delivered once Run is running.
func (r *Relay) Start(ctx context.Context) error {
	if r.sub != nil {
		return errors.New("relay already started")
	}
	sub, err := r.bus.Subscribe(ctx, r.topic)
	if err != nil {
		return errors.Wrapf(err, "subscribe to %s failed", r.topic)
	}
	r.sub = sub
	r.logger.WithField("topic", r.topic).Info("relay subscribed")
	return nil
}

// Run forwards bus payloads to every subscription until the bus subscription
// ends or ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	if r.sub == nil {
		return ErrNotStarted
	}
	defer r.sub.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-r.sub.Messages():
			if !ok {
				return ErrSubscriptionEnded
			}
			metrics.RelayEventsTotal.Inc()
			r.Broadcast(payload)
		}
	}
}

// Broadcast delivers payload to every current subscription without blocking.
func (r *Relay) Broadcast(payload string) {
	r.subs.Range(func(_ uint64, s *Subscription) bool {
		if s.deliver(payload) {
			metrics.RelayDroppedTotal.Inc()
			r.logger.WithField("subscription", s.id).Warn("subscriber lagging, dropped oldest change")
		}
		return true
	})
}

// Subscribe attaches a new subscription. It must be closed when no longer read.
func (r *Relay) Subscribe() *Subscription {
	s := &Subscription{
		id:    r.nextID.Add(1),
		relay: r,
		ch:    make(chan string, r.capacity),
	}
	r.subs.Store(s.id, s)
	return s
}

// Len is the number of attached subscriptions.
func (r *Relay) Len() int {
	return r.subs.Size()
}

// Subscription is one consumer's view of the relay.
type Subscription struct {
	id    uint64
	relay *Relay

	mu      sync.Mutex
	ch      chan string
	closed  bool
	dropped atomic.Uint64
}

// C yields relayed payloads. It is closed by Close.
func (s *Subscription) C() <-chan string {
	return s.ch
}

// Dropped is the number of payloads this subscription lost to overflow.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the subscription and closes C.
func (s *Subscription) Close() {
	s.relay.subs.Delete(s.id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// deliver enqueues payload, evicting the oldest buffered payload when full.
// It reports whether anything was evicted.
func (s *Subscription) deliver(payload string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	evicted := false
	for {
		select {
		case s.ch <- payload:
			return evicted
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
			evicted = true
		default:
		}
	}
}
