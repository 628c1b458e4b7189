package gateway

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

var errBusClosed = errors.New("bus closed")

// Bus is an in-process publish/subscribe bus. Publishing never blocks on a
// slow subscriber: each subscription queues without bound and drains on its
// own goroutine.
type Bus struct {
	mu     sync.Mutex
	topics map[string]map[*busSubscription]struct{}
	closed bool
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{
		topics: make(map[string]map[*busSubscription]struct{}),
	}
}

// Publish queues payload on every subscription of topic.
func (b *Bus) Publish(_ context.Context, topic, payload string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return unavailable("publish", errBusClosed)
	}
	for sub := range b.topics[topic] {
		sub.push(payload)
	}
	return nil
}

// Subscribe registers a new subscription on topic.
func (b *Bus) Subscribe(_ context.Context, topic string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, unavailable("subscribe", errBusClosed)
	}
	sub := &busSubscription{
		bus:    b,
		topic:  topic,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan string),
	}
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[*busSubscription]struct{})
	}
	b.topics[topic][sub] = struct{}{}
	go sub.pump()
	return sub, nil
}

// Close ends every subscription. Later calls fail with ErrStoreUnavailable.
func (b *Bus) Close() error {
	b.mu.Lock()
	subs := b.topics
	b.topics = make(map[string]map[*busSubscription]struct{})
	b.closed = true
	b.mu.Unlock()
	for _, set := range subs {
		for sub := range set {
			sub.stop()
		}
	}
	return nil
}

func (b *Bus) remove(sub *busSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.topics[sub.topic], sub)
}

type busSubscription struct {
	bus   *Bus
	topic string

	mu    sync.Mutex
	queue []string

	notify chan struct{}
	done   chan struct{}
	once   sync.Once
	out    chan string
}

func (s *busSubscription) push(payload string) {
	s.mu.Lock()
	s.queue = append(s.queue, payload)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *busSubscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		pending := s.queue
		s.queue = nil
		s.mu.Unlock()
		for _, payload := range pending {
			select {
			case s.out <- payload:
			case <-s.done:
				return
			}
		}
		select {
		case <-s.notify:
		case <-s.done:
			return
		}
	}
}

func (s *busSubscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *busSubscription) Messages() <-chan string {
	return s.out
}

func (s *busSubscription) Close() error {
	s.bus.remove(s)
	s.stop()
	return nil
}
