package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrSubscriberClosed is returned when delivering to a closed subscriber
	ErrSubscriberClosed = errors.New("subscriber connection closed")
	// ErrSubscriberSlow is returned when a subscriber's send queue is full
	ErrSubscriberSlow = errors.New("subscriber send queue full")
	// ErrManagerClosed is returned by Register after CloseAll
	ErrManagerClosed = errors.New("subscriber manager closed")
)

// Subscriber is a live delivery target
type Subscriber interface {
	ID() string
	RemoteAddr() string
	// Deliver must not block on the network
	Deliver(payload []byte) error
	Close() error
}

// Encoder serializes a broadcast message
type Encoder func(v interface{}) ([]byte, error)

// Observer receives registry events, e.g. for metrics
type Observer interface {
	SubscriberCount(n int)
	Delivered(n int)
	DeliveryFailed(n int)
}

type nopObserver struct{}

func (nopObserver) SubscriberCount(int) {}
func (nopObserver) Delivered(int)       {}
func (nopObserver) DeliveryFailed(int)  {}

// Manager tracks live subscribers and fans messages out to them
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]Subscriber
	closed      bool

	// queue feeds the single delivery loop in Run, which keeps feed order
	queue chan interface{}

	encode   Encoder
	observer Observer
	log      *zap.Logger
}

// ManagerOption customizes a Manager
type ManagerOption func(*Manager)

// WithEncoder replaces json.Marshal
func WithEncoder(enc Encoder) ManagerOption {
	return func(m *Manager) { m.encode = enc }
}

// WithObserver reports membership and delivery counts
func WithObserver(o Observer) ManagerOption {
	return func(m *Manager) { m.observer = o }
}

// WithQueueSize sets the capacity of the broadcast queue
func WithQueueSize(n int) ManagerOption {
	return func(m *Manager) { m.queue = make(chan interface{}, n) }
}

// NewManager creates a new subscriber manager
func NewManager(log *zap.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		subscribers: make(map[string]Subscriber),
		queue:       make(chan interface{}, 256),
		encode:      json.Marshal,
		observer:    nopObserver{},
		log:         log,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a subscriber. It receives broadcasts issued after this call.
// Once CloseAll has run, the subscriber is closed and ErrManagerClosed is
// returned.
func (m *Manager) Register(sub Subscriber) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		sub.Close()
		m.log.Info("Rejected subscriber during shutdown", zap.String("id", sub.ID()), zap.String("remote", sub.RemoteAddr()))
		return ErrManagerClosed
	}
	m.subscribers[sub.ID()] = sub
	n := len(m.subscribers)
	m.mu.Unlock()

	m.observer.SubscriberCount(n)
	m.log.Info("Subscriber connected", zap.String("id", sub.ID()), zap.String("remote", sub.RemoteAddr()), zap.Int("subscribers", n))
	return nil
}

// Unregister removes a subscriber and closes it. Safe to call repeatedly.
func (m *Manager) Unregister(sub Subscriber) {
	m.mu.Lock()
	_, ok := m.subscribers[sub.ID()]
	delete(m.subscribers, sub.ID())
	n := len(m.subscribers)
	m.mu.Unlock()

	if !ok {
		return
	}
	sub.Close()
	m.observer.SubscriberCount(n)
	m.log.Info("Subscriber disconnected", zap.String("id", sub.ID()), zap.String("remote", sub.RemoteAddr()), zap.Int("subscribers", n))
}

// Count returns the number of live subscribers
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers)
}

// Broadcast encodes msg once and delivers it to every live subscriber.
// Subscribers that fail are removed after the sweep. It returns the number
// of successful deliveries.
func (m *Manager) Broadcast(msg interface{}) int {
	m.mu.RLock()
	if len(m.subscribers) == 0 {
		m.mu.RUnlock()
		return 0
	}
	targets := make([]Subscriber, 0, len(m.subscribers))
	for _, sub := range m.subscribers {
		targets = append(targets, sub)
	}
	m.mu.RUnlock()

	payload, err := m.encode(msg)
	if err != nil {
		m.log.Error("Failed to encode broadcast message", zap.Error(err))
		return 0
	}

	var failed []Subscriber
	delivered := 0
	for _, sub := range targets {
		if err := sub.Deliver(payload); err != nil {
			m.log.Warn("Delivery failed, dropping subscriber", zap.String("id", sub.ID()), zap.String("remote", sub.RemoteAddr()), zap.Error(err))
			failed = append(failed, sub)
			continue
		}
		delivered++
	}

	for _, sub := range failed {
		m.Unregister(sub)
	}

	m.observer.Delivered(delivered)
	if len(failed) > 0 {
		m.observer.DeliveryFailed(len(failed))
	}
	m.log.Debug("Broadcasted message", zap.Int("delivered", delivered), zap.Int("failed", len(failed)))
	return delivered
}

// Publish queues msg for the delivery loop. It blocks while the queue is
// full and gives up when ctx is done.
func (m *Manager) Publish(ctx context.Context, msg interface{}) {
	select {
	case m.queue <- msg:
	case <-ctx.Done():
	}
}

// Run drains the broadcast queue until ctx is cancelled, then closes every
// subscriber
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case msg := <-m.queue:
			m.Broadcast(msg)
		case <-ctx.Done():
			m.CloseAll()
			return nil
		}
	}
}

// CloseAll unregisters and closes every subscriber. Later registrations are
// rejected.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	subs := make([]Subscriber, 0, len(m.subscribers))
	for _, sub := range m.subscribers {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		m.Unregister(sub)
	}
}
