package bus

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by operations on a closed in-memory bus.
var ErrClosed = errors.New("bus closed")

// Memory is an in-process bus with MQTT filter routing. Published messages
// are recorded and, when they match a subscription, looped back into the
// inbox like a broker would.
type Memory struct {
	inbox     chan Message
	done      chan struct{}
	onConnect ConnectHandler

	mu        sync.Mutex
	filters   []string
	published []Message
	watchers  []watcher
	connected bool
	closed    bool
}

type watcher struct {
	filter string
	ch     chan Message
}

// NewMemory creates an in-memory bus.
func NewMemory(inboxSize int, onConnect ConnectHandler) *Memory {
	return &Memory{
		inbox:     make(chan Message, inboxSize),
		done:      make(chan struct{}),
		onConnect: onConnect,
	}
}

// Connect marks the bus connected and runs the connect handler. Calling it
// again simulates a reconnect.
func (m *Memory) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.connected = true
	m.mu.Unlock()

	if m.onConnect != nil {
		m.onConnect(m)
	}
	return nil
}

// Subscribe adds filter to the routing table.
func (m *Memory) Subscribe(filter string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, f := range m.filters {
		if f == filter {
			return nil
		}
	}
	m.filters = append(m.filters, filter)
	return nil
}

// Publish records the message, notifies watchers and delivers it to the
// inbox when it matches a subscription.
func (m *Memory) Publish(topic string, payload []byte) error {
	msg := Message{
		Topic:      topic,
		Payload:    append([]byte(nil), payload...),
		ReceivedAt: time.Now().UTC(),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.published = append(m.published, msg)
	routed := m.matchesLocked(topic)
	for _, w := range m.watchers {
		if Match(w.filter, topic) {
			select {
			case w.ch <- msg:
			default:
			}
		}
	}
	m.mu.Unlock()

	if routed {
		deliver(m.inbox, m.done, msg)
	}
	return nil
}

func (m *Memory) matchesLocked(topic string) bool {
	for _, f := range m.filters {
		if Match(f, topic) {
			return true
		}
	}
	return false
}

// Watch returns a channel receiving every later publish matching filter.
// Deliveries are dropped if the watcher falls more than 64 messages behind.
func (m *Memory) Watch(filter string) <-chan Message {
	ch := make(chan Message, 64)
	m.mu.Lock()
	m.watchers = append(m.watchers, watcher{filter: filter, ch: ch})
	m.mu.Unlock()
	return ch
}

// Subscriptions returns the active filters in subscription order.
func (m *Memory) Subscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.filters...)
}

// Published returns every message published so far.
func (m *Memory) Published() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.published...)
}

// Messages returns the inbound delivery channel.
func (m *Memory) Messages() <-chan Message {
	return m.inbox
}

// Connected reports whether Connect has been called and Close has not.
func (m *Memory) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected && !m.closed
}

// Close stops deliveries. It is safe to call more than once.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}
