// Package bus connects edgecmd to a publish/subscribe transport.
//
// Every backend delivers inbound messages on a single channel, which the
// dispatcher drains with one worker. Subscriptions are (re)established from
// the ConnectHandler each time the transport reports a fresh connection.
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/mattjoyce/edgecmd/internal/config"
)

// Message is one inbound delivery.
type Message struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// Bus is the handle the router and dispatcher use. Both calls are
// fire-and-forget: a nil error means the request was handed to the
// transport, not that the broker acknowledged it.
type Bus interface {
	Subscribe(filter string) error
	Publish(topic string, payload []byte) error
}

// ConnectHandler runs on every connection-established event, including
// automatic reconnects.
type ConnectHandler func(b Bus)

// Client is a Bus with a lifecycle.
type Client interface {
	Bus
	Connect(ctx context.Context) error
	Messages() <-chan Message
	Connected() bool
	Close() error
}

// New builds the backend selected by cfg.Transport.
func New(cfg config.BusConfig, onConnect ConnectHandler) (Client, error) {
	switch cfg.Transport {
	case config.TransportMQTT:
		return NewMQTT(cfg.MQTT, cfg.InboxSize, onConnect)
	case config.TransportRedis:
		return NewRedis(cfg.Redis, cfg.InboxSize, onConnect), nil
	case config.TransportMemory:
		return NewMemory(cfg.InboxSize, onConnect), nil
	default:
		return nil, fmt.Errorf("unknown bus transport %q", cfg.Transport)
	}
}

// offer hands msg to the dispatcher without blocking. It reports false when
// the inbox is full or the client is closing.
func offer(inbox chan<- Message, done <-chan struct{}, msg Message) bool {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}
	select {
	case <-done:
		return false
	default:
	}
	select {
	case inbox <- msg:
		return true
	default:
		return false
	}
}

// deliver hands msg to the dispatcher, blocking while the inbox is full.
// It gives up only when the client is closing.
func deliver(inbox chan<- Message, done <-chan struct{}, msg Message) bool {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}
	select {
	case inbox <- msg:
		return true
	case <-done:
		return false
	}
}
