package bus

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/mattjoyce/edgecmd/internal/config"
	"github.com/mattjoyce/edgecmd/internal/log"
)

const (
	disconnectQuiesce = 250 // milliseconds
	tokenWait         = 30 * time.Second
)

// MQTTClient is the paho-backed bus.
type MQTTClient struct {
	cfg       config.MQTTConfig
	client    mqtt.Client
	inbox     chan Message
	done      chan struct{}
	closeOnce sync.Once
	onConnect ConnectHandler
	logger    *slog.Logger
	overflow  atomic.Uint64
}

// NewMQTT builds an MQTT client. The connection is not opened until Connect.
func NewMQTT(cfg config.MQTTConfig, inboxSize int, onConnect ConnectHandler) (*MQTTClient, error) {
	c := &MQTTClient{
		cfg:       cfg,
		inbox:     make(chan Message, inboxSize),
		done:      make(chan struct{}),
		onConnect: onConnect,
		logger:    log.WithComponent("bus.mqtt"),
	}

	opts, err := c.options()
	if err != nil {
		return nil, err
	}
	c.client = mqtt.NewClient(opts)
	return c, nil
}

func (c *MQTTClient) options() (*mqtt.ClientOptions, error) {
	clientID := c.cfg.ClientID
	if clientID == "" {
		clientID = "edgecmd-" + uuid.NewString()[:8]
	}

	opts := mqtt.NewClientOptions().
		AddBroker(c.cfg.Broker).
		SetClientID(clientID).
		SetUsername(c.cfg.Username).
		SetPassword(c.cfg.Password).
		SetKeepAlive(c.cfg.KeepAlive).
		SetConnectTimeout(c.cfg.ConnectTimeout).
		SetCleanSession(c.cfg.CleanSession).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(time.Minute).
		SetOrderMatters(true).
		SetDefaultPublishHandler(c.handle).
		SetOnConnectHandler(func(mqtt.Client) {
			c.logger.Info("connected to broker", "broker", c.cfg.Broker, "client_id", clientID)
			if c.onConnect != nil {
				c.onConnect(c)
			}
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			c.logger.Warn("connection to broker lost", "error", err)
		}).
		SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
			c.logger.Info("reconnecting to broker", "broker", c.cfg.Broker)
		})

	if NeedsTLS(c.cfg.Broker) {
		tlsCfg, err := tlsConfig(c.cfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	return opts, nil
}

// NeedsTLS reports whether the broker URL scheme implies TLS.
func NeedsTLS(broker string) bool {
	u, err := url.Parse(broker)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "ssl", "tls", "mqtts", "wss", "tcps":
		return true
	}
	return false
}

func tlsConfig(cfg config.MQTTConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec
	}
	if cfg.CAFile == "" {
		return tlsCfg, nil
	}
	pem, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read mqtt ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
	}
	tlsCfg.RootCAs = pool
	return tlsCfg, nil
}

// handle runs on paho's router goroutine, which also reads PINGRESP with
// OrderMatters set, so it must not block. Messages that arrive while the
// inbox is full are dropped.
func (c *MQTTClient) handle(_ mqtt.Client, m mqtt.Message) {
	payload := append([]byte(nil), m.Payload()...)
	if offer(c.inbox, c.done, Message{Topic: m.Topic(), Payload: payload}) {
		return
	}
	select {
	case <-c.done:
		c.logger.Debug("dropping message during shutdown", "topic", m.Topic())
	default:
		n := c.overflow.Add(1)
		c.logger.Warn("inbox full, dropping message",
			"topic", m.Topic(),
			"inbox_size", cap(c.inbox),
			"overflow_total", n,
		)
	}
}

// Overflow returns how many messages were dropped because the inbox was full.
func (c *MQTTClient) Overflow() uint64 {
	return c.overflow.Load()
}

// Connect opens the broker connection, retrying until it succeeds or ctx ends.
func (c *MQTTClient) Connect(ctx context.Context) error {
	c.logger.Info("connecting to broker", "broker", c.cfg.Broker)
	token := c.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("connect to %s: %w", c.cfg.Broker, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers filter with the broker. Matching messages arrive
// through the default publish handler.
func (c *MQTTClient) Subscribe(filter string) error {
	token := c.client.Subscribe(filter, byte(c.cfg.QoS), nil)
	return c.settle(token, "subscribe", filter)
}

// Publish sends payload to topic without retaining it.
func (c *MQTTClient) Publish(topic string, payload []byte) error {
	token := c.client.Publish(topic, byte(c.cfg.QoS), false, payload)
	return c.settle(token, "publish", topic)
}

// settle returns an error the token already carries and otherwise watches
// it in the background so late failures are still logged.
func (c *MQTTClient) settle(token mqtt.Token, op, topic string) error {
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("%s %s: %w", op, topic, err)
		}
		return nil
	default:
	}

	go func() {
		if !token.WaitTimeout(tokenWait) {
			c.logger.Warn("broker did not acknowledge in time", "op", op, "topic", topic)
			return
		}
		if err := token.Error(); err != nil {
			c.logger.Error("broker operation failed", "op", op, "topic", topic, "error", err)
		}
	}()
	return nil
}

// Messages returns the inbound delivery channel.
func (c *MQTTClient) Messages() <-chan Message {
	return c.inbox
}

// Connected reports whether the broker connection is currently up.
func (c *MQTTClient) Connected() bool {
	return c.client.IsConnectionOpen()
}

// Close disconnects from the broker.
func (c *MQTTClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.client.Disconnect(disconnectQuiesce)
		c.logger.Info("disconnected from broker")
	})
	return nil
}
