package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mattjoyce/edgecmd/internal/config"
	"github.com/mattjoyce/edgecmd/internal/log"
)

const (
	healthCheckInterval = 10 * time.Second
	redisOpTimeout      = 5 * time.Second
)

// RedisClient is a bus over Redis pub/sub. Topics map one-to-one onto
// channel names; wildcard filters use PSUBSCRIBE.
type RedisClient struct {
	cfg       config.RedisConfig
	inbox     chan Message
	done      chan struct{}
	onConnect ConnectHandler
	logger    *slog.Logger

	mu        sync.Mutex
	rdb       redis.UniversalClient
	pubsub    *redis.PubSub
	connected atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewRedis builds a Redis bus. The connection is not opened until Connect.
func NewRedis(cfg config.RedisConfig, inboxSize int, onConnect ConnectHandler) *RedisClient {
	return &RedisClient{
		cfg:       cfg,
		inbox:     make(chan Message, inboxSize),
		done:      make(chan struct{}),
		onConnect: onConnect,
		logger:    log.WithComponent("bus.redis"),
	}
}

// Connect dials Redis, opens the pub/sub connection and runs the connect handler.
func (c *RedisClient) Connect(ctx context.Context) error {
	c.logger.Debug("connecting to redis", "addrs", c.cfg.Addrs, "db", c.cfg.DB)

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:      c.cfg.Addrs,
		Password:   c.cfg.Password,
		DB:         c.cfg.DB,
		MasterName: c.cfg.MasterName,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("connect to redis %v: %w", c.cfg.Addrs, err)
	}

	c.mu.Lock()
	c.rdb = rdb
	c.pubsub = rdb.Subscribe(ctx)
	c.mu.Unlock()
	c.connected.Store(true)

	c.logger.Info("connected to redis", "addrs", c.cfg.Addrs)
	if c.onConnect != nil {
		c.onConnect(c)
	}

	c.wg.Add(2)
	go c.receive()
	go c.monitor()
	return nil
}

// Subscribe adds filter to the pub/sub connection. go-redis re-issues the
// subscription itself after a reconnect.
func (c *RedisClient) Subscribe(filter string) error {
	c.mu.Lock()
	ps := c.pubsub
	c.mu.Unlock()
	if ps == nil {
		return fmt.Errorf("subscribe %s: not connected", filter)
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	if IsWildcard(filter) {
		pattern := GlobPattern(filter)
		if err := ps.PSubscribe(ctx, pattern); err != nil {
			return fmt.Errorf("psubscribe %s: %w", pattern, err)
		}
		return nil
	}
	if err := ps.Subscribe(ctx, filter); err != nil {
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}
	return nil
}

// Publish sends payload on the channel named topic.
func (c *RedisClient) Publish(topic string, payload []byte) error {
	c.mu.Lock()
	rdb := c.rdb
	c.mu.Unlock()
	if rdb == nil {
		return fmt.Errorf("publish %s: not connected", topic)
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := rdb.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (c *RedisClient) receive() {
	defer c.wg.Done()

	c.mu.Lock()
	ch := c.pubsub.Channel()
	c.mu.Unlock()

	for {
		select {
		case <-c.done:
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			if !deliver(c.inbox, c.done, Message{Topic: m.Channel, Payload: []byte(m.Payload)}) {
				return
			}
		}
	}
}

func (c *RedisClient) monitor() {
	defer c.wg.Done()

	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
			err := c.rdb.Ping(ctx).Err()
			cancel()

			up := err == nil
			if was := c.connected.Swap(up); was != up {
				if up {
					c.logger.Info("redis connection restored")
				} else {
					c.logger.Warn("redis connection lost", "error", err)
				}
			}
		}
	}
}

// Messages returns the inbound delivery channel.
func (c *RedisClient) Messages() <-chan Message {
	return c.inbox
}

// Connected reports the result of the most recent health check.
func (c *RedisClient) Connected() bool {
	return c.connected.Load()
}

// Close shuts down the pub/sub connection and the client.
func (c *RedisClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.pubsub != nil {
			err = c.pubsub.Close()
		}
		if c.rdb != nil {
			if cerr := c.rdb.Close(); err == nil {
				err = cerr
			}
		}
		c.mu.Unlock()
		c.wg.Wait()
		c.connected.Store(false)
	})
	return err
}
