package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/edgecmd/internal/config"
)

func TestMemoryConnectRunsHandlerEveryTime(t *testing.T) {
	calls := 0
	m := NewMemory(4, func(b Bus) {
		calls++
		require.NoError(t, b.Subscribe("edge/command/request"))
	})

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Connect(context.Background()))

	assert.Equal(t, 2, calls)
	assert.Equal(t, []string{"edge/command/request"}, m.Subscriptions(), "duplicate subscriptions are collapsed")
	assert.True(t, m.Connected())
}

func TestMemoryRoutesMatchingPublishes(t *testing.T) {
	m := NewMemory(4, nil)
	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Subscribe("req/_edge/+"))

	require.NoError(t, m.Publish("req/_edge/gw-1", []byte(`{"command":"true"}`)))
	require.NoError(t, m.Publish("other/topic", []byte(`x`)))

	select {
	case msg := <-m.Messages():
		assert.Equal(t, "req/_edge/gw-1", msg.Topic)
		assert.JSONEq(t, `{"command":"true"}`, string(msg.Payload))
		assert.False(t, msg.ReceivedAt.IsZero())
	case <-time.After(time.Second):
		t.Fatal("expected routed message")
	}

	select {
	case msg := <-m.Messages():
		t.Fatalf("unexpected delivery on %s", msg.Topic)
	default:
	}

	assert.Len(t, m.Published(), 2)
}

func TestMemoryWatch(t *testing.T) {
	m := NewMemory(1, nil)
	w := m.Watch("resp/#")

	require.NoError(t, m.Publish("resp/a", []byte("1")))
	require.NoError(t, m.Publish("elsewhere", []byte("2")))

	msg := <-w
	assert.Equal(t, "resp/a", msg.Topic)
	assert.Empty(t, w)
}

func TestMemoryClose(t *testing.T) {
	m := NewMemory(0, nil)
	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Subscribe("a"))

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	assert.False(t, m.Connected())
	assert.ErrorIs(t, m.Publish("a", nil), ErrClosed)
	assert.ErrorIs(t, m.Subscribe("b"), ErrClosed)
	assert.ErrorIs(t, m.Connect(context.Background()), ErrClosed)
}

func TestMemoryPublishUnblocksOnClose(t *testing.T) {
	m := NewMemory(0, nil)
	require.NoError(t, m.Subscribe("a"))

	done := make(chan struct{})
	go func() {
		_ = m.Publish("a", []byte("x"))
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Close())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish stayed blocked after close")
	}
}

func TestNewSelectsBackend(t *testing.T) {
	cfg := config.Defaults().Bus

	cfg.Transport = config.TransportMemory
	c, err := New(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, c)

	cfg.Transport = config.TransportRedis
	c, err = New(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &RedisClient{}, c)

	cfg.Transport = config.TransportMQTT
	c, err = New(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &MQTTClient{}, c)

	cfg.Transport = "carrier-pigeon"
	_, err = New(cfg, nil)
	assert.Error(t, err)
}
