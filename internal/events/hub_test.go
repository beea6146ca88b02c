package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubRingBufferKeepsNewest(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish(TypeRequestProcessed, RequestProcessed{Commands: i})
	}

	snap := h.SnapshotSince(0)
	require.Len(t, snap, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{snap[0].ID, snap[1].ID, snap[2].ID})

	var data RequestProcessed
	require.NoError(t, json.Unmarshal(snap[2].Data, &data))
	assert.Equal(t, 4, data.Commands)

	assert.Len(t, h.SnapshotSince(4), 1)
}

func TestHubSubscribe(t *testing.T) {
	h := NewHub(10)
	ch, cancel := h.Subscribe()

	h.Publish(TypeRequestDropped, RequestDropped{Topic: "t", Error: "bad"})
	ev := <-ch
	assert.Equal(t, TypeRequestDropped, ev.Type)
	assert.JSONEq(t, `{"message_id":"","topic":"t","error":"bad"}`, string(ev.Data))

	cancel()
	_, open := <-ch
	assert.False(t, open)
	cancel()
}

func TestHubSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(10)
	_, cancel := h.Subscribe()
	defer cancel()

	for i := 0; i < subscriberBuffer*2; i++ {
		h.Publish(TypeRequestProcessed, nil)
	}
	assert.Len(t, h.SnapshotSince(0), 10)
}

func TestNilHubDiscards(t *testing.T) {
	var h *Hub
	assert.NotPanics(t, func() { h.Publish(TypeRequestProcessed, nil) })
}
