package history

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func entry(topic string, completed time.Time) Entry {
	return Entry{
		Topic:         topic,
		ResponseTopic: "edge/command/response",
		Shape:         "single",
		Request:       json.RawMessage(`{"command":"echo hi"}`),
		Response:      json.RawMessage(`{"stdout":"hi\n","stderr":"","error":false}`),
		Commands:      1,
		CompletedAt:   completed,
	}
}

func TestRecordAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e := entry("edge/command/request", time.Time{})
	e.ID = "msg-1"
	require.NoError(t, s.Record(ctx, e))

	got, err := s.Get(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, "edge/command/request", got.Topic)
	assert.JSONEq(t, `{"command":"echo hi"}`, string(got.Request))
	assert.Equal(t, Digest([]byte(`{"command":"echo hi"}`)), got.PayloadDigest)
	assert.True(t, strings.HasPrefix(got.PayloadDigest, "blake3:"))
	assert.False(t, got.CompletedAt.IsZero())
	assert.Equal(t, got.CompletedAt, got.ReceivedAt)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordAssignsID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, entry("a", time.Time{})))
	rows, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Len(t, rows[0].ID, 36)
}

func TestRecordRejectsInvalidJSON(t *testing.T) {
	s := openTestStore(t)
	e := entry("a", time.Time{})
	e.Response = json.RawMessage(`{`)
	assert.Error(t, s.Record(context.Background(), e))
}

func TestRecentNewestFirstWithLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		e := entry(fmt.Sprintf("t/%d", i), base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, s.Record(ctx, e))
	}

	rows, err := s.Recent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"t/4", "t/3", "t/2"}, []string{rows[0].Topic, rows[1].Topic, rows[2].Topic})

	all, err := s.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Record(ctx, entry("old", now.Add(-48*time.Hour))))
	require.NoError(t, s.Record(ctx, entry("new", now.Add(-time.Minute))))

	n, err := s.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rows, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "new", rows[0].Topic)

	n, err = s.Prune(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n, "zero retention keeps everything")
}

func TestRunJanitorPrunesUntilCancelled(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, s.Record(context.Background(), entry("old", time.Now().UTC().Add(-2*time.Hour))))

	done := make(chan struct{})
	go func() {
		s.RunJanitor(ctx, time.Hour, 10*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		rows, err := s.Recent(context.Background(), 10)
		return err == nil && len(rows) == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}

func TestRecordRedactsSSHPassword(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	request := json.RawMessage(`[{"command":"uptime","useSsh":true,"sshHost":"10.0.0.2","sshUser":"pi","sshPassword":"hunter2"}]`)
	e := entry("edge/command/request", time.Time{})
	e.ID = "ssh-1"
	e.Shape = "batch"
	e.Request = request
	e.Response = json.RawMessage(`[{"stdout":"up\n","stderr":"","error":false}]`)
	require.NoError(t, s.Record(ctx, e))

	got, err := s.Get(ctx, "ssh-1")
	require.NoError(t, err)
	assert.NotContains(t, string(got.Request), "hunter2")
	assert.JSONEq(t, `[{"command":"uptime","useSsh":true,"sshHost":"10.0.0.2","sshUser":"pi","sshPassword":"***"}]`, string(got.Request))
	assert.Equal(t, Digest(request), got.PayloadDigest, "digest covers the request as received")

	rows, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.NotContains(t, string(rows[0].Request), "hunter2")
}
