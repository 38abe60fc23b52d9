package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------- in-memory transport ----------

type memMessage struct {
	delivery   Delivery
	deliveries int
	acked      bool
}

type memTransport struct {
	mu       sync.Mutex
	messages []*memMessage
}

func newMemTransport(kinds ...string) *memTransport {
	t := &memTransport{}
	for i, k := range kinds {
		t.messages = append(t.messages, &memMessage{delivery: Delivery{
			ID:      string(rune('a' + i)),
			Kind:    k,
			Body:    []byte(`{}`),
			Receipt: string(rune('a' + i)),
		}})
	}
	return t
}

func (t *memTransport) Name() string { return "memory" }

func (t *memTransport) Receive(_ context.Context, max int, _ time.Duration) ([]Delivery, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Delivery
	for _, m := range t.messages {
		if m.acked || len(out) >= max {
			continue
		}
		d := m.delivery
		d.Redeliveries = m.deliveries
		m.deliveries++
		out = append(out, d)
	}
	return out, nil
}

func (t *memTransport) Ack(_ context.Context, d Delivery) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range t.messages {
		if m.delivery.Receipt == d.Receipt {
			m.acked = true
		}
	}
	return nil
}

func (t *memTransport) acked(i int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.messages[i].acked
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Backoff = NoBackoff
	opts.IdleWait = time.Millisecond
	return opts
}

// ---------- Poll ----------

func TestListener_Poll_SuccessAcks(t *testing.T) {
	tr := newMemTransport("some_kind")
	var got []Delivery
	l := NewListener("test-success", tr, func(_ context.Context, d Delivery) error {
		got = append(got, d)
		return nil
	}, testOptions(), zerolog.Nop())

	n, err := l.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, got, 1)
	assert.Equal(t, "some_kind", got[0].Kind)
	assert.True(t, tr.acked(0))
	assert.Equal(t, 1.0, testutil.ToFloat64(messagesProcessed.WithLabelValues("test-success")))
}

func TestListener_Poll_FailureLeavesMessageUnacked(t *testing.T) {
	tr := newMemTransport("some_kind")
	l := NewListener("test-failure", tr, func(context.Context, Delivery) error {
		return errors.New("boom")
	}, testOptions(), zerolog.Nop())

	_, err := l.Poll(context.Background())
	require.NoError(t, err)
	assert.False(t, tr.acked(0))
	assert.Equal(t, 1.0, testutil.ToFloat64(messageProcessingFailed.WithLabelValues("test-failure", "no")))
}

func TestListener_Poll_RetryCapDropsMessage(t *testing.T) {
	tr := newMemTransport("some_kind")
	opts := testOptions()
	opts.DoNotRetryMoreThan = 5

	calls := 0
	l := NewListener("test-retry-cap", tr, func(context.Context, Delivery) error {
		calls++
		return errors.New("always failing")
	}, opts, zerolog.Nop())

	for i := 0; i < 10; i++ {
		_, err := l.Poll(context.Background())
		require.NoError(t, err)
	}

	assert.Equal(t, 6, calls)
	assert.True(t, tr.acked(0))
	assert.Equal(t, 1.0, testutil.ToFloat64(messageProcessingFailed.WithLabelValues("test-retry-cap", "yes")))
	assert.Equal(t, 6.0, testutil.ToFloat64(messageProcessingFailed.WithLabelValues("test-retry-cap", "no")))
}

func TestListener_Poll_BackoffByKind(t *testing.T) {
	tr := newMemTransport("slow_kind", "other_kind")
	opts := testOptions()
	opts.BackoffByKind = map[string]Backoff{"slow_kind": {Retries: 3}}

	calls := map[string]int{}
	l := NewListener("test-backoff-kind", tr, func(_ context.Context, d Delivery) error {
		calls[d.Kind]++
		if calls[d.Kind] < 3 {
			return errors.New("not yet")
		}
		return nil
	}, opts, zerolog.Nop())
	l.opts.BatchSize = 2

	_, err := l.Poll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, calls["slow_kind"])
	assert.True(t, tr.acked(0))
	assert.Equal(t, 1, calls["other_kind"])
	assert.False(t, tr.acked(1))
}

func TestListener_Poll_SkipsOverdueMessages(t *testing.T) {
	tr := newMemTransport("a", "b")
	opts := testOptions()
	opts.BatchSize = 2
	opts.ConsiderFailedAfter = 90 * time.Second

	var handled []string
	l := NewListener("test-overdue", tr, func(_ context.Context, d Delivery) error {
		handled = append(handled, d.Kind)
		return nil
	}, opts, zerolog.Nop())
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}

	n, err := l.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a"}, handled)
	assert.False(t, tr.acked(1))
}

func TestListener_Poll_LogsSkippedCount(t *testing.T) {
	tr := newMemTransport("a", "b", "c")
	opts := testOptions()
	opts.BatchSize = 3
	opts.ConsiderFailedAfter = 90 * time.Second

	var buf bytes.Buffer
	l := NewListener("test-overdue", tr, func(context.Context, Delivery) error { return nil }, opts, zerolog.New(&buf))
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}

	_, err := l.Poll(context.Background())
	require.NoError(t, err)

	var skipped struct {
		Remaining int `json:"remaining"`
	}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if strings.Contains(line, "skipping rest of batch") {
			require.NoError(t, json.Unmarshal([]byte(line), &skipped))
		}
	}
	assert.Equal(t, 2, skipped.Remaining)
	assert.True(t, tr.acked(0))
	assert.False(t, tr.acked(1))
	assert.False(t, tr.acked(2))
}

// ---------- Start / Stop ----------

func TestListener_StopWaitsForInFlightMessage(t *testing.T) {
	tr := newMemTransport("some_kind")
	started := make(chan struct{})
	release := make(chan struct{})
	var handlerErr error
	l := NewListener("test-stop", tr, func(ctx context.Context, _ Delivery) error {
		close(started)
		<-release
		handlerErr = ctx.Err()
		return nil
	}, testOptions(), zerolog.Nop())

	l.Start(context.Background())
	<-started

	stopped := make(chan struct{})
	go func() {
		l.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a message was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
	assert.NoError(t, handlerErr)
	assert.True(t, tr.acked(0))
}

func TestListener_StopWithoutStart(t *testing.T) {
	l := NewListener("test-noop", newMemTransport(), func(context.Context, Delivery) error { return nil }, testOptions(), zerolog.Nop())
	l.Stop()
}

// ---------- Backoff ----------

func TestBackoff_Do_ReturnsLastError(t *testing.T) {
	b := Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond, Retries: 2}
	calls := 0
	err := b.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("attempt failed")
	})
	require.Error(t, err)
	assert.Equal(t, "attempt failed", err.Error())
	assert.Equal(t, 3, calls)
}

func TestBackoff_Do_NoBackoffRunsOnce(t *testing.T) {
	calls := 0
	err := NoBackoff.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("nope")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

// ---------- Policy ----------

func TestLoadPolicies_AppliesOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
lifecycle:
  do_not_retry_more_than: 2
  consider_failed_after: 2m
  backoff:
    default: {base: 50ms, max: 1s, retries: 3}
    cloud_account_discovered: {base: 5s, max: 10s, retries: 8}
`), 0o600))

	policies, err := LoadPolicies(path)
	require.NoError(t, err)
	require.Contains(t, policies, "lifecycle")

	opts := DefaultOptions().Apply(policies["lifecycle"])
	assert.Equal(t, 2, opts.DoNotRetryMoreThan)
	assert.Equal(t, 2*time.Minute, opts.ConsiderFailedAfter)
	assert.Equal(t, Backoff{Base: 50 * time.Millisecond, Max: time.Second, Retries: 3}, opts.Backoff)
	assert.Equal(t, Backoff{Base: 5 * time.Second, Max: 10 * time.Second, Retries: 8}, opts.backoffFor("cloud_account_discovered"))
}

func TestLoadPolicies_EmptyPath(t *testing.T) {
	policies, err := LoadPolicies("")
	require.NoError(t, err)
	assert.Nil(t, policies)
}
