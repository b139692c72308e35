package broker

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/timshannon/badgerhold/v4"
)

func newTestBroker(t *testing.T, visibilityTimeout time.Duration, maxReceive int) *Broker {
	t.Helper()
	options := badgerhold.DefaultOptions
	options.Dir = filepath.Join(t.TempDir(), "db")
	options.ValueDir = options.Dir
	store, err := badgerhold.Open(options)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	b, err := New(store, visibilityTimeout, maxReceive)
	require.NoError(t, err)
	return b
}

func TestEnqueueReceiveDelete(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, time.Minute, 5)

	payload, _ := json.Marshal(map[string]string{"item_id": "item-1"})
	require.NoError(t, b.Enqueue(ctx, QueueCrawl, Message{Type: "crawl", Payload: payload}, "item-1"))

	msg, deleteFn, err := b.Receive(ctx, QueueCrawl)
	require.NoError(t, err)
	require.Equal(t, "crawl", msg.Type)

	require.NoError(t, deleteFn())

	_, _, err = b.Receive(ctx, QueueCrawl)
	require.ErrorIs(t, err, ErrNoMessage)
}

// TestEnqueue_DuplicateIdempotencyKey covers §6.3's dedup requirement: a
// second Enqueue under the same key on the same queue is rejected while the
// first message is still outstanding.
func TestEnqueue_DuplicateIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, time.Minute, 5)

	require.NoError(t, b.Enqueue(ctx, QueueTelegram, Message{Type: "join_channel"}, "item-1:0:0"))
	err := b.Enqueue(ctx, QueueTelegram, Message{Type: "join_channel"}, "item-1:0:0")
	require.ErrorIs(t, err, ErrDuplicateMessage)
}

// TestEnqueue_EmptyIdempotencyKeyOptsOut covers the poll/telegram-tick case:
// passing "" never triggers dedup, so repeated enqueues all succeed.
func TestEnqueue_EmptyIdempotencyKeyOptsOut(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, time.Minute, 5)

	require.NoError(t, b.Enqueue(ctx, QueuePoll, Message{Type: "poll"}, ""))
	require.NoError(t, b.Enqueue(ctx, QueuePoll, Message{Type: "poll"}, ""))

	depth, err := b.Depth(ctx, QueuePoll)
	require.NoError(t, err)
	require.Equal(t, 2, depth)
}

// TestReceive_VisibilityTimeoutAndMaxReceive covers redelivery: a message
// becomes visible again once its visibility timeout lapses, and stops being
// delivered once it has been received maxReceive times.
func TestReceive_VisibilityTimeoutAndMaxReceive(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, 10*time.Millisecond, 2)

	require.NoError(t, b.Enqueue(ctx, QueueSearch, Message{Type: "search"}, "q-1"))

	_, _, err := b.Receive(ctx, QueueSearch)
	require.NoError(t, err)

	// Immediately after receiving, the message is invisible.
	_, _, err = b.Receive(ctx, QueueSearch)
	require.ErrorIs(t, err, ErrNoMessage)

	time.Sleep(20 * time.Millisecond)

	// Visibility timeout lapsed: redelivered, now at ReceiveCount 2 (== max).
	_, _, err = b.Receive(ctx, QueueSearch)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	// ReceiveCount has hit maxReceive: no further delivery.
	_, _, err = b.Receive(ctx, QueueSearch)
	require.ErrorIs(t, err, ErrNoMessage)
}

func TestDepth_OnlyCountsVisibleMessages(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, time.Hour, 5)

	require.NoError(t, b.Enqueue(ctx, QueueAnalyze, Message{Type: "analyze"}, "a"))
	require.NoError(t, b.Enqueue(ctx, QueueAnalyze, Message{Type: "analyze"}, "b"))

	depth, err := b.Depth(ctx, QueueAnalyze)
	require.NoError(t, err)
	require.Equal(t, 2, depth)

	_, _, err = b.Receive(ctx, QueueAnalyze)
	require.NoError(t, err)

	depth, err = b.Depth(ctx, QueueAnalyze)
	require.NoError(t, err)
	require.Equal(t, 1, depth)
}
