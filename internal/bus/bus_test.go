package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestLocalDeliversToOwnerOnly(t *testing.T) {
	t.Parallel()
	b := NewLocal(nil)
	t.Cleanup(func() { _ = b.Close() })

	mine, unsubMine := b.Subscribe(t.Context(), "u1")
	defer unsubMine()
	other, unsubOther := b.Subscribe(t.Context(), "u2")
	defer unsubOther()

	require.NoError(t, b.Publish(t.Context(), Event{Kind: KindChatDeleted, OwnerID: "u1", ChatID: "c1"}))
	got := receive(t, mine)
	assert.Equal(t, KindChatDeleted, got.Kind)
	assert.Equal(t, "c1", got.ChatID)

	select {
	case ev := <-other:
		t.Fatalf("unexpected event for other owner: %+v", ev)
	default:
	}
}

func TestLocalUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := NewLocal(nil)
	ch, unsub := b.Subscribe(t.Context(), "u1")
	assert.Equal(t, 1, b.Subscribers("u1"))

	unsub()
	unsub()
	_, ok := <-ch
	assert.False(t, ok)
	assert.Zero(t, b.Subscribers("u1"))
}

func TestLocalContextCancelUnsubscribes(t *testing.T) {
	t.Parallel()
	b := NewLocal(nil)
	ctx, cancel := context.WithCancel(t.Context())
	ch, _ := b.Subscribe(ctx, "u1")
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not cleaned up")
	}
}

func TestLocalDropsForSlowSubscriber(t *testing.T) {
	t.Parallel()
	b := NewLocal(nil)
	ch, unsub := b.Subscribe(t.Context(), "u1")
	defer unsub()

	for i := 0; i < subscriberBufferSize+10; i++ {
		require.NoError(t, b.Publish(t.Context(), Event{Kind: KindTitleUpdated, OwnerID: "u1", ChatID: "c1"}))
	}
	assert.Len(t, ch, subscriberBufferSize)
}

func TestLocalCloseEndsSubscriptions(t *testing.T) {
	t.Parallel()
	b := NewLocal(nil)
	ch, unsub := b.Subscribe(t.Context(), "u1")
	require.NoError(t, b.Close())
	_, ok := <-ch
	assert.False(t, ok)
	unsub()

	late, _ := b.Subscribe(t.Context(), "u1")
	_, ok = <-late
	assert.False(t, ok)
}

func TestRedisRelaysAcrossProcesses(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)

	newBus := func() *Redis {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		b, err := NewRedisFromClient(t.Context(), client, "test:events", nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = b.Close() })
		return b
	}
	a, b := newBus(), newBus()

	onA, unsubA := a.Subscribe(t.Context(), "u1")
	defer unsubA()
	onB, unsubB := b.Subscribe(t.Context(), "u1")
	defer unsubB()

	ev := Event{Kind: KindTitleUpdated, OwnerID: "u1", ChatID: "c1", Title: "Launch plan"}
	require.NoError(t, a.Publish(t.Context(), ev))

	assert.Equal(t, ev, receive(t, onA))
	assert.Equal(t, ev, receive(t, onB))
}

func TestNewRedisRequiresAddr(t *testing.T) {
	t.Parallel()
	_, err := NewRedis(t.Context(), RedisConfig{}, nil)
	assert.Error(t, err)
}
