// Package bus fans chat lifecycle events out to the live connections of a
// chat's owner, in this process or across processes.
package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 32

// Kind names a chat lifecycle event.
type Kind string

const (
	KindChatDeleted  Kind = "chat_deleted"
	KindTitleUpdated Kind = "title_updated"
)

// Event is a chat lifecycle notification.
type Event struct {
	Kind    Kind   `json:"kind"`
	OwnerID string `json:"owner_id"`
	ChatID  string `json:"chat_id"`
	Title   string `json:"title,omitempty"`
}

// Bus publishes chat events and delivers them to subscribers keyed by owner.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	// Subscribe returns a channel of events for ownerID and a function that
	// ends the subscription. The subscription also ends when ctx is done.
	Subscribe(ctx context.Context, ownerID string) (<-chan Event, func())
	Close() error
}

// Local is an in-process Bus. Publish never blocks: events are dropped for
// subscribers whose channels are full.
type Local struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Event // ownerID -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

var _ Bus = (*Local)(nil)

// NewLocal creates an in-process bus. Pass nil logger for default.
func NewLocal(logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{
		subscribers: make(map[string]map[string]chan Event),
		logger:      logger.With("component", "bus"),
	}
}

// Subscribe registers a subscriber for ownerID.
func (b *Local) Subscribe(ctx context.Context, ownerID string) (<-chan Event, func()) {
	subID := uuid.NewString()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	if _, ok := b.subscribers[ownerID]; !ok {
		b.subscribers[ownerID] = make(map[string]chan Event)
	}
	b.subscribers[ownerID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "owner_id", ownerID, "sub_id", subID)

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			b.unsubscribe(ownerID, subID)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return ch, cancel
}

// Publish delivers ev to every subscriber of ev.OwnerID.
func (b *Local) Publish(_ context.Context, ev Event) error {
	b.deliver(ev)
	return nil
}

func (b *Local) deliver(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for subID, ch := range b.subscribers[ev.OwnerID] {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("dropped event for slow subscriber",
				"owner_id", ev.OwnerID, "sub_id", subID, "kind", ev.Kind, "chat_id", ev.ChatID)
		}
	}
}

func (b *Local) unsubscribe(ownerID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[ownerID]
	if !ok {
		return
	}
	ch, ok := subs[subID]
	if !ok {
		return
	}
	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, ownerID)
	}
	b.logger.Debug("subscriber removed", "owner_id", ownerID, "sub_id", subID)
}

// Subscribers returns the number of subscriptions for ownerID.
func (b *Local) Subscribers(ownerID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[ownerID])
}

// Close closes every subscriber channel.
func (b *Local) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ownerID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, ownerID)
	}
	b.closed = true
	return nil
}
