// ABOUTME: In-memory fan-out of newly merged messages to live client connections
// ABOUTME: Best-effort, at-most-once; a connection that fails or stalls a write is dropped

package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley/internal/metrics"
	"github.com/2389/parley/internal/store"
)

// EventMessageNew is the only push event type.
const EventMessageNew = "message:new"

// DefaultWriteTimeout bounds how long a publish waits on one connection.
const DefaultWriteTimeout = 2 * time.Second

// Event is what live clients receive for every newly stored message.
type Event struct {
	Type           string         `json:"type"`
	ConversationID string         `json:"conversation_id"`
	AccountID      string         `json:"account_id,omitempty"`
	Unread         bool           `json:"unread"`
	LastActivity   time.Time      `json:"last_activity,omitzero"`
	Message        *store.Message `json:"message"`
}

// Connection is a live client connection. Write must respect ctx's deadline.
type Connection interface {
	Write(ctx context.Context, ev *Event) error
	Close(reason string)
}

// Predicate decides whether a connection is interested in an event.
type Predicate func(ev *Event) bool

// AccountScope matches events for one account. An empty account matches all.
func AccountScope(accountID string) Predicate {
	if accountID == "" {
		return nil
	}
	return func(ev *Event) bool { return ev.AccountID == accountID }
}

type subscriber struct {
	id   string
	conn Connection
	pred Predicate

	// writeMu keeps writes to one connection in publish order when events
	// for different conversations are published concurrently.
	writeMu sync.Mutex
}

// Broadcaster holds the live connection set. The set is only mutated by
// subscribe/unsubscribe; Publish copies it under the read lock and writes
// outside the lock.
type Broadcaster struct {
	mu           sync.RWMutex
	subscribers  map[string]*subscriber
	writeTimeout time.Duration
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(writeTimeout time.Duration, m *metrics.Metrics, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &Broadcaster{
		subscribers:  make(map[string]*subscriber),
		writeTimeout: writeTimeout,
		metrics:      m,
		logger:       logger.With("component", "broadcaster"),
	}
}

// Subscribe registers conn for events matching pred (nil matches everything).
// The returned function removes the subscription; calling it more than once is safe.
func (b *Broadcaster) Subscribe(conn Connection, pred Predicate) (unsubscribe func()) {
	sub := &subscriber{
		id:   uuid.New().String(),
		conn: conn,
		pred: pred,
	}

	b.mu.Lock()
	b.subscribers[sub.id] = sub
	n := len(b.subscribers)
	b.mu.Unlock()

	b.metrics.Connections(n)
	b.logger.Debug("subscriber added", "sub_id", sub.id, "connections", n)

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(sub.id) })
	}
}

// remove drops a subscriber and reports whether it was still registered.
func (b *Broadcaster) remove(id string) bool {
	b.mu.Lock()
	_, ok := b.subscribers[id]
	delete(b.subscribers, id)
	n := len(b.subscribers)
	b.mu.Unlock()

	if ok {
		b.metrics.Connections(n)
		b.logger.Debug("subscriber removed", "sub_id", id, "connections", n)
	}
	return ok
}

// Count returns the number of live subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Publish writes ev to every interested connection and returns once each
// write finished or timed out. Connections whose write fails are removed
// and closed; the failure never reaches the caller.
func (b *Broadcaster) Publish(ctx context.Context, ev *Event) {
	if ev.Type == "" {
		ev.Type = EventMessageNew
	}

	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	var wg sync.WaitGroup
	for _, sub := range targets {
		if sub.pred != nil && !sub.pred(ev) {
			continue
		}
		wg.Add(1)
		go func(sub *subscriber) {
			defer wg.Done()
			b.deliver(ctx, sub, ev)
		}(sub)
	}
	wg.Wait()
}

func (b *Broadcaster) deliver(ctx context.Context, sub *subscriber, ev *Event) {
	sub.writeMu.Lock()
	defer sub.writeMu.Unlock()

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.writeTimeout)
	defer cancel()

	if err := sub.conn.Write(wctx, ev); err != nil {
		b.metrics.Delivery("dropped")
		if b.remove(sub.id) {
			b.logger.Info("dropping connection after failed write",
				"sub_id", sub.id,
				"conversation_id", ev.ConversationID,
				"error", err)
			sub.conn.Close("write failed")
		}
		return
	}
	b.metrics.Delivery("delivered")
}

// Close removes and closes every connection.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	subs := b.subscribers
	b.subscribers = make(map[string]*subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.conn.Close("server shutting down")
	}
	b.metrics.Connections(0)
	b.logger.Debug("broadcaster closed")
}
