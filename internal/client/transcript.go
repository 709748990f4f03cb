// ABOUTME: Client-side merge of optimistic local sends with pushed remote events
// ABOUTME: Keeps each message id in the visible transcript at most once

package client

import (
	"sort"
	"sync"
	"time"

	"github.com/2389/parley/internal/conversation"
	"github.com/2389/parley/internal/dedupe"
	"github.com/2389/parley/internal/readstate"
	"github.com/2389/parley/internal/store"
)

// DefaultPendingTTL is how long a local send waits for its remote echo.
const DefaultPendingTTL = 8 * time.Second

const maxPending = 1024

// Transcript is the visible message list of one client. It is safe for
// concurrent use by the send path and the event stream.
type Transcript struct {
	mu           sync.Mutex
	conversation string
	messages     []*store.Message
	ids          map[string]struct{}
	lastActivity time.Time
	unread       bool

	pending *dedupe.Set
}

// TranscriptOption configures a Transcript.
type TranscriptOption func(*transcriptOptions)

type transcriptOptions struct {
	ttl          time.Duration
	conversation string
	setOpts      []dedupe.Option
}

// WithPendingTTL overrides how long pending-send markers live.
func WithPendingTTL(d time.Duration) TranscriptOption {
	return func(o *transcriptOptions) { o.ttl = d }
}

// ForConversation ignores events for other conversations.
func ForConversation(id string) TranscriptOption {
	return func(o *transcriptOptions) { o.conversation = id }
}

// withSetOptions passes options through to the pending set.
func withSetOptions(opts ...dedupe.Option) TranscriptOption {
	return func(o *transcriptOptions) { o.setOpts = append(o.setOpts, opts...) }
}

// NewTranscript creates an empty transcript. Close it to stop the pending sweeper.
func NewTranscript(opts ...TranscriptOption) *Transcript {
	o := transcriptOptions{ttl: DefaultPendingTTL}
	for _, opt := range opts {
		opt(&o)
	}
	return &Transcript{
		conversation: o.conversation,
		ids:          make(map[string]struct{}),
		pending:      dedupe.New(o.ttl, maxPending, o.setOpts...),
	}
}

// OnLocalSendAcknowledged shows a message the moment the send returned and
// remembers its id so the echo from the server is not shown twice.
func (t *Transcript) OnLocalSendAcknowledged(msg *store.Message) {
	t.pending.Add(msg.ID)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.appendLocked(msg)
	t.lastActivity, _ = readstate.Advance(t.lastActivity, msg.Timestamp)
}

// OnRemoteEvent applies a pushed event and reports whether its message was
// added to the transcript. Conversation metadata is applied even when the
// message itself is a known echo.
func (t *Transcript) OnRemoteEvent(ev *conversation.Event) bool {
	if ev.Message == nil {
		return false
	}
	if t.conversation != "" && ev.ConversationID != t.conversation {
		return false
	}

	// An echo arriving after its marker expired is caught by the id check.
	wasPending := t.pending.Take(ev.Message.ID)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.unread = ev.Unread
	t.lastActivity, _ = readstate.Advance(t.lastActivity, ev.LastActivity)
	t.lastActivity, _ = readstate.Advance(t.lastActivity, ev.Message.Timestamp)

	if wasPending {
		return false
	}
	return t.appendLocked(ev.Message)
}

// Load merges fetched history, for example after a reconnect, and keeps the
// transcript ordered by timestamp.
func (t *Transcript) Load(history []*store.Message) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	added := 0
	for _, m := range history {
		if t.appendLocked(m) {
			added++
		}
		t.lastActivity, _ = readstate.Advance(t.lastActivity, m.Timestamp)
	}
	if added > 0 {
		sort.SliceStable(t.messages, func(i, j int) bool {
			return t.messages[i].Timestamp.Before(t.messages[j].Timestamp)
		})
	}
	return added
}

func (t *Transcript) appendLocked(msg *store.Message) bool {
	if _, ok := t.ids[msg.ID]; ok {
		return false
	}
	t.ids[msg.ID] = struct{}{}
	t.messages = append(t.messages, msg)
	return true
}

// Messages returns the visible transcript in display order.
func (t *Transcript) Messages() []*store.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*store.Message(nil), t.messages...)
}

// LastActivity returns the newest activity seen locally or pushed.
func (t *Transcript) LastActivity() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastActivity
}

// Unread reports the unread flag from the most recent event.
func (t *Transcript) Unread() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unread
}

// Pending returns the number of sends still awaiting their echo.
func (t *Transcript) Pending() int { return t.pending.Len() }

// Close stops the pending-marker sweeper.
func (t *Transcript) Close() { t.pending.Close() }
