// ABOUTME: Read/unread state machine for conversations.
// ABOUTME: Pure transition rules applied by the store inside the merge transaction.
package readstate

import "time"

// State is a conversation's read flag.
type State int

const (
	Read State = iota
	Unread
)

func (s State) String() string {
	if s == Unread {
		return "unread"
	}
	return "read"
}

// FromRead converts a stored read flag into a State.
func FromRead(isRead bool) State {
	if isRead {
		return Read
	}
	return Unread
}

// IsRead reports whether s is the read state.
func (s State) IsRead() bool { return s == Read }

// Event is something that can move a conversation between states.
type Event int

const (
	// InboundInserted fires when a new inbound message row was created.
	InboundInserted Event = iota
	// OutboundInserted fires when a new outbound message row was created.
	OutboundInserted
	// Acknowledged fires when a client explicitly opened the conversation.
	Acknowledged
)

// Next returns the state after applying ev to s.
// Outbound inserts never clear unread; only an explicit acknowledgement does.
func Next(s State, ev Event) State {
	switch ev {
	case InboundInserted:
		return Unread
	case Acknowledged:
		return Read
	default:
		return s
	}
}

// Advance returns the later of current and candidate. A zero current is
// treated as unset, so any candidate wins.
func Advance(current, candidate time.Time) (time.Time, bool) {
	if current.IsZero() || candidate.After(current) {
		return candidate, true
	}
	return current, false
}

// Snapshot is the state-bearing part of a conversation row.
type Snapshot struct {
	State        State
	LastActivity time.Time
}

// Transition is the outcome of applying an insert to a snapshot.
type Transition struct {
	Before, After    Snapshot
	BecameUnread     bool
	TimestampChanged bool
}

// Changed reports whether the snapshot needs to be written back.
func (t Transition) Changed() bool {
	return t.Before.State != t.After.State || t.TimestampChanged
}

// ApplyInsert computes the effect of a newly inserted message on a conversation.
func ApplyInsert(s Snapshot, inbound bool, ts time.Time) Transition {
	ev := OutboundInserted
	if inbound {
		ev = InboundInserted
	}
	next := Snapshot{State: Next(s.State, ev)}
	var advanced bool
	next.LastActivity, advanced = Advance(s.LastActivity, ts)
	return Transition{
		Before:           s,
		After:            next,
		BecameUnread:     s.State == Read && next.State == Unread,
		TimestampChanged: advanced,
	}
}
