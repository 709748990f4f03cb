// ABOUTME: Normalizes provider JSON items into the canonical store shapes
// ABOUTME: Tolerates 0/1 and true/false flags and missing optional fields

package provider

import (
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/2389/parley/internal/store"
)

// ParseTimestamp parses the provider's ISO-8601 timestamps.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func parseConversation(item gjson.Result) (Conversation, error) {
	id := item.Get("id").String()
	if id == "" {
		return Conversation{}, fmt.Errorf("%w: conversation without id", ErrMalformed)
	}
	conv := Conversation{
		ID:          id,
		AccountID:   item.Get("account_id").String(),
		AccountType: item.Get("account_type").String(),
		ProviderID:  item.Get("provider_id").String(),
		Name:        item.Get("name").String(),
		UnreadCount: int(item.Get("unread_count").Int()),
	}
	if ts := item.Get("timestamp").String(); ts != "" {
		t, err := ParseTimestamp(ts)
		if err != nil {
			return Conversation{}, fmt.Errorf("%w: conversation %s timestamp: %v", ErrMalformed, id, err)
		}
		conv.Timestamp = t
	}
	return conv, nil
}

// ParseMessage converts one provider message item into a store.Message.
// fallbackConversation is used when the item omits chat_id.
func ParseMessage(item gjson.Result, fallbackConversation string) (*store.Message, error) {
	id := item.Get("id").String()
	if id == "" {
		return nil, fmt.Errorf("%w: message without id", ErrMalformed)
	}
	rawTS := item.Get("timestamp").String()
	if rawTS == "" {
		return nil, fmt.Errorf("%w: message %s without timestamp", ErrMalformed, id)
	}
	ts, err := ParseTimestamp(rawTS)
	if err != nil {
		return nil, fmt.Errorf("%w: message %s timestamp: %v", ErrMalformed, id, err)
	}

	conversationID := item.Get("chat_id").String()
	if conversationID == "" {
		conversationID = fallbackConversation
	}

	direction := store.DirectionInbound
	if item.Get("is_sender").Bool() {
		direction = store.DirectionOutbound
	}

	return &store.Message{
		ID:                id,
		ConversationID:    conversationID,
		AccountID:         item.Get("account_id").String(),
		ProviderMessageID: item.Get("provider_id").String(),
		SenderID:          item.Get("sender_id").String(),
		SenderName:        item.Get("sender_name").String(),
		Direction:         direction,
		Timestamp:         ts,
		Text:              item.Get("text").String(),
		Attachments:       ParseAttachments(item.Get("attachments")),
		Reactions:         ParseReactions(item.Get("reactions")),
		Delivered:         item.Get("delivered").Bool(),
		Seen:              item.Get("seen").Bool(),
		Edited:            item.Get("edited").Bool(),
		Source:            store.SourceReconcile,
	}, nil
}

// ParseAttachments reads an attachment array. Unknown fields are ignored.
func ParseAttachments(arr gjson.Result) []store.Attachment {
	var out []store.Attachment
	for _, a := range arr.Array() {
		name := a.Get("file_name").String()
		if name == "" {
			name = a.Get("name").String()
		}
		size := a.Get("file_size").Int()
		if size == 0 {
			size = a.Get("size").Int()
		}
		out = append(out, store.Attachment{
			ID:       a.Get("id").String(),
			Type:     a.Get("type").String(),
			Name:     name,
			MimeType: a.Get("mimetype").String(),
			URL:      a.Get("url").String(),
			Size:     size,
		})
	}
	return out
}

// ParseReactions reads a reaction array.
func ParseReactions(arr gjson.Result) []store.Reaction {
	var out []store.Reaction
	for _, r := range arr.Array() {
		out = append(out, store.Reaction{
			Value:    r.Get("value").String(),
			SenderID: r.Get("sender_id").String(),
		})
	}
	return out
}
