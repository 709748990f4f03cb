// ABOUTME: Validates webhook payloads against a JSON schema and maps them to store types
// ABOUTME: One request carries one event for one message

package webhook

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/tidwall/gjson"

	"github.com/2389/parley/internal/provider"
	"github.com/2389/parley/internal/store"
)

// Event kinds the ingestor understands.
const (
	KindMessageReceived  = "message_received"
	KindMessageRead      = "message_read"
	KindMessageDelivered = "message_delivered"
	KindMessageEdited    = "message_edited"
	KindMessageReaction  = "message_reaction"
)

// ErrInvalidPayload is returned when a payload fails validation or normalization.
var ErrInvalidPayload = errors.New("invalid webhook payload")

const payloadSchema = `{
	"type": "object",
	"required": ["chat_id", "message_id"],
	"properties": {
		"event": {"type": "string"},
		"chat_id": {"type": "string", "minLength": 1},
		"message_id": {"type": "string", "minLength": 1},
		"account_id": {"type": ["string", "null"]},
		"account_type": {"type": ["string", "null"]},
		"timestamp": {"type": ["string", "null"]},
		"message": {"type": ["string", "null"]},
		"provider_message_id": {"type": ["string", "null"]},
		"is_sender": {"type": ["boolean", "integer", "null"]},
		"sender": {"type": ["object", "null"]},
		"attachments": {"type": ["array", "null"]},
		"reactions": {"type": ["array", "null"]}
	}
}`

var schema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(payloadSchema))
	if err != nil {
		panic(fmt.Sprintf("webhook schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("webhook.json", doc); err != nil {
		panic(fmt.Sprintf("webhook schema: %v", err))
	}
	sch, err := c.Compile("webhook.json")
	if err != nil {
		panic(fmt.Sprintf("webhook schema: %v", err))
	}
	return sch
}

// Event is a normalized webhook delivery.
type Event struct {
	Kind         string
	Conversation *store.Conversation
	// Message is set for message_received.
	Message *store.Message
	// MessageID identifies the target of flag and reaction updates.
	MessageID string
	Reactions []store.Reaction
}

// Normalize validates body and converts it into an Event.
func Normalize(body []byte) (*Event, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	p := gjson.ParseBytes(body)
	kind := p.Get("event").String()
	if kind == "" {
		kind = KindMessageReceived
	}

	ev := &Event{
		Kind:      kind,
		MessageID: p.Get("message_id").String(),
		Conversation: &store.Conversation{
			ID:           p.Get("chat_id").String(),
			AccountID:    p.Get("account_id").String(),
			ProviderType: p.Get("account_type").String(),
		},
	}

	switch kind {
	case KindMessageReceived:
		msg, err := normalizeMessage(p)
		if err != nil {
			return nil, err
		}
		ev.Message = msg
	case KindMessageReaction:
		ev.Reactions = provider.ParseReactions(p.Get("reactions"))
	}
	return ev, nil
}

func normalizeMessage(p gjson.Result) (*store.Message, error) {
	id := p.Get("message_id").String()
	rawTS := p.Get("timestamp").String()
	if rawTS == "" {
		return nil, fmt.Errorf("%w: message %s without timestamp", ErrInvalidPayload, id)
	}
	ts, err := provider.ParseTimestamp(rawTS)
	if err != nil {
		return nil, fmt.Errorf("%w: message %s timestamp: %v", ErrInvalidPayload, id, err)
	}

	direction := store.DirectionInbound
	if p.Get("is_sender").Bool() {
		direction = store.DirectionOutbound
	}

	sender := p.Get("sender")
	senderID := firstNonEmpty(sender.Get("attendee_provider_id").String(), sender.Get("provider_id").String(),
		sender.Get("attendee_id").String(), sender.Get("id").String())
	senderName := firstNonEmpty(sender.Get("attendee_name").String(), sender.Get("name").String())

	return &store.Message{
		ID:                id,
		ConversationID:    p.Get("chat_id").String(),
		AccountID:         p.Get("account_id").String(),
		ProviderMessageID: p.Get("provider_message_id").String(),
		SenderID:          senderID,
		SenderName:        senderName,
		Direction:         direction,
		Timestamp:         ts,
		Text:              p.Get("message").String(),
		Attachments:       provider.ParseAttachments(p.Get("attachments")),
		Delivered:         true,
		Source:            store.SourceWebhook,
	}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
