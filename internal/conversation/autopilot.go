// ABOUTME: Automatic replies for conversations in autonomous response mode
// ABOUTME: Fires after a delay and only if the triggering message is still the latest inbound

package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/2389/parley/internal/store"
)

// Responder produces a reply for an inbound message. An empty reply means
// nothing is sent.
type Responder interface {
	Respond(ctx context.Context, conv *store.Conversation, msg *store.Message) (string, error)
}

// StaticResponder replies with a fixed text. {name} is replaced with the
// sender's display name.
type StaticResponder struct {
	Text string
}

// Respond implements Responder.
func (r StaticResponder) Respond(_ context.Context, _ *store.Conversation, msg *store.Message) (string, error) {
	name := msg.SenderName
	if name == "" {
		name = "there"
	}
	return strings.ReplaceAll(r.Text, "{name}", name), nil
}

// Autopilot holds the reply policy for autonomous conversations.
type Autopilot struct {
	responder Responder
	delay     time.Duration
}

// NewAutopilot creates an autopilot that waits delay before replying.
func NewAutopilot(responder Responder, delay time.Duration) *Autopilot {
	return &Autopilot{responder: responder, delay: delay}
}

func (s *Service) startAutopilot(msg *store.Message) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.runAutopilot(s.bg, msg); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("autopilot reply failed",
				"error", err,
				"conversation_id", msg.ConversationID,
				"message_id", msg.ID)
		}
	}()
}

func (s *Service) runAutopilot(ctx context.Context, msg *store.Message) error {
	conv, err := s.store.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		return fmt.Errorf("looking up conversation: %w", err)
	}
	if conv.Mode != store.ModeAutonomous || conv.Ignored {
		return nil
	}

	if d := s.autopilot.delay; d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	// A newer inbound message gets its own reply; skip this one.
	latest, err := s.store.LatestInboundMessageID(ctx, msg.ConversationID)
	if err != nil {
		return fmt.Errorf("checking latest inbound message: %w", err)
	}
	if latest != msg.ID {
		s.logger.Debug("autopilot superseded", "conversation_id", msg.ConversationID, "message_id", msg.ID)
		return nil
	}

	// Settings may have changed during the delay.
	conv, err = s.store.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		return fmt.Errorf("looking up conversation: %w", err)
	}
	if conv.Mode != store.ModeAutonomous || conv.Ignored {
		return nil
	}

	reply, err := s.autopilot.responder.Respond(ctx, conv, msg)
	if err != nil {
		return fmt.Errorf("generating reply: %w", err)
	}
	if strings.TrimSpace(reply) == "" {
		return nil
	}

	if _, err := s.send(ctx, msg.ConversationID, reply, store.SourceAutopilot); err != nil {
		return fmt.Errorf("sending reply: %w", err)
	}
	return nil
}
