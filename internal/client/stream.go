// ABOUTME: Reconnecting websocket consumer of the gateway's live message events
// ABOUTME: Backs off exponentially between attempts and resets after a successful connect

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/2389/parley/internal/conversation"
)

const (
	DefaultMinBackoff = 500 * time.Millisecond
	DefaultMaxBackoff = 30 * time.Second
)

// StreamConfig configures a Stream.
type StreamConfig struct {
	// URL is the ws:// or wss:// address of the gateway's /api/ws endpoint.
	URL   string
	Token string

	MinBackoff time.Duration
	MaxBackoff time.Duration

	// OnEvent receives every pushed event in arrival order.
	OnEvent func(ev *conversation.Event)
	// OnConnect runs after each successful connect, before events are read.
	// Clients use it to reload history missed while disconnected.
	OnConnect func(ctx context.Context)
}

// Stream keeps a websocket to the gateway open until its context ends.
type Stream struct {
	cfg    StreamConfig
	logger *slog.Logger
}

// NewStream creates a stream. Call Run to start it.
func NewStream(cfg StreamConfig, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = DefaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = max(DefaultMaxBackoff, cfg.MinBackoff)
	}
	return &Stream{cfg: cfg, logger: logger.With("component", "stream")}
}

// Run connects and reads events, reconnecting after failures. It returns
// ctx.Err() once ctx is done.
func (s *Stream) Run(ctx context.Context) error {
	backoff := s.cfg.MinBackoff
	for {
		connected, err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = s.cfg.MinBackoff
		}
		s.logger.Warn("stream disconnected", "error", err, "retry_in", backoff)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff = nextBackoff(backoff, s.cfg.MaxBackoff)
	}
}

func nextBackoff(d, ceiling time.Duration) time.Duration {
	d *= 2
	if d > ceiling {
		return ceiling
	}
	return d
}

// session runs one connection. connected reports whether the dial succeeded.
func (s *Stream) session(ctx context.Context) (connected bool, err error) {
	header := http.Header{}
	if s.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	c, resp, err := websocket.Dial(ctx, s.cfg.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return false, fmt.Errorf("dialing %s: unauthorized: %w", s.cfg.URL, err)
		}
		return false, fmt.Errorf("dialing %s: %w", s.cfg.URL, err)
	}
	defer c.CloseNow()

	s.logger.Info("stream connected", "url", s.cfg.URL)
	if s.cfg.OnConnect != nil {
		s.cfg.OnConnect(ctx)
	}

	for {
		var ev conversation.Event
		if err := wsjson.Read(ctx, c, &ev); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
				return true, nil
			}
			return true, err
		}
		if ev.Type != conversation.EventMessageNew {
			s.logger.Debug("ignoring event", "type", ev.Type)
			continue
		}
		if s.cfg.OnEvent != nil {
			s.cfg.OnEvent(&ev)
		}
	}
}
