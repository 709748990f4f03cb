// ABOUTME: Websocket endpoint that streams newly stored messages to live clients
// ABOUTME: Each connection subscribes to the broadcaster scoped by the token's account

package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/2389/parley/internal/auth"
	"github.com/2389/parley/internal/conversation"
)

const defaultPingInterval = 30 * time.Second

// Subscriber registers connections for events.
type Subscriber interface {
	Subscribe(conn conversation.Connection, pred conversation.Predicate) func()
}

// Options configures the endpoint.
type Options struct {
	// Verifier enables token auth when non-nil.
	Verifier auth.TokenVerifier
	// OriginPatterns lists extra allowed browser origins.
	OriginPatterns []string
	PingInterval   time.Duration
}

// Handler upgrades requests to websockets and keeps them subscribed.
type Handler struct {
	subscriber Subscriber
	opts       Options
	logger     *slog.Logger
}

// NewHandler creates the websocket endpoint.
func NewHandler(sub Subscriber, opts Options, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	return &Handler{subscriber: sub, opts: opts, logger: logger.With("component", "realtime")}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var claims *auth.Claims
	if h.opts.Verifier != nil {
		token, errMsg := auth.TokenFromRequest(r)
		if errMsg != "" {
			http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
			return
		}
		c, err := h.opts.Verifier.Verify(token)
		if err != nil {
			http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
			return
		}
		claims = c
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.opts.OriginPatterns})
	if err != nil {
		h.logger.Warn("websocket accept failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	// Clients never send data; CloseRead handles control frames and
	// cancels ctx when the peer goes away.
	ctx := c.CloseRead(r.Context())

	var scope, subject string
	if claims != nil {
		scope, subject = claims.AccountID, claims.Subject
	}

	conn := &wsConn{c: c}
	unsubscribe := h.subscriber.Subscribe(conn, conversation.AccountScope(scope))
	defer unsubscribe()

	h.logger.Info("client connected", "remote", r.RemoteAddr, "subject", subject, "account_id", scope)
	h.keepAlive(ctx, c)
	h.logger.Info("client disconnected", "remote", r.RemoteAddr, "subject", subject)

	c.Close(websocket.StatusNormalClosure, "")
}

// keepAlive pings until the connection or request ends.
func (h *Handler) keepAlive(ctx context.Context, c *websocket.Conn) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, h.opts.PingInterval/2)
			err := c.Ping(pctx)
			cancel()
			if err != nil {
				h.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

// wsConn adapts a websocket to conversation.Connection.
type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Write(ctx context.Context, ev *conversation.Event) error {
	return wsjson.Write(ctx, w.c, ev)
}

// Close starts the closing handshake without blocking the broadcaster.
func (w *wsConn) Close(reason string) {
	go w.c.Close(websocket.StatusGoingAway, reason)
}
