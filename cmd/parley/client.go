// ABOUTME: Operator commands that talk to a running parley gateway over HTTP and websocket
// ABOUTME: health, sync, token and watch share config-derived URL and token resolution

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/2389/parley/internal/auth"
	"github.com/2389/parley/internal/client"
	"github.com/2389/parley/internal/config"
	"github.com/2389/parley/internal/conversation"
	"github.com/2389/parley/internal/gateway"
	"github.com/2389/parley/internal/reconcile"
	"github.com/2389/parley/internal/store"
)

const (
	cliTokenTTL     = 10 * time.Minute
	defaultTokenTTL = 30 * 24 * time.Hour
)

// remote is a configured view of a running gateway.
type remote struct {
	baseURL string
	token   string
}

func loadRemote() (*remote, *config.Config, error) {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	token, err := cliToken(cfg)
	if err != nil {
		return nil, nil, err
	}
	return &remote{baseURL: gatewayURL(cfg), token: token}, cfg, nil
}

// gatewayURL returns the base URL of the gateway.
// Priority: PARLEY_URL env var > tailscale hostname > server.http_addr.
func gatewayURL(cfg *config.Config) string {
	if env := os.Getenv("PARLEY_URL"); env != "" {
		return strings.TrimRight(env, "/")
	}
	if cfg.Tailscale.Enabled {
		if cfg.Tailscale.HTTPS || cfg.Tailscale.Funnel {
			return "https://" + cfg.Tailscale.Hostname
		}
		return "http://" + cfg.Tailscale.Hostname
	}

	host, port, err := net.SplitHostPort(cfg.Server.HTTPAddr)
	if err != nil {
		return "http://" + cfg.Server.HTTPAddr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// cliToken returns PARLEY_TOKEN, or mints a short-lived unscoped token when
// the config holds the signing secret.
func cliToken(cfg *config.Config) (string, error) {
	if env := os.Getenv("PARLEY_TOKEN"); env != "" {
		return env, nil
	}
	if cfg.Auth.JWTSecret == "" {
		return "", nil
	}
	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate("parley-cli", "", cliTokenTTL)
	if err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return token, nil
}

// do sends a request and decodes a JSON response into out when non-nil.
func (r *remote) do(ctx context.Context, method, path string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, nil)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func runHealth(ctx context.Context) error {
	r, _, err := loadRemote()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/health/ready", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	color.Green("healthy")
	fmt.Println(string(body))
	return nil
}

func runSync(ctx context.Context, args []string) error {
	var (
		convID string
		full   bool
	)
	for _, a := range args {
		switch {
		case a == "--full":
			full = true
		case strings.HasPrefix(a, "-"):
			return fmt.Errorf("unknown flag: %s", a)
		case convID == "":
			convID = a
		default:
			return fmt.Errorf("unexpected argument: %s", a)
		}
	}

	r, _, err := loadRemote()
	if err != nil {
		return err
	}
	query := "?full=" + fmt.Sprint(full)

	if convID != "" {
		var stats reconcile.Stats
		if _, err := r.do(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(convID)+"/sync"+query, &stats); err != nil {
			return err
		}
		color.Green("synced %s", convID)
		printStats(stats)
		return nil
	}

	var status gateway.SyncStatusResponse
	if _, err := r.do(ctx, http.MethodPost, "/api/sync"+query, &status); err != nil {
		return err
	}
	mode := "incremental"
	if full {
		mode = "full"
	}
	color.Green("%s pass queued", mode)
	if status.Running {
		color.Yellow("a pass is already running; the request will follow it")
	}
	if status.Last != nil {
		fmt.Println("last pass:")
		printStats(*status.Last)
	}
	return nil
}

func printStats(s reconcile.Stats) {
	gray := color.New(color.FgHiBlack)
	row := func(label string, n int) {
		gray.Printf("  %-22s", label)
		fmt.Println(humanize.Comma(int64(n)))
	}
	row("conversations listed", s.ConversationsListed)
	row("conversations synced", s.ConversationsSynced)
	row("conversations skipped", s.ConversationsSkipped)
	row("messages fetched", s.MessagesFetched)
	row("messages inserted", s.MessagesInserted)
	row("unread transitions", s.UnreadTransitions)
	if s.Errors > 0 {
		color.Red("  %-22s%s", "errors", humanize.Comma(int64(s.Errors)))
	}
	if s.Duration > 0 {
		gray.Printf("  %-22s", "duration")
		fmt.Println(s.Duration.Round(time.Millisecond))
	}
}

func runToken(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("usage: parley token <subject> [account-id]")
	}
	subject := args[0]
	var accountID string
	if len(args) == 2 {
		accountID = args[1]
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured")
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(subject, accountID, defaultTokenTTL)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	expires := time.Now().Add(defaultTokenTTL)
	scope := "all accounts"
	if accountID != "" {
		scope = "account " + accountID
	}
	fmt.Fprintf(os.Stderr, "%s token for %s, %s, expires %s\n",
		color.GreenString("✓"), subject, scope, humanize.Time(expires))
	fmt.Println(token)
	return nil
}

func runWatch(ctx context.Context, args []string) error {
	if len(args) > 1 {
		return fmt.Errorf("usage: parley watch [conversation-id]")
	}
	var convID string
	if len(args) == 1 {
		convID = args[0]
	}

	r, cfg, err := loadRemote()
	if err != nil {
		return err
	}
	logger := setupLogger(config.LoggingConfig{Level: "warn", Format: cfg.Logging.Format})

	var opts []client.TranscriptOption
	if convID != "" {
		opts = append(opts, client.ForConversation(convID))
	}
	transcript := client.NewTranscript(opts...)
	defer transcript.Close()

	wsURL := "ws" + strings.TrimPrefix(r.baseURL, "http") + "/api/ws"
	stream := client.NewStream(client.StreamConfig{
		URL:   wsURL,
		Token: r.token,
		OnConnect: func(ctx context.Context) {
			color.HiBlack("connected to %s", r.baseURL)
			if convID == "" {
				return
			}
			var page gateway.MessagesResponse
			if _, err := r.do(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(convID)+"/messages?limit=50", &page); err != nil {
				logger.Warn("loading history", "error", err)
				return
			}
			before := len(transcript.Messages())
			transcript.Load(page.Messages)
			msgs := transcript.Messages()
			for _, m := range msgs[min(before, len(msgs)):] {
				printMessage(m)
			}
		},
		OnEvent: func(ev *conversation.Event) {
			if transcript.OnRemoteEvent(ev) {
				printMessage(ev.Message)
			}
		},
	}, logger)

	return stream.Run(ctx)
}

func printMessage(m *store.Message) {
	ts := color.HiBlackString("%s (%s)", m.Timestamp.Local().Format("15:04"), humanize.Time(m.Timestamp))

	var who string
	switch {
	case m.Direction == store.DirectionOutbound && m.SentByAutopilot:
		who = color.YellowString("autopilot")
	case m.Direction == store.DirectionOutbound:
		who = color.GreenString("you")
	case m.SenderName != "":
		who = color.CyanString(m.SenderName)
	default:
		who = color.CyanString(m.SenderID)
	}

	fmt.Printf("%s %s %s: %s\n", ts, color.HiBlackString(m.ConversationID), who, m.Text)
}
