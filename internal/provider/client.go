// ABOUTME: HTTP client for the messaging provider's REST API
// ABOUTME: Lists chats and messages with cursor pagination, sends messages, manages webhooks

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/2389/parley/internal/store"
)

// Provider error classes. Callers branch on these with errors.Is.
var (
	// ErrTransient covers timeouts, 408/429 and 5xx responses. Retry on the next pass.
	ErrTransient = errors.New("transient provider error")
	// ErrUnauthorized means the API key was rejected. Retrying will not help.
	ErrUnauthorized = errors.New("provider rejected credentials")
	// ErrMalformed means a response or item could not be normalized.
	ErrMalformed = errors.New("malformed provider payload")
	// ErrNotFound is returned for 404 responses.
	ErrNotFound = errors.New("not found at provider")
	// ErrRejected covers other 4xx responses.
	ErrRejected = errors.New("provider rejected request")
)

// MaxPageSize is the largest page the provider accepts.
const MaxPageSize = 250

// Config configures a Client.
type Config struct {
	BaseURL   string
	APIKey    string
	AccountID string // optional filter for conversation listings
	Timeout   time.Duration
	PageSize  int
	RateLimit float64 // requests per second; zero disables limiting
	RateBurst int
}

// Conversation is a chat as reported by the provider listing.
type Conversation struct {
	ID          string
	AccountID   string
	AccountType string
	ProviderID  string
	Name        string
	Timestamp   time.Time // provider-reported last activity; zero if absent
	UnreadCount int
}

// ConversationPage is one page of ListConversations.
type ConversationPage struct {
	Items  []Conversation
	Cursor string // empty when there are no more pages
}

// MessagePage is one page of ListMessages. Items that failed normalization
// are reported in Malformed and left out of Items.
type MessagePage struct {
	Items     []*store.Message
	Malformed []error
	Cursor    string
}

// SendResult is the synchronous acknowledgement of a send.
type SendResult struct {
	MessageID string
}

// Webhook is a registered provider callback.
type Webhook struct {
	ID         string   `json:"id,omitempty"`
	Name       string   `json:"name"`
	RequestURL string   `json:"request_url"`
	Source     string   `json:"source"`
	Events     []string `json:"events,omitempty"`
	Enabled    bool     `json:"enabled,omitempty"`
}

// Client talks to the provider API. All calls are bounded by the configured
// timeout and share one rate limiter.
type Client struct {
	baseURL   string
	apiKey    string
	accountID string
	pageSize  int
	timeout   time.Duration
	client    *http.Client
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// New creates a provider client.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 || pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Client{
		baseURL:   strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		accountID: cfg.AccountID,
		pageSize:  pageSize,
		timeout:   timeout,
		client:    &http.Client{},
		limiter:   limiter,
		logger:    logger.With("component", "provider"),
	}
}

// ListConversations fetches one page of chats.
func (c *Client) ListConversations(ctx context.Context, cursor string) (*ConversationPage, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(c.pageSize))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if c.accountID != "" {
		q.Set("account_id", c.accountID)
	}

	body, err := c.do(ctx, http.MethodGet, "/api/v1/chats", q, nil, "")
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("listing conversations: %w: invalid JSON", ErrMalformed)
	}

	doc := gjson.ParseBytes(body)
	page := &ConversationPage{Cursor: doc.Get("cursor").String()}
	for _, item := range doc.Get("items").Array() {
		conv, err := parseConversation(item)
		if err != nil {
			c.logger.Warn("skipping malformed conversation", "error", err)
			continue
		}
		page.Items = append(page.Items, conv)
	}
	return page, nil
}

// ListMessages fetches one page of messages in a chat. When after is set
// only messages strictly newer than it are returned.
func (c *Client) ListMessages(ctx context.Context, conversationID string, after *time.Time, cursor string) (*MessagePage, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(c.pageSize))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if after != nil {
		q.Set("after", after.UTC().Format("2006-01-02T15:04:05.000Z"))
	}

	body, err := c.do(ctx, http.MethodGet, "/api/v1/chats/"+url.PathEscape(conversationID)+"/messages", q, nil, "")
	if err != nil {
		return nil, fmt.Errorf("listing messages for %s: %w", conversationID, err)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("listing messages for %s: %w: invalid JSON", conversationID, ErrMalformed)
	}

	doc := gjson.ParseBytes(body)
	page := &MessagePage{Cursor: doc.Get("cursor").String()}
	for _, item := range doc.Get("items").Array() {
		msg, err := ParseMessage(item, conversationID)
		if err != nil {
			page.Malformed = append(page.Malformed, err)
			continue
		}
		page.Items = append(page.Items, msg)
	}
	return page, nil
}

// Send posts a text message to a chat and returns the provider's message id.
func (c *Client) Send(ctx context.Context, conversationID, text string) (SendResult, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("text", text); err != nil {
		return SendResult{}, fmt.Errorf("encoding message: %w", err)
	}
	if err := w.Close(); err != nil {
		return SendResult{}, fmt.Errorf("encoding message: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, "/api/v1/chats/"+url.PathEscape(conversationID)+"/messages", nil, &buf, w.FormDataContentType())
	if err != nil {
		return SendResult{}, fmt.Errorf("sending message to %s: %w", conversationID, err)
	}

	id := gjson.GetBytes(body, "message_id").String()
	if id == "" {
		return SendResult{}, fmt.Errorf("sending message to %s: %w: no message_id in response", conversationID, ErrMalformed)
	}
	return SendResult{MessageID: id}, nil
}

// ListWebhooks returns the webhooks registered with the provider.
func (c *Client) ListWebhooks(ctx context.Context) ([]Webhook, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/v1/webhooks", nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("listing webhooks: %w", err)
	}

	var resp struct {
		Items []Webhook `json:"items"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("listing webhooks: %w: %v", ErrMalformed, err)
	}
	return resp.Items, nil
}

// CreateWebhook registers a callback and returns its id.
func (c *Client) CreateWebhook(ctx context.Context, hook Webhook) (string, error) {
	payload := map[string]any{
		"request_url": hook.RequestURL,
		"source":      hook.Source,
		"name":        hook.Name,
		"format":      "json",
		"events":      hook.Events,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling webhook: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, "/api/v1/webhooks", nil, bytes.NewReader(data), "application/json")
	if err != nil {
		return "", fmt.Errorf("creating webhook: %w", err)
	}
	return gjson.GetBytes(body, "webhook_id").String(), nil
}

// do performs one rate-limited, time-bounded request and returns the body of
// a 2xx response. Everything else is classified into the package errors.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limiter: %v", ErrTransient, err)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("X-API-KEY", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrTransient, err)
	}

	c.logger.Debug("provider request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}
	return nil, classifyStatus(resp.StatusCode, data)
}

func classifyStatus(status int, body []byte) error {
	detail := gjson.GetBytes(body, "detail").String()
	if detail == "" {
		detail = gjson.GetBytes(body, "title").String()
	}
	if detail == "" {
		detail = http.StatusText(status)
	}

	var class error
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		class = ErrUnauthorized
	case status == http.StatusNotFound:
		class = ErrNotFound
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		class = ErrTransient
	default:
		class = ErrRejected
	}
	return fmt.Errorf("%w (%d): %s", class, status, detail)
}
