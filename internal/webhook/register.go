// ABOUTME: Ensures the provider has a webhook pointing at this gateway
// ABOUTME: Idempotent: an existing webhook with the same name or URL is reused

package webhook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/parley/internal/provider"
)

// WebhookAPI is the provider surface used for registration.
type WebhookAPI interface {
	ListWebhooks(ctx context.Context) ([]provider.Webhook, error)
	CreateWebhook(ctx context.Context, hook provider.Webhook) (string, error)
}

// Register creates a message webhook named name that posts to url, unless
// one with that name or url already exists. It returns the webhook id and
// whether it was created.
func Register(ctx context.Context, api WebhookAPI, name, url string, logger *slog.Logger) (string, bool, error) {
	if logger == nil {
		logger = slog.Default()
	}

	hooks, err := api.ListWebhooks(ctx)
	if err != nil {
		return "", false, fmt.Errorf("listing webhooks: %w", err)
	}
	for _, h := range hooks {
		if h.Name == name || h.RequestURL == url {
			logger.Info("webhook already registered", "webhook_id", h.ID, "url", h.RequestURL)
			return h.ID, false, nil
		}
	}

	id, err := api.CreateWebhook(ctx, provider.Webhook{
		Name:       name,
		RequestURL: url,
		Source:     "messaging",
		Events:     []string{KindMessageReceived},
	})
	if err != nil {
		return "", false, fmt.Errorf("creating webhook: %w", err)
	}
	logger.Info("webhook registered", "webhook_id", id, "url", url)
	return id, true, nil
}
