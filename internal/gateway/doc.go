// Package gateway orchestrates the parley server components.
//
// # Overview
//
// The gateway is the process-level coordinator. It opens the store, builds
// the provider client and wires every ingestion path into one merge
// coordinator:
//
//	webhook.Handler ──┐
//	reconcile.*     ──┼──> conversation.Service ──> store + Broadcaster ──> /api/ws
//	SendLocal       ──┘
//
// # HTTP API
//
// Unauthenticated:
//
//   - GET /health - Liveness check
//   - GET /health/ready - Store ping
//   - GET /metrics - Prometheus metrics (metrics.enabled)
//   - POST {webhook.path} - Provider webhook, always answered with 200
//
// Authenticated when auth.jwt_secret is set; an account_id claim limits
// every route to that account:
//
//   - GET /api/ws - Live message events over a websocket
//   - GET /api/conversations - List conversations, newest activity first
//   - GET /api/conversations/{id}/messages - Page through history
//   - POST /api/conversations/{id}/messages - Send {"text"} through the provider
//   - POST /api/conversations/{id}/read - Mark the conversation read
//   - PATCH /api/conversations/{id} - Set {"mode","ignored"}
//   - POST /api/conversations/{id}/sync?full=true - Reconcile one conversation now
//   - POST /api/sync?full=true - Queue a reconciliation pass
//   - GET /api/sync - Scheduler status and last pass stats
//
// # Background Work
//
// Run starts the reconcile scheduler, the pending-send sweeper and, when a
// public URL is known, webhook registration with the provider. A public URL
// comes from webhook.public_url or, with tailscale funnel enabled, the node's
// DNS name.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // blocks until ctx is canceled, then shuts down
package gateway
