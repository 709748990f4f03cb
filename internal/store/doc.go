// Package store provides durable storage for mirrored conversations and messages.
//
// # Architecture
//
// Store is the single persistence interface. SQLStore implements it on
// database/sql with two drivers:
//
//   - sqlite (modernc.org/sqlite, pure Go): the default, one connection in WAL mode
//   - postgres (github.com/lib/pq): placeholders are rebound from ? to $n
//
// MockStore implements the same interface in memory for tests in other packages.
//
// # Deduplication
//
// The messages table is keyed by the provider-assigned message id. Every
// ingestion path (webhook, reconciliation, local send echo) goes through
// MergeMessage, which inserts with ON CONFLICT DO NOTHING. A writer that loses
// a race sees zero rows affected and reports Inserted=false. No in-memory lock
// is needed for message dedup.
//
// # Conversation State
//
// MergeMessage applies the readstate rules in the same transaction as the
// insert:
//
//   - an inbound insert moves the conversation to unread
//   - any insert advances last_activity to the max message timestamp
//   - outbound inserts never clear unread; only MarkRead does
//
// Conversations also track provider_activity (last value seen in the
// provider listing) and synced_activity (value seen by the last successful
// reconciliation). The reconciler skips conversations where they match and
// no backfill is pending. A backfill is the resume point of a message fetch
// that hit its page limit; SetBackfill records and clears it.
//
// # Timestamps
//
// Times are stored as fixed-width UTC text (nanosecond precision) so that
// lexical order equals chronological order in both drivers.
//
// # Errors
//
// ErrNotFound is returned for missing rows. Failures from the database are
// wrapped with ErrStore and are retryable from the caller's point of view.
package store
