// Package conversation coordinates every write of a provider message.
//
// # Overview
//
// Messages arrive through three paths: provider webhooks, periodic
// reconciliation and local sends. All three go through Service.Merge, which
// stores the message under the provider id and publishes it to live
// clients only if it was new.
//
//	svc := conversation.New(store, providerClient, broadcaster, logger)
//	res, err := svc.Merge(ctx, msg)
//
// # Ordering
//
// Merges for one conversation are serialized by a keyed lock that is held
// across the store transaction and the publish. Live clients therefore see
// a conversation's messages in the order they were stored, and the
// conversation's read flag is never updated by two writers at once.
// Different conversations merge in parallel.
//
// # Broadcasting
//
// Broadcaster fans events out to subscribed connections. Delivery is
// best-effort: a connection whose write fails or exceeds the write timeout
// is removed and closed, and clients recover missed messages by reloading
// history.
//
// # Autopilot
//
// When an Autopilot is attached, inbound webhook messages in autonomous,
// non-ignored conversations get an automatic reply after a delay, unless a
// newer inbound message arrived in the meantime.
package conversation
