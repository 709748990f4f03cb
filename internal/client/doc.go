// Package client is the consumer side of the gateway's live updates.
//
// A Transcript holds what a user sees for a conversation. Local sends are
// shown immediately through OnLocalSendAcknowledged and their ids are kept
// in a short-lived pending set; when the same id later arrives through
// OnRemoteEvent the pushed copy is dropped and only its conversation
// metadata is applied. Markers expire after a few seconds, after which a
// late echo is still deduplicated by id.
//
// A Stream keeps a websocket open to /api/ws and feeds events to a
// Transcript, reconnecting with exponential backoff.
//
//	t := client.NewTranscript(client.ForConversation("chat-1"))
//	defer t.Close()
//	s := client.NewStream(client.StreamConfig{URL: url, OnEvent: func(ev *conversation.Event) { t.OnRemoteEvent(ev) }}, logger)
//	go s.Run(ctx)
package client
