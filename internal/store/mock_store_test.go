// ABOUTME: Tests that MockStore mirrors the SQL store's merge semantics
// ABOUTME: Other packages rely on the mock behaving like the real store

package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_MergeSemantics(t *testing.T) {
	s := NewMockStore()
	ctx := t.Context()
	seedConversation(t, s, "chat-1")

	res, err := s.MergeMessage(ctx, outbound("out-1", "chat-1", base))
	require.NoError(t, err)
	assert.True(t, res.Inserted)
	assert.False(t, res.BecameUnread)

	res, err = s.MergeMessage(ctx, inbound("in-1", "chat-1", base.Add(-time.Minute)))
	require.NoError(t, err)
	assert.True(t, res.Inserted)
	assert.True(t, res.BecameUnread)
	assert.True(t, res.LastActivity.Equal(base), "older message must not move last activity back")

	res, err = s.MergeMessage(ctx, inbound("in-1", "chat-1", base.Add(-time.Minute)))
	require.NoError(t, err)
	assert.False(t, res.Inserted)
	assert.Equal(t, 2, s.MessageCount())

	conv, err := s.GetConversation(ctx, "chat-1")
	require.NoError(t, err)
	assert.False(t, conv.Read)

	require.NoError(t, s.MarkRead(ctx, "chat-1"))
	conv, err = s.GetConversation(ctx, "chat-1")
	require.NoError(t, err)
	assert.True(t, conv.Read)
}

func TestMockStore_FailMerges(t *testing.T) {
	s := NewMockStore()
	seedConversation(t, s, "chat-1")
	s.FailMerges = true

	_, err := s.MergeMessage(t.Context(), inbound("in-1", "chat-1", base))
	assert.ErrorIs(t, err, ErrStore)
}
