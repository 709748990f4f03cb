// ABOUTME: Tests for pending-send bookkeeping
// ABOUTME: Runs the same lifecycle against the SQL store and the mock

package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingSendLifecycle(t *testing.T) {
	stores := map[string]func(t *testing.T) Store{
		"sqlite": func(t *testing.T) Store { return newTestStore(t) },
		"mock":   func(t *testing.T) Store { return NewMockStore() },
	}

	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := t.Context()
			old := time.Now().Add(-time.Minute)

			require.NoError(t, s.CreatePendingSend(ctx, &PendingSend{MessageID: "m1", ConversationID: "c1", CreatedAt: old}))
			require.NoError(t, s.CreatePendingSend(ctx, &PendingSend{MessageID: "m2", ConversationID: "c1", CreatedAt: old}))
			require.NoError(t, s.CreatePendingSend(ctx, &PendingSend{MessageID: "fresh", ConversationID: "c1"}))
			// Duplicate record is a no-op
			require.NoError(t, s.CreatePendingSend(ctx, &PendingSend{MessageID: "m1", ConversationID: "c1", CreatedAt: old}))

			due, err := s.ListDuePendingSends(ctx, time.Now().Add(-10*time.Second), 10)
			require.NoError(t, err)
			require.Len(t, due, 2)

			require.NoError(t, s.ConfirmPendingSend(ctx, "m1"))

			status, err := s.RecordPendingAttempt(ctx, "m2", 2)
			require.NoError(t, err)
			assert.Equal(t, PendingStatusPending, status)
			status, err = s.RecordPendingAttempt(ctx, "m2", 2)
			require.NoError(t, err)
			assert.Equal(t, PendingStatusFailed, status)

			due, err = s.ListDuePendingSends(ctx, time.Now().Add(-10*time.Second), 10)
			require.NoError(t, err)
			assert.Empty(t, due)

			n, err := s.DeletePendingSends(ctx, PendingStatusConfirmed, time.Now().Add(time.Second))
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			assert.ErrorIs(t, s.ConfirmPendingSend(ctx, "missing"), ErrNotFound)
			_, err = s.RecordPendingAttempt(ctx, "missing", 3)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}
