//go:build integration

package conversation_test

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/db"
	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/database"
	"github.com/parleyhq/parley/internal/log"
)

// Run with: go test -tags=integration ./internal/conversation/
// Requires DATABASE_URL pointing at a PostgreSQL instance with pgvector.

func testStore(t *testing.T) *conversation.Store {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	require.NoError(t, db.Migrate(dsn))

	pool, err := database.Connect(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return conversation.NewStore(pool, log.NewNop())
}

func TestAppendTurnRequiresActiveConversation(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	owner := "user:" + uuid.NewString()

	conv, err := store.Create(ctx, owner, "gated", "claude", "")
	require.NoError(t, err)

	turn, err := store.AppendTurn(ctx, conv.ID, "user", "hello", 3)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, turn.ID)
	assert.False(t, turn.CreatedAt.IsZero())

	require.NoError(t, store.SetStatus(ctx, conv.ID, owner, conversation.StatusArchived))

	// The status gate lives in the INSERT itself, so an archive that
	// lands mid-flight rejects the late turn.
	_, err = store.AppendTurn(ctx, conv.ID, "assistant", "too late", 2)
	require.ErrorIs(t, err, conversation.ErrNotAccessible)

	_, err = store.AppendTurn(ctx, uuid.New(), "user", "nowhere", 1)
	require.ErrorIs(t, err, conversation.ErrNotAccessible)
}

func TestRecentTurnsChronological(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	owner := "user:" + uuid.NewString()

	conv, err := store.Create(ctx, owner, "history", "claude", "")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := store.AppendTurn(ctx, conv.ID, "user", fmt.Sprintf("turn %d", i), 1)
		require.NoError(t, err)
	}

	// A bounded window keeps the newest turns but serves them oldest
	// first, ready to feed a prompt.
	turns, err := store.RecentTurns(ctx, conv.ID, 3)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	for i, turn := range turns {
		assert.Equal(t, fmt.Sprintf("turn %d", i+2), turn.Content)
	}
}

func TestGetActiveExcludesArchived(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	owner := "user:" + uuid.NewString()

	conv, err := store.Create(ctx, owner, "visible", "claude", "system prompt")
	require.NoError(t, err)

	got, err := store.GetActive(ctx, conv.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, "visible", got.Title)
	assert.Equal(t, "system prompt", got.SystemPrompt)

	// Wrong owner and archived status both read as not accessible.
	_, err = store.GetActive(ctx, conv.ID, "user:someone-else")
	require.ErrorIs(t, err, conversation.ErrNotAccessible)

	require.NoError(t, store.SetStatus(ctx, conv.ID, owner, conversation.StatusArchived))
	_, err = store.GetActive(ctx, conv.ID, owner)
	require.ErrorIs(t, err, conversation.ErrNotAccessible)
}
