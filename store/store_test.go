package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertMessageIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	m := Message{ChannelID: "c1", MessageID: "m1", AuthorID: "u1", AuthorDisplayName: "alice", Content: "hi", PlatformTimestamp: time.Now()}
	id1, err := s.InsertMessage(ctx, m)
	require.NoError(t, err)

	id2, err := s.InsertMessage(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	msgs, err := s.GetMessages(ctx, "c1", "", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Content)
}

// S4 — restart persistence: insert two messages and a boundary, close,
// reopen, and confirm both are still visible.
func TestRestartPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "restart.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)

	id1, err := s.InsertMessage(ctx, Message{ChannelID: "c", MessageID: "m1", AuthorID: "u", AuthorDisplayName: "a", Content: "one", PlatformTimestamp: time.Now()})
	require.NoError(t, err)
	id2, err := s.InsertMessage(ctx, Message{ChannelID: "c", MessageID: "m2", AuthorID: "u", AuthorDisplayName: "a", Content: "two", PlatformTimestamp: time.Now()})
	require.NoError(t, err)

	require.NoError(t, s.InsertBlockBoundary(ctx, BlockBoundary{
		ChannelID: "c", FirstMessageID: "m1", LastMessageID: "m2",
		FirstRowID: id1, LastRowID: id2, TokenCount: 40000,
	}))
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	msgs, err := s2.GetMessages(ctx, "c", "", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	boundaries, err := s2.GetBoundaries(ctx, "c", "", -1)
	require.NoError(t, err)
	require.Len(t, boundaries, 1)
	assert.Equal(t, "m1", boundaries[0].FirstMessageID)
	assert.Equal(t, "m2", boundaries[0].LastMessageID)
}

// S5 — reset + downtime: after a reset anchored at r2, only messages
// inserted afterwards are visible.
func TestResetThenDowntimeBackfill(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r1, err := s.InsertMessage(ctx, Message{ChannelID: "c", ThreadID: "t", MessageID: "m1", AuthorID: "u", AuthorDisplayName: "a", Content: "one", PlatformTimestamp: time.Now()})
	require.NoError(t, err)
	r2, err := s.InsertMessage(ctx, Message{ChannelID: "c", ThreadID: "t", MessageID: "m2", AuthorID: "u", AuthorDisplayName: "a", Content: "two", PlatformTimestamp: time.Now()})
	require.NoError(t, err)
	_ = r1

	require.NoError(t, s.RecordThreadReset(ctx, "t", r2, "m2", ""))
	require.NoError(t, s.ClearThread(ctx, "t"))

	_, err = s.InsertMessage(ctx, Message{ChannelID: "c", ThreadID: "t", MessageID: "m3", AuthorID: "u", AuthorDisplayName: "a", Content: "three", PlatformTimestamp: time.Now()})
	require.NoError(t, err)
	_, err = s.InsertMessage(ctx, Message{ChannelID: "c", ThreadID: "t", MessageID: "m4", AuthorID: "u", AuthorDisplayName: "a", Content: "four", PlatformTimestamp: time.Now()})
	require.NoError(t, err)

	reset, err := s.GetThreadResetInfo(ctx, "t", "")
	require.NoError(t, err)
	require.NotNil(t, reset)

	msgs, err := s.GetMessages(ctx, "c", "t", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m3", msgs[0].MessageID)
	assert.Equal(t, "m4", msgs[1].MessageID)
}

func TestThreadResetFallsBackToGlobal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordThreadReset(ctx, "t", 5, "m5", ""))

	info, err := s.GetThreadResetInfo(ctx, "t", "bot-123")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, GlobalBot, info.BotID)
	assert.Equal(t, int64(5), info.LastResetRowID)
}

func TestStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.InsertMessage(ctx, Message{ChannelID: "c", MessageID: "m1", AuthorID: "u", AuthorDisplayName: "a", Content: "x", PlatformTimestamp: time.Now()})
	require.NoError(t, err)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.MessageCount)
}
