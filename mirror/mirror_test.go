package mirror

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brackenhollow/convobridge/store"
)

func newTestMirror(t *testing.T) (*Mirror, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "mirror.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s), s
}

// S7 — thread-starter filtering.
func TestAppendDropsThreadStarterNotice(t *testing.T) {
	m, _ := newTestMirror(t)

	kept := m.Append(store.Message{ChannelID: "c", MessageID: "m1", IsThreadStarterNotice: true, PlatformTimestamp: time.Now()})
	assert.False(t, kept)
	assert.Empty(t, m.ChannelMessages("c", ""))

	kept = m.Append(store.Message{ChannelID: "c", MessageID: "m2", Content: "hello", PlatformTimestamp: time.Now()})
	assert.True(t, kept)
	assert.Len(t, m.ChannelMessages("c", ""), 1)
}

func TestHydrateIsIdempotent(t *testing.T) {
	m, s := newTestMirror(t)
	ctx := context.Background()

	_, err := s.InsertMessage(ctx, store.Message{ChannelID: "c", MessageID: "m1", AuthorID: "u", AuthorDisplayName: "a", Content: "hi", PlatformTimestamp: time.Now()})
	require.NoError(t, err)

	require.NoError(t, m.Hydrate(ctx, "c", "", ""))
	assert.Len(t, m.ChannelMessages("c", ""), 1)

	// Insert directly into the store, bypassing the mirror. A second
	// Hydrate call must be a no-op since the scope is already hydrated.
	_, err = s.InsertMessage(ctx, store.Message{ChannelID: "c", MessageID: "m2", AuthorID: "u", AuthorDisplayName: "a", Content: "bye", PlatformTimestamp: time.Now()})
	require.NoError(t, err)
	require.NoError(t, m.Hydrate(ctx, "c", "", ""))
	assert.Len(t, m.ChannelMessages("c", ""), 1)
}

func TestHydrateRespectsThreadReset(t *testing.T) {
	m, s := newTestMirror(t)
	ctx := context.Background()

	_, err := s.InsertMessage(ctx, store.Message{ChannelID: "c", ThreadID: "t", MessageID: "m1", AuthorID: "u", AuthorDisplayName: "a", Content: "one", PlatformTimestamp: time.Now()})
	require.NoError(t, err)
	r2, err := s.InsertMessage(ctx, store.Message{ChannelID: "c", ThreadID: "t", MessageID: "m2", AuthorID: "u", AuthorDisplayName: "a", Content: "two", PlatformTimestamp: time.Now()})
	require.NoError(t, err)
	require.NoError(t, s.RecordThreadReset(ctx, "t", r2, "m2", ""))

	_, err = s.InsertMessage(ctx, store.Message{ChannelID: "c", ThreadID: "t", MessageID: "m3", AuthorID: "u", AuthorDisplayName: "a", Content: "three", PlatformTimestamp: time.Now()})
	require.NoError(t, err)

	require.NoError(t, m.Hydrate(ctx, "c", "t", ""))
	msgs := m.ChannelMessages("c", "t")
	require.Len(t, msgs, 1)
	assert.Equal(t, "m3", msgs[0].MessageID)
}

func TestAppendBoundaryTrimsTail(t *testing.T) {
	m, _ := newTestMirror(t)

	for i := int64(1); i <= 3; i++ {
		msg := store.Message{RowID: i, ChannelID: "c", MessageID: "m", Content: "x", PlatformTimestamp: time.Now()}
		m.Append(msg)
	}
	require.Len(t, m.ChannelMessages("c", ""), 3)

	m.AppendBoundary("c", "", store.BlockBoundary{ChannelID: "c", FirstRowID: 1, LastRowID: 2, TokenCount: 40000})
	assert.Len(t, m.ChannelMessages("c", ""), 1)
	assert.Len(t, m.Boundaries("c", ""), 1)
}

func TestClearScopeForcesRehydration(t *testing.T) {
	m, s := newTestMirror(t)
	ctx := context.Background()

	_, err := s.InsertMessage(ctx, store.Message{ChannelID: "c", ThreadID: "t", MessageID: "m1", AuthorID: "u", AuthorDisplayName: "a", Content: "one", PlatformTimestamp: time.Now()})
	require.NoError(t, err)
	require.NoError(t, m.Hydrate(ctx, "c", "t", ""))
	assert.True(t, m.IsHydrated("c", "t"))

	m.ClearScope("c", "t")
	assert.False(t, m.IsHydrated("c", "t"))
}
