package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/brackenhollow/convobridge/platform"
)

// LazyLoadThread hydrates threadID from the durable store (respecting any
// reset floor for botID), then backfills from the chat platform anything
// that arrived while the process was down, feeding each returned message
// through the normal ingestion path.
func (e *Engine) LazyLoadThread(ctx context.Context, threadID, parentChannelID string, adapter platform.Adapter) error {
	reset, err := e.Store.GetThreadResetInfo(ctx, threadID, e.BotID)
	if err != nil {
		return fmt.Errorf("lazy load thread: load reset info: %w", err)
	}

	if err := e.Mirror.Hydrate(ctx, parentChannelID, threadID, e.BotID); err != nil {
		return fmt.Errorf("lazy load thread: hydrate: %w", err)
	}

	afterMessageID := ""
	known := e.Mirror.ChannelMessages(parentChannelID, threadID)
	boundaries := e.Mirror.Boundaries(parentChannelID, threadID)
	switch {
	case len(known) > 0:
		afterMessageID = known[len(known)-1].MessageID
	case len(boundaries) > 0:
		afterMessageID = boundaries[len(boundaries)-1].LastMessageID
	case reset != nil:
		afterMessageID = reset.LastResetMessageID
	}

	backfilled, err := adapter.FetchThreadMessagesSince(ctx, threadID, afterMessageID)
	if err != nil {
		// PlatformFetchFailed: log and proceed with whatever was already
		// hydrated; the core never fails lazy load on this.
		slog.Warn("lazy load thread: platform fetch failed, using hydrated state", "channel_id", parentChannelID, "thread_id", threadID, "err", err)
		return nil
	}

	for _, raw := range backfilled {
		if raw.ThreadID == "" {
			raw.ThreadID = threadID
		}
		if raw.ParentChannelID == "" {
			raw.ParentChannelID = parentChannelID
		}
		if _, _, err := e.OnMessage(ctx, raw); err != nil {
			return fmt.Errorf("lazy load thread: ingest backfilled message: %w", err)
		}
	}
	return nil
}

// ResetThread records a reset point anchored at the current highest
// row_id known for threadID, then hard-deletes the thread's messages and
// boundaries from both the durable store and the in-memory mirror. Future
// LazyLoadThread calls for threadID will only ever see messages observed
// after this point.
func (e *Engine) ResetThread(ctx context.Context, threadID, parentChannelID, botID string) error {
	lastRowID, lastMessageID, err := e.Store.LastRowForThread(ctx, threadID)
	if err != nil {
		return fmt.Errorf("reset thread: last row: %w", err)
	}

	if err := e.Store.RecordThreadReset(ctx, threadID, lastRowID, lastMessageID, botID); err != nil {
		return fmt.Errorf("reset thread: record reset: %w", err)
	}
	if err := e.Store.ClearThread(ctx, threadID); err != nil {
		return fmt.Errorf("reset thread: clear store: %w", err)
	}
	e.Mirror.ClearScope(parentChannelID, threadID)
	return nil
}
