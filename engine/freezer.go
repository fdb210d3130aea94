package engine

import (
	"context"
	"fmt"

	"github.com/brackenhollow/convobridge/store"
)

// perMessageOverhead is added to each message's estimated token count when
// summing a tail, matching the freezer's accounting so the context builder
// stays consistent with what was actually frozen.
const perMessageOverhead = 4

// freezeIfNeeded tests whether the current unfrozen tail for
// (channelID, threadID) has crossed the freeze threshold, and if so,
// materializes it as a new immutable boundary. Called with the scope's
// ingestion lock already held, so it never observes a half-appended tail.
func (e *Engine) freezeIfNeeded(ctx context.Context, channelID, threadID string) error {
	tail := e.Mirror.ChannelMessages(channelID, threadID)
	if len(tail) == 0 {
		return nil
	}

	tokens := e.tailTokens(tail)
	threshold := e.Config.FreezeThresholdTokens
	if threshold <= 0 {
		threshold = 30000
	}
	cacheLimit := e.Config.MessageCacheLimit
	if cacheLimit <= 0 {
		cacheLimit = 500
	}
	// A channel of many short messages may never cross the token threshold
	// between freezes; message_cache_limit bounds the tail length held in
	// memory regardless, by forcing an early freeze of whatever has
	// accumulated so far.
	if tokens < threshold && len(tail) < cacheLimit {
		return nil
	}

	first, last := tail[0], tail[len(tail)-1]
	b := store.BlockBoundary{
		ChannelID:      channelID,
		ThreadID:       threadID,
		FirstMessageID: first.MessageID,
		LastMessageID:  last.MessageID,
		FirstRowID:     first.RowID,
		LastRowID:      last.RowID,
		TokenCount:     tokens,
	}

	if err := e.Store.InsertBlockBoundary(ctx, b); err != nil {
		return fmt.Errorf("freeze: write boundary: %w", err)
	}
	e.Mirror.AppendBoundary(channelID, threadID, b)
	return nil
}

func (e *Engine) tailTokens(tail []store.Message) int {
	total := 0
	for _, m := range tail {
		total += e.estimateTokens(m.Content) + perMessageOverhead
	}
	return total
}
