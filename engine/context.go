package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/brackenhollow/convobridge/platform"
	"github.com/brackenhollow/convobridge/store"
)

// TailTurn is one rendered message in the builder's tail, tagged with the
// role the provider transport expects.
type TailTurn struct {
	Role    string // "user" or "assistant"
	Content string
}

// ContextRequest parameterizes one context build.
type ContextRequest struct {
	ChannelID        string
	ThreadID         string
	MaxContextTokens int
	BotID            string
	BotDisplayName   string

	// ChannelKind lets the caller report what kind of channel this build
	// targets. Left zero-value, the build proceeds as if text-capable
	// (the common case for adapters that only ever deliver text events);
	// set explicitly by adapters that can observe non-text channels.
	ChannelKind platform.ChannelKind
}

// ContextResult is the language-neutral structure handed to the provider
// transport: cached block strings, tail turns, and image references, all
// ordered.
type ContextResult struct {
	CachedBlocks []string
	Tail         []TailTurn
	ImageBlocks  []string
}

// BuildContext hydrates (channelID, threadID) if needed, renders its frozen
// blocks, and fits as much of the tail as the remaining budget allows,
// dropping the oldest tail messages first.
func (e *Engine) BuildContext(ctx context.Context, req ContextRequest) (ContextResult, error) {
	if req.ChannelKind != "" && req.ChannelKind != platform.ChannelKindText {
		return ContextResult{}, nil
	}

	if !e.Mirror.IsHydrated(req.ChannelID, req.ThreadID) {
		if err := e.Mirror.Hydrate(ctx, req.ChannelID, req.ThreadID, req.BotID); err != nil {
			return ContextResult{}, fmt.Errorf("build context: hydrate: %w", err)
		}
	}

	boundaries := e.Mirror.Boundaries(req.ChannelID, req.ThreadID)
	tail := e.Mirror.ChannelMessages(req.ChannelID, req.ThreadID)

	var result ContextResult
	blockTokens := 0
	for _, b := range boundaries {
		rendered, err := e.renderBoundary(ctx, req.ChannelID, req.ThreadID, b, req.BotID, req.BotDisplayName)
		if err != nil {
			return ContextResult{}, err
		}
		result.CachedBlocks = append(result.CachedBlocks, rendered)
		blockTokens += b.TokenCount
	}

	budget := req.MaxContextTokens - blockTokens
	tail = e.fitTail(tail, budget)

	for _, m := range tail {
		role := "user"
		if m.AuthorID == req.BotID {
			role = "assistant"
		}
		result.Tail = append(result.Tail, TailTurn{Role: role, Content: renderLine(m, req.BotID, req.BotDisplayName)})
		result.ImageBlocks = append(result.ImageBlocks, m.ImageURLs...)
	}

	return result, nil
}

// fitTail drops the oldest tail messages one at a time until the remaining
// messages' estimated tokens fit budget, keeping at least one message when
// possible (BudgetInfeasible: a lone message may still exceed budget).
func (e *Engine) fitTail(tail []store.Message, budget int) []store.Message {
	for len(tail) > 1 && e.tailTokens(tail) > budget {
		tail = tail[1:]
	}
	return tail
}

func (e *Engine) renderBoundary(ctx context.Context, channelID, threadID string, b store.BlockBoundary, botID, botDisplayName string) (string, error) {
	msgs, err := e.Store.GetMessagesRange(ctx, channelID, threadID, b.FirstRowID, b.LastRowID)
	if err != nil {
		return "", fmt.Errorf("render boundary: %w", err)
	}
	var sb strings.Builder
	for _, m := range msgs {
		sb.WriteString(renderLine(m, botID, botDisplayName))
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// renderLine formats one message as "<display>: <content>", substituting
// botDisplayName for the bot's own messages.
func renderLine(m store.Message, botID, botDisplayName string) string {
	display := m.AuthorDisplayName
	if m.AuthorID == botID && botDisplayName != "" {
		display = botDisplayName
	}
	return display + ": " + m.Content
}
