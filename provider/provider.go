// Package provider defines the transport contract between the context
// engine and a hosted LLM completion endpoint: format the prepared
// context into a provider-specific payload, stream tokens back, and
// return the post-filter final text.
package provider

import (
	"context"
	"strings"
)

// Turn is one rendered tail message, tagged with the role the provider
// expects.
type Turn struct {
	Role    string // "user" or "assistant"
	Content string
}

// SendRequest is the language-neutral structure the context builder
// produces, handed to a Transport.
type SendRequest struct {
	CachedBlocks   []string
	Tail           []Turn
	ImageBlocks    []string
	BotDisplayName string
	OtherSpeakers  []string
	Abort          <-chan struct{}
}

// SendResult is the transport's reply: post-filter final text, plus
// whether output was truncated because the model re-emitted another
// speaker's line.
type SendResult struct {
	Text             string
	Truncated        bool
	TruncatedSpeaker string
}

// Transport formats a prepared context into a provider-specific request,
// streams the completion, and returns the aggregated, post-filter text.
// Implementations must honor req.Abort: a close on that channel aborts
// the in-flight HTTP call and releases its connection.
type Transport interface {
	Send(ctx context.Context, req SendRequest) (SendResult, error)
}

// truncateAtOtherSpeaker scans text for a re-emitted "<speaker>: " line
// from any name in otherSpeakers and truncates at its start. The core
// requires this detection from the transport, not the engine, since only
// the transport sees the raw streamed tokens in order.
func truncateAtOtherSpeaker(text string, otherSpeakers []string) (string, bool, string) {
	if len(otherSpeakers) == 0 {
		return text, false, ""
	}
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if i == 0 {
			continue // the model's own first line is never a re-emission
		}
		for _, speaker := range otherSpeakers {
			prefix := speaker + ":"
			if strings.HasPrefix(strings.TrimSpace(line), prefix) {
				truncated := strings.Join(lines[:i], "\n")
				return strings.TrimRight(truncated, "\n"), true, speaker
			}
		}
	}
	return text, false, ""
}
