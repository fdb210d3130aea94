// Package platform defines the boundary between the context engine and a
// specific chat platform: a tagged-variant message type and the adapter
// contract the engine drives.
package platform

import (
	"context"
	"time"
)

// MessageType discriminates platform-synthesized notices from ordinary
// chat messages. The mirror uses it to drop thread-starter notices.
type MessageType int

const (
	MessageTypeNormal MessageType = iota
	MessageTypeThreadStarterNotice
)

// Mention is mention metadata carried alongside a raw message, resolving a
// referenced user ID to the display name the platform already knows.
type Mention struct {
	ID          string
	DisplayName string
}

// Attachment is a single file attached to a raw message.
type Attachment struct {
	URL         string
	Filename    string
	ContentType string
	Size        int64
}

// IsTextual reports whether ContentType declares a text/* MIME type.
func (a Attachment) IsTextual() bool {
	return len(a.ContentType) >= 5 && a.ContentType[:5] == "text/"
}

// IsImage reports whether ContentType declares an image/* MIME type.
func (a Attachment) IsImage() bool {
	return len(a.ContentType) >= 6 && a.ContentType[:6] == "image/"
}

// RawMessage is the tagged-variant record the engine consumes from an
// adapter: a small, fixed set of fields, independent of the platform's own
// wire representation.
type RawMessage struct {
	ID                string
	ChannelID         string
	ThreadID          string // "" for non-thread channels
	ParentChannelID   string
	AuthorID          string
	AuthorDisplayName string
	Content           string
	Mentions          []Mention
	Attachments       []Attachment
	PlatformTimestamp time.Time
	Type              MessageType
}

// ChannelKind classifies the channel a context build targets. BuildContext
// checks this before assembling anything: a channel that isn't
// text-capable (voice, category, forum container, …) gets an empty
// result rather than a context built from whatever stale state a mirror
// scope happens to hold for that ID.
type ChannelKind string

const (
	ChannelKindText     ChannelKind = "text"
	ChannelKindVoice    ChannelKind = "voice"
	ChannelKindCategory ChannelKind = "category"
	ChannelKindOther    ChannelKind = "other"
)

// Adapter is the chat-platform contract the engine and bot drive:
// display-name resolution, thread backfill, and reply posting. Inbound
// messages and reset commands do not pass through it; the bot package
// receives them from its own gateway event handlers.
type Adapter interface {
	ResolveDisplayName(ctx context.Context, userID string) (string, bool)
	FetchThreadMessagesSince(ctx context.Context, threadID, afterMessageID string) ([]RawMessage, error)
	SendReply(ctx context.Context, channelID, threadID, text string) error
}
