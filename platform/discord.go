package platform

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
)

// DiscordAdapter implements Adapter against a live discordgo session.
type DiscordAdapter struct {
	Session *discordgo.Session
	BotID   string
}

// NewDiscordAdapter wraps an already-authenticated session.
func NewDiscordAdapter(session *discordgo.Session, botID string) *DiscordAdapter {
	return &DiscordAdapter{Session: session, BotID: botID}
}

// ResolveDisplayName looks up userID via the session's state cache,
// falling back to a live guild-member fetch across known guilds.
func (d *DiscordAdapter) ResolveDisplayName(ctx context.Context, userID string) (string, bool) {
	for _, g := range d.Session.State.Guilds {
		if member, err := d.Session.State.Member(g.ID, userID); err == nil && member != nil {
			return memberDisplayName(member), true
		}
	}
	for _, g := range d.Session.State.Guilds {
		member, err := d.Session.GuildMember(g.ID, userID)
		if err == nil && member != nil {
			return memberDisplayName(member), true
		}
	}
	return "", false
}

func memberDisplayName(m *discordgo.Member) string {
	if m.Nick != "" {
		return m.Nick
	}
	if m.User != nil {
		return m.User.Username
	}
	return ""
}

// FetchThreadMessagesSince paginates ChannelMessages for threadID, newest
// first per the API, returning everything after afterMessageID in
// ascending (chronological) order. afterMessageID == "" fetches the whole
// available history.
func (d *DiscordAdapter) FetchThreadMessagesSince(ctx context.Context, threadID, afterMessageID string) ([]RawMessage, error) {
	const pageSize = 100
	var collected []RawMessage
	after := afterMessageID
	if after == "" {
		// Snowflake 0 precedes every message, so paging starts at the oldest.
		after = "0"
	}

	for {
		batch, err := d.Session.ChannelMessages(threadID, pageSize, "", after, "")
		if err != nil {
			return nil, fmt.Errorf("fetch thread messages: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		// Each page is newest-first; walk it in reverse so collected stays
		// chronological, then advance the cursor to the newest ID seen.
		for i := len(batch) - 1; i >= 0; i-- {
			collected = append(collected, FromDiscordMessage(batch[i], threadID))
		}
		after = batch[0].ID
		if len(batch) < pageSize {
			break
		}
	}

	return collected, nil
}

// SendReply posts text to channelID, chunked to Discord's 2000-character
// message limit.
func (d *DiscordAdapter) SendReply(ctx context.Context, channelID, threadID string, text string) error {
	target := channelID
	if threadID != "" {
		target = threadID
	}
	for _, chunk := range SplitMessage(text, 2000) {
		if _, err := d.Session.ChannelMessageSend(target, chunk); err != nil {
			return fmt.Errorf("send reply: %w", err)
		}
	}
	return nil
}

// SplitMessage breaks text into chunks no longer than limit runes,
// preferring to break on newline boundaries.
func SplitMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i > 0; i-- {
			if runes[i] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
		if len(runes) > 0 && runes[0] == '\n' {
			runes = runes[1:]
		}
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

// DiscordChannelKind maps a discordgo channel type to the platform-neutral
// ChannelKind the context builder checks before assembling a reply.
func DiscordChannelKind(t discordgo.ChannelType) ChannelKind {
	switch t {
	case discordgo.ChannelTypeGuildText, discordgo.ChannelTypeGuildNews,
		discordgo.ChannelTypeGuildPublicThread, discordgo.ChannelTypeGuildPrivateThread,
		discordgo.ChannelTypeGuildNewsThread, discordgo.ChannelTypeDM, discordgo.ChannelTypeGroupDM:
		return ChannelKindText
	case discordgo.ChannelTypeGuildVoice, discordgo.ChannelTypeGuildStageVoice:
		return ChannelKindVoice
	case discordgo.ChannelTypeGuildCategory:
		return ChannelKindCategory
	default:
		return ChannelKindOther
	}
}

// FromDiscordMessage converts a discordgo.Message into the engine's
// tagged-variant RawMessage. threadID is "" when m was not delivered
// inside a thread channel.
func FromDiscordMessage(m *discordgo.Message, threadID string) RawMessage {
	mentions := make([]Mention, 0, len(m.Mentions))
	for _, u := range m.Mentions {
		mentions = append(mentions, Mention{ID: u.ID, DisplayName: u.Username})
	}

	attachments := make([]Attachment, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		attachments = append(attachments, Attachment{
			URL:         a.URL,
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Size:        int64(a.Size),
		})
	}

	msgType := MessageTypeNormal
	if m.Type == discordgo.MessageTypeThreadStarterMessage {
		msgType = MessageTypeThreadStarterNotice
	}

	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	authorID, authorName := "", ""
	if m.Author != nil {
		authorID = m.Author.ID
		authorName = m.Author.Username
	}

	return RawMessage{
		ID:                m.ID,
		ChannelID:         m.ChannelID,
		ThreadID:          threadID,
		AuthorID:          authorID,
		AuthorDisplayName: authorName,
		Content:           m.Content,
		Mentions:          mentions,
		Attachments:       attachments,
		PlatformTimestamp: ts,
		Type:              msgType,
	}
}
