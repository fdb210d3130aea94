// Package bot wraps the Discord gateway session for one persona and
// drives the conversation context engine from its message events.
package bot

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/brackenhollow/convobridge/engine"
	"github.com/brackenhollow/convobridge/platform"
	"github.com/brackenhollow/convobridge/provider"
	"github.com/brackenhollow/convobridge/queue"
)

// resetCommand is the literal trigger phrase for resetThread, evaluated
// only when the bot is directly addressed. Not configurable; a future
// persona-specific command table would live outside this core.
const resetCommand = "!reset"

const jobTimeout = 60 * time.Second

// Bot wraps the Discord session for one persona and wires its message
// events into the engine, the per-channel queue, and the provider
// transport.
type Bot struct {
	session   *discordgo.Session
	engine    *engine.Engine
	queue     *queue.Queue
	adapter   *platform.DiscordAdapter
	transport provider.Transport

	maxContextTokens int
}

// NewSession opens a REST-capable (but not yet gateway-connected) Discord
// session for token and configures the intents the engine needs. Call
// ResolveSelf to learn the bot's own user ID before constructing the
// engine, then Attach to wire handlers.
func NewSession(token string) (*discordgo.Session, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	return session, nil
}

// ResolveSelf fetches the bot's own user via the REST API. This works
// before the gateway connection is opened, which lets main build the
// engine (keyed on the bot's user ID) before Start is called.
func ResolveSelf(session *discordgo.Session) (id, username string, err error) {
	self, err := session.User("@me")
	if err != nil {
		return "", "", err
	}
	return self.ID, self.Username, nil
}

// Attach wires an already-identified session to the engine, queue, and
// provider transport, and registers its message handlers. The session
// must not yet be open.
func Attach(session *discordgo.Session, e *engine.Engine, q *queue.Queue, transport provider.Transport, maxContextTokens int) *Bot {
	b := &Bot{
		session:          session,
		engine:           e,
		queue:            q,
		transport:        transport,
		maxContextTokens: maxContextTokens,
	}
	b.adapter = platform.NewDiscordAdapter(session, e.BotID)
	session.AddHandler(b.onMessageCreate)
	session.AddHandler(b.onThreadCreate)

	return b
}

// Session returns the underlying Discord session.
func (b *Bot) Session() *discordgo.Session { return b.session }

// Start opens the Discord gateway connection.
func (b *Bot) Start() error { return b.session.Open() }

// Stop closes the Discord gateway connection and drains the queue.
func (b *Bot) Stop() error {
	b.queue.Shutdown(30 * time.Second)
	return b.session.Close()
}

func (b *Bot) onMessageCreate(s *discordgo.Session, msg *discordgo.MessageCreate) {
	if msg.Author == nil || msg.Author.Bot {
		return
	}
	if s.State.User != nil && msg.Author.ID == s.State.User.ID {
		return
	}

	ctx := context.Background()
	threadID := b.threadIDFor(s, msg.ChannelID)
	parentChannelID := msg.ChannelID
	if threadID != "" {
		parentChannelID = b.parentChannelFor(s, msg.ChannelID)
	}

	addressed := isAddressedToBot(msg.Message, s.State.User)

	if threadID != "" && addressed && strings.HasSuffix(strings.TrimSpace(msg.Content), resetCommand) {
		if err := b.engine.ResetThread(ctx, threadID, parentChannelID, b.engine.BotID); err != nil {
			slog.Error("reset thread failed", "channel_id", parentChannelID, "thread_id", threadID, "err", err)
		}
		return
	}

	raw := platform.FromDiscordMessage(msg.Message, threadID)
	raw.ParentChannelID = parentChannelID

	stored, ok, err := b.engine.OnMessage(ctx, raw)
	if err != nil {
		slog.Error("ingest message failed", "channel_id", msg.ChannelID, "err", err)
		return
	}
	if !ok || !addressed {
		return
	}

	b.enqueueReply(stored.ChannelID, threadID)
}

func (b *Bot) onThreadCreate(s *discordgo.Session, evt *discordgo.ThreadCreate) {
	if evt.Channel == nil {
		return
	}
	go func() {
		if err := b.engine.LazyLoadThread(context.Background(), evt.Channel.ID, evt.Channel.ParentID, b.adapter); err != nil {
			slog.Warn("lazy load thread failed", "channel_id", evt.Channel.ParentID, "thread_id", evt.Channel.ID, "err", err)
		}
	}()
}

func (b *Bot) enqueueReply(channelID, threadID string) {
	scopeKey := channelID
	if threadID != "" {
		scopeKey = threadID
	}
	abort := make(chan struct{})
	b.queue.Enqueue(&queue.Job{
		ScopeKey: scopeKey,
		Deadline: time.Now().Add(jobTimeout),
		Abort:    abort,
		Run: func(ctx context.Context) {
			b.runJob(ctx, channelID, threadID)
		},
	})
}

func (b *Bot) runJob(ctx context.Context, channelID, threadID string) {
	lookupID := channelID
	if threadID != "" {
		lookupID = threadID
	}
	kind := platform.ChannelKindText
	if ch, err := b.session.State.Channel(lookupID); err == nil && ch != nil {
		kind = platform.DiscordChannelKind(ch.Type)
	}

	built, err := b.engine.BuildContext(ctx, engine.ContextRequest{
		ChannelID:        channelID,
		ThreadID:         threadID,
		ChannelKind:      kind,
		MaxContextTokens: b.maxContextTokens,
		BotID:            b.engine.BotID,
		BotDisplayName:   b.engine.BotDisplayName,
	})
	if err != nil {
		slog.Error("build context failed", "channel_id", channelID, "err", err)
		return
	}
	if len(built.Tail) == 0 && len(built.CachedBlocks) == 0 {
		// Only a non-text-capable channel produces a genuinely empty
		// build here: the triggering message was already inserted
		// before this job was enqueued, so the tail is never empty
		// for a text-capable channel.
		return
	}

	req := provider.SendRequest{
		CachedBlocks:   built.CachedBlocks,
		ImageBlocks:    built.ImageBlocks,
		BotDisplayName: b.engine.BotDisplayName,
	}
	for _, turn := range built.Tail {
		req.Tail = append(req.Tail, provider.Turn{Role: turn.Role, Content: turn.Content})
	}

	result, err := b.transport.Send(ctx, req)
	if err != nil {
		if sendErr := b.adapter.SendReply(ctx, channelID, threadID, "Something went wrong talking to the model."); sendErr != nil {
			slog.Error("send error reply failed", "channel_id", channelID, "err", sendErr)
		}
		slog.Error("provider send failed", "channel_id", channelID, "err", err)
		return
	}

	text := b.engine.DenormalizeOutbound(result.Text)
	if err := b.adapter.SendReply(ctx, channelID, threadID, text); err != nil {
		slog.Error("send reply failed", "channel_id", channelID, "err", err)
	}
}

func (b *Bot) threadIDFor(s *discordgo.Session, channelID string) string {
	ch, err := s.State.Channel(channelID)
	if err != nil || ch == nil {
		return ""
	}
	if isThreadType(ch.Type) {
		return channelID
	}
	return ""
}

func (b *Bot) parentChannelFor(s *discordgo.Session, channelID string) string {
	ch, err := s.State.Channel(channelID)
	if err != nil || ch == nil {
		return channelID
	}
	if ch.ParentID != "" {
		return ch.ParentID
	}
	return channelID
}

func isThreadType(t discordgo.ChannelType) bool {
	switch t {
	case discordgo.ChannelTypeGuildPublicThread, discordgo.ChannelTypeGuildPrivateThread, discordgo.ChannelTypeGuildNewsThread:
		return true
	default:
		return false
	}
}

func isAddressedToBot(msg *discordgo.Message, self *discordgo.User) bool {
	if self == nil {
		return false
	}
	for _, u := range msg.Mentions {
		if u.ID == self.ID {
			return true
		}
	}
	return false
}
