// Package engine implements the conversation context engine: the durable
// store and in-memory mirror wired together behind one handle, plus the
// attachment inliner, mention normalizer, block freezer, context builder,
// and thread lifecycle controller that operate on them.
//
// An Engine is explicit, owned state — tests construct throwaway handles
// rather than reaching through a package-level singleton.
package engine

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/brackenhollow/convobridge/config"
	"github.com/brackenhollow/convobridge/mirror"
	"github.com/brackenhollow/convobridge/platform"
	"github.com/brackenhollow/convobridge/store"
)

// Engine owns the durable store and its in-memory mirror for one bot
// persona, plus the member cache mention normalization reads and writes.
type Engine struct {
	Store  *store.Store
	Mirror *mirror.Mirror
	Config config.EngineConfig

	BotID          string
	BotDisplayName string

	membersMu sync.RWMutex
	members   map[string]string // userID -> displayName, last-writer-wins

	ingestMu    sync.Mutex
	ingestLocks map[string]*sync.Mutex
}

// New constructs an Engine over an already-open store and mirror.
func New(st *store.Store, mr *mirror.Mirror, cfg config.EngineConfig, botID, botDisplayName string) *Engine {
	return &Engine{
		Store:          st,
		Mirror:         mr,
		Config:         cfg,
		BotID:          botID,
		BotDisplayName: botDisplayName,
		members:        make(map[string]string),
		ingestLocks:    make(map[string]*sync.Mutex),
	}
}

// scopeLock returns the ingestion mutex for (channelID, threadID), creating
// it on first use. Held across insert + mirror append + freeze check so
// that freezing is atomic relative to appends on the same channel.
func (e *Engine) scopeLock(channelID, threadID string) *sync.Mutex {
	key := channelID + "\x00" + threadID
	e.ingestMu.Lock()
	defer e.ingestMu.Unlock()
	l, ok := e.ingestLocks[key]
	if !ok {
		l = &sync.Mutex{}
		e.ingestLocks[key] = l
	}
	return l
}

// UpdateMember records userID's display name in the member cache. Callers
// race benignly; the cache is optimistic last-writer-wins.
func (e *Engine) UpdateMember(userID, displayName string) {
	if userID == "" || displayName == "" {
		return
	}
	e.membersMu.Lock()
	e.members[userID] = displayName
	e.membersMu.Unlock()
}

func (e *Engine) lookupMember(userID string) (string, bool) {
	e.membersMu.RLock()
	defer e.membersMu.RUnlock()
	name, ok := e.members[userID]
	return name, ok
}

func (e *Engine) memberSnapshot() map[string]string {
	e.membersMu.RLock()
	defer e.membersMu.RUnlock()
	out := make(map[string]string, len(e.members))
	for k, v := range e.members {
		out[k] = v
	}
	return out
}

// estimateTokens applies the spec's static heuristic: ceil(len(s) /
// chars_per_token). Deliberately not a real tokenizer — see DESIGN.md.
func (e *Engine) estimateTokens(s string) int {
	cpt := e.Config.CharsPerToken
	if cpt <= 0 {
		cpt = 4.0
	}
	return int(math.Ceil(float64(len(s)) / cpt))
}

// OnMessage is the full ingestion path for one inbound raw message:
// mention normalization, attachment inlining, durable insert, mirror
// append, and a freeze check. It returns the stored message, or ok=false
// if the message was a thread-starter notice and was dropped.
func (e *Engine) OnMessage(ctx context.Context, raw platform.RawMessage) (store.Message, bool, error) {
	// Thread messages are keyed under their parent channel, the scope that
	// ResetThread and LazyLoadThread address.
	if raw.ThreadID != "" && raw.ParentChannelID != "" {
		raw.ChannelID = raw.ParentChannelID
	}

	e.UpdateMember(raw.AuthorID, raw.AuthorDisplayName)

	isNotice := raw.Type == platform.MessageTypeThreadStarterNotice

	content := e.normalizeMentions(raw.Content, raw.Mentions)
	content, imageURLs := e.inlineAttachments(ctx, content, raw.Attachments)

	m := store.Message{
		ChannelID:             raw.ChannelID,
		ThreadID:              raw.ThreadID,
		ParentChannelID:       raw.ParentChannelID,
		MessageID:             raw.ID,
		AuthorID:              raw.AuthorID,
		AuthorDisplayName:     raw.AuthorDisplayName,
		Content:               content,
		PlatformTimestamp:     raw.PlatformTimestamp,
		IsThreadStarterNotice: isNotice,
		ImageURLs:             imageURLs,
	}

	if isNotice {
		e.Mirror.Append(m)
		return store.Message{}, false, nil
	}

	lock := e.scopeLock(raw.ChannelID, raw.ThreadID)
	lock.Lock()
	defer lock.Unlock()

	rowID, err := e.Store.InsertMessage(ctx, m)
	if err != nil {
		return store.Message{}, false, fmt.Errorf("engine: insert message: %w", err)
	}
	m.RowID = rowID

	e.Mirror.Append(m)

	if err := e.freezeIfNeeded(ctx, raw.ChannelID, raw.ThreadID); err != nil {
		return m, true, fmt.Errorf("engine: freeze check: %w", err)
	}

	return m, true, nil
}
