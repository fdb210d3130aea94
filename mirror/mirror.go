// Package mirror holds the in-memory "hot" state for channels and threads:
// an append-only tail plus a cached list of frozen block boundaries,
// mirroring what the durable store holds. It is lazy-hydrated on first
// access and exists purely to keep context assembly off the store's
// query path on the common case.
package mirror

import (
	"context"
	"fmt"
	"sync"

	"github.com/brackenhollow/convobridge/store"
)

// scope identifies one mirrored sequence: a channel, or a thread within one.
type scope struct {
	channelID string
	threadID  string
}

func (s scope) key() string {
	if s.threadID == "" {
		return "c:" + s.channelID
	}
	return "t:" + s.channelID + ":" + s.threadID
}

type scopeState struct {
	mu         sync.RWMutex
	tail       []store.Message
	boundaries []store.BlockBoundary
	hydrated   bool
}

// Mirror is the in-memory mirror of the durable store's channel/thread
// state. Safe for concurrent use: a coarse mutex protects the map of
// scopes, and each scope has its own reader/writer lock so unrelated
// channels never contend.
type Mirror struct {
	store *store.Store

	mu     sync.Mutex
	scopes map[string]*scopeState
}

// New creates a mirror backed by s, used for on-demand hydration.
func New(s *store.Store) *Mirror {
	return &Mirror{store: s, scopes: make(map[string]*scopeState)}
}

func (m *Mirror) scopeFor(channelID, threadID string) *scopeState {
	k := scope{channelID, threadID}.key()
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.scopes[k]
	if !ok {
		st = &scopeState{}
		m.scopes[k] = st
	}
	return st
}

// Append adds m to the mirrored tail for its channel/thread. Thread-starter
// system notices (platform-synthesized "this thread was created" markers)
// are silently dropped; Append reports whether the message was kept.
func (m *Mirror) Append(mm store.Message) bool {
	if mm.IsThreadStarterNotice {
		return false
	}
	st := m.scopeFor(mm.ChannelID, mm.ThreadID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.tail = append(st.tail, mm)
	return true
}

// ChannelMessages returns the current tail for (channelID, threadID), in
// row_id order. Does not trigger hydration.
func (m *Mirror) ChannelMessages(channelID, threadID string) []store.Message {
	st := m.scopeFor(channelID, threadID)
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]store.Message, len(st.tail))
	copy(out, st.tail)
	return out
}

// Boundaries returns the cached frozen boundaries for (channelID, threadID).
func (m *Mirror) Boundaries(channelID, threadID string) []store.BlockBoundary {
	st := m.scopeFor(channelID, threadID)
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]store.BlockBoundary, len(st.boundaries))
	copy(out, st.boundaries)
	return out
}

// AppendBoundary records a newly frozen boundary and drops the tail
// messages it now covers. Called by the freezer once the boundary has
// already been durably written.
func (m *Mirror) AppendBoundary(channelID, threadID string, b store.BlockBoundary) {
	st := m.scopeFor(channelID, threadID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.boundaries = append(st.boundaries, b)
	remaining := st.tail[:0:0]
	for _, mm := range st.tail {
		if mm.RowID > b.LastRowID {
			remaining = append(remaining, mm)
		}
	}
	st.tail = remaining
}

// Hydrate loads boundaries and tail messages for (channelID, threadID) from
// the durable store, respecting any thread reset floor for botID. It is
// idempotent: a scope already hydrated is left untouched.
func (m *Mirror) Hydrate(ctx context.Context, channelID, threadID, botID string) error {
	st := m.scopeFor(channelID, threadID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.hydrated {
		return nil
	}

	var floor int64
	if threadID != "" {
		reset, err := m.store.GetThreadResetInfo(ctx, threadID, botID)
		if err != nil {
			return fmt.Errorf("hydrate: load reset info: %w", err)
		}
		if reset != nil {
			floor = reset.LastResetRowID
		}
	}

	boundaries, err := m.store.GetBoundaries(ctx, channelID, threadID, floor)
	if err != nil {
		return fmt.Errorf("hydrate: load boundaries: %w", err)
	}

	tailFloor := floor
	if len(boundaries) > 0 {
		tailFloor = boundaries[len(boundaries)-1].LastRowID
	}
	tail, err := m.store.GetMessages(ctx, channelID, threadID, tailFloor)
	if err != nil {
		return fmt.Errorf("hydrate: load tail: %w", err)
	}

	st.boundaries = boundaries
	st.tail = tail
	st.hydrated = true
	return nil
}

// IsHydrated reports whether (channelID, threadID) has been hydrated yet.
func (m *Mirror) IsHydrated(channelID, threadID string) bool {
	st := m.scopeFor(channelID, threadID)
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.hydrated
}

// ClearScope wipes the mirrored state for (channelID, threadID), forcing
// the next access to rehydrate. Used by resetThread.
func (m *Mirror) ClearScope(channelID, threadID string) {
	k := scope{channelID, threadID}.key()
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.scopes, k)
}

// ClearAll drops every mirrored scope. Test-mode helper.
func (m *Mirror) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scopes = make(map[string]*scopeState)
}
