package convsync

import (
	"sort"
	"sync"
)

// ============================================================================
// MessageStore
// ============================================================================

// MessageStore is the authoritative in-memory transcript for a single
// conversation. It is the only shared mutable resource in the engine:
// HistoryLoader, LiveFeed, and SendCoordinator all write through it, and
// every mutation is serialized behind one mutex so concurrent merges never
// interleave partially.
//
// A store is created when a conversation is opened and closed when it is
// torn down; after Close every mutation is a no-op, which silently discards
// confirmations that resolve after the screen is gone.
type MessageStore struct {
	mu             sync.RWMutex
	conversationID string
	byID           map[string]storedMessage
	pending        map[string]storedPending
	nextSeq        uint64
	seeded         bool
	closed         bool
	changes        chan struct{}

	// confirmHook, when set, observes every newly applied confirmed
	// message. Called outside the lock.
	confirmHook func(Message)
}

type storedMessage struct {
	msg Message
	seq uint64
}

type storedPending struct {
	p   PendingSend
	seq uint64
}

// NewMessageStore creates an empty store scoped to one conversation.
func NewMessageStore(conversationID string) *MessageStore {
	return &MessageStore{
		conversationID: conversationID,
		byID:           make(map[string]storedMessage),
		pending:        make(map[string]storedPending),
		changes:        make(chan struct{}, 1),
	}
}

// Changes returns a coalescing signal channel: one receive means "the view
// changed at least once". The channel is closed when the store is closed.
func (s *MessageStore) Changes() <-chan struct{} { return s.changes }

// notifyLocked coalesces change signals. Callers hold s.mu.
func (s *MessageStore) notifyLocked() {
	if s.closed {
		return
	}
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// Seed replaces the store content with an initial history page. Only the
// first call on an empty store wins: if any confirmed message has already
// arrived (a live insert beat the history fetch) or the store was seeded
// before, Seed is a no-op and returns false. Late or repeated history
// results must then be merged item by item instead.
func (s *MessageStore) Seed(initial []Message) bool {
	s.mu.Lock()
	if s.closed || s.seeded || len(s.byID) > 0 {
		s.mu.Unlock()
		return false
	}
	s.seeded = true
	applied := make([]Message, 0, len(initial))
	for _, m := range initial {
		if m.ConversationID != s.conversationID {
			continue
		}
		if _, ok := s.byID[m.ID]; ok {
			continue
		}
		s.byID[m.ID] = storedMessage{msg: m, seq: s.nextSeq}
		s.nextSeq++
		applied = append(applied, m)
	}
	s.notifyLocked()
	hook := s.confirmHook
	s.mu.Unlock()

	if hook != nil {
		for _, m := range applied {
			hook(m)
		}
	}
	return true
}

// Merge applies a confirmed message. The insert is keyed by server id and
// idempotent: a message whose id is already present changes nothing. Merge
// is also the single reconciliation point between optimistic sends and
// their confirmations: whichever path delivers a confirmed message first,
// the append response or the live-feed echo, a pending send with a
// matching correlation token is removed here. Returns whether the store
// changed.
func (s *MessageStore) Merge(incoming Message) bool {
	s.mu.Lock()
	if s.closed || incoming.ConversationID != s.conversationID {
		s.mu.Unlock()
		return false
	}

	changed := false
	var applied *Message
	if _, ok := s.byID[incoming.ID]; !ok {
		s.byID[incoming.ID] = storedMessage{msg: incoming, seq: s.nextSeq}
		s.nextSeq++
		applied = &incoming
		changed = true
	}
	if incoming.ClientToken != "" {
		if _, ok := s.pending[incoming.ClientToken]; ok {
			delete(s.pending, incoming.ClientToken)
			changed = true
		}
	}
	if changed {
		s.notifyLocked()
	}
	hook := s.confirmHook
	s.mu.Unlock()

	if applied != nil && hook != nil {
		hook(*applied)
	}
	return changed
}

// AddPending appends an optimistic entry for a locally authored send.
func (s *MessageStore) AddPending(p PendingSend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pending[p.Token] = storedPending{p: p, seq: s.nextSeq}
	s.nextSeq++
	s.notifyLocked()
}

// FailPending marks a pending send as failed, retaining it for retry or
// dismissal. Returns false for unknown tokens.
func (s *MessageStore) FailPending(token, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.pending[token]
	if s.closed || !ok {
		return false
	}
	sp.p.State = SendFailed
	sp.p.FailReason = reason
	s.pending[token] = sp
	s.notifyLocked()
	return true
}

// RestorePending flips a failed send back to in-flight before a retry.
// The original submission time is kept so the entry does not move.
func (s *MessageStore) RestorePending(token string) (PendingSend, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.pending[token]
	if s.closed || !ok || sp.p.State != SendFailed {
		return PendingSend{}, false
	}
	sp.p.State = SendInFlight
	sp.p.FailReason = ""
	s.pending[token] = sp
	s.notifyLocked()
	return sp.p, true
}

// RemovePending drops a pending send, e.g. when the user dismisses a
// failed one. Returns false for unknown tokens.
func (s *MessageStore) RemovePending(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, ok := s.pending[token]; !ok {
		return false
	}
	delete(s.pending, token)
	s.notifyLocked()
	return true
}

// Snapshot returns the merged, ordered transcript projection. The result
// is deterministic for a fixed set of merged messages regardless of
// arrival order: ascending by effective timestamp, ties broken by
// insertion sequence.
func (s *MessageStore) Snapshot() ConversationView {
	s.mu.RLock()
	type row struct {
		entry ViewEntry
		seq   uint64
	}
	rows := make([]row, 0, len(s.byID)+len(s.pending))
	for _, sm := range s.byID {
		m := sm.msg
		rows = append(rows, row{entry: ViewEntry{Message: &m}, seq: sm.seq})
	}
	for _, sp := range s.pending {
		p := sp.p
		rows = append(rows, row{entry: ViewEntry{Pending: &p, Own: true}, seq: sp.seq})
	}
	s.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool {
		ti, tj := rows[i].entry.EffectiveTime(), rows[j].entry.EffectiveTime()
		if ti.Equal(tj) {
			return rows[i].seq < rows[j].seq
		}
		return ti.Before(tj)
	})

	view := ConversationView{
		ConversationID: s.conversationID,
		Entries:        make([]ViewEntry, len(rows)),
	}
	for i, r := range rows {
		view.Entries[i] = r.entry
	}
	return view
}

// Close makes the store inert. All subsequent mutations are silently
// dropped and the change channel is closed.
func (s *MessageStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.changes)
}

// setConfirmHook installs the write-through observer for newly applied
// confirmed messages. Must be set before producers start.
func (s *MessageStore) setConfirmHook(hook func(Message)) {
	s.mu.Lock()
	s.confirmHook = hook
	s.mu.Unlock()
}
