// Package convsync keeps a per-conversation message transcript consistent
// for the StudyCircle client: it combines a bulk history fetch, a live
// push-based insert stream, and locally-originated sends into a single
// ordered view, surviving connection drops and reconnects.
//
// Example:
//
//	backend := convsync.NewBackend("https://api.studycircle.app", token)
//	engine := convsync.NewSyncEngine(backend, session, nil)
//	if err := engine.Start(ctx, conversationID); err != nil { ... }
//	defer engine.Stop()
//
//	for range engine.Updates() {
//		render(engine.CurrentView())
//	}
package convsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Messages
// ============================================================================

// Message is a server-confirmed message. ID and CreatedAt are assigned by
// the backend on insert; ClientToken is echoed back for messages that
// originated from this client and links a confirmation to its PendingSend.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	ClientToken    string    `json:"clientToken,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// SendState is the lifecycle state of a PendingSend.
type SendState string

const (
	SendInFlight SendState = "in_flight"
	SendFailed   SendState = "failed"
)

// PendingSend is a locally authored message that the backend has not yet
// confirmed. Token is a client-generated correlation id; SubmittedAt is the
// provisional timestamp used for display ordering until confirmation.
type PendingSend struct {
	Token       string    `json:"token"`
	Content     string    `json:"content"`
	SubmittedAt time.Time `json:"submittedAt"`
	State       SendState `json:"state"`
	FailReason  string    `json:"failReason,omitempty"`
}

// ============================================================================
// Conversation view
// ============================================================================

// ViewEntry is one row of the projected transcript: either a confirmed
// Message or a PendingSend, never both.
type ViewEntry struct {
	Message *Message     `json:"message,omitempty"`
	Pending *PendingSend `json:"pending,omitempty"`
	Own     bool         `json:"own"`
}

// Confirmed reports whether the entry is a server-confirmed message.
func (e ViewEntry) Confirmed() bool { return e.Message != nil }

// EffectiveTime is the timestamp that governs display order: server time
// for confirmed messages, submission time for pending ones.
func (e ViewEntry) EffectiveTime() time.Time {
	if e.Message != nil {
		return e.Message.CreatedAt
	}
	return e.Pending.SubmittedAt
}

// ConversationView is the ordered transcript projection handed to the
// presentation layer. Entries are sorted ascending by effective time, ties
// broken by insertion order, so the view is stable across re-renders.
type ConversationView struct {
	ConversationID string      `json:"conversationId"`
	Entries        []ViewEntry `json:"entries"`
}

// ============================================================================
// Connection state
// ============================================================================

// ConnectionPhase is the coarse connectivity phase owned by the
// ConnectionSupervisor.
type ConnectionPhase string

const (
	StateDisconnected ConnectionPhase = "disconnected"
	StateConnecting   ConnectionPhase = "connecting"
	StateSubscribed   ConnectionPhase = "subscribed"
	StateDegraded     ConnectionPhase = "degraded"
	StateReconnecting ConnectionPhase = "reconnecting"
)

// ConnectionState is the read-only connectivity value exposed to callers.
// Reason is set only while degraded.
type ConnectionState struct {
	Phase  ConnectionPhase `json:"phase"`
	Reason string          `json:"reason,omitempty"`
}

// ============================================================================
// Subscription events
// ============================================================================

// RawMessage is an undecoded message row as delivered by the backend.
type RawMessage = json.RawMessage

// Subscription status values reported by the remote change stream.
const (
	SubStatusSubscribed = "SUBSCRIBED"
	SubStatusTimedOut   = "TIMED_OUT"
	SubStatusError      = "CHANNEL_ERROR"
	SubStatusClosed     = "CLOSED"
)

// SubscriptionEvent is one event from the remote change stream: a status
// change (Status non-empty) or an inserted row (Row non-nil).
type SubscriptionEvent struct {
	Status string
	Row    RawMessage
}

// ============================================================================
// Error taxonomy
// ============================================================================

var (
	// ErrBlankMessage is returned by Send for content that is empty after
	// trimming.
	ErrBlankMessage = errors.New("message content is blank")

	// ErrNotSignedIn is returned by Send when the session has no user.
	ErrNotSignedIn = errors.New("no signed-in user")

	// ErrEngineStopped is returned for operations on a stopped engine.
	ErrEngineStopped = errors.New("sync engine is not running")

	// ErrEngineRunning is returned by Start while a conversation is open.
	ErrEngineRunning = errors.New("sync engine already started")

	// ErrUnknownToken is returned by RetryFailed and DiscardFailed when no
	// pending send carries the given correlation token.
	ErrUnknownToken = errors.New("no pending send with that token")
)

// FetchError wraps a failed history load. Recoverable: the caller may
// re-invoke Refresh manually.
type FetchError struct {
	ConversationID string
	Err            error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("history fetch for %s failed: %v", e.ConversationID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// SendError reports a failed append for one pending send, keyed by its
// correlation token. Never retried automatically.
type SendError struct {
	Token string
	Err   error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send %s failed: %v", e.Token, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// SubscriptionError is a transport-level feed failure. It feeds the
// supervisor's reconnect loop and only becomes user-visible through the
// connectivity indicator.
type SubscriptionError struct {
	Reason string
	Err    error
}

func (e *SubscriptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("subscription %s: %v", e.Reason, e.Err)
	}
	return "subscription " + e.Reason
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// DecodeError is a malformed event payload. Contained at the LiveFeed
// boundary: logged, dropped, never fatal.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "decode message: " + e.Err.Error() }

func (e *DecodeError) Unwrap() error { return e.Err }

// ============================================================================
// Wire decoding
// ============================================================================

// wireMessage is the JSON shape of a message row on the wire.
type wireMessage struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Content        string `json:"content"`
	ClientToken    string `json:"clientToken,omitempty"`
	CreatedAt      string `json:"createdAt"`
}

// decodeMessage parses a raw row into a Message, rejecting rows without a
// server id, conversation id, or parseable timestamp.
func decodeMessage(raw RawMessage) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return Message{}, &DecodeError{Err: err}
	}
	if w.ID == "" {
		return Message{}, &DecodeError{Err: errors.New("missing id")}
	}
	if w.ConversationID == "" {
		return Message{}, &DecodeError{Err: errors.New("missing conversationId")}
	}
	createdAt, err := time.Parse(time.RFC3339Nano, w.CreatedAt)
	if err != nil {
		return Message{}, &DecodeError{Err: fmt.Errorf("createdAt: %w", err)}
	}
	return Message{
		ID:             w.ID,
		ConversationID: w.ConversationID,
		SenderID:       w.SenderID,
		Content:        w.Content,
		ClientToken:    w.ClientToken,
		CreatedAt:      createdAt,
	}, nil
}
