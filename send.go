package convsync

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ============================================================================
// SendCoordinator
// ============================================================================

// SendCoordinator turns locally authored text into optimistic transcript
// entries and reconciles them against server confirmations. Sends are
// fire-and-forget: the outcome is observed through the ConversationView
// and the engine's error channel.
//
// Concurrent sends proceed independently, each under its own correlation
// token; they are serialized only at the MessageStore.
type SendCoordinator struct {
	remote         Appender
	session        SessionProvider
	store          *MessageStore
	conversationID string
	log            zerolog.Logger

	// report surfaces SendErrors to the engine's error channel.
	report func(error)
}

// NewSendCoordinator wires a coordinator for one conversation. report may
// be nil when the caller does not consume send errors.
func NewSendCoordinator(remote Appender, session SessionProvider, store *MessageStore, conversationID string, report func(error), log zerolog.Logger) *SendCoordinator {
	if report == nil {
		report = func(error) {}
	}
	return &SendCoordinator{
		remote:         remote,
		session:        session,
		store:          store,
		conversationID: conversationID,
		log:            log,
		report:         report,
	}
}

// Send validates the content, appends a pending entry to the view, and
// dispatches the remote append in the background. The returned token
// identifies the pending send for RetryFailed and DiscardFailed.
func (c *SendCoordinator) Send(ctx context.Context, content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrBlankMessage
	}
	senderID := c.session.CurrentUserID()
	if senderID == "" {
		return "", ErrNotSignedIn
	}

	token := uuid.NewString()
	c.store.AddPending(PendingSend{
		Token:       token,
		Content:     content,
		SubmittedAt: time.Now(),
		State:       SendInFlight,
	})

	go c.deliver(ctx, token, content, senderID)
	return token, nil
}

// RetryFailed re-dispatches a send that previously failed. The pending
// entry keeps its submission time so it does not move in the view.
func (c *SendCoordinator) RetryFailed(ctx context.Context, token string) error {
	p, ok := c.store.RestorePending(token)
	if !ok {
		return ErrUnknownToken
	}
	senderID := c.session.CurrentUserID()
	if senderID == "" {
		c.store.FailPending(token, ErrNotSignedIn.Error())
		return ErrNotSignedIn
	}
	go c.deliver(ctx, token, p.Content, senderID)
	return nil
}

// DiscardFailed drops a failed send from the view.
func (c *SendCoordinator) DiscardFailed(token string) error {
	if !c.store.RemovePending(token) {
		return ErrUnknownToken
	}
	return nil
}

// deliver performs the remote append and reconciles the outcome. If the
// live feed already merged the echo of this send (race between the append
// response and the push stream), the merge is a no-op apart from clearing
// the pending entry; the id-keyed store guarantees a single copy.
func (c *SendCoordinator) deliver(ctx context.Context, token, content, senderID string) {
	raw, err := c.remote.Insert(ctx, c.conversationID, senderID, content, token)
	if err != nil {
		c.fail(token, err)
		return
	}

	msg, err := decodeMessage(raw)
	if err != nil {
		c.fail(token, err)
		return
	}
	if msg.ClientToken == "" {
		// Older backends do not echo the token on the append response;
		// this keeps reconciliation on the single merge path.
		msg.ClientToken = token
	}
	c.store.Merge(msg)
	c.log.Debug().Str("token", token).Str("id", msg.ID).Msg("send confirmed")
}

func (c *SendCoordinator) fail(token string, err error) {
	// A closed store means the conversation was torn down mid-flight;
	// the late failure is dropped without surfacing an error.
	if !c.store.FailPending(token, err.Error()) {
		c.log.Debug().Str("token", token).Msg("discarding send outcome for closed store")
		return
	}
	c.log.Warn().Str("token", token).Err(err).Msg("send failed")
	c.report(&SendError{Token: token, Err: err})
}
