package convsync

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// ============================================================================
// LiveFeed
// ============================================================================

// LiveFeed consumes the remote change stream for one conversation and
// merges decoded inserts into the MessageStore. Per-event failures stay
// inside the feed: an undecodable payload or a row for another
// conversation is logged and dropped, never terminating the stream.
//
// A feed is restartable: Open after Close is safe; already-merged rows
// are absorbed by the store's id-keyed dedup, not by the feed.
type LiveFeed struct {
	opener         SubscriptionOpener
	store          *MessageStore
	conversationID string
	log            zerolog.Logger

	mu  sync.Mutex
	sub Subscription
}

// NewLiveFeed creates a feed bound to one store and conversation.
func NewLiveFeed(opener SubscriptionOpener, store *MessageStore, conversationID string, log zerolog.Logger) *LiveFeed {
	return &LiveFeed{
		opener:         opener,
		store:          store,
		conversationID: conversationID,
		log:            log.With().Str("conversation", conversationID).Logger(),
	}
}

// Open starts the subscription and pumps it until the stream ends. status
// receives every status change the stream reports, and a final
// SubStatusClosed when the stream ends for any reason, so the supervisor
// tells intentional teardown apart from transport failure.
func (f *LiveFeed) Open(ctx context.Context, status func(string)) error {
	sub, err := f.opener.OpenFeed(ctx, f.conversationID)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.sub = sub
	f.mu.Unlock()

	go f.pump(sub, status)
	return nil
}

// Close tears down the current subscription, ending the pump.
func (f *LiveFeed) Close() error {
	f.mu.Lock()
	sub := f.sub
	f.sub = nil
	f.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Close()
}

func (f *LiveFeed) pump(sub Subscription, status func(string)) {
	for ev := range sub.Events() {
		if ev.Status != "" {
			status(ev.Status)
			continue
		}

		msg, err := decodeMessage(ev.Row)
		if err != nil {
			f.log.Warn().Err(err).Msg("dropping undecodable insert event")
			continue
		}
		if msg.ConversationID != f.conversationID {
			// A server-side filtering bug must not leak rows into
			// this conversation's store.
			f.log.Warn().Str("got", msg.ConversationID).Msg("dropping event for foreign conversation")
			continue
		}
		f.store.Merge(msg)
	}
	status(SubStatusClosed)
}
