package convsync

import (
	"context"

	"github.com/rs/zerolog"
)

// HistoryLoader fetches one bounded page of past messages. It never
// retries on its own; the engine decides retry policy.
type HistoryLoader struct {
	remote HistoryQuerier
	log    zerolog.Logger
}

// NewHistoryLoader wraps a HistoryQuerier.
func NewHistoryLoader(remote HistoryQuerier, log zerolog.Logger) *HistoryLoader {
	return &HistoryLoader{remote: remote, log: log}
}

// Load fetches the most recent limit messages of the conversation and
// returns them ascending by time, ready for seeding. Network and decode
// failures come back as a *FetchError.
func (l *HistoryLoader) Load(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	rows, err := l.remote.FetchRecent(ctx, conversationID, limit)
	if err != nil {
		return nil, &FetchError{ConversationID: conversationID, Err: err}
	}

	msgs := make([]Message, 0, len(rows))
	for _, row := range rows {
		m, err := decodeMessage(row)
		if err != nil {
			return nil, &FetchError{ConversationID: conversationID, Err: err}
		}
		msgs = append(msgs, m)
	}

	// The backend returns newest-first; the transcript wants oldest-first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	l.log.Debug().Str("conversation", conversationID).Int("count", len(msgs)).Msg("history page loaded")
	return msgs, nil
}
