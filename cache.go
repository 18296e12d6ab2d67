package convsync

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	// Pure-Go SQLite driver, registered for database/sql.
	_ "modernc.org/sqlite"
)

// ============================================================================
// TranscriptCache
// ============================================================================

const cacheSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	sender_id       TEXT NOT NULL,
	content         TEXT NOT NULL,
	client_token    TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation_time
	ON messages (conversation_id, created_at);
`

// TranscriptCache is an optional on-device cache of confirmed messages.
// The engine writes every applied merge through it and pre-populates the
// view from it before history arrives, so a reopened conversation renders
// instantly even offline. Rows are keyed by server id; Put is idempotent,
// matching the store's merge semantics.
type TranscriptCache struct {
	db  *sql.DB
	log zerolog.Logger
}

// OpenTranscriptCache opens or creates the cache database at path. Use
// ":memory:" for an ephemeral cache in tests.
func OpenTranscriptCache(path string, log zerolog.Logger) (*TranscriptCache, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping cache database: %w", err)
	}
	if _, err := db.Exec(cacheSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init cache schema: %w", err)
	}
	return &TranscriptCache{db: db, log: log}, nil
}

// Close releases the database handle.
func (c *TranscriptCache) Close() error {
	return c.db.Close()
}

// Put stores one confirmed message. Re-inserting a known id is a no-op.
func (c *TranscriptCache) Put(m Message) error {
	_, err := c.db.Exec(
		`INSERT OR IGNORE INTO messages (id, conversation_id, sender_id, content, client_token, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.SenderID, m.Content, m.ClientToken,
		m.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Recent returns up to limit cached messages of the conversation,
// ascending by time.
func (c *TranscriptCache) Recent(conversationID string, limit int) ([]Message, error) {
	rows, err := c.db.Query(
		`SELECT id, conversation_id, sender_id, content, client_token, created_at
		 FROM messages WHERE conversation_id = ?
		 ORDER BY created_at DESC LIMIT ?`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("cache query: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var createdAt string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.ClientToken, &createdAt); err != nil {
			return nil, fmt.Errorf("cache scan: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			// A corrupt row is skipped rather than failing the preload.
			c.log.Warn().Str("id", m.ID).Msg("skipping cached row with bad timestamp")
			continue
		}
		m.CreatedAt = t
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cache rows: %w", err)
	}

	// Query is newest-first for the LIMIT; flip to transcript order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
