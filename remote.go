package convsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Collaborator interfaces
// ============================================================================

// HistoryQuerier fetches the most recent rows of a conversation, ordered
// descending by time.
type HistoryQuerier interface {
	FetchRecent(ctx context.Context, conversationID string, limit int) ([]RawMessage, error)
}

// Appender writes a new message; the server assigns id and timestamp.
// clientToken is echoed back on the confirmed row and on its live echo.
type Appender interface {
	Insert(ctx context.Context, conversationID, senderID, content, clientToken string) (RawMessage, error)
}

// Subscription is an open change stream for one conversation. Events()
// is closed when the stream ends, whether by Close or by a transport
// failure.
type Subscription interface {
	Events() <-chan SubscriptionEvent
	Close() error
}

// SubscriptionOpener opens a change stream scoped to one conversation.
type SubscriptionOpener interface {
	OpenFeed(ctx context.Context, conversationID string) (Subscription, error)
}

// RemoteStore is the full remote surface the engine consumes.
type RemoteStore interface {
	HistoryQuerier
	Appender
	SubscriptionOpener
}

// SessionProvider supplies the signed-in user id, or "" when signed out.
// Injected explicitly so the engine never reaches for ambient session
// state.
type SessionProvider interface {
	CurrentUserID() string
}

// StaticSession is a SessionProvider for a fixed user id.
type StaticSession string

func (s StaticSession) CurrentUserID() string { return string(s) }

// ============================================================================
// Backend
// ============================================================================

const defaultHTTPTimeout = 30 * time.Second

// Backend talks to the StudyCircle API: JSON over HTTP for history and
// appends, a WebSocket change stream for live inserts. It implements
// RemoteStore.
type Backend struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        zerolog.Logger
}

type BackendOption func(*Backend)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) BackendOption {
	return func(b *Backend) { b.httpClient = client }
}

// WithBackendLogger attaches a logger; the default is silent.
func WithBackendLogger(log zerolog.Logger) BackendOption {
	return func(b *Backend) { b.log = log }
}

// NewBackend creates a Backend for the given base URL. token is the bearer
// token of the signed-in user; pass "" for anonymous read access.
func NewBackend(baseURL, token string, opts ...BackendOption) *Backend {
	b := &Backend{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetToken replaces the bearer token, e.g. after a session refresh.
func (b *Backend) SetToken(token string) { b.token = token }

// apiError is the backend's error envelope.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string { return e.Code + ": " + e.Message }

// apiResult is the generic response envelope.
type apiResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *apiError       `json:"error,omitempty"`
}

func (b *Backend) doRequest(ctx context.Context, method, path string, body any, query map[string]string) (*apiResult, error) {
	u := b.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var result apiResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response (HTTP %d): %w", resp.StatusCode, err)
	}
	if !result.OK {
		if result.Error != nil {
			return nil, result.Error
		}
		return nil, fmt.Errorf("request failed with HTTP %d", resp.StatusCode)
	}
	return &result, nil
}

// FetchRecent implements HistoryQuerier.
func (b *Backend) FetchRecent(ctx context.Context, conversationID string, limit int) ([]RawMessage, error) {
	result, err := b.doRequest(ctx, "GET", "/api/conversations/"+conversationID+"/messages", nil, map[string]string{
		"limit": fmt.Sprintf("%d", limit),
		"order": "desc",
	})
	if err != nil {
		return nil, err
	}
	var rows []RawMessage
	if err := json.Unmarshal(result.Data, &rows); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message rows: %w", err)
	}
	return rows, nil
}

// Insert implements Appender.
func (b *Backend) Insert(ctx context.Context, conversationID, senderID, content, clientToken string) (RawMessage, error) {
	result, err := b.doRequest(ctx, "POST", "/api/conversations/"+conversationID+"/messages", map[string]string{
		"senderId":    senderID,
		"content":     content,
		"clientToken": clientToken,
	}, nil)
	if err != nil {
		return nil, err
	}
	return RawMessage(result.Data), nil
}

// ============================================================================
// WebSocket subscription
// ============================================================================

// feedEnvelope is the wire format of the change stream: a status frame
// ({"type":"status","payload":{"status":"SUBSCRIBED"}}) or an insert frame
// whose payload is the raw message row.
type feedEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type statusPayload struct {
	Status string `json:"status"`
}

// wsSubscription implements Subscription over a WebSocket connection.
type wsSubscription struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
	events chan SubscriptionEvent
	log    zerolog.Logger

	closeOnce sync.Once
}

// OpenFeed implements SubscriptionOpener. The returned stream stays open
// until Close is called or the transport fails.
func (b *Backend) OpenFeed(ctx context.Context, conversationID string) (Subscription, error) {
	wsURL := strings.Replace(b.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/realtime?conversation=" + url.QueryEscape(conversationID)
	if b.token != "" {
		wsURL += "&token=" + url.QueryEscape(b.token)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, &SubscriptionError{Reason: "dial", Err: err}
	}

	streamCtx, cancel := context.WithCancel(ctx)
	sub := &wsSubscription{
		conn:   conn,
		cancel: cancel,
		events: make(chan SubscriptionEvent, 16),
		log:    b.log.With().Str("conversation", conversationID).Logger(),
	}
	go sub.readLoop(streamCtx)
	return sub, nil
}

func (s *wsSubscription) Events() <-chan SubscriptionEvent { return s.events }

func (s *wsSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.conn.Close(websocket.StatusNormalClosure, "client close")
	})
	return err
}

func (s *wsSubscription) readLoop(ctx context.Context) {
	defer close(s.events)
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			// Normal teardown and transport failure both end the
			// stream; the consumer decides which one it was.
			return
		}

		var env feedEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.log.Debug().Err(err).Msg("dropping undecodable feed frame")
			continue
		}

		var ev SubscriptionEvent
		switch env.Type {
		case "status":
			var p statusPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil || p.Status == "" {
				s.log.Debug().Msg("dropping malformed status frame")
				continue
			}
			ev = SubscriptionEvent{Status: p.Status}
		case "insert":
			ev = SubscriptionEvent{Row: RawMessage(env.Payload)}
		default:
			continue
		}

		select {
		case s.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}
