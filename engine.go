package convsync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Options
// ============================================================================

// Options tunes a SyncEngine. The zero value is usable; empty fields get
// defaults.
type Options struct {
	// HistoryLimit is the page size of the startup history fetch.
	HistoryLimit int

	// Reconnect backoff tuning, passed through to the supervisor.
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int

	// Cache enables the on-device transcript cache. Nil disables it.
	Cache *TranscriptCache

	// Logger receives diagnostics. Nil means silent.
	Logger *zerolog.Logger
}

func (o *Options) defaults() {
	if o.HistoryLimit == 0 {
		o.HistoryLimit = 50
	}
}

// ============================================================================
// SyncEngine
// ============================================================================

// SyncEngine is the composition root: it owns one MessageStore, one
// ConnectionSupervisor with its LiveFeed, and one SendCoordinator, and
// exposes the read-model (CurrentView, ConnectionState, Updates, Errors)
// and the write operations (Send, RetryFailed, DiscardFailed, Refresh) to
// the presentation layer.
//
// At most one live subscription exists per engine at any time: Start on a
// running engine fails, and Stop tears everything down before returning.
type SyncEngine struct {
	remote  RemoteStore
	session SessionProvider
	opts    Options
	log     zerolog.Logger
	errs    chan error

	mu             sync.Mutex
	started        bool
	conversationID string
	store          *MessageStore
	loader         *HistoryLoader
	sup            *ConnectionSupervisor
	sender         *SendCoordinator
	runCtx         context.Context
	cancel         context.CancelFunc
}

// NewSyncEngine creates an engine over the given remote store and session.
// opts may be nil.
func NewSyncEngine(remote RemoteStore, session SessionProvider, opts *Options) *SyncEngine {
	var o Options
	if opts != nil {
		o = *opts
	}
	o.defaults()
	log := zerolog.Nop()
	if o.Logger != nil {
		log = *o.Logger
	}
	return &SyncEngine{
		remote:  remote,
		session: session,
		opts:    o,
		log:     log,
		errs:    make(chan error, 16),
	}
}

// Start opens the conversation: pre-populates from the cache when one is
// configured, kicks off the history fetch, and connects the live feed.
// The engine runs until Stop or until ctx is cancelled.
func (e *SyncEngine) Start(ctx context.Context, conversationID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		// One conversation, one live subscription per engine at a time.
		return ErrEngineRunning
	}

	log := e.log.With().Str("conversation", conversationID).Logger()
	store := NewMessageStore(conversationID)
	if e.opts.Cache != nil {
		cache := e.opts.Cache
		store.setConfirmHook(func(m Message) {
			if err := cache.Put(m); err != nil {
				log.Warn().Err(err).Msg("transcript cache write failed")
			}
		})
		if cached, err := cache.Recent(conversationID, e.opts.HistoryLimit); err != nil {
			log.Warn().Err(err).Msg("transcript cache preload failed")
		} else {
			for _, m := range cached {
				store.Merge(m)
			}
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	feed := NewLiveFeed(e.remote, store, conversationID, log)
	sup := NewConnectionSupervisor(feed, SupervisorConfig{
		ReconnectBaseDelay:   e.opts.ReconnectBaseDelay,
		ReconnectMaxDelay:    e.opts.ReconnectMaxDelay,
		MaxReconnectAttempts: e.opts.MaxReconnectAttempts,
	}, log)

	e.conversationID = conversationID
	e.store = store
	e.loader = NewHistoryLoader(e.remote, log)
	e.sender = NewSendCoordinator(e.remote, e.session, store, conversationID, e.report, log)
	e.sup = sup
	e.runCtx, e.cancel = runCtx, cancel
	e.started = true

	go e.loadHistory(runCtx, conversationID)
	if err := sup.Connect(runCtx); err != nil {
		return err
	}
	return nil
}

// Stop closes the conversation: the reconnect loop, the feed, and the
// store are all shut down before Stop returns, and any fetch, event, or
// send that resolves afterwards is silently discarded.
func (e *SyncEngine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return
	}
	e.started = false
	e.cancel()
	e.sup.Disconnect()
	e.store.Close()
	e.log.Debug().Str("conversation", e.conversationID).Msg("engine stopped")
}

// loadHistory performs the one-shot startup fetch. If live inserts (or a
// cache preload) beat it to the store, the seed falls back to item-by-item
// merges so nothing already displayed is clobbered.
func (e *SyncEngine) loadHistory(ctx context.Context, conversationID string) {
	msgs, err := e.loader.Load(ctx, conversationID, e.opts.HistoryLimit)
	if err != nil {
		if ctx.Err() == nil {
			e.report(err)
		}
		return
	}
	e.mergeHistory(msgs)
}

func (e *SyncEngine) mergeHistory(msgs []Message) {
	e.mu.Lock()
	store := e.store
	e.mu.Unlock()
	if store == nil {
		return
	}
	if !store.Seed(msgs) {
		for _, m := range msgs {
			store.Merge(m)
		}
	}
}

// Refresh re-fetches the latest history page and merges it item by item.
// Safe to call any number of times; never re-seeds.
func (e *SyncEngine) Refresh() error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return ErrEngineStopped
	}
	ctx, loader, conversationID, limit := e.runCtx, e.loader, e.conversationID, e.opts.HistoryLimit
	e.mu.Unlock()

	msgs, err := loader.Load(ctx, conversationID, limit)
	if err != nil {
		return err
	}
	e.mergeHistory(msgs)
	return nil
}

// CurrentView returns the ordered transcript projection, with Own stamped
// from the current session.
func (e *SyncEngine) CurrentView() ConversationView {
	e.mu.Lock()
	store := e.store
	conversationID := e.conversationID
	e.mu.Unlock()
	if store == nil {
		return ConversationView{ConversationID: conversationID}
	}

	view := store.Snapshot()
	if self := e.session.CurrentUserID(); self != "" {
		for i := range view.Entries {
			if m := view.Entries[i].Message; m != nil && m.SenderID == self {
				view.Entries[i].Own = true
			}
		}
	}
	return view
}

// ConnectionState returns the supervisor's current connectivity value.
func (e *SyncEngine) ConnectionState() ConnectionState {
	e.mu.Lock()
	sup := e.sup
	e.mu.Unlock()
	if sup == nil {
		return ConnectionState{Phase: StateDisconnected}
	}
	return sup.State()
}

// Send dispatches a new message. The returned token identifies the
// resulting pending entry; the outcome is observed through the view and
// the error channel.
func (e *SyncEngine) Send(content string) (string, error) {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return "", ErrEngineStopped
	}
	ctx, sender := e.runCtx, e.sender
	e.mu.Unlock()
	return sender.Send(ctx, content)
}

// RetryFailed re-dispatches a failed send.
func (e *SyncEngine) RetryFailed(token string) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return ErrEngineStopped
	}
	ctx, sender := e.runCtx, e.sender
	e.mu.Unlock()
	return sender.RetryFailed(ctx, token)
}

// DiscardFailed removes a failed send from the view.
func (e *SyncEngine) DiscardFailed(token string) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return ErrEngineStopped
	}
	sender := e.sender
	e.mu.Unlock()
	return sender.DiscardFailed(token)
}

// Updates returns the change-notification channel of the active store.
// One receive means the view changed at least once since the last read;
// the channel closes when the engine stops. Valid after Start.
func (e *SyncEngine) Updates() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.store == nil {
		return nil
	}
	return e.store.Changes()
}

// Errors returns the engine's typed error channel: FetchErrors from
// history loads and SendErrors from failed appends. Connection trouble is
// not reported here; it only surfaces through ConnectionState.
func (e *SyncEngine) Errors() <-chan error { return e.errs }

func (e *SyncEngine) report(err error) {
	select {
	case e.errs <- err:
	default:
		e.log.Warn().Err(err).Msg("error channel full, dropping")
	}
}
