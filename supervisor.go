package convsync

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Backoff
// ============================================================================

// stableWindow is how long a connection must hold before the attempt
// counter resets, so a brief outage after a long healthy session starts
// from the base delay again.
const stableWindow = time.Minute

type backoff struct {
	base        time.Duration
	max         time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func (b *backoff) exhausted() bool {
	return b.maxAttempts > 0 && b.attempt >= b.maxAttempts
}

func (b *backoff) markConnected() {
	b.connectedAt = time.Now()
}

// next returns the delay before the following attempt: exponential with
// jitter, capped at max.
func (b *backoff) next() time.Duration {
	if !b.connectedAt.IsZero() && time.Since(b.connectedAt) > stableWindow {
		b.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(b.base) * 0.5)
	delay := time.Duration(math.Min(
		float64(b.base)*math.Pow(2, float64(b.attempt))+float64(jitter),
		float64(b.max),
	))
	b.attempt++
	return delay
}

// ============================================================================
// ConnectionSupervisor
// ============================================================================

// SupervisorConfig tunes the reconnect loop. Zero values get defaults.
type SupervisorConfig struct {
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
}

func (c *SupervisorConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
}

// ConnectionSupervisor owns the LiveFeed's lifecycle. It is the sole
// writer of ConnectionState; everything else reads it. Transport errors
// are absorbed into the reconnect loop and surface only through State;
// the transcript is never interrupted by a flapping connection.
//
// State machine: Disconnected → Connecting → Subscribed; a feed error or
// unexpected close degrades to Degraded(reason), then Reconnecting →
// Connecting after a backoff delay. Disconnect moves to Disconnected from
// anywhere and is terminal for the instance.
type ConnectionSupervisor struct {
	feed *LiveFeed
	log  zerolog.Logger

	mu          sync.Mutex
	state       ConnectionState
	intentional bool
	bo          *backoff
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewConnectionSupervisor creates a supervisor for one feed.
func NewConnectionSupervisor(feed *LiveFeed, cfg SupervisorConfig, log zerolog.Logger) *ConnectionSupervisor {
	cfg.defaults()
	return &ConnectionSupervisor{
		feed:  feed,
		log:   log,
		state: ConnectionState{Phase: StateDisconnected},
		bo: &backoff{
			base:        cfg.ReconnectBaseDelay,
			max:         cfg.ReconnectMaxDelay,
			maxAttempts: cfg.MaxReconnectAttempts,
		},
	}
}

// State returns the current connectivity value. Never blocks.
func (s *ConnectionSupervisor) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect opens the feed and starts supervising it. Transport failures,
// now or later, are absorbed into the reconnect loop; the only error
// returned is calling Connect on an instance that was already started.
func (s *ConnectionSupervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.ctx != nil {
		s.mu.Unlock()
		return errors.New("supervisor already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.ctx, s.cancel = runCtx, cancel
	s.state = ConnectionState{Phase: StateConnecting}
	s.mu.Unlock()

	s.open(runCtx)
	return nil
}

// Disconnect tears the feed down and parks the supervisor in Disconnected
// for good. Any pending reconnect timer is cancelled; no transition ever
// happens afterwards.
func (s *ConnectionSupervisor) Disconnect() {
	s.mu.Lock()
	s.intentional = true
	s.state = ConnectionState{Phase: StateDisconnected}
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.feed.Close()
}

// open dials the feed. Called with phase already set to Connecting or
// Reconnecting.
func (s *ConnectionSupervisor) open(ctx context.Context) {
	s.mu.Lock()
	if s.intentional {
		s.mu.Unlock()
		return
	}
	s.state = ConnectionState{Phase: StateConnecting}
	s.mu.Unlock()

	if err := s.feed.Open(ctx, func(status string) { s.onStatus(ctx, status) }); err != nil {
		s.log.Warn().Err(err).Msg("feed open failed")
		s.degrade(ctx, "connect failed")
	}
}

// onStatus reacts to feed status changes. The final CLOSED emitted by a
// pump that was closed on purpose is ignored via the intentional flag and
// the already-degraded guard.
func (s *ConnectionSupervisor) onStatus(ctx context.Context, status string) {
	switch status {
	case SubStatusSubscribed:
		s.mu.Lock()
		if !s.intentional {
			s.state = ConnectionState{Phase: StateSubscribed}
			s.bo.markConnected()
			s.log.Debug().Msg("feed subscribed")
		}
		s.mu.Unlock()
	case SubStatusError, SubStatusTimedOut, SubStatusClosed:
		s.feed.Close()
		s.degrade(ctx, status)
	}
}

// degrade records the failure and schedules the next attempt, unless one
// is already pending or retries are exhausted.
func (s *ConnectionSupervisor) degrade(ctx context.Context, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.intentional || ctx.Err() != nil {
		return
	}
	switch s.state.Phase {
	case StateDegraded, StateDisconnected:
		return
	}

	if s.bo.exhausted() {
		s.state = ConnectionState{Phase: StateDegraded, Reason: "offline"}
		s.log.Warn().Str("cause", reason).Msg("reconnect attempts exhausted, going offline")
		return
	}

	s.state = ConnectionState{Phase: StateDegraded, Reason: reason}
	delay := s.bo.next()
	s.log.Debug().Str("reason", reason).Dur("delay", delay).Int("attempt", s.bo.attempt).Msg("feed degraded, reconnect scheduled")
	go s.waitAndReconnect(ctx, delay)
}

func (s *ConnectionSupervisor) waitAndReconnect(ctx context.Context, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	s.mu.Lock()
	if s.intentional {
		s.mu.Unlock()
		return
	}
	s.state = ConnectionState{Phase: StateReconnecting}
	s.mu.Unlock()

	s.open(ctx)
}
