package convsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Fakes and helpers
// ============================================================================

type fakeSubscription struct {
	ch        chan SubscriptionEvent
	closeOnce sync.Once
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{ch: make(chan SubscriptionEvent, 16)}
}

func (f *fakeSubscription) Events() <-chan SubscriptionEvent { return f.ch }

func (f *fakeSubscription) Close() error {
	f.closeOnce.Do(func() { close(f.ch) })
	return nil
}

// fakeOpener hands out fakeSubscriptions, optionally refusing the first
// failures attempts and optionally announcing SUBSCRIBED on each open.
type fakeOpener struct {
	mu            sync.Mutex
	failures      int
	opened        int
	subs          []*fakeSubscription
	autoSubscribe bool
}

func (o *fakeOpener) OpenFeed(ctx context.Context, conversationID string) (Subscription, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened++
	if o.opened <= o.failures {
		return nil, errors.New("dial refused")
	}
	sub := newFakeSubscription()
	o.subs = append(o.subs, sub)
	if o.autoSubscribe {
		sub.ch <- SubscriptionEvent{Status: SubStatusSubscribed}
	}
	return sub, nil
}

func (o *fakeOpener) openCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opened
}

func (o *fakeOpener) lastSub() *fakeSubscription {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.subs) == 0 {
		return nil
	}
	return o.subs[len(o.subs)-1]
}

func rawRow(t *testing.T, id, conversationID string, at time.Time, clientToken string) RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]string{
		"id":             id,
		"conversationId": conversationID,
		"senderId":       "user-remote",
		"content":        "content of " + id,
		"clientToken":    clientToken,
		"createdAt":      at.Format(time.RFC3339Nano),
	})
	if err != nil {
		t.Fatalf("marshal raw row: %v", err)
	}
	return raw
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// statusRecorder collects feed status callbacks.
type statusRecorder struct {
	mu     sync.Mutex
	states []string
}

func (r *statusRecorder) record(s string) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *statusRecorder) has(s string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.states {
		if got == s {
			return true
		}
	}
	return false
}

// ============================================================================
// LiveFeed tests
// ============================================================================

func TestLiveFeedMergesInserts(t *testing.T) {
	store := NewMessageStore(testConv)
	opener := &fakeOpener{}
	feed := NewLiveFeed(opener, store, testConv, zerolog.Nop())
	rec := &statusRecorder{}

	if err := feed.Open(context.Background(), rec.record); err != nil {
		t.Fatalf("open: %v", err)
	}
	sub := opener.lastSub()
	sub.ch <- SubscriptionEvent{Row: rawRow(t, "m1", testConv, baseTime(), "")}
	sub.ch <- SubscriptionEvent{Row: rawRow(t, "m2", testConv, baseTime().Add(time.Minute), "")}

	waitFor(t, "two merged messages", func() bool { return len(store.Snapshot().Entries) == 2 })

	feed.Close()
	waitFor(t, "final closed status", func() bool { return rec.has(SubStatusClosed) })
}

func TestLiveFeedDropsBadEvents(t *testing.T) {
	store := NewMessageStore(testConv)
	opener := &fakeOpener{}
	feed := NewLiveFeed(opener, store, testConv, zerolog.Nop())

	if err := feed.Open(context.Background(), func(string) {}); err != nil {
		t.Fatalf("open: %v", err)
	}
	sub := opener.lastSub()
	sub.ch <- SubscriptionEvent{Row: RawMessage(`{not json`)}
	sub.ch <- SubscriptionEvent{Row: RawMessage(`{"conversationId":"conv-001","createdAt":"2026-03-14T09:00:00Z"}`)} // no id
	sub.ch <- SubscriptionEvent{Row: rawRow(t, "foreign", "conv-other", baseTime(), "")}
	sub.ch <- SubscriptionEvent{Row: rawRow(t, "good", testConv, baseTime(), "")}

	waitFor(t, "the one good message", func() bool { return len(store.Snapshot().Entries) == 1 })
	if ids := viewIDs(store.Snapshot()); ids[0] != "good" {
		t.Fatalf("wrong survivor: %v", ids)
	}

	// The stream must have survived all three bad events.
	sub.ch <- SubscriptionEvent{Row: rawRow(t, "after", testConv, baseTime().Add(time.Minute), "")}
	waitFor(t, "stream still alive", func() bool { return len(store.Snapshot().Entries) == 2 })
	feed.Close()
}

func TestLiveFeedForwardsStatus(t *testing.T) {
	store := NewMessageStore(testConv)
	opener := &fakeOpener{autoSubscribe: true}
	feed := NewLiveFeed(opener, store, testConv, zerolog.Nop())
	rec := &statusRecorder{}

	if err := feed.Open(context.Background(), rec.record); err != nil {
		t.Fatalf("open: %v", err)
	}
	waitFor(t, "subscribed status", func() bool { return rec.has(SubStatusSubscribed) })

	opener.lastSub().ch <- SubscriptionEvent{Status: SubStatusError}
	waitFor(t, "error status", func() bool { return rec.has(SubStatusError) })
	feed.Close()
}

func TestLiveFeedRestartable(t *testing.T) {
	store := NewMessageStore(testConv)
	opener := &fakeOpener{}
	feed := NewLiveFeed(opener, store, testConv, zerolog.Nop())
	rec := &statusRecorder{}

	if err := feed.Open(context.Background(), rec.record); err != nil {
		t.Fatalf("first open: %v", err)
	}
	opener.lastSub().ch <- SubscriptionEvent{Row: rawRow(t, "m1", testConv, baseTime(), "")}
	waitFor(t, "first merge", func() bool { return len(store.Snapshot().Entries) == 1 })
	feed.Close()
	waitFor(t, "closed status", func() bool { return rec.has(SubStatusClosed) })

	// Reopen; the server replays the same row. The store dedups it.
	if err := feed.Open(context.Background(), func(string) {}); err != nil {
		t.Fatalf("second open: %v", err)
	}
	sub := opener.lastSub()
	sub.ch <- SubscriptionEvent{Row: rawRow(t, "m1", testConv, baseTime(), "")}
	sub.ch <- SubscriptionEvent{Row: rawRow(t, "m2", testConv, baseTime().Add(time.Minute), "")}
	waitFor(t, "no double delivery", func() bool { return len(store.Snapshot().Entries) == 2 })
	feed.Close()

	if got := opener.openCount(); got != 2 {
		t.Fatalf("expected 2 opens, got %d", got)
	}
}
