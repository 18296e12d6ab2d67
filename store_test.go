package convsync

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"
)

const testConv = "conv-001"

func confirmedAt(id string, at time.Time) Message {
	return Message{
		ID:             id,
		ConversationID: testConv,
		SenderID:       "user-remote",
		Content:        "message " + id,
		CreatedAt:      at,
	}
}

func baseTime() time.Time {
	return time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
}

func viewIDs(v ConversationView) []string {
	ids := make([]string, 0, len(v.Entries))
	for _, e := range v.Entries {
		if e.Message != nil {
			ids = append(ids, e.Message.ID)
		} else {
			ids = append(ids, "pending:"+e.Pending.Token)
		}
	}
	return ids
}

func TestMessageStoreMergeIdempotent(t *testing.T) {
	s := NewMessageStore(testConv)
	m := confirmedAt("m1", baseTime())

	if !s.Merge(m) {
		t.Fatal("first merge should apply")
	}
	if s.Merge(m) {
		t.Fatal("second merge of same id should be a no-op")
	}
	if got := len(s.Snapshot().Entries); got != 1 {
		t.Fatalf("expected 1 entry, got %d", got)
	}
}

func TestMessageStoreRejectsForeignConversation(t *testing.T) {
	s := NewMessageStore(testConv)
	m := confirmedAt("m1", baseTime())
	m.ConversationID = "conv-other"
	if s.Merge(m) {
		t.Fatal("merge for another conversation should not apply")
	}
	if len(s.Snapshot().Entries) != 0 {
		t.Fatal("store should stay empty")
	}
}

func TestMessageStoreSeedOnce(t *testing.T) {
	t.Run("second seed ignored", func(t *testing.T) {
		s := NewMessageStore(testConv)
		if !s.Seed([]Message{confirmedAt("m1", baseTime())}) {
			t.Fatal("first seed should win")
		}
		if s.Seed([]Message{confirmedAt("m2", baseTime().Add(time.Minute))}) {
			t.Fatal("second seed should be ignored")
		}
		got := viewIDs(s.Snapshot())
		if len(got) != 1 || got[0] != "m1" {
			t.Fatalf("snapshot changed by late seed: %v", got)
		}
	})

	t.Run("seed after live insert ignored", func(t *testing.T) {
		s := NewMessageStore(testConv)
		s.Merge(confirmedAt("live", baseTime()))
		if s.Seed([]Message{confirmedAt("h1", baseTime().Add(-time.Hour))}) {
			t.Fatal("seed must not clobber live-fed data")
		}
	})
}

func TestMessageStoreOrderInvariant(t *testing.T) {
	msgs := []Message{
		confirmedAt("a", baseTime()),
		confirmedAt("b", baseTime().Add(1*time.Minute)),
		confirmedAt("c", baseTime().Add(2*time.Minute)),
		confirmedAt("d", baseTime().Add(3*time.Minute)),
		confirmedAt("e", baseTime().Add(4*time.Minute)),
	}
	want := []string{"a", "b", "c", "d", "e"}

	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 20; trial++ {
		s := NewMessageStore(testConv)
		perm := rng.Perm(len(msgs))
		for _, i := range perm {
			s.Merge(msgs[i])
		}
		got := viewIDs(s.Snapshot())
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("permutation %v: got order %v, want %v", perm, got, want)
			}
		}
	}
}

func TestMessageStoreSnapshotStable(t *testing.T) {
	s := NewMessageStore(testConv)
	at := baseTime()
	// Same timestamp: insertion order breaks the tie, on every snapshot.
	s.Merge(confirmedAt("first", at))
	s.Merge(confirmedAt("second", at))

	a := viewIDs(s.Snapshot())
	for i := 0; i < 10; i++ {
		b := viewIDs(s.Snapshot())
		if a[0] != b[0] || a[1] != b[1] {
			t.Fatalf("snapshot not stable: %v vs %v", a, b)
		}
	}
	if a[0] != "first" || a[1] != "second" {
		t.Fatalf("tie not broken by insertion order: %v", a)
	}
}

func TestMessageStoreMergeReconcilesPending(t *testing.T) {
	t.Run("confirmation after echo", func(t *testing.T) {
		s := NewMessageStore(testConv)
		s.AddPending(PendingSend{Token: "tok-1", Content: "hi", SubmittedAt: baseTime(), State: SendInFlight})

		echo := confirmedAt("x", baseTime().Add(time.Second))
		echo.ClientToken = "tok-1"
		if !s.Merge(echo) {
			t.Fatal("echo should apply and clear the pending entry")
		}

		// The append response races in later with the same id.
		if s.Merge(echo) {
			t.Fatal("duplicate confirmation should change nothing")
		}

		got := viewIDs(s.Snapshot())
		if len(got) != 1 || got[0] != "x" {
			t.Fatalf("expected exactly one confirmed entry, got %v", got)
		}
	})

	t.Run("pending removal alone counts as change", func(t *testing.T) {
		s := NewMessageStore(testConv)
		echo := confirmedAt("x", baseTime())
		echo.ClientToken = "tok-1"
		s.Merge(echo)

		s.AddPending(PendingSend{Token: "tok-1", Content: "hi", SubmittedAt: baseTime(), State: SendInFlight})
		if !s.Merge(echo) {
			t.Fatal("merge should report the pending removal as a change")
		}
		if len(s.Snapshot().Entries) != 1 {
			t.Fatal("pending entry should be gone")
		}
	})
}

func TestMessageStorePendingLifecycle(t *testing.T) {
	s := NewMessageStore(testConv)
	s.AddPending(PendingSend{Token: "tok", Content: "hello", SubmittedAt: baseTime(), State: SendInFlight})

	if !s.FailPending("tok", "boom") {
		t.Fatal("fail should find the pending entry")
	}
	v := s.Snapshot()
	if v.Entries[0].Pending.State != SendFailed || v.Entries[0].Pending.FailReason != "boom" {
		t.Fatalf("unexpected pending state: %+v", v.Entries[0].Pending)
	}

	p, ok := s.RestorePending("tok")
	if !ok || p.State != SendInFlight || p.Content != "hello" {
		t.Fatalf("restore failed: %+v ok=%v", p, ok)
	}
	if _, ok := s.RestorePending("tok"); ok {
		t.Fatal("restore of an in-flight send should be refused")
	}

	s.FailPending("tok", "boom again")
	if !s.RemovePending("tok") {
		t.Fatal("remove should succeed")
	}
	if s.RemovePending("tok") {
		t.Fatal("second remove should fail")
	}
	if len(s.Snapshot().Entries) != 0 {
		t.Fatal("store should be empty")
	}
}

func TestMessageStoreCloseGuardsMutation(t *testing.T) {
	s := NewMessageStore(testConv)
	s.Merge(confirmedAt("m1", baseTime()))
	s.Close()

	if s.Merge(confirmedAt("m2", baseTime().Add(time.Minute))) {
		t.Fatal("merge after close should be dropped")
	}
	s.AddPending(PendingSend{Token: "tok", SubmittedAt: baseTime(), State: SendInFlight})
	if s.FailPending("tok", "x") {
		t.Fatal("fail after close should be dropped")
	}
	if got := len(s.Snapshot().Entries); got != 1 {
		t.Fatalf("snapshot changed after close: %d entries", got)
	}

	// Idempotent close, channel closed exactly once.
	s.Close()
	if _, open := <-s.Changes(); open {
		// A buffered pre-close signal may be pending; drain and re-check.
		if _, open := <-s.Changes(); open {
			t.Fatal("changes channel should be closed")
		}
	}
}

func TestMessageStoreConcurrentMerge(t *testing.T) {
	s := NewMessageStore(testConv)
	const writers = 8
	const perWriter = 50

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				// Half the ids collide across writers.
				id := fmt.Sprintf("shared-%d", i)
				if w%2 == 1 {
					id = fmt.Sprintf("own-%d-%d", w, i)
				}
				s.Merge(confirmedAt(id, baseTime().Add(time.Duration(i)*time.Second)))
			}
		}(w)
	}
	wg.Wait()

	want := perWriter + writers/2*perWriter
	if got := len(s.Snapshot().Entries); got != want {
		t.Fatalf("expected %d distinct messages, got %d", want, got)
	}
}

func TestMessageStoreChangesCoalesce(t *testing.T) {
	s := NewMessageStore(testConv)
	for i := 0; i < 5; i++ {
		s.Merge(confirmedAt(fmt.Sprintf("m%d", i), baseTime().Add(time.Duration(i)*time.Second)))
	}

	select {
	case <-s.Changes():
	default:
		t.Fatal("expected a pending change signal")
	}
	select {
	case <-s.Changes():
		t.Fatal("signals should have coalesced into one")
	default:
	}
}
