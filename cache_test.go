package convsync

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testCache(t *testing.T) *TranscriptCache {
	t.Helper()
	cache, err := OpenTranscriptCache(":memory:", zerolog.Nop())
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { cache.Close() })
	return cache
}

func TestCacheRoundTrip(t *testing.T) {
	cache := testCache(t)
	base := baseTime()

	for _, m := range []Message{
		confirmedAt("msg-2", base.Add(time.Minute)),
		confirmedAt("msg-1", base),
		confirmedAt("msg-3", base.Add(2*time.Minute)),
	} {
		if err := cache.Put(m); err != nil {
			t.Fatalf("put %s: %v", m.ID, err)
		}
	}

	msgs, err := cache.Recent(testConv, 50)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	want := []string{"msg-1", "msg-2", "msg-3"}
	if len(msgs) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(msgs))
	}
	for i, id := range want {
		if msgs[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, msgs[i].ID)
		}
	}
	if !msgs[0].CreatedAt.Equal(base) {
		t.Fatalf("timestamp lost: %v vs %v", msgs[0].CreatedAt, base)
	}
}

func TestCachePutIdempotent(t *testing.T) {
	cache := testCache(t)
	m := confirmedAt("msg-1", baseTime())

	for i := 0; i < 3; i++ {
		if err := cache.Put(m); err != nil {
			t.Fatalf("put #%d: %v", i, err)
		}
	}
	msgs, err := cache.Recent(testConv, 50)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
}

func TestCacheLimitKeepsNewest(t *testing.T) {
	cache := testCache(t)
	base := baseTime()
	for i := 0; i < 10; i++ {
		id := string(rune('a' + i))
		if err := cache.Put(confirmedAt("msg-"+id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	msgs, err := cache.Recent(testConv, 3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	want := []string{"msg-h", "msg-i", "msg-j"}
	if len(msgs) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(msgs))
	}
	for i, id := range want {
		if msgs[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, msgs[i].ID)
		}
	}
}

func TestCacheScopesByConversation(t *testing.T) {
	cache := testCache(t)
	base := baseTime()
	cache.Put(confirmedAt("msg-1", base))
	other := confirmedAt("msg-other", base)
	other.ConversationID = "conv-999"
	cache.Put(other)

	msgs, err := cache.Recent(testConv, 50)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "msg-1" {
		t.Fatalf("conversation scoping broken: %+v", msgs)
	}
}

func TestCachePersistsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transcript.db")

	cache, err := OpenTranscriptCache(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	if err := cache.Put(confirmedAt("msg-1", baseTime())); err != nil {
		t.Fatalf("put: %v", err)
	}
	cache.Close()

	reopened, err := OpenTranscriptCache(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen cache: %v", err)
	}
	defer reopened.Close()
	msgs, err := reopened.Recent(testConv, 50)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "msg-1" {
		t.Fatalf("cache did not persist: %+v", msgs)
	}
}
