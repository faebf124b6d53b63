package timeline

import (
	"fmt"
	"testing"
	"time"

	"github.com/dealerhub/chat-service/internal/chat"
)

func confirmedMsg(id string, seq int64, sender, content string) chat.Message {
	return chat.Message{
		ID:        id,
		RoomKey:   "u1",
		SenderID:  sender,
		Content:   content,
		Sequence:  seq,
		CreatedAt: time.Now(),
		State:     chat.StatePersisted,
	}
}

func TestSeedOrdersBySequence(t *testing.T) {
	tl := New("u1", "u1")
	tl.Seed([]chat.Message{
		confirmedMsg("m2", 2, "a1", "second"),
		confirmedMsg("m1", 1, "u1", "first"),
		confirmedMsg("m3", 3, "a1", "third"),
	})

	entries := tl.Entries()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, want := range []string{"first", "second", "third"} {
		if entries[i].Message.Content != want {
			t.Errorf("index %d: expected %q, got %q", i, want, entries[i].Message.Content)
		}
	}
}

func TestOptimisticEchoConfirmedByCorrelationID(t *testing.T) {
	tl := New("u1", "u1")

	// Two identical texts staged back to back: correlation ids keep the
	// confirmations apart where content matching could not.
	id1 := tl.StageLocal("hello")
	id2 := tl.StageLocal("hello")
	if id1 == id2 {
		t.Fatal("correlation ids must be unique")
	}

	entries := tl.Entries()
	if len(entries) != 2 || entries[0].State != StatePending || entries[1].State != StatePending {
		t.Fatalf("expected two pending echoes, got %+v", entries)
	}

	// The second send confirms first (server raced them).
	tl.Confirm(id2, confirmedMsg("m1", 1, "u1", "hello"))

	entries = tl.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].State != StateConfirmed {
		t.Errorf("confirmed message should render first, got %s", entries[0].State)
	}
	if entries[1].CorrelationID != id1 || entries[1].State != StatePending {
		t.Errorf("the other echo must remain pending under its own id, got %+v", entries[1])
	}
}

func TestFailAndRetry(t *testing.T) {
	tl := New("u1", "u1")

	id := tl.StageLocal("flaky")
	tl.Fail(id)

	entries := tl.Entries()
	if len(entries) != 1 || entries[0].State != StateFailed {
		t.Fatalf("expected a failed entry, got %+v", entries)
	}

	newID, content, ok := tl.Retry(id)
	if !ok {
		t.Fatal("retry of a failed entry should succeed")
	}
	if content != "flaky" {
		t.Errorf("retry must return the original content, got %q", content)
	}
	if newID == id {
		t.Error("retry must issue a fresh correlation id")
	}

	entries = tl.Entries()
	if len(entries) != 1 || entries[0].State != StatePending {
		t.Fatalf("retried entry should be pending again, got %+v", entries)
	}

	// Retrying a non-failed entry is refused.
	if _, _, ok := tl.Retry(newID); ok {
		t.Error("retry of a pending entry must be refused")
	}
}

func TestApplyLiveDeduplicates(t *testing.T) {
	tl := New("u1", "u1")
	tl.Seed([]chat.Message{confirmedMsg("m1", 1, "a1", "hi")})

	// The same message arriving live after a history fetch (or twice
	// from a duplicated subscription) appears once.
	tl.ApplyLive(confirmedMsg("m1", 1, "a1", "hi"))
	tl.ApplyLive(confirmedMsg("m2", 2, "a1", "again"))
	tl.ApplyLive(confirmedMsg("m2", 2, "a1", "again"))

	entries := tl.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries after dedup, got %d", len(entries))
	}
}

func TestResyncFillsGap(t *testing.T) {
	tl := New("u1", "u1")
	tl.Seed([]chat.Message{
		confirmedMsg("m1", 1, "a1", "one"),
		confirmedMsg("m2", 2, "u1", "two"),
	})

	if tl.LastSequence() != 2 {
		t.Fatalf("expected last sequence 2, got %d", tl.LastSequence())
	}

	// Messages 3 and 4 were missed during a disconnection; 5 arrived
	// live after reconnect, before the resync completed.
	tl.ApplyLive(confirmedMsg("m5", 5, "a1", "five"))
	tl.Resync([]chat.Message{
		confirmedMsg("m3", 3, "a1", "three"),
		confirmedMsg("m4", 4, "a1", "four"),
		confirmedMsg("m5", 5, "a1", "five"), // overlap with live
	})

	entries := tl.Entries()
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Message.Sequence != int64(i+1) {
			t.Fatalf("timeline out of order at %d: seq %d", i, e.Message.Sequence)
		}
	}
}

func TestPendingEchoesSurviveSeed(t *testing.T) {
	tl := New("u1", "u1")
	id := tl.StageLocal("still mine")

	tl.Seed([]chat.Message{confirmedMsg("m1", 1, "a1", "server side")})

	entries := tl.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected confirmed + pending, got %d entries", len(entries))
	}
	if entries[1].CorrelationID != id || entries[1].State != StatePending {
		t.Errorf("pending echo must survive a reseed, got %+v", entries[1])
	}
}

func TestConcurrentLiveAndLocal(t *testing.T) {
	tl := New("u1", "u1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= 100; i++ {
			tl.ApplyLive(confirmedMsg(fmt.Sprintf("m%d", i), int64(i), "a1", "live"))
		}
	}()
	for i := 0; i < 50; i++ {
		id := tl.StageLocal("mine")
		tl.Fail(id)
	}
	<-done

	entries := tl.Entries()
	if len(entries) != 150 {
		t.Fatalf("expected 150 entries, got %d", len(entries))
	}
	// Confirmed portion stays sorted regardless of interleaving.
	last := int64(0)
	for _, e := range entries[:100] {
		if e.Message.Sequence < last {
			t.Fatal("confirmed entries out of order")
		}
		last = e.Message.Sequence
	}
}
