package presence

import (
	"sync"
	"testing"
	"time"
)

// recorder captures presence transitions in order.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) notify(id string, online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if online {
		r.events = append(r.events, id+":online")
	} else {
		r.events = append(r.events, id+":offline")
	}
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func TestFirstConnectionEmitsOnline(t *testing.T) {
	rec := &recorder{}
	reg := NewRegistry(0, rec.notify)

	reg.Connect("u1")
	if !reg.IsOnline("u1") {
		t.Fatal("u1 should be online after connect")
	}

	events := rec.all()
	if len(events) != 1 || events[0] != "u1:online" {
		t.Fatalf("expected single online event, got %v", events)
	}

	// A second connection is not a second online transition.
	reg.Connect("u1")
	if len(rec.all()) != 1 {
		t.Errorf("second connection must not re-emit online, got %v", rec.all())
	}
}

func TestReferenceCounting(t *testing.T) {
	reg := NewRegistry(0, nil)

	reg.Connect("u1")
	reg.Connect("u1")
	if n := reg.Connections("u1"); n != 2 {
		t.Fatalf("expected 2 connections, got %d", n)
	}

	reg.Disconnect("u1")
	if !reg.IsOnline("u1") {
		t.Fatal("closing one of two connections must leave u1 online")
	}

	reg.Disconnect("u1")
	if reg.IsOnline("u1") {
		t.Fatal("closing both connections must take u1 offline")
	}
}

func TestDisconnectBelowZeroIsIgnored(t *testing.T) {
	reg := NewRegistry(0, nil)

	reg.Disconnect("ghost")
	if reg.Connections("ghost") != 0 {
		t.Fatal("count must never go negative")
	}
}

func TestGraceWindowDelaysOffline(t *testing.T) {
	rec := &recorder{}
	reg := NewRegistry(40*time.Millisecond, rec.notify)

	reg.Connect("u1")
	reg.Disconnect("u1")

	// Inside the grace window the participant still reads online and no
	// offline event has fired.
	if !reg.IsOnline("u1") {
		t.Fatal("u1 should remain online during the grace window")
	}
	if events := rec.all(); len(events) != 1 {
		t.Fatalf("offline must not fire before the grace window, got %v", events)
	}

	time.Sleep(100 * time.Millisecond)

	if reg.IsOnline("u1") {
		t.Fatal("u1 should be offline after the grace window")
	}
	events := rec.all()
	if len(events) != 2 || events[1] != "u1:offline" {
		t.Fatalf("expected offline after grace, got %v", events)
	}
}

func TestReconnectWithinGraceCancelsOffline(t *testing.T) {
	rec := &recorder{}
	reg := NewRegistry(50*time.Millisecond, rec.notify)

	reg.Connect("u1")
	reg.Disconnect("u1")
	reg.Connect("u1") // tab refresh

	time.Sleep(120 * time.Millisecond)

	if !reg.IsOnline("u1") {
		t.Fatal("u1 should still be online after reconnecting within grace")
	}
	// No offline/online flap: the single original online event stands.
	events := rec.all()
	if len(events) != 1 || events[0] != "u1:online" {
		t.Fatalf("reconnect within grace must not flap presence, got %v", events)
	}
}

func TestOnlineSince(t *testing.T) {
	reg := NewRegistry(0, nil)

	if !reg.OnlineSince("u1").IsZero() {
		t.Fatal("offline participant has no online-since time")
	}

	before := time.Now()
	reg.Connect("u1")
	since := reg.OnlineSince("u1")
	if since.Before(before.Add(-time.Second)) || since.After(time.Now()) {
		t.Errorf("online-since out of range: %v", since)
	}
}

func TestConcurrentConnectDisconnect(t *testing.T) {
	reg := NewRegistry(0, nil)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reg.Connect("u1")
			reg.Disconnect("u1")
		}()
	}
	wg.Wait()

	if reg.IsOnline("u1") {
		t.Error("u1 should end offline after balanced connects/disconnects")
	}
	if reg.Connections("u1") != 0 {
		t.Errorf("expected 0 connections, got %d", reg.Connections("u1"))
	}
}
