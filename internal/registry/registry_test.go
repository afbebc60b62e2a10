package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/sioree/messaging/internal/wire"
)

type fakeSession struct {
	identity string
	mu       sync.Mutex
	events   []wire.Event
}

func (f *fakeSession) Identity() string { return f.identity }

func (f *fakeSession) Send(_ context.Context, evt wire.Event) error {
	f.mu.Lock()
	f.events = append(f.events, evt)
	f.mu.Unlock()
	return nil
}

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	s := &fakeSession{identity: "alice"}
	r.Register(s)

	got, ok := r.Lookup("alice")
	if !ok {
		t.Fatal("expected alice to be registered")
	}
	if got != Session(s) {
		t.Fatal("lookup returned a different session")
	}
	if _, ok := r.Lookup("bob"); ok {
		t.Fatal("bob should not be registered")
	}
}

func TestReconnectSupersedes(t *testing.T) {
	r := New()
	old := &fakeSession{identity: "alice"}
	r.Register(old)

	replacement := &fakeSession{identity: "alice"}
	r.Register(replacement)

	got, ok := r.Lookup("alice")
	if !ok || got != Session(replacement) {
		t.Fatal("reconnect must replace the prior session")
	}
	if r.Count() != 1 {
		t.Fatalf("Count = %d, want 1", r.Count())
	}
}

// A disconnect for a superseded session must not evict the session that
// replaced it.
func TestStaleDisconnectDoesNotEvictNewerSession(t *testing.T) {
	r := New()
	old := &fakeSession{identity: "alice"}
	r.Register(old)
	replacement := &fakeSession{identity: "alice"}
	r.Register(replacement)

	if removed := r.Unregister(old); removed {
		t.Fatal("stale unregister must be a no-op")
	}
	got, ok := r.Lookup("alice")
	if !ok || got != Session(replacement) {
		t.Fatal("newer session was evicted by a stale disconnect")
	}

	if removed := r.Unregister(replacement); !removed {
		t.Fatal("current session should unregister")
	}
	if _, ok := r.Lookup("alice"); ok {
		t.Fatal("alice should be gone after unregister")
	}
}

func TestConcurrentRegisterUnregister(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := &fakeSession{identity: "alice"}
			r.Register(s)
			r.Lookup("alice")
			r.Unregister(s)
		}()
	}
	wg.Wait()
	if n := r.Count(); n > 1 {
		t.Fatalf("Count = %d after churn, want 0 or 1", n)
	}
}
