package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/sioree/messaging/internal/registry"
	"github.com/sioree/messaging/internal/wire"
)

type fakeSession struct {
	identity string
	failSend bool

	mu     sync.Mutex
	events []wire.Event
}

func (f *fakeSession) Identity() string { return f.identity }

func (f *fakeSession) Send(_ context.Context, evt wire.Event) error {
	if f.failSend {
		return errors.New("connection gone")
	}
	f.mu.Lock()
	f.events = append(f.events, evt)
	f.mu.Unlock()
	return nil
}

func TestSignalTypingForwardsToOnlineRecipient(t *testing.T) {
	reg := registry.New()
	bob := &fakeSession{identity: "bob"}
	reg.Register(bob)

	s := NewSignaler(reg, zap.NewNop())
	s.SignalTyping(context.Background(), "alice", "bob", true)
	s.SignalTyping(context.Background(), "alice", "bob", false)

	bob.mu.Lock()
	defer bob.mu.Unlock()
	if len(bob.events) != 2 {
		t.Fatalf("bob got %d events, want 2", len(bob.events))
	}
	var first, second wire.UserTyping
	if err := json.Unmarshal(bob.events[0].Data, &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := json.Unmarshal(bob.events[1].Data, &second); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.SenderID != "alice" || !first.IsTyping {
		t.Fatalf("first = %+v", first)
	}
	if second.IsTyping {
		t.Fatal("second indicator should report typing stopped")
	}
}

// An indicator for an offline recipient vanishes: no error, no queue, no
// trace on reconnect.
func TestSignalTypingDropsForOfflineRecipient(t *testing.T) {
	reg := registry.New()
	s := NewSignaler(reg, zap.NewNop())
	s.SignalTyping(context.Background(), "alice", "bob", true)

	late := &fakeSession{identity: "bob"}
	reg.Register(late)
	late.mu.Lock()
	defer late.mu.Unlock()
	if len(late.events) != 0 {
		t.Fatalf("reconnecting session got %d stale events", len(late.events))
	}
}

func TestSignalTypingSwallowsSendFailure(t *testing.T) {
	reg := registry.New()
	reg.Register(&fakeSession{identity: "bob", failSend: true})

	s := NewSignaler(reg, zap.NewNop())
	// Must not panic or block.
	s.SignalTyping(context.Background(), "alice", "bob", true)
}
