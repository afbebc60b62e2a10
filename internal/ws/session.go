package ws

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/sioree/messaging/internal/wire"
)

const writeTimeout = 10 * time.Second

// session wraps one websocket connection as a registry session. Writes
// are serialized; the read loop lives in the handler. The id tells
// superseded and current connections of the same identity apart in logs.
type session struct {
	id       string
	identity string
	conn     *websocket.Conn
	mu       sync.Mutex
}

func newSession(identity string, conn *websocket.Conn) *session {
	return &session{id: uuid.NewString(), identity: identity, conn: conn}
}

func (s *session) Identity() string { return s.identity }

// Send pushes one event to the client. Bounded by writeTimeout so a
// stalled connection cannot wedge a dispatcher fan-out.
func (s *session) Send(ctx context.Context, evt wire.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, s.conn, evt)
}
