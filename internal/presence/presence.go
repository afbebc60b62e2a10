// Package presence forwards ephemeral typing indicators between live
// sessions. Nothing here is persisted: an indicator for an offline
// recipient is dropped without error.
package presence

import (
	"context"

	"go.uber.org/zap"

	"github.com/sioree/messaging/internal/registry"
	"github.com/sioree/messaging/internal/wire"
)

// Signaler relays typing state to the recipient's live session.
type Signaler struct {
	reg    *registry.Registry
	logger *zap.Logger
}

// NewSignaler creates a typing signaler over the given registry.
func NewSignaler(reg *registry.Registry, logger *zap.Logger) *Signaler {
	return &Signaler{reg: reg, logger: logger.Named("presence")}
}

// SignalTyping pushes a user_typing event to receiverID if they are
// online. Always succeeds from the caller's point of view; typing state
// is too short-lived to be worth surfacing failures for.
func (s *Signaler) SignalTyping(ctx context.Context, senderID, receiverID string, isTyping bool) {
	sess, ok := s.reg.Lookup(receiverID)
	if !ok {
		return
	}
	evt, err := wire.NewEvent(wire.TypeUserTyping, wire.UserTyping{SenderID: senderID, IsTyping: isTyping})
	if err != nil {
		return
	}
	if err := sess.Send(ctx, evt); err != nil {
		s.logger.Debug("typing push failed",
			zap.String("recipient", receiverID),
			zap.Error(err))
	}
}
