// Package delivery runs the send pipeline: persist the message and the
// conversation update atomically, then fan out to whichever recipients
// hold a live session. Offline recipients discover the message through
// history and unread counters; there is no retry queue.
package delivery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sioree/messaging/internal/bus"
	"github.com/sioree/messaging/internal/registry"
	"github.com/sioree/messaging/internal/store"
	"github.com/sioree/messaging/internal/wire"
)

// Receipt is the bus payload for delivery events.
type Receipt struct {
	MessageID      int64
	ConversationID string
	SenderID       string
	Pushed         []string
	Offline        []string
}

// Dispatcher coordinates persistence and push for outgoing messages.
type Dispatcher struct {
	db         *store.DB
	reg        *registry.Registry
	bus        *bus.Bus
	logger     *zap.Logger
	previewLen int
}

// NewDispatcher creates a dispatcher. previewLen bounds the conversation
// preview snippet derived from each message body.
func NewDispatcher(db *store.DB, reg *registry.Registry, b *bus.Bus, logger *zap.Logger, previewLen int) *Dispatcher {
	if previewLen <= 0 {
		previewLen = 100
	}
	return &Dispatcher{
		db:         db,
		reg:        reg,
		bus:        b,
		logger:     logger.Named("delivery"),
		previewLen: previewLen,
	}
}

// Send persists the message and pushes it to online recipients. The
// returned message is the durable record; callers ack the sender only
// after Send returns nil. The final state reports whether any recipient
// was pushed to (delivered) or all were offline (queued).
func (d *Dispatcher) Send(ctx context.Context, senderID string, in wire.SendMessage) (*store.Message, State, error) {
	st := newSendState()

	msg, err := d.db.RecordMessage(ctx, in.ConversationID, senderID, in.ReceiverID, in.Text, in.MessageType, Preview(in.Text, d.previewLen))
	if err != nil {
		return nil, st.current, err
	}
	if err := st.transition(StatePersisted); err != nil {
		return nil, st.current, err
	}
	d.bus.Publish(bus.Event{
		Kind:      bus.KindMessagePersisted,
		Timestamp: time.Now(),
		Payload:   Receipt{MessageID: msg.ID, ConversationID: msg.ConversationID, SenderID: senderID},
	})

	recipients, err := d.recipients(ctx, msg)
	if err != nil {
		// The message is durable; recipients will see it via history.
		d.logger.Warn("recipient resolution failed after persist",
			zap.String("conversation_id", msg.ConversationID),
			zap.Error(err))
		recipients = nil
	}

	evt, err := wire.NewEvent(wire.TypeNewMessage, wire.MessageFrom(msg))
	if err != nil {
		return nil, st.current, fmt.Errorf("encode push: %w", err)
	}

	receipt := Receipt{MessageID: msg.ID, ConversationID: msg.ConversationID, SenderID: senderID}
	for _, identity := range recipients {
		sess, ok := d.reg.Lookup(identity)
		if !ok {
			receipt.Offline = append(receipt.Offline, identity)
			continue
		}
		if err := sess.Send(ctx, evt); err != nil {
			d.logger.Warn("push failed",
				zap.String("recipient", identity),
				zap.Int64("message_id", msg.ID),
				zap.Error(err))
			receipt.Offline = append(receipt.Offline, identity)
			continue
		}
		receipt.Pushed = append(receipt.Pushed, identity)
	}

	final := StateQueued
	kind := bus.KindDeliveryQueued
	if len(receipt.Pushed) > 0 {
		final = StateDelivered
		kind = bus.KindDeliveryPushed
	}
	if err := st.transition(final); err != nil {
		return nil, st.current, err
	}
	d.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: receipt})

	d.echoAck(ctx, senderID, msg)
	return msg, st.current, nil
}

func (d *Dispatcher) recipients(ctx context.Context, msg *store.Message) ([]string, error) {
	if msg.ReceiverID != "" {
		return []string{msg.ReceiverID}, nil
	}
	members, err := d.db.Members(ctx, msg.ConversationID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(members))
	for _, m := range members {
		if m.Identity != msg.SenderID {
			out = append(out, m.Identity)
		}
	}
	return out, nil
}

// echoAck mirrors the persisted message back to the sender's own live
// session. Best-effort: the transport that carried the send already gets
// a direct response.
func (d *Dispatcher) echoAck(ctx context.Context, senderID string, msg *store.Message) {
	sess, ok := d.reg.Lookup(senderID)
	if !ok {
		return
	}
	evt, err := wire.NewEvent(wire.TypeMessageSent, wire.MessageFrom(msg))
	if err != nil {
		return
	}
	if err := sess.Send(ctx, evt); err != nil {
		d.logger.Debug("ack echo failed", zap.String("sender", senderID), zap.Error(err))
	}
}

// Preview returns the conversation list snippet for a message body,
// truncated to max runes.
func Preview(body string, max int) string {
	runes := []rune(body)
	if len(runes) <= max {
		return body
	}
	return string(runes[:max])
}
