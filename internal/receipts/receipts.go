// Package receipts reconciles read state: the durable per-message flags
// and cursors live in the message log, the per-member unread counter is
// a derived convenience. The log is authoritative when the two disagree.
package receipts

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sioree/messaging/internal/bus"
	"github.com/sioree/messaging/internal/store"
)

// Applied is the bus payload published after a read transition.
type Applied struct {
	ConversationID string
	ReaderID       string
	Count          int64
}

// Reconciler applies whole-conversation read receipts.
type Reconciler struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
}

// NewReconciler creates a receipts reconciler.
func NewReconciler(db *store.DB, b *bus.Bus, logger *zap.Logger) *Reconciler {
	return &Reconciler{db: db, bus: b, logger: logger.Named("receipts")}
}

// MarkConversationRead marks everything addressed to readerID in the
// conversation as read and zeroes the reader's unread counter. Returns
// how many messages changed state. Idempotent.
func (r *Reconciler) MarkConversationRead(ctx context.Context, convID, readerID string) (int64, error) {
	n, err := r.db.MarkRead(ctx, convID, readerID)
	if err != nil {
		return 0, err
	}
	if err := r.db.ResetUnread(ctx, convID, readerID); err != nil {
		// The read flags already landed; the counter catches up on the
		// next reset.
		r.logger.Warn("unread counter reset failed",
			zap.String("conversation_id", convID),
			zap.String("reader", readerID),
			zap.Error(err))
	}
	r.bus.Publish(bus.Event{
		Kind:      bus.KindReceiptsApplied,
		Timestamp: time.Now(),
		Payload:   Applied{ConversationID: convID, ReaderID: readerID, Count: n},
	})
	return n, nil
}
