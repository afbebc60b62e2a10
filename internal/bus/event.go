package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds used across the messaging core. Subscribers filter by
// namespace prefix, e.g. "delivery." matches every delivery event.
const (
	KindMessagePersisted = "message.persisted"
	KindDeliveryPushed   = "delivery.pushed"
	KindDeliveryQueued   = "delivery.queued"
	KindPresenceOnline   = "presence.online"
	KindPresenceOffline  = "presence.offline"
	KindReceiptsApplied  = "receipts.applied"
)
