package delivery

import "fmt"

// State tracks a single send through the delivery pipeline.
type State string

const (
	StateReceived  State = "received"
	StatePersisted State = "persisted"
	StateDelivered State = "delivered"
	StateQueued    State = "queued"
)

// validTransitions defines the delivery state machine. Delivered and
// Queued are terminal; a send is never pushed before it is persisted.
var validTransitions = map[State][]State{
	StateReceived:  {StatePersisted},
	StatePersisted: {StateDelivered, StateQueued},
}

type sendState struct {
	current State
}

func newSendState() *sendState {
	return &sendState{current: StateReceived}
}

func (s *sendState) transition(to State) error {
	for _, allowed := range validTransitions[s.current] {
		if allowed == to {
			s.current = to
			return nil
		}
	}
	return fmt.Errorf("invalid delivery transition: %s -> %s", s.current, to)
}
