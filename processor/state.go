package processor

// State is the sync worker's position in its loop.
type State int32

const (
	// StateIdle is the state before Start.
	StateIdle State = iota
	// StateWaitForWork blocks on the queue with an empty batch.
	StateWaitForWork
	// StateDrainAvailable polls the queue without blocking while a batch accumulates.
	StateDrainAvailable
	// StateFlushing makes the batch durable.
	StateFlushing
	// StateForwarding hands the durable batch downstream.
	StateForwarding
	// StateStopped is terminal.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateWaitForWork:
		return "WAIT_FOR_WORK"
	case StateDrainAvailable:
		return "DRAIN_AVAILABLE"
	case StateFlushing:
		return "FLUSHING"
	case StateForwarding:
		return "FORWARDING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}
