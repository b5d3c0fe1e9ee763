package relay

// State is a step of the relay session lifecycle.
type State string

const (
	StateAdmitted  State = "admitted"
	StateSubmitted State = "submitted"
	StateImmediate State = "immediate"
	StatePolling   State = "polling"
	StateChunking  State = "chunking"
	StatePersisted State = "persisted"
	StateErrored   State = "errored"
	StateClosed    State = "closed"
)

// Completion paths, used as metric labels.
const (
	pathImmediate = "immediate"
	pathPolled    = "polled"
	pathNone      = "none"
)

// Session outcomes, used as metric labels.
const (
	outcomeSuccess   = "success"
	outcomeFailed    = "failed"
	outcomeCancelled = "cancelled"
)
