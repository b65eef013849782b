package endpoint

// Phase is the negotiation progress of the current attempt.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAwaitingLocalDescription
	PhaseAwaitingRemoteOffer
	PhaseAwaitingRemoteAnswer
	PhaseCandidateExchange
	PhaseConnected
	PhaseFailed
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAwaitingLocalDescription:
		return "awaiting-local-description"
	case PhaseAwaitingRemoteOffer:
		return "awaiting-remote-offer"
	case PhaseAwaitingRemoteAnswer:
		return "awaiting-remote-answer"
	case PhaseCandidateExchange:
		return "candidate-exchange"
	case PhaseConnected:
		return "connected"
	case PhaseFailed:
		return "failed"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connectivity states reported by the underlying peer connection.
const (
	StateNew          = "new"
	StateChecking     = "checking"
	StateConnected    = "connected"
	StateCompleted    = "completed"
	StateFailed       = "failed"
	StateDisconnected = "disconnected"
	StateClosed       = "closed"
)

// ActionControl is the user-facing connect/disconnect control.
type ActionControl struct {
	Label   string
	Enabled bool
}

const (
	LabelConnect    = "Connect"
	LabelDisconnect = "Disconnect"
)

func initialControl(isSender bool) ActionControl {
	// Senders never initiate, so their control starts disabled.
	return ActionControl{Label: LabelConnect, Enabled: !isSender}
}

// Transition is emitted on every connectivity state change.
type Transition struct {
	From    string
	To      string
	Control ActionControl
}

// nextControl maps a connectivity state to the control it implies.
func nextControl(cur ActionControl, to string, isSender bool) ActionControl {
	switch to {
	case StateChecking:
		return ActionControl{Label: LabelDisconnect, Enabled: false}
	case StateConnected, StateCompleted, StateFailed:
		cur.Enabled = true
		return cur
	case StateDisconnected, StateClosed:
		return initialControl(isSender)
	default:
		return cur
	}
}
