package task

// State is the lifecycle position of a Handler.
type State int

const (
	StateCreated State = iota
	StateAuthorising
	StateRateLimited
	StateDispatched
	StateWaitingForConnectivity
	StateReceivingResponse
	StateReceivingData
	StateCompleting
	StateRetrying
	StateSucceeded
	StateFailed
	StateCancelled
)

var stateNames = [...]string{
	StateCreated:                "created",
	StateAuthorising:            "authorising",
	StateRateLimited:            "rate_limited",
	StateDispatched:             "dispatched",
	StateWaitingForConnectivity: "waiting_for_connectivity",
	StateReceivingResponse:      "receiving_response",
	StateReceivingData:          "receiving_data",
	StateCompleting:             "completing",
	StateRetrying:               "retrying",
	StateSucceeded:              "succeeded",
	StateFailed:                 "failed",
	StateCancelled:              "cancelled",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether no further transitions happen from s.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Outcome is the terminal result delivered to the handler's delegate.
type Outcome int

const (
	OutcomeSucceeded Outcome = iota
	OutcomeFailed
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	default:
		return "cancelled"
	}
}
