package process

// Kind distinguishes the registration flow from the login flow
type Kind uint8

const (
	KindRegistration Kind = iota + 1
	KindLogin
)

func (k Kind) String() string {
	switch k {
	case KindRegistration:
		return "registration"
	case KindLogin:
		return "login"
	default:
		return "unknown"
	}
}

// State is the position of a process in its state machine
type State uint8

const (
	StateCreated State = iota
	// StateDataPassed is USER_DATA_PASSED for registrations and
	// CORRECT_CREDENTIALS_PASSED for logins.
	StateDataPassed
	StateWaitingForVerification
	StateVerified
)

// Name returns the flow specific name of s
func (k Kind) Name(s State) string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateDataPassed:
		if k == KindLogin {
			return "CORRECT_CREDENTIALS_PASSED"
		}
		return "USER_DATA_PASSED"
	case StateWaitingForVerification:
		return "WAITING_FOR_VERIFICATION"
	case StateVerified:
		return "VERIFIED"
	default:
		return "UNKNOWN"
	}
}

func (s State) String() string { return KindRegistration.Name(s) }

// Terminal reports whether no further transition except reset is possible
func (s State) Terminal() bool { return s == StateVerified }

// Event is an input to the state machine
type Event uint8

const (
	EventSubmitData Event = iota + 1
	EventStartVerification
	EventCodeMatched
	EventCodeRejected
	EventReset
)

func (e Event) String() string {
	switch e {
	case EventSubmitData:
		return "submit data"
	case EventStartVerification:
		return "start verification"
	case EventCodeMatched:
		return "code matched"
	case EventCodeRejected:
		return "code rejected"
	case EventReset:
		return "reset"
	default:
		return "unknown event"
	}
}

// Transition returns the state reached from s on event e. ok is false when e
// is not accepted in s, in which case s is returned unchanged.
//
// Reset is accepted everywhere; whether the limiter permits it is decided by
// the process, not by the state machine.
func Transition(s State, e Event) (next State, ok bool) {
	switch e {
	case EventReset:
		return StateCreated, true
	case EventSubmitData:
		if s == StateCreated {
			return StateDataPassed, true
		}
	case EventStartVerification:
		if s == StateDataPassed {
			return StateWaitingForVerification, true
		}
	case EventCodeMatched:
		if s == StateWaitingForVerification {
			return StateVerified, true
		}
	case EventCodeRejected:
		if s == StateWaitingForVerification {
			return StateDataPassed, true
		}
	}
	return s, false
}
