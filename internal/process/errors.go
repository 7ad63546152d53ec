package process

import (
	"errors"
	"fmt"

	"github.com/connectme/enrollment/internal/verification"
)

// ErrForbiddenInteraction matches every *ForbiddenInteractionError
var ErrForbiddenInteraction = errors.New("forbidden interaction")

// ForbiddenInteractionError is returned when an operation is invoked in a
// state that does not accept it, or when a reset is refused because the
// limiter is blocking.
type ForbiddenInteractionError struct {
	Kind  Kind
	State State
	Event Event
	// Blocked is set when the state would allow the event but the limiter does not.
	Blocked bool
}

func (e *ForbiddenInteractionError) Error() string {
	if e.Blocked {
		return fmt.Sprintf("%s cannot %s while verification attempts are blocked", e.Kind, e.Event)
	}
	return fmt.Sprintf("%s is in state %s and cannot %s", e.Kind, e.Kind.Name(e.State), e.Event)
}

// Is makes errors.Is(err, ErrForbiddenInteraction) true
func (e *ForbiddenInteractionError) Is(target error) bool {
	return target == ErrForbiddenInteraction
}

// Stable reasons for errors raised by the process core
const (
	ReasonForbiddenInteraction = "forbidden_interaction"
	ReasonAttemptNotAllowed    = "attempt_not_allowed"
	ReasonWrongCode            = "wrong_code"
)

// Reason maps a core error to its stable reason. It returns "" for errors
// that do not originate in the core.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrForbiddenInteraction):
		return ReasonForbiddenInteraction
	case errors.Is(err, verification.ErrAttemptNotAllowed):
		return ReasonAttemptNotAllowed
	case errors.Is(err, verification.ErrWrongCode):
		return ReasonWrongCode
	default:
		return ""
	}
}
