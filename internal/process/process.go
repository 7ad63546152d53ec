// Package process implements the verification-gated state machine shared by
// registrations and logins: data intake, verification start, code check and
// completion. The one-time code itself is handled by a verification.Limiter
// owned by the process.
//
// A Process is not safe for concurrent use. Hosts that serve one session from
// several goroutines must serialise access per process (see package session).
package process

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/connectme/enrollment/internal/verification"
)

// Payload is the user supplied data carried between intake and completion
type Payload interface {
	// Destination is where the verification code is delivered.
	Destination() string
}

// Dispatcher delivers a code out of band. Dispatch must not block on delivery.
type Dispatcher interface {
	Dispatch(destination, code string)
}

// DispatcherFunc adapts a function to Dispatcher
type DispatcherFunc func(destination, code string)

// Dispatch calls f
func (f DispatcherFunc) Dispatch(destination, code string) { f(destination, code) }

// Deps are the collaborators a process needs. The zero value is usable:
// default policy, system clock, random 6 digit codes, no delivery.
type Deps struct {
	Policy     verification.Policy
	Clock      verification.Clock
	Generate   verification.CodeGenerator
	Dispatcher Dispatcher
}

func (d Deps) withDefaults() Deps {
	if d.Policy == (verification.Policy{}) {
		d.Policy = verification.DefaultPolicy()
	}
	if d.Clock == nil {
		d.Clock = verification.SystemClock
	}
	if d.Generate == nil {
		d.Generate = verification.RandomDigits(verification.DefaultCodeDigits)
	}
	if d.Dispatcher == nil {
		d.Dispatcher = DispatcherFunc(func(string, string) {})
	}
	return d
}

func (d Deps) newLimiter() *verification.Limiter {
	return verification.NewLimiter(d.Policy, d.Clock, d.Generate)
}

// Process is one registration or login attempt
type Process[P Payload] struct {
	kind    Kind
	deps    Deps
	state   State
	payload *P
	limiter *verification.Limiter
}

// New creates a process in state CREATED with a fresh limiter
func New[P Payload](kind Kind, deps Deps) *Process[P] {
	deps = deps.withDefaults()
	return &Process[P]{
		kind:    kind,
		deps:    deps,
		state:   StateCreated,
		limiter: deps.newLimiter(),
	}
}

// Kind returns whether p is a registration or a login
func (p *Process[P]) Kind() Kind { return p.kind }

// State returns the current state
func (p *Process[P]) State() State { return p.state }

// StateName returns the flow specific name of the current state
func (p *Process[P]) StateName() string { return p.kind.Name(p.state) }

// Payload returns the stored payload, if any
func (p *Process[P]) Payload() (P, bool) {
	if p.payload == nil {
		var zero P
		return zero, false
	}
	return *p.payload, true
}

// AttemptCount returns the limiter's failed attempt counter
func (p *Process[P]) AttemptCount() int { return p.limiter.AttemptCount() }

// RetryAfter returns how long new codes and resets stay blocked
func (p *Process[P]) RetryAfter() time.Duration { return p.limiter.RetryAfter() }

// Reset returns the process to CREATED with a fresh limiter and no payload.
// It is refused while the limiter blocks new attempts, so restarting cannot
// be used to escape the cool-down.
func (p *Process[P]) Reset() error {
	if !p.limiter.IsAttemptAllowed() {
		return &ForbiddenInteractionError{Kind: p.kind, State: p.state, Event: EventReset, Blocked: true}
	}
	next, _ := Transition(p.state, EventReset)
	p.state = next
	p.payload = nil
	p.limiter = p.deps.newLimiter()
	return nil
}

// SetPayload stores data that has already passed the caller's validity and
// availability checks.
func (p *Process[P]) SetPayload(data P) error {
	next, ok := Transition(p.state, EventSubmitData)
	if !ok {
		return p.forbidden(EventSubmitData)
	}
	p.payload = &data
	p.state = next
	return nil
}

// StartAndWaitForVerification issues a new code and hands it to the
// dispatcher. It returns once the code is generated, not once it is delivered.
func (p *Process[P]) StartAndWaitForVerification() error {
	next, ok := Transition(p.state, EventStartVerification)
	if !ok {
		return p.forbidden(EventStartVerification)
	}

	code, err := p.limiter.StartAttempt()
	if err != nil {
		return err
	}
	p.state = next
	p.deps.Dispatcher.Dispatch((*p.payload).Destination(), code)
	return nil
}

// CheckVerificationCode moves the process to VERIFIED when code matches. On a
// mismatch the process falls back to the data-passed state, keeping the
// payload, so that a new code can be requested.
func (p *Process[P]) CheckVerificationCode(code string) error {
	if _, ok := Transition(p.state, EventCodeMatched); !ok {
		return p.forbidden(EventCodeMatched)
	}

	if err := p.limiter.CheckCode(code); err != nil {
		if next, ok := Transition(p.state, EventCodeRejected); ok {
			p.state = next
		}
		return err
	}

	p.state, _ = Transition(p.state, EventCodeMatched)
	return nil
}

func (p *Process[P]) forbidden(e Event) error {
	return &ForbiddenInteractionError{Kind: p.kind, State: p.state, Event: e}
}

// Snapshot is the persistable form of a process
type Snapshot struct {
	Kind    Kind                  `json:"kind"`
	State   State                 `json:"state"`
	Payload json.RawMessage       `json:"payload,omitempty"`
	Limiter verification.Snapshot `json:"limiter"`
}

// Snapshot captures the process state
func (p *Process[P]) Snapshot() (Snapshot, error) {
	s := Snapshot{
		Kind:    p.kind,
		State:   p.state,
		Limiter: p.limiter.Snapshot(),
	}
	if p.payload != nil {
		raw, err := json.Marshal(p.payload)
		if err != nil {
			return Snapshot{}, fmt.Errorf("encode %s payload: %w", p.kind, err)
		}
		s.Payload = raw
	}
	return s, nil
}

// Restore rebuilds a process of the given kind from a snapshot
func Restore[P Payload](kind Kind, s Snapshot, deps Deps) (*Process[P], error) {
	if s.Kind != kind {
		return nil, fmt.Errorf("snapshot holds a %s, want %s", s.Kind, kind)
	}
	if s.State > StateVerified {
		return nil, fmt.Errorf("invalid %s state %d", kind, s.State)
	}
	hasPayload := len(s.Payload) > 0
	if hasPayload == (s.State == StateCreated) {
		return nil, fmt.Errorf("%s snapshot in state %s has inconsistent payload", kind, kind.Name(s.State))
	}

	deps = deps.withDefaults()
	limiter, err := verification.Restore(s.Limiter, deps.Policy, deps.Clock, deps.Generate)
	if err != nil {
		return nil, fmt.Errorf("restore %s limiter: %w", kind, err)
	}

	p := &Process[P]{
		kind:    kind,
		deps:    deps,
		state:   s.State,
		limiter: limiter,
	}
	if hasPayload {
		var data P
		if err := json.Unmarshal(s.Payload, &data); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		p.payload = &data
	}
	return p, nil
}
