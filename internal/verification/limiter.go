// Package verification owns the one-time code lifecycle of a phone number
// verification: issuing a code, matching a candidate against it and throttling
// new codes after repeated failed checks.
//
// A Limiter is not safe for concurrent use; it belongs to exactly one process.
package verification

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

const (
	DefaultMaxFailedAttempts = 3
	DefaultCooldown          = 5 * time.Minute
	DefaultCodeTTL           = 10 * time.Minute
	DefaultCodeDigits        = 6
)

var (
	// ErrAttemptNotAllowed is returned when a new code is requested while the
	// limiter is inside a cool-down window.
	ErrAttemptNotAllowed = errors.New("verification attempt not allowed")
	// ErrWrongCode is returned when a candidate does not match the issued code.
	ErrWrongCode = errors.New("wrong verification code")
)

// Policy holds the throttling parameters
type Policy struct {
	// MaxFailedAttempts is the number of failed checks tolerated; the limiter
	// blocks once the count goes above it.
	MaxFailedAttempts int
	// Cooldown is measured from the last failed check.
	Cooldown time.Duration
	// CodeTTL bounds the age of an issued code. Zero keeps codes valid until
	// they are overwritten.
	CodeTTL time.Duration
}

// DefaultPolicy returns 3 failed attempts, a 5 minute cool-down and a 10 minute code TTL
func DefaultPolicy() Policy {
	return Policy{
		MaxFailedAttempts: DefaultMaxFailedAttempts,
		Cooldown:          DefaultCooldown,
		CodeTTL:           DefaultCodeTTL,
	}
}

// Limiter issues and checks one-time codes.
// Only a SHA-256 of the current code is kept.
type Limiter struct {
	policy   Policy
	clock    Clock
	generate CodeGenerator

	codeHash      [32]byte
	hasCode       bool
	issuedAt      time.Time
	attemptCount  int
	lastAttemptAt time.Time
	verified      bool
}

// NewLimiter creates a limiter with no open verification window.
// A nil clock falls back to SystemClock, a nil generator to RandomDigits(DefaultCodeDigits).
func NewLimiter(policy Policy, clock Clock, generate CodeGenerator) *Limiter {
	if clock == nil {
		clock = SystemClock
	}
	if generate == nil {
		generate = RandomDigits(DefaultCodeDigits)
	}
	return &Limiter{
		policy:   policy,
		clock:    clock,
		generate: generate,
	}
}

// IsAttemptAllowed reports whether StartAttempt would currently succeed. It does not mutate the limiter.
func (l *Limiter) IsAttemptAllowed() bool {
	if l.attemptCount <= l.policy.MaxFailedAttempts {
		return true
	}
	return l.cooldownElapsed(l.clock.Now())
}

// RetryAfter returns how long the caller has to wait before a new attempt is
// allowed, or zero when an attempt is allowed now.
func (l *Limiter) RetryAfter() time.Duration {
	if l.IsAttemptAllowed() {
		return 0
	}
	return l.lastAttemptAt.Add(l.policy.Cooldown).Sub(l.clock.Now())
}

// StartAttempt opens a new verification window and returns the plaintext code
// for out-of-band delivery. Any previously issued code is overwritten.
func (l *Limiter) StartAttempt() (string, error) {
	now := l.clock.Now()
	if l.attemptCount > l.policy.MaxFailedAttempts {
		if !l.cooldownElapsed(now) {
			return "", ErrAttemptNotAllowed
		}
		// block window is over
		l.attemptCount = 0
	}

	code, err := l.generate()
	if err != nil {
		return "", fmt.Errorf("generate verification code: %w", err)
	}

	l.codeHash = hashCode(code)
	l.hasCode = true
	l.issuedAt = now
	l.verified = false
	return code, nil
}

// CheckCode compares candidate with the issued code. A mismatch counts as a
// failed attempt; a match marks the limiter verified and closes the window.
func (l *Limiter) CheckCode(candidate string) error {
	now := l.clock.Now()
	if l.hasCode && !l.codeExpired(now) && hashesEqual(hashCode(candidate), l.codeHash) {
		l.verified = true
		l.hasCode = false
		l.codeHash = [32]byte{}
		return nil
	}

	l.attemptCount++
	l.lastAttemptAt = now
	return ErrWrongCode
}

// Verified reports whether a check has matched since the last StartAttempt
func (l *Limiter) Verified() bool { return l.verified }

// AttemptCount returns the number of failed checks in the current window
func (l *Limiter) AttemptCount() int { return l.attemptCount }

// LastAttemptAt returns the time of the last failed check, zero if none
func (l *Limiter) LastAttemptAt() time.Time { return l.lastAttemptAt }

// HasActiveCode reports whether a code is waiting to be checked
func (l *Limiter) HasActiveCode() bool { return l.hasCode }

// Policy returns the limiter's throttling parameters
func (l *Limiter) Policy() Policy { return l.policy }

func (l *Limiter) cooldownElapsed(now time.Time) bool {
	return !l.lastAttemptAt.Add(l.policy.Cooldown).After(now)
}

func (l *Limiter) codeExpired(now time.Time) bool {
	if l.policy.CodeTTL <= 0 {
		return false
	}
	return !now.Before(l.issuedAt.Add(l.policy.CodeTTL))
}

// Snapshot is the persistable form of a Limiter. It never contains the plaintext code.
type Snapshot struct {
	CodeHash      string    `json:"code_hash,omitempty"`
	IssuedAt      time.Time `json:"issued_at"`
	AttemptCount  int       `json:"attempt_count"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
	Verified      bool      `json:"verified"`
}

// Snapshot captures the limiter state
func (l *Limiter) Snapshot() Snapshot {
	s := Snapshot{
		IssuedAt:      l.issuedAt,
		AttemptCount:  l.attemptCount,
		LastAttemptAt: l.lastAttemptAt,
		Verified:      l.verified,
	}
	if l.hasCode {
		s.CodeHash = hex.EncodeToString(l.codeHash[:])
	}
	return s
}

// Restore rebuilds a limiter from a snapshot and re-attaches its dependencies
func Restore(s Snapshot, policy Policy, clock Clock, generate CodeGenerator) (*Limiter, error) {
	if s.AttemptCount < 0 {
		return nil, fmt.Errorf("invalid attempt count %d", s.AttemptCount)
	}

	l := NewLimiter(policy, clock, generate)
	l.issuedAt = s.IssuedAt
	l.attemptCount = s.AttemptCount
	l.lastAttemptAt = s.LastAttemptAt
	l.verified = s.Verified

	if s.CodeHash != "" {
		raw, err := hex.DecodeString(s.CodeHash)
		if err != nil {
			return nil, fmt.Errorf("decode code hash: %w", err)
		}
		if len(raw) != len(l.codeHash) {
			return nil, fmt.Errorf("invalid code hash length %d", len(raw))
		}
		copy(l.codeHash[:], raw)
		l.hasCode = true
	}
	return l, nil
}
