// Package session keeps enrollment processes between requests, keyed by the
// caller's session identifier, and serialises access to each key.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/connectme/enrollment/internal/process"
)

// DefaultTTL is how long an idle process is kept
const DefaultTTL = 30 * time.Minute

var (
	// ErrLockTimeout is returned when another request holds the session too long
	ErrLockTimeout = errors.New("session busy")
	// ErrUnavailable wraps backend failures
	ErrUnavailable = errors.New("session store unavailable")
)

// Store persists process snapshots per session key.
//
// Callers must hold the key's lock (see Lock) for the whole
// load-mutate-save sequence.
type Store interface {
	Load(ctx context.Context, key string) (process.Snapshot, bool, error)
	// Save keeps snap for the store TTL, or for keep when that is longer.
	Save(ctx context.Context, key string, snap process.Snapshot, keep time.Duration) error
	Delete(ctx context.Context, key string) error
	// Lock blocks until the caller owns key or ctx is done.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

func retention(ttl, keep time.Duration) time.Duration {
	if keep > ttl {
		return keep
	}
	return ttl
}

// RegistrationKey is the store key of a session's registration
func RegistrationKey(sessionID string) string { return "registration:" + sessionID }

// LoginKey is the store key of a session's login
func LoginKey(sessionID string) string { return "login:" + sessionID }
