package auth

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/connectme/enrollment/internal/model"
	"github.com/connectme/enrollment/internal/process"
	"github.com/connectme/enrollment/internal/session"
)

// Status describes a session's process after an operation
type Status struct {
	State        string
	AttemptCount int
	// RetryAfter is non-zero while new codes and resets are blocked.
	RetryAfter time.Duration
}

// Admission is returned when a process completes
type Admission struct {
	User        model.User
	AccessToken string
}

// flow loads, runs and persists one kind of process under a session lock
type flow[P process.Payload] struct {
	kind    process.Kind
	store   session.Store
	deps    process.Deps
	key     func(sid string) string
	restore func(process.Snapshot, process.Deps) (*process.Process[P], error)
}

// run serialises fn against other operations on the same session. The
// process is saved after fn even when fn fails, since failed checks change
// the attempt counters. When fn reports done the session entry is removed.
func (f flow[P]) run(ctx context.Context, sid string, fn func(p *process.Process[P]) (done bool, err error)) (Status, error) {
	key := f.key(sid)
	unlock, err := f.store.Lock(ctx, key)
	if err != nil {
		return Status{}, fmt.Errorf("lock %s session: %w", f.kind, err)
	}
	defer unlock()

	p, err := f.load(ctx, key)
	if err != nil {
		return Status{}, err
	}

	done, opErr := fn(p)
	status := statusOf(p)

	if done {
		if err := f.store.Delete(ctx, key); err != nil {
			log.Printf("[%s] failed to drop completed session: %v", f.kind, err)
		}
		return status, opErr
	}

	snap, err := p.Snapshot()
	if err != nil {
		return status, err
	}
	// a throttled process outlives the session TTL until its cool-down ends
	if err := f.store.Save(ctx, key, snap, status.RetryAfter); err != nil {
		return status, fmt.Errorf("save %s session: %w", f.kind, err)
	}
	return status, opErr
}

func (f flow[P]) load(ctx context.Context, key string) (*process.Process[P], error) {
	snap, found, err := f.store.Load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load %s session: %w", f.kind, err)
	}
	if !found {
		return process.New[P](f.kind, f.deps), nil
	}
	p, err := f.restore(snap, f.deps)
	if err != nil {
		log.Printf("[%s] discarding unreadable session: %v", f.kind, err)
		return process.New[P](f.kind, f.deps), nil
	}
	return p, nil
}

func (f flow[P]) reset(ctx context.Context, sid string) (Status, error) {
	return f.run(ctx, sid, func(p *process.Process[P]) (bool, error) {
		return false, p.Reset()
	})
}

func (f flow[P]) startVerification(ctx context.Context, sid string) (Status, error) {
	return f.run(ctx, sid, func(p *process.Process[P]) (bool, error) {
		return false, p.StartAndWaitForVerification()
	})
}

func (f flow[P]) status(ctx context.Context, sid string) (Status, error) {
	return f.run(ctx, sid, func(*process.Process[P]) (bool, error) {
		return false, nil
	})
}

// requireState fails with a forbidden interaction unless p accepts e
func requireState[P process.Payload](p *process.Process[P], e process.Event) error {
	if _, ok := process.Transition(p.State(), e); !ok {
		return &process.ForbiddenInteractionError{Kind: p.Kind(), State: p.State(), Event: e}
	}
	return nil
}

func statusOf[P process.Payload](p *process.Process[P]) Status {
	return Status{
		State:        p.StateName(),
		AttemptCount: p.AttemptCount(),
		RetryAfter:   p.RetryAfter(),
	}
}
