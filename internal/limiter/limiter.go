// Package limiter throttles repeated failed biometric attempts per voter.
//
// Each voter is in one of three states: Clear, Warned(n) after n consecutive
// failures, or LockedOut(until) once maxFailures is reached. A success resets
// the voter to Clear. Once the lockout expires the voter is evaluated as if
// no failures had been recorded.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/votegate/internal/types"
)

// ErrLocked is returned when a failure is recorded against a voter who is still locked out.
var ErrLocked = errors.New("voter is locked out")

// Store persists attempt records. UpdateAttempts must apply fn atomically with
// respect to concurrent updates for the same voter and persist the record fn
// leaves behind. A voter with no record is presented to fn as the zero record.
type Store interface {
	LoadAttempts(ctx context.Context, voterID string) (types.AttemptRecord, error)
	UpdateAttempts(ctx context.Context, voterID string, fn func(*types.AttemptRecord) error) (types.AttemptRecord, error)
}

// Kind enumerates limiter states.
type Kind int

const (
	Clear Kind = iota
	Warned
	LockedOut
)

func (k Kind) String() string {
	switch k {
	case Clear:
		return "clear"
	case Warned:
		return "warned"
	case LockedOut:
		return "locked_out"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// State is a voter's evaluated limiter state at a point in time.
type State struct {
	Kind        Kind
	Failures    int
	LockedUntil time.Time
}

func (s State) String() string {
	switch s.Kind {
	case Warned:
		return fmt.Sprintf("Warned(%d)", s.Failures)
	case LockedOut:
		return fmt.Sprintf("LockedOut(%s)", s.LockedUntil.Format(time.RFC3339))
	}
	return "Clear"
}

// Limiter applies the lockout policy on top of a Store.
type Limiter struct {
	store       Store
	maxFailures int
	lockout     time.Duration
	now         func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now, for tests and simulations.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New returns a Limiter that locks a voter out for lockout after maxFailures
// consecutive failures.
func New(store Store, maxFailures int, lockout time.Duration, opts ...Option) (*Limiter, error) {
	if maxFailures < 1 {
		return nil, fmt.Errorf("max failures must be >= 1, got %d", maxFailures)
	}
	if lockout <= 0 {
		return nil, fmt.Errorf("lockout duration must be positive, got %s", lockout)
	}
	l := &Limiter{store: store, maxFailures: maxFailures, lockout: lockout, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// MaxFailures returns the number of consecutive failures that triggers a lockout.
func (l *Limiter) MaxFailures() int { return l.maxFailures }

// Evaluate derives the state of rec at now.
func Evaluate(rec types.AttemptRecord, now time.Time) State {
	if !rec.LockedUntil.IsZero() {
		if now.Before(rec.LockedUntil) {
			return State{Kind: LockedOut, Failures: rec.Failures, LockedUntil: rec.LockedUntil}
		}
		// Expired lockouts start over.
		return State{Kind: Clear}
	}
	if rec.Failures > 0 {
		return State{Kind: Warned, Failures: rec.Failures}
	}
	return State{Kind: Clear}
}

// Status reports the voter's current state without modifying it.
func (l *Limiter) Status(ctx context.Context, voterID string) (State, error) {
	rec, err := l.store.LoadAttempts(ctx, voterID)
	if err != nil {
		return State{}, fmt.Errorf("load attempts for %s: %w", voterID, err)
	}
	return Evaluate(rec, l.now()), nil
}

// RecordFailure counts one failed biometric attempt and returns the new state.
// It fails with ErrLocked if the voter is still locked out; locked attempts are
// rejected before any biometric work and never re-counted.
func (l *Limiter) RecordFailure(ctx context.Context, voterID string) (State, error) {
	now := l.now()
	var next State
	_, err := l.store.UpdateAttempts(ctx, voterID, func(rec *types.AttemptRecord) error {
		cur := Evaluate(*rec, now)
		if cur.Kind == LockedOut {
			return ErrLocked
		}

		n := cur.Failures + 1
		*rec = types.AttemptRecord{VoterID: voterID, Failures: n, LastFailureAt: now}
		if n >= l.maxFailures {
			rec.LockedUntil = now.Add(l.lockout)
			next = State{Kind: LockedOut, Failures: n, LockedUntil: rec.LockedUntil}
		} else {
			next = State{Kind: Warned, Failures: n}
		}
		return nil
	})
	if err != nil {
		return State{}, fmt.Errorf("record failure for %s: %w", voterID, err)
	}
	return next, nil
}

// RecordSuccess resets the voter to Clear unconditionally.
func (l *Limiter) RecordSuccess(ctx context.Context, voterID string) error {
	_, err := l.store.UpdateAttempts(ctx, voterID, func(rec *types.AttemptRecord) error {
		*rec = types.AttemptRecord{VoterID: voterID}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record success for %s: %w", voterID, err)
	}
	return nil
}
