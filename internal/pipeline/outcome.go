package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/votegate/internal/ledger"
	"github.com/andresmejia3/votegate/internal/limiter"
	"github.com/andresmejia3/votegate/internal/liveness"
	"github.com/andresmejia3/votegate/internal/types"
)

// Outcome names how a pipeline run ended.
type Outcome int

const (
	Voted Outcome = iota
	Enrolled
	LockedOut
	SpoofSuspected
	ExtractionFailed
	NotEnrolled
	IdentityMismatch
	AlreadyVoted
	ElectionNotActive
	UnknownCandidate
)

var outcomeNames = map[Outcome]string{
	Voted:             "voted",
	Enrolled:          "enrolled",
	LockedOut:         "locked_out",
	SpoofSuspected:    "spoof_suspected",
	ExtractionFailed:  "extraction_failed",
	NotEnrolled:       "not_enrolled",
	IdentityMismatch:  "identity_mismatch",
	AlreadyVoted:      "already_voted",
	ElectionNotActive: "election_not_active",
	UnknownCandidate:  "unknown_candidate",
}

func (o Outcome) String() string {
	if s, ok := outcomeNames[o]; ok {
		return s
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Counted reports whether the outcome is a biometric failure that the
// attempt limiter records.
func (o Outcome) Counted() bool {
	return o == SpoofSuspected || o == IdentityMismatch
}

// Rejection sentinels, matched by errors.Is against Result.Err().
var (
	ErrLockedOut        = errors.New("too many failed attempts, try again later")
	ErrSpoofSuspected   = errors.New("capture failed liveness check")
	ErrExtractionFailed = errors.New("no usable face in capture, please recapture")
	ErrNotEnrolled      = errors.New("voter is not enrolled")
	ErrIdentityMismatch = errors.New("face does not match the enrolled voter")
)

var outcomeErrs = map[Outcome]error{
	LockedOut:         ErrLockedOut,
	SpoofSuspected:    ErrSpoofSuspected,
	ExtractionFailed:  ErrExtractionFailed,
	NotEnrolled:       ErrNotEnrolled,
	IdentityMismatch:  ErrIdentityMismatch,
	AlreadyVoted:      ledger.ErrAlreadyVoted,
	ElectionNotActive: ledger.ErrElectionNotActive,
	UnknownCandidate:  ledger.ErrUnknownCandidate,
}

// Result is the outcome of one pipeline run. It is logged, never persisted.
type Result struct {
	Outcome Outcome
	// Reason is a human readable detail for the rejection, if any.
	Reason string

	Ballot   types.Ballot
	Liveness liveness.Score
	// LivenessChecked is false when the run stopped before scoring the capture.
	LivenessChecked bool
	Matched         bool
	Distance        float64
	// Limiter is the attempt state after this run.
	Limiter limiter.State
}

// OK reports whether the run achieved its goal.
func (r Result) OK() bool { return r.Outcome == Voted || r.Outcome == Enrolled }

// Err returns nil for a successful run, otherwise a *RejectionError.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	e := &RejectionError{Outcome: r.Outcome, Reason: r.Reason}
	if r.Limiter.Kind == limiter.LockedOut {
		e.RetryAt = r.Limiter.LockedUntil
	}
	return e
}

// RejectionError is a recoverable, user-facing rejection.
type RejectionError struct {
	Outcome Outcome
	Reason  string
	// RetryAt is set when the voter is locked out.
	RetryAt time.Time
}

func (e *RejectionError) Error() string {
	msg := outcomeErrs[e.Outcome].Error()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if !e.RetryAt.IsZero() {
		msg += " (retry after " + e.RetryAt.Format(time.RFC3339) + ")"
	}
	return msg
}

func (e *RejectionError) Unwrap() error { return outcomeErrs[e.Outcome] }
