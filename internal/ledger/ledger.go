// Package ledger records ballots, at most one per voter per election.
//
// Uniqueness is enforced by the store at write time (a unique constraint on
// (voter, election) in the database backends), never by a check followed by
// a separate write. The ledger is the only writer of ballots.
package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"

	"github.com/andresmejia3/votegate/internal/types"
)

var (
	ErrAlreadyVoted      = errors.New("voter has already voted in this election")
	ErrElectionNotActive = errors.New("election is not active")
	ErrUnknownCandidate  = errors.New("candidate does not belong to this election")
)

// Store is the persistence the ledger needs. InsertBallot must fail with
// types.ErrConflict when (VoterID, ElectionID) already has a ballot, and with
// types.ErrPrecondition when the election is not active or the candidate is
// not part of it at write time.
type Store interface {
	GetElection(ctx context.Context, id string) (types.Election, error)
	InsertBallot(ctx context.Context, b types.Ballot) error
	BallotsByVoter(ctx context.Context, voterID string) ([]types.Ballot, error)
}

type Ledger struct {
	store Store
	now   func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{store: store, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CastVote persists a ballot for voterID in electionID. Under concurrent
// calls for the same voter and election exactly one succeeds; the rest fail
// with ErrAlreadyVoted.
func (l *Ledger) CastVote(ctx context.Context, voterID, electionID, candidateID string) (types.Ballot, error) {
	election, err := l.store.GetElection(ctx, electionID)
	if errors.Is(err, types.ErrNotFound) {
		return types.Ballot{}, fmt.Errorf("%w: election %s not found", ErrElectionNotActive, electionID)
	}
	if err != nil {
		return types.Ballot{}, fmt.Errorf("load election %s: %w", electionID, err)
	}
	if election.Status != types.StatusActive {
		return types.Ballot{}, fmt.Errorf("%w: %s is %s", ErrElectionNotActive, electionID, election.Status)
	}
	if !election.HasCandidate(candidateID) {
		return types.Ballot{}, fmt.Errorf("%w: %s", ErrUnknownCandidate, candidateID)
	}

	b := types.Ballot{
		ID:          uuid.NewString(),
		VoterID:     voterID,
		ElectionID:  electionID,
		CandidateID: candidateID,
		// Postgres keeps microseconds; truncate so receipts survive a round trip.
		CastAt: l.now().UTC().Truncate(time.Microsecond),
	}
	b.Receipt = Receipt(b)

	err = l.store.InsertBallot(ctx, b)
	switch {
	case err == nil:
		return b, nil
	case errors.Is(err, types.ErrConflict):
		return types.Ballot{}, ErrAlreadyVoted
	case errors.Is(err, types.ErrPrecondition):
		// The election closed between the check above and the write.
		return types.Ballot{}, fmt.Errorf("%w: %s", ErrElectionNotActive, electionID)
	default:
		return types.Ballot{}, fmt.Errorf("insert ballot: %w", err)
	}
}

// History lists the voter's ballots, newest first.
func (l *Ledger) History(ctx context.Context, voterID string) ([]types.Ballot, error) {
	ballots, err := l.store.BallotsByVoter(ctx, voterID)
	if err != nil {
		return nil, fmt.Errorf("load ballots for %s: %w", voterID, err)
	}
	return ballots, nil
}

// Receipt is the hex SHA3-256 of the ballot's identifying fields. A voter can
// keep it to later confirm their ballot is unchanged.
func Receipt(b types.Ballot) string {
	h := sha3.New256()
	h.Write([]byte(strings.Join([]string{
		b.ID,
		b.VoterID,
		b.ElectionID,
		b.CandidateID,
		b.CastAt.UTC().Format(time.RFC3339Nano),
	}, "\x1f")))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyReceipt reports whether b still hashes to its stored receipt.
func VerifyReceipt(b types.Ballot) bool {
	return b.Receipt != "" && Receipt(b) == b.Receipt
}
