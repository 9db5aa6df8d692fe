// Package election manages the lifecycle of elections and their candidates:
// draft -> active -> closed. Ballots can only be cast while active.
package election

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"

	"github.com/andresmejia3/votegate/internal/types"
)

var ErrInvalidTransition = errors.New("invalid election status transition")

type Store interface {
	CreateElection(ctx context.Context, e types.Election) error
	AddCandidate(ctx context.Context, c types.Candidate) error
	GetElection(ctx context.Context, id string) (types.Election, error)
	ListElections(ctx context.Context) ([]types.Election, error)
	UpdateElectionStatus(ctx context.Context, id string, from, to types.ElectionStatus) error
	BallotsByElection(ctx context.Context, electionID string) ([]types.Ballot, error)
	Tally(ctx context.Context, electionID string) ([]types.Tally, error)
}

type Service struct {
	store Store
	now   func() time.Time
}

func New(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// Results is a tally plus a digest over every ballot receipt, so two
// observers can confirm they counted the same set of ballots.
type Results struct {
	Election types.Election
	Tally    []types.Tally
	Ballots  int
	Digest   string
}

// Create registers a new election in draft.
func (s *Service) Create(ctx context.Context, title, description string) (types.Election, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return types.Election{}, errors.New("election title is required")
	}
	e := types.Election{
		ID:          uuid.NewString(),
		Title:       title,
		Description: description,
		Status:      types.StatusDraft,
		CreatedAt:   s.now().UTC().Truncate(time.Microsecond),
	}
	if err := s.store.CreateElection(ctx, e); err != nil {
		return types.Election{}, fmt.Errorf("create election: %w", err)
	}
	return e, nil
}

// AddCandidate adds a named candidate. Closed elections are frozen.
func (s *Service) AddCandidate(ctx context.Context, electionID, name, party string) (types.Candidate, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return types.Candidate{}, errors.New("candidate name is required")
	}
	e, err := s.Get(ctx, electionID)
	if err != nil {
		return types.Candidate{}, err
	}
	if e.Status == types.StatusClosed {
		return types.Candidate{}, fmt.Errorf("%w: cannot add candidates to a closed election", ErrInvalidTransition)
	}
	c := types.Candidate{ID: uuid.NewString(), ElectionID: electionID, Name: name, Party: party}
	if err := s.store.AddCandidate(ctx, c); err != nil {
		if errors.Is(err, types.ErrConflict) {
			return types.Candidate{}, fmt.Errorf("candidate %q already exists: %w", name, err)
		}
		return types.Candidate{}, fmt.Errorf("add candidate: %w", err)
	}
	return c, nil
}

// Open moves a draft election with at least one candidate to active.
func (s *Service) Open(ctx context.Context, electionID string) error {
	e, err := s.Get(ctx, electionID)
	if err != nil {
		return err
	}
	if len(e.Candidates) == 0 {
		return fmt.Errorf("%w: election %s has no candidates", ErrInvalidTransition, electionID)
	}
	return s.transition(ctx, electionID, types.StatusDraft, types.StatusActive)
}

// Close ends voting on an active election.
func (s *Service) Close(ctx context.Context, electionID string) error {
	return s.transition(ctx, electionID, types.StatusActive, types.StatusClosed)
}

func (s *Service) transition(ctx context.Context, id string, from, to types.ElectionStatus) error {
	err := s.store.UpdateElectionStatus(ctx, id, from, to)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, types.ErrNotFound):
		return fmt.Errorf("election %s: %w", id, err)
	case errors.Is(err, types.ErrPrecondition):
		return fmt.Errorf("%w: %s is not %s", ErrInvalidTransition, id, from)
	default:
		return fmt.Errorf("update election %s: %w", id, err)
	}
}

func (s *Service) Get(ctx context.Context, id string) (types.Election, error) {
	e, err := s.store.GetElection(ctx, id)
	if err != nil {
		return types.Election{}, fmt.Errorf("election %s: %w", id, err)
	}
	return e, nil
}

func (s *Service) List(ctx context.Context) ([]types.Election, error) {
	return s.store.ListElections(ctx)
}

// Results tallies an election. Any status is allowed; a running tally of an
// active election is informational only.
func (s *Service) Results(ctx context.Context, electionID string) (Results, error) {
	e, err := s.Get(ctx, electionID)
	if err != nil {
		return Results{}, err
	}
	tally, err := s.store.Tally(ctx, electionID)
	if err != nil {
		return Results{}, fmt.Errorf("tally %s: %w", electionID, err)
	}
	ballots, err := s.store.BallotsByElection(ctx, electionID)
	if err != nil {
		return Results{}, fmt.Errorf("load ballots for %s: %w", electionID, err)
	}
	return Results{
		Election: e,
		Tally:    tally,
		Ballots:  len(ballots),
		Digest:   Digest(ballots),
	}, nil
}

// Digest is the SHA3-256 over the sorted ballot receipts. It does not depend
// on the order ballots are returned in.
func Digest(ballots []types.Ballot) string {
	receipts := make([]string, len(ballots))
	for i, b := range ballots {
		receipts[i] = b.Receipt
	}
	sort.Strings(receipts)

	h := sha3.New256()
	for _, r := range receipts {
		h.Write([]byte(r))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
