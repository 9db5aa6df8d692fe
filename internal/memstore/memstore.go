// Package memstore is an in-process backend with the same semantics as the
// database stores. It backs unit tests and local experiments; state is lost on exit.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/andresmejia3/votegate/internal/types"
)

type ballotKey struct {
	voterID    string
	electionID string
}

// Store keeps all records in maps guarded by a single mutex.
type Store struct {
	mu        sync.RWMutex
	voters    map[string]types.Voter
	attempts  map[string]types.AttemptRecord
	elections map[string]types.Election
	order     []string // election ids in creation order
	ballots   map[ballotKey]types.Ballot
}

// New returns an empty store.
func New() *Store {
	s := &Store{}
	s.reset()
	return s
}

func (s *Store) reset() {
	s.voters = make(map[string]types.Voter)
	s.attempts = make(map[string]types.AttemptRecord)
	s.elections = make(map[string]types.Election)
	s.order = nil
	s.ballots = make(map[ballotKey]types.Ballot)
}

// Close is a no-op.
func (s *Store) Close(ctx context.Context) {}

// Reset drops all state.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	return nil
}

// --- Voters ---

func (s *Store) PutEmbedding(ctx context.Context, voterID string, e types.Embedding, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voters[voterID] = types.Voter{ID: voterID, Embedding: e.Clone(), EnrolledAt: at}
	return nil
}

func (s *Store) GetVoter(ctx context.Context, voterID string) (types.Voter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.voters[voterID]
	if !ok {
		return types.Voter{}, types.ErrNotFound
	}
	v.Embedding = v.Embedding.Clone()
	return v, nil
}

func (s *Store) ListVoters(ctx context.Context) ([]types.Voter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Voter, 0, len(s.voters))
	for _, v := range s.voters {
		out = append(out, types.Voter{ID: v.ID, EnrolledAt: v.EnrolledAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Attempts ---

func (s *Store) LoadAttempts(ctx context.Context, voterID string) (types.AttemptRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.attempts[voterID]
	if !ok {
		return types.AttemptRecord{VoterID: voterID}, nil
	}
	return rec, nil
}

func (s *Store) UpdateAttempts(ctx context.Context, voterID string, fn func(*types.AttemptRecord) error) (types.AttemptRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.attempts[voterID]
	if !ok {
		rec = types.AttemptRecord{VoterID: voterID}
	}
	if err := fn(&rec); err != nil {
		return types.AttemptRecord{}, err
	}
	rec.VoterID = voterID
	if rec.Failures == 0 && rec.LockedUntil.IsZero() {
		delete(s.attempts, voterID)
	} else {
		s.attempts[voterID] = rec
	}
	return rec, nil
}

// --- Elections ---

func (s *Store) CreateElection(ctx context.Context, e types.Election) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.elections[e.ID]; ok {
		return types.ErrConflict
	}
	e.Candidates = append([]types.Candidate(nil), e.Candidates...)
	s.elections[e.ID] = e
	s.order = append(s.order, e.ID)
	return nil
}

func (s *Store) AddCandidate(ctx context.Context, c types.Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.elections[c.ElectionID]
	if !ok {
		return types.ErrNotFound
	}
	for _, existing := range e.Candidates {
		if existing.ID == c.ID || existing.Name == c.Name {
			return types.ErrConflict
		}
	}
	e.Candidates = append(e.Candidates, c)
	s.elections[e.ID] = e
	return nil
}

func (s *Store) GetElection(ctx context.Context, id string) (types.Election, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.elections[id]
	if !ok {
		return types.Election{}, types.ErrNotFound
	}
	e.Candidates = append([]types.Candidate(nil), e.Candidates...)
	return e, nil
}

func (s *Store) ListElections(ctx context.Context) ([]types.Election, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Election, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		e := s.elections[s.order[i]]
		e.Candidates = append([]types.Candidate(nil), e.Candidates...)
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) UpdateElectionStatus(ctx context.Context, id string, from, to types.ElectionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.elections[id]
	if !ok {
		return types.ErrNotFound
	}
	if e.Status != from {
		return types.ErrPrecondition
	}
	e.Status = to
	s.elections[id] = e
	return nil
}

// --- Ballots ---

// InsertBallot checks the election guard and the (voter, election) uniqueness
// and writes the ballot under one lock.
func (s *Store) InsertBallot(ctx context.Context, b types.Ballot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.elections[b.ElectionID]
	if !ok || e.Status != types.StatusActive || !e.HasCandidate(b.CandidateID) {
		return types.ErrPrecondition
	}
	key := ballotKey{voterID: b.VoterID, electionID: b.ElectionID}
	if _, exists := s.ballots[key]; exists {
		return types.ErrConflict
	}
	s.ballots[key] = b
	return nil
}

func (s *Store) BallotsByVoter(ctx context.Context, voterID string) ([]types.Ballot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Ballot
	for k, b := range s.ballots {
		if k.voterID == voterID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CastAt.After(out[j].CastAt) })
	return out, nil
}

func (s *Store) BallotsByElection(ctx context.Context, electionID string) ([]types.Ballot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Ballot
	for k, b := range s.ballots {
		if k.electionID == electionID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Tally counts ballots per candidate, most votes first, ties in candidate order.
func (s *Store) Tally(ctx context.Context, electionID string) ([]types.Tally, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.elections[electionID]
	if !ok {
		return nil, types.ErrNotFound
	}
	counts := make(map[string]int)
	for k, b := range s.ballots {
		if k.electionID == electionID {
			counts[b.CandidateID]++
		}
	}
	out := make([]types.Tally, 0, len(e.Candidates))
	for _, c := range e.Candidates {
		out = append(out, types.Tally{Candidate: c, Votes: counts[c.ID]})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Votes > out[j].Votes })
	return out, nil
}
