// Package storetest is a conformance suite every persistence backend runs
// from its own tests, so the in-memory, SQLite and Postgres stores agree on
// semantics.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/votegate/internal/types"
)

// Store is the full persistence surface of the application.
type Store interface {
	Close(ctx context.Context)
	Reset(ctx context.Context) error

	PutEmbedding(ctx context.Context, voterID string, e types.Embedding, at time.Time) error
	GetVoter(ctx context.Context, voterID string) (types.Voter, error)
	ListVoters(ctx context.Context) ([]types.Voter, error)

	LoadAttempts(ctx context.Context, voterID string) (types.AttemptRecord, error)
	UpdateAttempts(ctx context.Context, voterID string, fn func(*types.AttemptRecord) error) (types.AttemptRecord, error)

	CreateElection(ctx context.Context, e types.Election) error
	AddCandidate(ctx context.Context, c types.Candidate) error
	GetElection(ctx context.Context, id string) (types.Election, error)
	ListElections(ctx context.Context) ([]types.Election, error)
	UpdateElectionStatus(ctx context.Context, id string, from, to types.ElectionStatus) error

	InsertBallot(ctx context.Context, b types.Ballot) error
	BallotsByVoter(ctx context.Context, voterID string) ([]types.Ballot, error)
	BallotsByElection(ctx context.Context, electionID string) ([]types.Ballot, error)
	Tally(ctx context.Context, electionID string) ([]types.Tally, error)
}

// Dim is the embedding dimension the suite writes. Backends with a fixed
// column width must be created with it.
const Dim = 8

// Run executes the suite. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s Store)
	}{
		{"Embeddings", testEmbeddings},
		{"Attempts", testAttempts},
		{"Elections", testElections},
		{"Ballots", testBallots},
		{"ConcurrentBallots", testConcurrentBallots},
		{"ConcurrentAttempts", testConcurrentAttempts},
		{"Reset", testReset},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { s.Close(context.Background()) })
			tt.fn(t, s)
		})
	}
}

func vec(i int) types.Embedding {
	e := make(types.Embedding, Dim)
	e[i%Dim] = 1
	e[(i+1)%Dim] = 0.25
	return e
}

func almostEqual(a, b types.Embedding) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Abs(a[i]-b[i]) > 1e-6 {
			return false
		}
	}
	return true
}

// at returns a UTC instant with microsecond precision, the finest every backend keeps.
func at(sec int64) time.Time {
	return time.Unix(1_760_000_000+sec, 123_456_000).UTC()
}

func testEmbeddings(t *testing.T, s Store) {
	ctx := context.Background()

	if _, err := s.GetVoter(ctx, "A"); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound for unknown voter, got %v", err)
	}

	if err := s.PutEmbedding(ctx, "A", vec(0), at(1)); err != nil {
		t.Fatalf("PutEmbedding failed: %v", err)
	}
	if err := s.PutEmbedding(ctx, "A", vec(3), at(2)); err != nil {
		t.Fatalf("PutEmbedding (replace) failed: %v", err)
	}
	if err := s.PutEmbedding(ctx, "B", vec(1), at(3)); err != nil {
		t.Fatal(err)
	}

	v, err := s.GetVoter(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	if !almostEqual(v.Embedding, vec(3)) {
		t.Errorf("Expected latest embedding, got %v", v.Embedding)
	}
	if !v.EnrolledAt.Equal(at(2)) {
		t.Errorf("Expected enrolled at %s, got %s", at(2), v.EnrolledAt)
	}

	voters, err := s.ListVoters(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(voters) != 2 || voters[0].ID != "A" || voters[1].ID != "B" {
		t.Errorf("Expected voters A, B got %+v", voters)
	}
}

func testAttempts(t *testing.T, s Store) {
	ctx := context.Background()

	rec, err := s.LoadAttempts(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Failures != 0 || !rec.LockedUntil.IsZero() {
		t.Fatalf("Expected empty record, got %+v", rec)
	}

	rec, err = s.UpdateAttempts(ctx, "A", func(r *types.AttemptRecord) error {
		r.Failures = 3
		r.LastFailureAt = at(10)
		r.LockedUntil = at(310)
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateAttempts failed: %v", err)
	}
	if rec.VoterID != "A" || rec.Failures != 3 {
		t.Errorf("Unexpected record %+v", rec)
	}

	rec, _ = s.LoadAttempts(ctx, "A")
	if rec.Failures != 3 || !rec.LockedUntil.Equal(at(310)) || !rec.LastFailureAt.Equal(at(10)) {
		t.Errorf("Record not persisted, got %+v", rec)
	}

	boom := errors.New("boom")
	if _, err := s.UpdateAttempts(ctx, "A", func(r *types.AttemptRecord) error {
		r.Failures = 99
		return boom
	}); !errors.Is(err, boom) {
		t.Errorf("Expected callback error, got %v", err)
	}
	if rec, _ := s.LoadAttempts(ctx, "A"); rec.Failures != 3 {
		t.Errorf("Failed update was persisted: %+v", rec)
	}

	if _, err := s.UpdateAttempts(ctx, "A", func(r *types.AttemptRecord) error {
		*r = types.AttemptRecord{}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if rec, _ := s.LoadAttempts(ctx, "A"); rec.Failures != 0 || !rec.LockedUntil.IsZero() {
		t.Errorf("Expected cleared record, got %+v", rec)
	}
}

func seedElection(t *testing.T, s Store, id string, status types.ElectionStatus, created time.Time) {
	t.Helper()
	ctx := context.Background()
	if err := s.CreateElection(ctx, types.Election{ID: id, Title: "Election " + id, Status: status, CreatedAt: created}); err != nil {
		t.Fatalf("CreateElection(%s) failed: %v", id, err)
	}
	for _, c := range []string{"C1", "C2"} {
		cand := types.Candidate{ID: id + "-" + c, ElectionID: id, Name: "Name " + c, Party: "P"}
		if err := s.AddCandidate(ctx, cand); err != nil {
			t.Fatalf("AddCandidate(%s) failed: %v", cand.ID, err)
		}
	}
}

func testElections(t *testing.T, s Store) {
	ctx := context.Background()
	seedElection(t, s, "E1", types.StatusDraft, at(1))
	seedElection(t, s, "E2", types.StatusDraft, at(2))

	if err := s.CreateElection(ctx, types.Election{ID: "E1", Title: "dup", Status: types.StatusDraft, CreatedAt: at(3)}); !errors.Is(err, types.ErrConflict) {
		t.Errorf("Expected ErrConflict for duplicate election, got %v", err)
	}
	if err := s.AddCandidate(ctx, types.Candidate{ID: "x", ElectionID: "E1", Name: "Name C1"}); !errors.Is(err, types.ErrConflict) {
		t.Errorf("Expected ErrConflict for duplicate candidate name, got %v", err)
	}
	if err := s.AddCandidate(ctx, types.Candidate{ID: "y", ElectionID: "nope", Name: "Z"}); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for missing election, got %v", err)
	}

	e, err := s.GetElection(ctx, "E1")
	if err != nil {
		t.Fatal(err)
	}
	if e.Title != "Election E1" || e.Status != types.StatusDraft || len(e.Candidates) != 2 {
		t.Errorf("Unexpected election %+v", e)
	}
	if e.Candidates[0].ID != "E1-C1" || e.Candidates[1].ID != "E1-C2" {
		t.Errorf("Candidates out of order: %+v", e.Candidates)
	}
	if _, err := s.GetElection(ctx, "nope"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	list, err := s.ListElections(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != "E2" || len(list[0].Candidates) != 2 {
		t.Errorf("Expected newest election first with candidates, got %+v", list)
	}

	if err := s.UpdateElectionStatus(ctx, "E1", types.StatusDraft, types.StatusActive); err != nil {
		t.Fatalf("UpdateElectionStatus failed: %v", err)
	}
	if err := s.UpdateElectionStatus(ctx, "E1", types.StatusDraft, types.StatusActive); !errors.Is(err, types.ErrPrecondition) {
		t.Errorf("Expected ErrPrecondition for stale transition, got %v", err)
	}
	if err := s.UpdateElectionStatus(ctx, "nope", types.StatusDraft, types.StatusActive); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if e, _ := s.GetElection(ctx, "E1"); e.Status != types.StatusActive {
		t.Errorf("Expected active, got %s", e.Status)
	}
}

func ballot(id, voter, election, candidate string, castAt time.Time) types.Ballot {
	return types.Ballot{
		ID: id, VoterID: voter, ElectionID: election, CandidateID: candidate,
		CastAt: castAt, Receipt: "r-" + id,
	}
}

func testBallots(t *testing.T, s Store) {
	ctx := context.Background()
	seedElection(t, s, "E1", types.StatusActive, at(1))
	seedElection(t, s, "E2", types.StatusActive, at(2))
	seedElection(t, s, "E3", types.StatusDraft, at(3))

	if err := s.InsertBallot(ctx, ballot("b1", "A", "E1", "E1-C2", at(10))); err != nil {
		t.Fatalf("InsertBallot failed: %v", err)
	}
	if err := s.InsertBallot(ctx, ballot("b2", "A", "E1", "E1-C1", at(11))); !errors.Is(err, types.ErrConflict) {
		t.Errorf("Expected ErrConflict for second ballot, got %v", err)
	}
	if err := s.InsertBallot(ctx, ballot("b3", "A", "E2", "E2-C1", at(12))); err != nil {
		t.Fatalf("Ballot in another election should succeed: %v", err)
	}
	if err := s.InsertBallot(ctx, ballot("b4", "B", "E1", "E1-C2", at(13))); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertBallot(ctx, ballot("b5", "C", "E1", "E1-C1", at(14))); err != nil {
		t.Fatal(err)
	}

	for _, tt := range []struct {
		name string
		b    types.Ballot
	}{
		{"draft election", ballot("b6", "A", "E3", "E3-C1", at(15))},
		{"foreign candidate", ballot("b7", "D", "E1", "E2-C1", at(15))},
		{"missing election", ballot("b8", "D", "E9", "E1-C1", at(15))},
	} {
		if err := s.InsertBallot(ctx, tt.b); !errors.Is(err, types.ErrPrecondition) {
			t.Errorf("%s: expected ErrPrecondition, got %v", tt.name, err)
		}
	}

	if err := s.UpdateElectionStatus(ctx, "E2", types.StatusActive, types.StatusClosed); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertBallot(ctx, ballot("b9", "B", "E2", "E2-C1", at(16))); !errors.Is(err, types.ErrPrecondition) {
		t.Errorf("Expected ErrPrecondition for closed election, got %v", err)
	}

	history, err := s.BallotsByVoter(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 || history[0].ID != "b3" || history[1].ID != "b1" {
		t.Errorf("Expected newest ballot first, got %+v", history)
	}
	b := history[1]
	if b.CandidateID != "E1-C2" || b.Receipt != "r-b1" || !b.CastAt.Equal(at(10)) {
		t.Errorf("Ballot fields not preserved: %+v", b)
	}

	byElection, err := s.BallotsByElection(ctx, "E1")
	if err != nil {
		t.Fatal(err)
	}
	if len(byElection) != 3 || byElection[0].ID != "b1" || byElection[2].ID != "b5" {
		t.Errorf("Expected ballots sorted by id, got %+v", byElection)
	}

	tally, err := s.Tally(ctx, "E1")
	if err != nil {
		t.Fatal(err)
	}
	if len(tally) != 2 || tally[0].Candidate.ID != "E1-C2" || tally[0].Votes != 2 || tally[1].Votes != 1 {
		t.Errorf("Unexpected tally %+v", tally)
	}

	tally, _ = s.Tally(ctx, "E3")
	if len(tally) != 2 || tally[0].Votes != 0 || tally[0].Candidate.ID != "E3-C1" {
		t.Errorf("Empty tally should list candidates in order, got %+v", tally)
	}
	if _, err := s.Tally(ctx, "E9"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func testConcurrentBallots(t *testing.T, s Store) {
	seedElection(t, s, "E1", types.StatusActive, at(1))

	const n = 16
	var ok, conflict atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			err := s.InsertBallot(context.Background(), ballot(fmt.Sprintf("b%02d", i), "A", "E1", "E1-C1", at(int64(i))))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, types.ErrConflict):
				conflict.Add(1)
			default:
				t.Errorf("Unexpected error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if ok.Load() != 1 || conflict.Load() != n-1 {
		t.Errorf("Expected 1 success and %d conflicts, got %d and %d", n-1, ok.Load(), conflict.Load())
	}
}

func testConcurrentAttempts(t *testing.T, s Store) {
	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateAttempts(context.Background(), "A", func(r *types.AttemptRecord) error {
				r.Failures++
				return nil
			})
			if err != nil {
				t.Errorf("UpdateAttempts failed: %v", err)
			}
		}()
	}
	wg.Wait()

	rec, err := s.LoadAttempts(context.Background(), "A")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Failures != n {
		t.Errorf("Expected %d failures, got %d (lost update)", n, rec.Failures)
	}
}

func testReset(t *testing.T, s Store) {
	ctx := context.Background()
	seedElection(t, s, "E1", types.StatusActive, at(1))
	_ = s.PutEmbedding(ctx, "A", vec(0), at(1))
	_ = s.InsertBallot(ctx, ballot("b1", "A", "E1", "E1-C1", at(2)))

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if voters, _ := s.ListVoters(ctx); len(voters) != 0 {
		t.Errorf("Expected no voters after reset, got %d", len(voters))
	}
	if elections, _ := s.ListElections(ctx); len(elections) != 0 {
		t.Errorf("Expected no elections after reset, got %d", len(elections))
	}

	// The store stays usable.
	seedElection(t, s, "E1", types.StatusActive, at(3))
	if err := s.InsertBallot(ctx, ballot("b1", "A", "E1", "E1-C1", at(4))); err != nil {
		t.Errorf("InsertBallot after reset failed: %v", err)
	}
}
