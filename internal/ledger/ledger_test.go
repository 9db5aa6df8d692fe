package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/votegate/internal/memstore"
	"github.com/andresmejia3/votegate/internal/types"
)

func setup(t *testing.T, status types.ElectionStatus) (*Ledger, *memstore.Store) {
	t.Helper()
	s := memstore.New()
	ctx := context.Background()
	if err := s.CreateElection(ctx, types.Election{ID: "E1", Title: "Board", Status: status}); err != nil {
		t.Fatal(err)
	}
	if err := s.AddCandidate(ctx, types.Candidate{ID: "C1", ElectionID: "E1", Name: "Ada"}); err != nil {
		t.Fatal(err)
	}
	if err := s.AddCandidate(ctx, types.Candidate{ID: "C2", ElectionID: "E1", Name: "Grace"}); err != nil {
		t.Fatal(err)
	}
	return New(s), s
}

func TestCastVote(t *testing.T) {
	l, _ := setup(t, types.StatusActive)
	ctx := context.Background()

	b, err := l.CastVote(ctx, "A", "E1", "C1")
	if err != nil {
		t.Fatalf("CastVote failed: %v", err)
	}
	if b.VoterID != "A" || b.ElectionID != "E1" || b.CandidateID != "C1" || b.ID == "" {
		t.Errorf("Unexpected ballot %+v", b)
	}
	if !VerifyReceipt(b) {
		t.Error("Receipt does not verify")
	}

	if _, err := l.CastVote(ctx, "A", "E1", "C2"); !errors.Is(err, ErrAlreadyVoted) {
		t.Errorf("Expected ErrAlreadyVoted, got %v", err)
	}

	history, err := l.History(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].CandidateID != "C1" {
		t.Errorf("Unexpected history %+v", history)
	}
}

func TestCastVoteRejections(t *testing.T) {
	tests := []struct {
		name      string
		status    types.ElectionStatus
		election  string
		candidate string
		want      error
	}{
		{"draft election", types.StatusDraft, "E1", "C1", ErrElectionNotActive},
		{"closed election", types.StatusClosed, "E1", "C1", ErrElectionNotActive},
		{"missing election", types.StatusActive, "E404", "C1", ErrElectionNotActive},
		{"foreign candidate", types.StatusActive, "E1", "C9", ErrUnknownCandidate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _ := setup(t, tt.status)
			_, err := l.CastVote(context.Background(), "A", tt.election, tt.candidate)
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

// TestConcurrentCastVote fires N simultaneous votes for the same voter and
// election; exactly one may land.
func TestConcurrentCastVote(t *testing.T) {
	l, s := setup(t, types.StatusActive)

	const n = 25
	var successCount, alreadyVoted atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			candidate := "C1"
			if i%2 == 0 {
				candidate = "C2"
			}
			_, err := l.CastVote(context.Background(), "A", "E1", candidate)
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, ErrAlreadyVoted):
				alreadyVoted.Add(1)
			default:
				t.Errorf("Unexpected error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if successCount.Load() != 1 {
		t.Errorf("Expected exactly 1 successful vote, got %d", successCount.Load())
	}
	if alreadyVoted.Load() != n-1 {
		t.Errorf("Expected %d AlreadyVoted, got %d", n-1, alreadyVoted.Load())
	}

	ballots, _ := s.BallotsByElection(context.Background(), "E1")
	if len(ballots) != 1 {
		t.Errorf("Expected 1 ballot stored, got %d", len(ballots))
	}
}

// racingStore closes the election after GetElection, as a concurrent admin would.
type racingStore struct {
	*memstore.Store
}

func (r racingStore) GetElection(ctx context.Context, id string) (types.Election, error) {
	e, err := r.Store.GetElection(ctx, id)
	if err == nil {
		_ = r.Store.UpdateElectionStatus(ctx, id, types.StatusActive, types.StatusClosed)
	}
	return e, err
}

func TestCastVoteElectionClosesMidway(t *testing.T) {
	_, s := setup(t, types.StatusActive)
	l := New(racingStore{s})

	if _, err := l.CastVote(context.Background(), "A", "E1", "C1"); !errors.Is(err, ErrElectionNotActive) {
		t.Errorf("Expected ErrElectionNotActive, got %v", err)
	}
}

func TestReceiptChangesWithFields(t *testing.T) {
	b := types.Ballot{ID: "1", VoterID: "A", ElectionID: "E1", CandidateID: "C1", CastAt: time.Unix(10, 0)}
	b.Receipt = Receipt(b)

	tampered := b
	tampered.CandidateID = "C2"
	if VerifyReceipt(tampered) {
		t.Error("Receipt verified after the candidate changed")
	}
	if !VerifyReceipt(b) {
		t.Error("Original ballot should verify")
	}
}
