package types

import (
	"errors"
	"math"
	"time"
)

// Storage errors shared by every backend. Drivers translate their own
// "no rows" and unique-violation errors into these.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
	// ErrPrecondition means a guarded write found its guard false, e.g. a
	// ballot insert whose election is no longer active.
	ErrPrecondition = errors.New("precondition failed")
)

// ErrUnusableCapture is wrapped by extractors when an image holds no face the
// model can embed. The caller should ask for a new capture.
var ErrUnusableCapture = errors.New("capture has no usable face")

// Embedding is a fixed-length face descriptor produced by the extraction model.
type Embedding []float64

// Dim returns the dimensionality of the embedding.
func (e Embedding) Dim() int { return len(e) }

// Clone returns a copy that shares no memory with e.
func (e Embedding) Clone() Embedding {
	if e == nil {
		return nil
	}
	c := make(Embedding, len(e))
	copy(c, e)
	return c
}

// Voter is an enrolled identity. A voter has at most one embedding.
type Voter struct {
	ID         string
	Embedding  Embedding
	EnrolledAt time.Time
}

// ElectionStatus is the lifecycle stage of an election.
type ElectionStatus string

const (
	StatusDraft  ElectionStatus = "draft"
	StatusActive ElectionStatus = "active"
	StatusClosed ElectionStatus = "closed"
)

// Valid reports whether s is a known status.
func (s ElectionStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusActive, StatusClosed:
		return true
	}
	return false
}

type Candidate struct {
	ID         string
	ElectionID string
	Name       string
	Party      string
}

// Election owns its candidates in insertion order.
type Election struct {
	ID          string
	Title       string
	Description string
	Status      ElectionStatus
	Candidates  []Candidate
	CreatedAt   time.Time
}

// HasCandidate reports whether candidateID belongs to the election.
func (e Election) HasCandidate(candidateID string) bool {
	for _, c := range e.Candidates {
		if c.ID == candidateID {
			return true
		}
	}
	return false
}

// Ballot is one voter's choice in one election. (VoterID, ElectionID) is unique.
type Ballot struct {
	ID          string
	VoterID     string
	ElectionID  string
	CandidateID string
	CastAt      time.Time
	Receipt     string
}

// AttemptRecord tracks consecutive failed biometric attempts for a voter.
// The zero value is a voter with no failures.
type AttemptRecord struct {
	VoterID       string
	Failures      int
	LastFailureAt time.Time
	LockedUntil   time.Time
}

// Tally is the vote count of a single candidate.
type Tally struct {
	Candidate Candidate
	Votes     int
}

// FaceResult is one face found by the extraction worker.
type FaceResult struct {
	Loc     [4]int    // [top, right, bottom, left]
	Vec     []float64 // face encoding
	Quality float64
}

// Area returns the pixel area of the face box.
func (f FaceResult) Area() int {
	h := f.Loc[2] - f.Loc[0]
	w := f.Loc[1] - f.Loc[3]
	if h < 0 {
		h = -h
	}
	if w < 0 {
		w = -w
	}
	return h * w
}

// CaptureTask is a single image queued for batch enrollment.
type CaptureTask struct {
	VoterID string
	Path    string
}

// Normalized returns a unit-length copy of e. A zero vector is returned unchanged.
func (e Embedding) Normalized() Embedding {
	var sum float64
	for _, v := range e {
		sum += v * v
	}
	out := e.Clone()
	if sum == 0 {
		return out
	}
	norm := math.Sqrt(sum)
	for i := range out {
		out[i] /= norm
	}
	return out
}
