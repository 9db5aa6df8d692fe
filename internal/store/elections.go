package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/andresmejia3/votegate/internal/types"
)

// --- Elections ---

func (s *Store) CreateElection(ctx context.Context, e types.Election) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO elections (id, title, description, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, e.ID, e.Title, e.Description, string(e.Status), e.CreatedAt); err != nil {
		return castErr(err)
	}
	for _, c := range e.Candidates {
		if err := insertCandidate(ctx, tx, c); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertCandidate(ctx context.Context, db execer, c types.Candidate) error {
	_, err := db.Exec(ctx, `
		INSERT INTO candidates (id, election_id, name, party) VALUES ($1, $2, $3, $4)
	`, c.ID, c.ElectionID, c.Name, c.Party)
	return castErr(err)
}

// AddCandidate fails with types.ErrNotFound for an unknown election and
// types.ErrConflict for a duplicate id or name.
func (s *Store) AddCandidate(ctx context.Context, c types.Candidate) error {
	return insertCandidate(ctx, s.pool, c)
}

const electionColumns = "id, title, description, status, created_at"

func scanElection(row pgx.Row) (types.Election, error) {
	var e types.Election
	var status string
	if err := row.Scan(&e.ID, &e.Title, &e.Description, &status, &e.CreatedAt); err != nil {
		return types.Election{}, err
	}
	e.Status = types.ElectionStatus(status)
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}

func (s *Store) GetElection(ctx context.Context, id string) (types.Election, error) {
	e, err := scanElection(s.pool.QueryRow(ctx, "SELECT "+electionColumns+" FROM elections WHERE id = $1", id))
	if err != nil {
		return types.Election{}, castErr(err)
	}
	byElection, err := s.candidates(ctx, "WHERE election_id = $1", id)
	if err != nil {
		return types.Election{}, err
	}
	e.Candidates = byElection[id]
	return e, nil
}

// ListElections returns every election, newest first, with its candidates.
func (s *Store) ListElections(ctx context.Context) ([]types.Election, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+electionColumns+" FROM elections ORDER BY created_at DESC, id DESC")
	if err != nil {
		return nil, err
	}
	elections, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Election, error) {
		return scanElection(row)
	})
	if err != nil {
		return nil, err
	}

	byElection, err := s.candidates(ctx, "")
	if err != nil {
		return nil, err
	}
	for i := range elections {
		elections[i].Candidates = byElection[elections[i].ID]
	}
	return elections, nil
}

// candidates loads candidates in insertion order, grouped by election.
func (s *Store) candidates(ctx context.Context, where string, args ...any) (map[string][]types.Candidate, error) {
	rows, err := s.pool.Query(ctx, "SELECT id, election_id, name, party FROM candidates "+where+" ORDER BY seq", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]types.Candidate)
	for rows.Next() {
		var c types.Candidate
		if err := rows.Scan(&c.ID, &c.ElectionID, &c.Name, &c.Party); err != nil {
			return nil, err
		}
		out[c.ElectionID] = append(out[c.ElectionID], c)
	}
	return out, rows.Err()
}

// UpdateElectionStatus moves election id from one status to another. It
// fails with types.ErrPrecondition if the election is not currently in from.
func (s *Store) UpdateElectionStatus(ctx context.Context, id string, from, to types.ElectionStatus) error {
	tag, err := s.pool.Exec(ctx, "UPDATE elections SET status = $3 WHERE id = $1 AND status = $2", id, string(from), string(to))
	if err != nil {
		return castErr(err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM elections WHERE id = $1)", id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return types.ErrNotFound
	}
	return fmt.Errorf("%w: election %s is not %s", types.ErrPrecondition, id, from)
}

// --- Ballots ---

const ballotColumns = "id, voter_id, election_id, candidate_id, cast_at, receipt"

// InsertBallot writes b if its election is active and owns the candidate.
// The election row is share-locked for the statement, so a concurrent close
// either commits first (and the guard fails) or waits for this insert.
// The (voter_id, election_id) unique constraint turns a second ballot into
// types.ErrConflict.
func (s *Store) InsertBallot(ctx context.Context, b types.Ballot) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO ballots (`+ballotColumns+`)
		SELECT $1, $2, e.id, c.id, $5, $6
		FROM elections e
		JOIN candidates c ON c.election_id = e.id
		WHERE e.id = $3 AND c.id = $4 AND e.status = 'active'
		FOR SHARE OF e
	`, b.ID, b.VoterID, b.ElectionID, b.CandidateID, b.CastAt, b.Receipt)
	if err != nil {
		return castErr(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: election %s is not active or has no candidate %s", types.ErrPrecondition, b.ElectionID, b.CandidateID)
	}
	return nil
}

func (s *Store) queryBallots(ctx context.Context, query string, args ...any) ([]types.Ballot, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Ballot, error) {
		var b types.Ballot
		err := row.Scan(&b.ID, &b.VoterID, &b.ElectionID, &b.CandidateID, &b.CastAt, &b.Receipt)
		b.CastAt = b.CastAt.UTC()
		return b, err
	})
}

// BallotsByVoter lists a voter's ballots, newest first.
func (s *Store) BallotsByVoter(ctx context.Context, voterID string) ([]types.Ballot, error) {
	return s.queryBallots(ctx, "SELECT "+ballotColumns+" FROM ballots WHERE voter_id = $1 ORDER BY cast_at DESC", voterID)
}

// BallotsByElection lists an election's ballots ordered by id.
func (s *Store) BallotsByElection(ctx context.Context, electionID string) ([]types.Ballot, error) {
	return s.queryBallots(ctx, "SELECT "+ballotColumns+" FROM ballots WHERE election_id = $1 ORDER BY id", electionID)
}

// Tally counts votes per candidate, most votes first, ties in candidate order.
func (s *Store) Tally(ctx context.Context, electionID string) ([]types.Tally, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM elections WHERE id = $1)", electionID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, types.ErrNotFound
	}

	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.election_id, c.name, c.party, COUNT(b.id)
		FROM candidates c
		LEFT JOIN ballots b ON b.candidate_id = c.id AND b.election_id = c.election_id
		WHERE c.election_id = $1
		GROUP BY c.seq, c.id
		ORDER BY COUNT(b.id) DESC, c.seq
	`, electionID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Tally, error) {
		var t types.Tally
		var votes int64
		err := row.Scan(&t.Candidate.ID, &t.Candidate.ElectionID, &t.Candidate.Name, &t.Candidate.Party, &votes)
		t.Votes = int(votes)
		return t, err
	})
}
