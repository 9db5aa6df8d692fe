package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/andresmejia3/votegate/internal/types"
)

// --- Elections ---

func (s *Store) CreateElection(ctx context.Context, e types.Election) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO elections (id, title, description, status, created_at) VALUES (?, ?, ?, ?, ?)
	`, e.ID, e.Title, e.Description, string(e.Status), toMicros(e.CreatedAt)); err != nil {
		return castErr(err)
	}
	for _, c := range e.Candidates {
		if err := insertCandidate(ctx, tx, c); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertCandidate(ctx context.Context, db execer, c types.Candidate) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO candidates (id, election_id, name, party) VALUES (?, ?, ?, ?)
	`, c.ID, c.ElectionID, c.Name, c.Party)
	return castErr(err)
}

func (s *Store) AddCandidate(ctx context.Context, c types.Candidate) error {
	return insertCandidate(ctx, s.db, c)
}

const electionColumns = "id, title, description, status, created_at"

func scanElection(row rowScanner) (types.Election, error) {
	var e types.Election
	var status string
	var created int64
	if err := row.Scan(&e.ID, &e.Title, &e.Description, &status, &created); err != nil {
		return types.Election{}, err
	}
	e.Status = types.ElectionStatus(status)
	e.CreatedAt = fromMicros(created)
	return e, nil
}

func (s *Store) GetElection(ctx context.Context, id string) (types.Election, error) {
	e, err := scanElection(s.db.QueryRowContext(ctx, "SELECT "+electionColumns+" FROM elections WHERE id = ?", id))
	if err != nil {
		return types.Election{}, castErr(err)
	}
	byElection, err := s.candidates(ctx, "WHERE election_id = ?", id)
	if err != nil {
		return types.Election{}, err
	}
	e.Candidates = byElection[id]
	return e, nil
}

func (s *Store) ListElections(ctx context.Context) ([]types.Election, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+electionColumns+" FROM elections ORDER BY created_at DESC, seq DESC")
	if err != nil {
		return nil, err
	}
	var elections []types.Election
	for rows.Next() {
		e, err := scanElection(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		elections = append(elections, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
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

func (s *Store) candidates(ctx context.Context, where string, args ...any) (map[string][]types.Candidate, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, election_id, name, party FROM candidates "+where+" ORDER BY seq", args...)
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

func (s *Store) UpdateElectionStatus(ctx context.Context, id string, from, to types.ElectionStatus) error {
	res, err := s.db.ExecContext(ctx, "UPDATE elections SET status = ? WHERE id = ? AND status = ?", string(to), id, string(from))
	if err != nil {
		return castErr(err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.GetElection(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: election %s is not %s", types.ErrPrecondition, id, from)
}

// --- Ballots ---

const ballotColumns = "id, voter_id, election_id, candidate_id, cast_at, receipt"

// InsertBallot writes b only while its election is active and owns the
// candidate. The guard and the insert are one statement.
func (s *Store) InsertBallot(ctx context.Context, b types.Ballot) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ballots (`+ballotColumns+`)
		SELECT ?, ?, e.id, c.id, ?, ?
		FROM elections e
		JOIN candidates c ON c.election_id = e.id
		WHERE e.id = ? AND c.id = ? AND e.status = 'active'
	`, b.ID, b.VoterID, toMicros(b.CastAt), b.Receipt, b.ElectionID, b.CandidateID)
	if err != nil {
		return castErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: election %s is not active or has no candidate %s", types.ErrPrecondition, b.ElectionID, b.CandidateID)
	}
	return nil
}

func (s *Store) queryBallots(ctx context.Context, query string, args ...any) ([]types.Ballot, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Ballot
	for rows.Next() {
		var b types.Ballot
		var cast int64
		if err := rows.Scan(&b.ID, &b.VoterID, &b.ElectionID, &b.CandidateID, &cast, &b.Receipt); err != nil {
			return nil, err
		}
		b.CastAt = fromMicros(cast)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) BallotsByVoter(ctx context.Context, voterID string) ([]types.Ballot, error) {
	return s.queryBallots(ctx, "SELECT "+ballotColumns+" FROM ballots WHERE voter_id = ? ORDER BY cast_at DESC", voterID)
}

func (s *Store) BallotsByElection(ctx context.Context, electionID string) ([]types.Ballot, error) {
	return s.queryBallots(ctx, "SELECT "+ballotColumns+" FROM ballots WHERE election_id = ? ORDER BY id", electionID)
}

// Tally counts votes per candidate, most votes first, ties in candidate order.
func (s *Store) Tally(ctx context.Context, electionID string) ([]types.Tally, error) {
	if _, err := s.GetElection(ctx, electionID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.election_id, c.name, c.party, COUNT(b.id) AS votes
		FROM candidates c
		LEFT JOIN ballots b ON b.candidate_id = c.id AND b.election_id = c.election_id
		WHERE c.election_id = ?
		GROUP BY c.seq
		ORDER BY votes DESC, c.seq
	`, electionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Tally
	for rows.Next() {
		var t types.Tally
		if err := rows.Scan(&t.Candidate.ID, &t.Candidate.ElectionID, &t.Candidate.Name, &t.Candidate.Party, &t.Votes); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
