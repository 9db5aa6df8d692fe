package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/andresmejia3/votegate/internal/matcher"
	"github.com/andresmejia3/votegate/internal/types"
)

// Store manages the PostgreSQL pool and pgvector operations.
type Store struct {
	pool *pgxpool.Pool
	dim  int
}

// New connects to the database and ensures the schema is initialized.
// dim fixes the width of the embedding column.
func New(ctx context.Context, connString string, dim, maxConns int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s := &Store{pool: pool, dim: dim}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	return s, nil
}

// initSchema creates the tables and vector extension if they don't exist (Auto-Migration).
func (s *Store) initSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS voters (
			id TEXT PRIMARY KEY,
			embedding VECTOR(%d) NOT NULL,
			enrolled_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS attempts (
			voter_id TEXT PRIMARY KEY,
			failures INT NOT NULL DEFAULT 0,
			last_failure_at TIMESTAMPTZ,
			locked_until TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS elections (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL CHECK (status IN ('draft', 'active', 'closed')),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS candidates (
			seq BIGSERIAL,
			id TEXT PRIMARY KEY,
			election_id TEXT NOT NULL REFERENCES elections(id),
			name TEXT NOT NULL,
			party TEXT NOT NULL DEFAULT '',
			UNIQUE (election_id, name)
		);
		CREATE TABLE IF NOT EXISTS ballots (
			id TEXT PRIMARY KEY,
			voter_id TEXT NOT NULL,
			election_id TEXT NOT NULL REFERENCES elections(id),
			candidate_id TEXT NOT NULL REFERENCES candidates(id),
			cast_at TIMESTAMPTZ NOT NULL,
			receipt TEXT NOT NULL,
			CONSTRAINT ballots_one_per_voter UNIQUE (voter_id, election_id)
		);
		CREATE INDEX IF NOT EXISTS ballots_election_id_idx ON ballots (election_id);
	`, s.dim)
	_, err := s.pool.Exec(ctx, query)
	return err
}

// CheckDimension fails with matcher.ErrDimensionMismatch when the embedding
// column was created for a width other than dim. CREATE TABLE IF NOT EXISTS
// keeps an old column, so a changed model only shows up here.
func (s *Store) CheckDimension(ctx context.Context, dim int) error {
	var width int32
	err := s.pool.QueryRow(ctx, `
		SELECT atttypmod FROM pg_attribute
		WHERE attrelid = 'voters'::regclass AND attname = 'embedding' AND NOT attisdropped
	`).Scan(&width)
	if err != nil {
		return fmt.Errorf("read embedding column width: %w", err)
	}
	if int(width) != dim {
		return fmt.Errorf("%w: voters.embedding is vector(%d), configured %d", matcher.ErrDimensionMismatch, width, dim)
	}
	return nil
}

// Close terminates the pool.
func (s *Store) Close(ctx context.Context) {
	s.pool.Close()
}

// Reset drops all application tables and recreates them empty.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS ballots CASCADE;
		DROP TABLE IF EXISTS candidates CASCADE;
		DROP TABLE IF EXISTS elections CASCADE;
		DROP TABLE IF EXISTS attempts CASCADE;
		DROP TABLE IF EXISTS voters CASCADE;
	`)
	if err != nil {
		return err
	}
	return s.initSchema(ctx)
}

// castErr replaces driver errors with the shared storage errors.
//
// See http://www.postgresql.org/docs/current/static/errcodes-appendix.html
func castErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return types.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", types.ErrConflict, pgErr.ConstraintName)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%w: %s", types.ErrNotFound, pgErr.ConstraintName)
		}
	}
	return err
}

// vecToString formats a float slice into a PostgreSQL vector string format "[1.0,2.0,...]"
func vecToString(vec []float64) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(v, 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// parseVector is the inverse of vecToString for pgvector's text output.
func parseVector(s string) (types.Embedding, error) {
	s = strings.Trim(s, "[]")
	if s == "" {
		return types.Embedding{}, nil
	}
	parts := strings.Split(s, ",")
	out := make(types.Embedding, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("parse vector component %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// --- Voters ---

// PutEmbedding stores or replaces the voter's embedding.
func (s *Store) PutEmbedding(ctx context.Context, voterID string, e types.Embedding, at time.Time) error {
	if e.Dim() != s.dim {
		return fmt.Errorf("embedding has %d dimensions, column holds %d", e.Dim(), s.dim)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO voters (id, embedding, enrolled_at)
		VALUES ($1, $2::vector, $3)
		ON CONFLICT (id) DO UPDATE SET embedding = EXCLUDED.embedding, enrolled_at = EXCLUDED.enrolled_at
	`, voterID, vecToString(e), at)
	return castErr(err)
}

func (s *Store) GetVoter(ctx context.Context, voterID string) (types.Voter, error) {
	var vecStr string
	v := types.Voter{ID: voterID}
	err := s.pool.QueryRow(ctx, "SELECT embedding::text, enrolled_at FROM voters WHERE id = $1", voterID).Scan(&vecStr, &v.EnrolledAt)
	if err != nil {
		return types.Voter{}, castErr(err)
	}
	if v.Embedding, err = parseVector(vecStr); err != nil {
		return types.Voter{}, err
	}
	v.EnrolledAt = v.EnrolledAt.UTC()
	return v, nil
}

// ListVoters returns every voter without their embeddings, sorted by id.
func (s *Store) ListVoters(ctx context.Context) ([]types.Voter, error) {
	rows, err := s.pool.Query(ctx, "SELECT id, enrolled_at FROM voters ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var voters []types.Voter
	for rows.Next() {
		var v types.Voter
		if err := rows.Scan(&v.ID, &v.EnrolledAt); err != nil {
			return nil, err
		}
		v.EnrolledAt = v.EnrolledAt.UTC()
		voters = append(voters, v)
	}
	return voters, rows.Err()
}

// --- Attempts ---

func scanAttempts(row pgx.Row, voterID string) (types.AttemptRecord, error) {
	rec := types.AttemptRecord{VoterID: voterID}
	var last, until *time.Time
	if err := row.Scan(&rec.Failures, &last, &until); err != nil {
		return types.AttemptRecord{}, err
	}
	if last != nil {
		rec.LastFailureAt = last.UTC()
	}
	if until != nil {
		rec.LockedUntil = until.UTC()
	}
	return rec, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *Store) LoadAttempts(ctx context.Context, voterID string) (types.AttemptRecord, error) {
	row := s.pool.QueryRow(ctx, "SELECT failures, last_failure_at, locked_until FROM attempts WHERE voter_id = $1", voterID)
	rec, err := scanAttempts(row, voterID)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.AttemptRecord{VoterID: voterID}, nil
	}
	return rec, err
}

// UpdateAttempts applies fn to the voter's record inside one transaction.
// A transaction-scoped advisory lock on the voter id makes concurrent
// callers (in this process or another) apply their changes one after
// another, including when the row does not exist yet.
func (s *Store) UpdateAttempts(ctx context.Context, voterID string, fn func(*types.AttemptRecord) error) (types.AttemptRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.AttemptRecord{}, err
	}
	defer tx.Rollback(ctx)

	// 1. Serialise on the voter
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", voterID); err != nil {
		return types.AttemptRecord{}, err
	}

	// 2. Read the current state
	row := tx.QueryRow(ctx, "SELECT failures, last_failure_at, locked_until FROM attempts WHERE voter_id = $1 FOR UPDATE", voterID)
	rec, err := scanAttempts(row, voterID)
	if errors.Is(err, pgx.ErrNoRows) {
		rec, err = types.AttemptRecord{VoterID: voterID}, nil
	}
	if err != nil {
		return types.AttemptRecord{}, err
	}

	if err := fn(&rec); err != nil {
		return types.AttemptRecord{}, err
	}
	rec.VoterID = voterID

	// 3. Write back; a clear record is not kept
	if rec.Failures == 0 && rec.LockedUntil.IsZero() {
		_, err = tx.Exec(ctx, "DELETE FROM attempts WHERE voter_id = $1", voterID)
	} else {
		_, err = tx.Exec(ctx, `
			INSERT INTO attempts (voter_id, failures, last_failure_at, locked_until)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (voter_id) DO UPDATE SET
				failures = EXCLUDED.failures,
				last_failure_at = EXCLUDED.last_failure_at,
				locked_until = EXCLUDED.locked_until
		`, voterID, rec.Failures, nullTime(rec.LastFailureAt), nullTime(rec.LockedUntil))
	}
	if err != nil {
		return types.AttemptRecord{}, err
	}
	return rec, tx.Commit(ctx)
}
