// Package sqlitestore is a single-file backend for one-machine deployments.
// It needs no server, only a writable path.
//
// All access goes through one connection, so SQLite's single-writer model
// never surfaces as SQLITE_BUSY and every transaction is serialised.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/andresmejia3/votegate/internal/matcher"
	"github.com/andresmejia3/votegate/internal/types"
)

type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at path and initializes the schema.
func New(ctx context.Context, path string) (*Store, error) {
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS voters (
			id TEXT PRIMARY KEY,
			embedding BLOB NOT NULL,
			enrolled_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS attempts (
			voter_id TEXT PRIMARY KEY,
			failures INTEGER NOT NULL DEFAULT 0,
			last_failure_at INTEGER,
			locked_until INTEGER
		);
		CREATE TABLE IF NOT EXISTS elections (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL CHECK (status IN ('draft', 'active', 'closed')),
			created_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS candidates (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
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
			cast_at INTEGER NOT NULL,
			receipt TEXT NOT NULL,
			UNIQUE (voter_id, election_id)
		);
		CREATE INDEX IF NOT EXISTS ballots_election_id_idx ON ballots (election_id);
	`)
	return err
}

// CheckDimension fails with matcher.ErrDimensionMismatch when any stored
// embedding has a length other than dim. An empty table accepts any dim.
func (s *Store) CheckDimension(ctx context.Context, dim int) error {
	var size int
	err := s.db.QueryRowContext(ctx,
		`SELECT length(embedding) FROM voters WHERE length(embedding) != ? LIMIT 1`, 8*dim).Scan(&size)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: stored embeddings have %d components, configured %d", matcher.ErrDimensionMismatch, size/8, dim)
}

func (s *Store) Close(ctx context.Context) {
	s.db.Close()
}

// Reset drops all tables and recreates them empty.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		DROP TABLE IF EXISTS ballots;
		DROP TABLE IF EXISTS candidates;
		DROP TABLE IF EXISTS elections;
		DROP TABLE IF EXISTS attempts;
		DROP TABLE IF EXISTS voters;
	`)
	if err != nil {
		return err
	}
	return s.initSchema(ctx)
}

// castErr maps driver errors onto the shared storage errors.
func castErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return types.ErrNotFound
	}
	var sqlErr *sqlite.Error
	if !errors.As(err, &sqlErr) {
		return err
	}
	switch sqlErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return fmt.Errorf("%w: %v", types.ErrConflict, err)
	case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
		return fmt.Errorf("%w: %v", types.ErrNotFound, err)
	case sqlite3.SQLITE_CONSTRAINT:
		// Connections without extended result codes only report the primary code.
		msg := sqlErr.Error()
		switch {
		case strings.Contains(msg, "UNIQUE constraint failed"):
			return fmt.Errorf("%w: %v", types.ErrConflict, err)
		case strings.Contains(msg, "FOREIGN KEY constraint failed"):
			return fmt.Errorf("%w: %v", types.ErrNotFound, err)
		}
	}
	return err
}

// Times are stored as unix microseconds; NULL means unset.

func toMicros(t time.Time) int64 { return t.UnixMicro() }

func fromMicros(us int64) time.Time { return time.UnixMicro(us).UTC() }

func nullMicros(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMicro(), Valid: true}
}

func fromNullMicros(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return fromMicros(n.Int64)
}

// encodeVector packs e as little-endian float64s.
func encodeVector(e types.Embedding) []byte {
	buf := make([]byte, 8*len(e))
	for i, v := range e {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	}
	return buf
}

func decodeVector(b []byte) (types.Embedding, error) {
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("embedding blob has %d bytes, not a multiple of 8", len(b))
	}
	e := make(types.Embedding, len(b)/8)
	for i := range e {
		e[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:]))
	}
	return e, nil
}

// --- Voters ---

func (s *Store) PutEmbedding(ctx context.Context, voterID string, e types.Embedding, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO voters (id, embedding, enrolled_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET embedding = excluded.embedding, enrolled_at = excluded.enrolled_at
	`, voterID, encodeVector(e), toMicros(at))
	return castErr(err)
}

func (s *Store) GetVoter(ctx context.Context, voterID string) (types.Voter, error) {
	var blob []byte
	var enrolled int64
	err := s.db.QueryRowContext(ctx, "SELECT embedding, enrolled_at FROM voters WHERE id = ?", voterID).Scan(&blob, &enrolled)
	if err != nil {
		return types.Voter{}, castErr(err)
	}
	e, err := decodeVector(blob)
	if err != nil {
		return types.Voter{}, err
	}
	return types.Voter{ID: voterID, Embedding: e, EnrolledAt: fromMicros(enrolled)}, nil
}

func (s *Store) ListVoters(ctx context.Context) ([]types.Voter, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, enrolled_at FROM voters ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var voters []types.Voter
	for rows.Next() {
		var v types.Voter
		var enrolled int64
		if err := rows.Scan(&v.ID, &enrolled); err != nil {
			return nil, err
		}
		v.EnrolledAt = fromMicros(enrolled)
		voters = append(voters, v)
	}
	return voters, rows.Err()
}

// --- Attempts ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempts(row rowScanner, voterID string) (types.AttemptRecord, error) {
	rec := types.AttemptRecord{VoterID: voterID}
	var last, until sql.NullInt64
	err := row.Scan(&rec.Failures, &last, &until)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, nil
	}
	if err != nil {
		return types.AttemptRecord{}, err
	}
	rec.LastFailureAt = fromNullMicros(last)
	rec.LockedUntil = fromNullMicros(until)
	return rec, nil
}

const attemptsQuery = "SELECT failures, last_failure_at, locked_until FROM attempts WHERE voter_id = ?"

func (s *Store) LoadAttempts(ctx context.Context, voterID string) (types.AttemptRecord, error) {
	return scanAttempts(s.db.QueryRowContext(ctx, attemptsQuery, voterID), voterID)
}

// UpdateAttempts applies fn to the voter's record in one transaction.
func (s *Store) UpdateAttempts(ctx context.Context, voterID string, fn func(*types.AttemptRecord) error) (types.AttemptRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.AttemptRecord{}, err
	}
	defer tx.Rollback()

	rec, err := scanAttempts(tx.QueryRowContext(ctx, attemptsQuery, voterID), voterID)
	if err != nil {
		return types.AttemptRecord{}, err
	}
	if err := fn(&rec); err != nil {
		return types.AttemptRecord{}, err
	}
	rec.VoterID = voterID

	if rec.Failures == 0 && rec.LockedUntil.IsZero() {
		_, err = tx.ExecContext(ctx, "DELETE FROM attempts WHERE voter_id = ?", voterID)
	} else {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO attempts (voter_id, failures, last_failure_at, locked_until) VALUES (?, ?, ?, ?)
			ON CONFLICT (voter_id) DO UPDATE SET
				failures = excluded.failures,
				last_failure_at = excluded.last_failure_at,
				locked_until = excluded.locked_until
		`, voterID, rec.Failures, nullMicros(rec.LastFailureAt), nullMicros(rec.LockedUntil))
	}
	if err != nil {
		return types.AttemptRecord{}, err
	}
	return rec, tx.Commit()
}
