package cmd

import (
	"context"
	"fmt"

	"github.com/andresmejia3/votegate/internal/config"
	"github.com/andresmejia3/votegate/internal/election"
	"github.com/andresmejia3/votegate/internal/ledger"
	"github.com/andresmejia3/votegate/internal/limiter"
	"github.com/andresmejia3/votegate/internal/pipeline"
	"github.com/andresmejia3/votegate/internal/sqlitestore"
	"github.com/andresmejia3/votegate/internal/store"
	"github.com/andresmejia3/votegate/internal/types"
)

// Backend is the persistence surface the CLI needs. Both the Postgres and
// the SQLite stores satisfy it.
type Backend interface {
	pipeline.EmbeddingStore
	limiter.Store
	ledger.Store
	election.Store

	ListVoters(ctx context.Context) ([]types.Voter, error)
	CheckDimension(ctx context.Context, dim int) error
	Reset(ctx context.Context) error
	Close(ctx context.Context)
}

var (
	_ Backend = (*store.Store)(nil)
	_ Backend = (*sqlitestore.Store)(nil)
)

// openBackend connects to the configured driver. dim sizes the Postgres
// vector column.
func openBackend(ctx context.Context, cfg config.DatabaseConfig, dim int) (Backend, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		s, err := store.New(ctx, cfg.URL, dim, cfg.MaxConns)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverSQLite:
		s, err := sqlitestore.New(ctx, cfg.URL)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
}
