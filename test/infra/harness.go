package infra

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Harness owns the database used by the stress run: a fresh container or a
// shared server isolated in its own schema.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	teardown  func(context.Context) error
}

// NewHarness starts Postgres 16 unless dsn is set, falling back to a local
// server, then applies the migrations. A shared dsn gets a throwaway schema.
func NewHarness(ctx context.Context, dsn string) (*Harness, error) {
	pgC, resolved, err := StartPostgres16(ctx, dsn)
	shared := err == nil && pgC.C == nil
	if err != nil {
		// no docker: fall back to a fresh database on a local server
		local, localErr := InitLocalDatabase(ctx)
		if localErr != nil {
			return nil, fmt.Errorf("start postgres: %w (local fallback: %v)", err, localErr)
		}
		pgC, resolved = &PGContainer{}, local
	}

	pool, teardown, err := ApplyMigrations(ctx, resolved, shared)
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &Harness{
		container: pgC,
		pool:      pool,
		teardown:  teardown,
	}, nil
}

// Pool exposes the configured pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// Close drops the isolated schema, if any, and tears down resources.
func (h *Harness) Close(ctx context.Context) error {
	if h.pool != nil {
		h.pool.Close()
	}
	var err error
	if h.teardown != nil {
		err = h.teardown(ctx)
	}
	if termErr := h.container.Terminate(ctx); err == nil {
		err = termErr
	}
	return err
}

// SeedPartner inserts a partner and returns its id.
func (h *Harness) SeedPartner(ctx context.Context, name, email string) (int64, error) {
	var id int64
	err := h.pool.QueryRow(ctx, `INSERT INTO partners (name, email) VALUES ($1, $2) RETURNING id`, name, email).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("seed partner %s: %w", name, err)
	}
	return id, nil
}
