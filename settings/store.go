package settings

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// KeyDefaultCoordinator holds the partner id assigned as coordinator to new
// agreements.
const KeyDefaultCoordinator = "learning_agreement.coordinator_partner_id"

// ErrInvalidSetting signals a stored value that cannot be parsed.
var ErrInvalidSetting = errors.New("settings: invalid value")

// Store reads and writes key/value settings.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Get returns the value of key and whether it is set.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("settings: get %s: %w", key, err)
	}
	return value, true, nil
}

// Set upserts key. An empty value removes it.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if value == "" {
		if _, err := s.pool.Exec(ctx, `DELETE FROM settings WHERE key = $1`, key); err != nil {
			return fmt.Errorf("settings: delete %s: %w", key, err)
		}
		return nil
	}

	const upsertSQL = `
INSERT INTO settings (key, value) VALUES ($1, $2)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now();
`
	if _, err := s.pool.Exec(ctx, upsertSQL, key, value); err != nil {
		return fmt.Errorf("settings: set %s: %w", key, err)
	}
	return nil
}

// DefaultCoordinator returns the configured default coordinator, or nil.
func (s *Store) DefaultCoordinator(ctx context.Context) (*int64, error) {
	raw, ok, err := s.Get(ctx, KeyDefaultCoordinator)
	if err != nil || !ok {
		return nil, err
	}
	return ParsePartnerID(raw)
}

// SetDefaultCoordinator stores the default coordinator; nil clears it.
func (s *Store) SetDefaultCoordinator(ctx context.Context, partnerID *int64) error {
	if partnerID == nil {
		return s.Set(ctx, KeyDefaultCoordinator, "")
	}
	if *partnerID <= 0 {
		return fmt.Errorf("%w: partner id must be positive", ErrInvalidSetting)
	}
	return s.Set(ctx, KeyDefaultCoordinator, strconv.FormatInt(*partnerID, 10))
}

// ParsePartnerID parses a stored partner id. Empty means unset.
func ParsePartnerID(raw string) (*int64, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return nil, fmt.Errorf("%w: %q is not a partner id", ErrInvalidSetting, raw)
	}
	return &id, nil
}
