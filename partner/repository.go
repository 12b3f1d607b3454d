package partner

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested partner does not exist.
var ErrNotFound = errors.New("partner: not found")

// Repository provides read access to partners.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID fetches a partner by its primary key.
func (r *Repository) GetByID(ctx context.Context, id int64) (Partner, error) {
	const query = `
		SELECT id, name, COALESCE(email, ''), COALESCE(phone, ''), country_id, created_at
		FROM partners
		WHERE id = $1
	`

	var p Partner
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&p.ID,
		&p.Name,
		&p.Email,
		&p.Phone,
		&p.CountryID,
		&p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Partner{}, ErrNotFound
		}
		return Partner{}, fmt.Errorf("partner: query by id: %w", err)
	}

	return p, nil
}

// Search fetches up to limit partners whose name or email contains term,
// ordered by name.
func (r *Repository) Search(ctx context.Context, term string, limit int) ([]Partner, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	const query = `
		SELECT id, name, COALESCE(email, ''), COALESCE(phone, ''), country_id, created_at
		FROM partners
		WHERE $1 = '' OR name ILIKE '%' || $1 || '%' OR email ILIKE '%' || $1 || '%'
		ORDER BY name ASC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, term, limit)
	if err != nil {
		return nil, fmt.Errorf("partner: search: %w", err)
	}
	defer rows.Close()

	partners := make([]Partner, 0, limit)
	for rows.Next() {
		var p Partner
		if err := rows.Scan(&p.ID, &p.Name, &p.Email, &p.Phone, &p.CountryID, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("partner: scan: %w", err)
		}
		partners = append(partners, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("partner: iterate: %w", err)
	}

	return partners, nil
}
