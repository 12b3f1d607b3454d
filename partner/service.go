package partner

import (
	"context"
	"strings"
)

// Reader abstracts repository operations for the service.
type Reader interface {
	GetByID(ctx context.Context, id int64) (Partner, error)
	Search(ctx context.Context, term string, limit int) ([]Partner, error)
}

// Service exposes partner resolution to the rest of the application.
type Service struct {
	repo Reader
}

// NewService builds a Service using the provided repository.
func NewService(repo Reader) *Service {
	return &Service{repo: repo}
}

// GetByID returns the partner for the given identifier.
func (s *Service) GetByID(ctx context.Context, id int64) (Partner, error) {
	if id <= 0 {
		return Partner{}, ErrNotFound
	}
	return s.repo.GetByID(ctx, id)
}

// Search returns up to limit partners matching term.
func (s *Service) Search(ctx context.Context, term string, limit int) ([]Partner, error) {
	return s.repo.Search(ctx, strings.TrimSpace(term), limit)
}
