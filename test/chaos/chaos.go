package chaos

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"agreementflow/signature"
)

// ErrInjected marks failures produced by the chaos wrappers.
var ErrInjected = errors.New("chaos: injected failure")

// Randomly terminates a backend connection belonging to our test application.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(5) == 0 {
				// heuristic: random active backend of this DB that is not our own PID
				_, _ = pool.Exec(ctx, `SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = current_database() AND pid <> pg_backend_pid() ORDER BY random() LIMIT 1`)
			}
		}
	}
}

// FlakySignatures fails one in Every calls to the wrapped service.
type FlakySignatures struct {
	signature.Service
	Every int
}

func (f FlakySignatures) fail() bool {
	return f.Every > 0 && rand.Intn(f.Every) == 0
}

func (f FlakySignatures) CreateRequest(ctx context.Context, req signature.Request) (string, error) {
	if f.fail() {
		return "", ErrInjected
	}
	return f.Service.CreateRequest(ctx, req)
}

func (f FlakySignatures) RequestState(ctx context.Context, ref string) (string, error) {
	if f.fail() {
		return "", ErrInjected
	}
	return f.Service.RequestState(ctx, ref)
}

func (f FlakySignatures) SendNotifications(ctx context.Context, ref string) error {
	if f.fail() {
		return ErrInjected
	}
	return f.Service.SendNotifications(ctx, ref)
}
