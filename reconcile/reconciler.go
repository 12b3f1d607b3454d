package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"agreementflow/agreement"
	"agreementflow/auth"
)

const (
	JobOverdueReminders = "overdue_reminders"
	JobSignatureSync    = "signature_sync"

	DefaultOverdueAfter     = 7 * 24 * time.Hour
	DefaultReminderInterval = 24 * time.Hour
	DefaultSyncInterval     = 15 * time.Minute
)

// Agreements is the slice of the agreement service the jobs drive.
type Agreements interface {
	OverdueIDs(ctx context.Context, cutoff time.Time) ([]int64, error)
	SignRequestIDs(ctx context.Context) ([]int64, error)
	SendReminder(ctx context.Context, actor auth.Identity, id int64) error
	Annotate(ctx context.Context, id int64, body string) error
	Reconcile(ctx context.Context, id int64) (agreement.Agreement, bool, error)
}

// Config tunes the scheduled jobs. Zero values take the defaults.
type Config struct {
	OverdueAfter     time.Duration
	ReminderInterval time.Duration
	SyncInterval     time.Duration
	// CallsPerSecond paces outbound signature service calls. Zero disables
	// pacing.
	CallsPerSecond float64
	Burst          int
	LockTTL        time.Duration
}

// Report summarises one job run.
type Report struct {
	Job          string
	Selected     int
	Succeeded    int
	Failed       int
	Transitioned int
	Skipped      bool
}

// Reconciler runs the overdue reminder and signature sync jobs. A failure on
// one agreement never aborts the batch.
type Reconciler struct {
	agreements Agreements
	locker     Locker
	limiter    *rate.Limiter
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time

	// last sync failure annotated per agreement; a repeat of the same error
	// is only logged.
	mu           sync.Mutex
	syncFailures map[int64]string
}

func New(agreements Agreements, locker Locker, cfg Config, logger *slog.Logger) *Reconciler {
	if cfg.OverdueAfter <= 0 {
		cfg.OverdueAfter = DefaultOverdueAfter
	}
	if cfg.ReminderInterval <= 0 {
		cfg.ReminderInterval = DefaultReminderInterval
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultSyncInterval
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	if locker == nil {
		locker = NoopLocker{}
	}
	if logger == nil {
		logger = slog.Default().With("component", "reconcile")
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.CallsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.CallsPerSecond), burst)
	}

	return &Reconciler{
		agreements:   agreements,
		locker:       locker,
		limiter:      limiter,
		cfg:          cfg,
		logger:       logger,
		now:          time.Now,
		syncFailures: map[int64]string{},
	}
}

// SendOverdueReminders reminds signers of agreements sent at least
// OverdueAfter ago. Failures are annotated on the agreement.
func (r *Reconciler) SendOverdueReminders(ctx context.Context) (Report, error) {
	return r.locked(ctx, JobOverdueReminders, func(ctx context.Context, report *Report) error {
		cutoff := r.now().Add(-r.cfg.OverdueAfter)
		ids, err := r.agreements.OverdueIDs(ctx, cutoff)
		if err != nil {
			return err
		}
		report.Selected = len(ids)

		for _, id := range ids {
			if err := r.limiter.Wait(ctx); err != nil {
				return err
			}
			if err := r.agreements.SendReminder(ctx, auth.System, id); err != nil {
				report.Failed++
				r.logger.WarnContext(ctx, "reminder failed", "agreement_id", id, "error", err)
				if aerr := r.agreements.Annotate(ctx, id, fmt.Sprintf("Failed to send reminder: %s", err)); aerr != nil {
					r.logger.ErrorContext(ctx, "annotate reminder failure", "agreement_id", id, "error", aerr)
				}
				continue
			}
			report.Succeeded++
		}
		return nil
	})
}

// SyncSignatureStates applies the external signature status to every
// agreement with a signature request. Running it twice changes nothing the
// second time. A failure is annotated on the agreement unless the previous
// run already annotated the same error.
func (r *Reconciler) SyncSignatureStates(ctx context.Context) (Report, error) {
	return r.locked(ctx, JobSignatureSync, func(ctx context.Context, report *Report) error {
		ids, err := r.agreements.SignRequestIDs(ctx)
		if err != nil {
			return err
		}
		report.Selected = len(ids)
		r.forgetSyncFailures(ids)

		for _, id := range ids {
			if err := r.limiter.Wait(ctx); err != nil {
				return err
			}
			_, changed, err := r.agreements.Reconcile(ctx, id)
			if err != nil {
				report.Failed++
				r.logger.WarnContext(ctx, "signature sync failed", "agreement_id", id, "error", err)
				r.annotateSyncFailure(ctx, id, err)
				continue
			}
			r.clearSyncFailure(id)
			report.Succeeded++
			if changed {
				report.Transitioned++
			}
		}
		return nil
	})
}

func (r *Reconciler) annotateSyncFailure(ctx context.Context, id int64, err error) {
	body := fmt.Sprintf("Failed to sync signature status: %s", err)

	r.mu.Lock()
	repeated := r.syncFailures[id] == body
	r.syncFailures[id] = body
	r.mu.Unlock()
	if repeated {
		return
	}

	if aerr := r.agreements.Annotate(ctx, id, body); aerr != nil {
		r.logger.ErrorContext(ctx, "annotate sync failure", "agreement_id", id, "error", aerr)
		r.clearSyncFailure(id)
	}
}

func (r *Reconciler) clearSyncFailure(id int64) {
	r.mu.Lock()
	delete(r.syncFailures, id)
	r.mu.Unlock()
}

// forgetSyncFailures drops agreements that no longer have a request to sync.
func (r *Reconciler) forgetSyncFailures(ids []int64) {
	keep := make(map[int64]bool, len(ids))
	for _, id := range ids {
		keep[id] = true
	}
	r.mu.Lock()
	for id := range r.syncFailures {
		if !keep[id] {
			delete(r.syncFailures, id)
		}
	}
	r.mu.Unlock()
}

func (r *Reconciler) locked(ctx context.Context, job string, fn func(context.Context, *Report) error) (Report, error) {
	report := Report{Job: job}

	release, ok, err := r.locker.TryLock(ctx, job, r.cfg.LockTTL)
	if err != nil {
		return report, err
	}
	if !ok {
		report.Skipped = true
		r.logger.DebugContext(ctx, "job held by another replica", "job", job)
		return report, nil
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			r.logger.WarnContext(ctx, "release job lock", "job", job, "error", err)
		}
	}()

	if err := fn(ctx, &report); err != nil {
		return report, fmt.Errorf("reconcile: %s: %w", job, err)
	}
	r.logger.InfoContext(ctx, "job finished",
		"job", job,
		"selected", report.Selected,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"transitioned", report.Transitioned,
	)
	return report, nil
}

// Run executes both jobs once, then on their own tickers until ctx is
// cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.every(ctx, r.cfg.ReminderInterval, r.SendOverdueReminders)
	})
	g.Go(func() error {
		return r.every(ctx, r.cfg.SyncInterval, r.SyncSignatureStates)
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Reconciler) every(ctx context.Context, interval time.Duration, job func(context.Context) (Report, error)) error {
	run := func() error {
		if _, err := job(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.ErrorContext(ctx, "scheduled job failed", "error", err)
		}
		return nil
	}

	if err := run(); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := run(); err != nil {
				return err
			}
		}
	}
}
