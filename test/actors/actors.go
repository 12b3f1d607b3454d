package actors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"agreementflow/agreement"
	"agreementflow/auth"
	"agreementflow/reconcile"
)

// Target is an agreement the actors compete over.
type Target struct {
	ID    int64
	Token string
}

// expected reports errors the workflow legitimately returns under
// contention, plus connection loss caused by backend termination.
func expected(err error) bool {
	return err == nil ||
		errors.Is(err, agreement.ErrUnauthorized) ||
		errors.Is(err, agreement.ErrPrecondition) ||
		errors.Is(err, agreement.ErrExternalService) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		transient(err)
}

// transient matches terminated backends, broken connections and
// serialization conflicts.
func transient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code[:2] {
		case "08", "40", "57":
			return true
		}
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return pgconn.SafeToRetry(err) || strings.Contains(err.Error(), "conn closed")
}

func pick(targets []Target) Target {
	return targets[rand.Intn(len(targets))]
}

func pause(minMS, spreadMS int) {
	time.Sleep(time.Duration(minMS+rand.Intn(spreadMS)) * time.Millisecond)
}

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

// PortalWriter submits the student form anonymously with the bearer token.
func PortalWriter(ctx context.Context, svc *agreement.Service, targets []Target, stop <-chan struct{}) error {
	cities := []string{"Porto", "Lyon", "Gent", "Tartu"}
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		t := pick(targets)
		changes := agreement.Changes{
			agreement.FieldStudentCity:  cities[rand.Intn(len(cities))],
			agreement.FieldStudentPhone: fmt.Sprintf("+351 9%08d", rand.Intn(1e8)),
		}
		if rand.Intn(8) == 0 {
			// a field the student may not write; must be refused as a whole
			changes[agreement.FieldLearningOutcomes] = "self-approved"
		}
		if _, err := svc.PortalUpdate(ctx, auth.Identity{}, t.ID, t.Token, changes); !expected(err) {
			return fmt.Errorf("portal write %d: %w", t.ID, err)
		}
		pause(10, 20)
	}
}

// StaffEditor fills staff-only fields as the coordinator.
func StaffEditor(ctx context.Context, svc *agreement.Service, staff auth.Identity, targets []Target, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		t := pick(targets)
		changes := agreement.Changes{
			agreement.FieldHostOrgName:      fmt.Sprintf("Host University %d", rand.Intn(50)),
			agreement.FieldLearningOutcomes: "Course catalogue mapped",
		}
		if _, err := svc.Update(ctx, staff, t.ID, changes); !expected(err) {
			return fmt.Errorf("staff edit %d: %w", t.ID, err)
		}
		pause(15, 30)
	}
}

// Lifecycle drives random lifecycle actions, cancelling rarely.
func Lifecycle(ctx context.Context, svc *agreement.Service, staff auth.Identity, targets []Target, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		t := pick(targets)
		var err error
		switch n := rand.Intn(20); {
		case n < 5:
			_, err = svc.MarkReady(ctx, staff, t.ID)
		case n < 8:
			_, err = svc.SetStudentPending(ctx, staff, t.ID)
		case n < 12:
			_, err = svc.GenerateDocument(ctx, staff, t.ID)
		case n < 18:
			_, err = svc.SendForSignature(ctx, staff, t.ID)
		case n < 19:
			err = svc.SendReminder(ctx, staff, t.ID)
		default:
			_, err = svc.Cancel(ctx, staff, t.ID)
		}
		if !expected(err) {
			return fmt.Errorf("lifecycle %d: %w", t.ID, err)
		}
		pause(20, 40)
	}
}

// Reconciler runs both scheduled jobs back to back.
func Reconciler(ctx context.Context, r *reconcile.Reconciler, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if _, err := r.SyncSignatureStates(ctx); !expected(err) {
			return err
		}
		if _, err := r.SendOverdueReminders(ctx); !expected(err) {
			return err
		}
		pause(50, 100)
	}
}

// Reader checks the bearer token keeps opening its agreement.
func Reader(ctx context.Context, svc *agreement.Service, targets []Target, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		t := pick(targets)
		ag, err := svc.Get(ctx, auth.Identity{}, t.ID, t.Token)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || transient(err) {
				continue
			}
			return fmt.Errorf("token read %d: %w", t.ID, err)
		}
		if ag.AccessToken != t.Token {
			return fmt.Errorf("token read %d: access token changed", t.ID)
		}
		pause(5, 15)
	}
}
