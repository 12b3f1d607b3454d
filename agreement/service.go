package agreement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"agreementflow/auth"
	"agreementflow/partner"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the data access required by the service.
type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, ag Agreement) (Agreement, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Agreement, error)
	Get(ctx context.Context, id int64) (Agreement, error)
	Update(ctx context.Context, tx pgx.Tx, ag Agreement) (Agreement, error)
	List(ctx context.Context, filters ListFilters) ([]Agreement, int, error)
	ListOverdueIDs(ctx context.Context, cutoff time.Time) ([]int64, error)
	ListSignRequestIDs(ctx context.Context) ([]int64, error)
	AppendEvent(ctx context.Context, tx pgx.Tx, ev TimelineEvent) error
	ListEvents(ctx context.Context, agreementID int64) ([]TimelineEvent, error)
}

// Document is a rendered contract ready to be stored.
type Document struct {
	Name     string
	MimeType string
	Content  []byte
}

// DocumentGenerator renders the contract and stores it as the agreement's
// single current attachment. Save replaces the attachment in place when ag
// already has one. Load reads a stored contract back.
type DocumentGenerator interface {
	Render(ctx context.Context, ag Agreement) (Document, error)
	Save(ctx context.Context, tx pgx.Tx, ag Agreement, doc Document) (string, error)
	Load(ctx context.Context, attachmentID string) (Document, error)
}

// SignatureRequest carries what the dispatcher needs to open a two-party
// signature request.
type SignatureRequest struct {
	AgreementID          int64
	Reference            string
	StudentPartnerID     int64
	CoordinatorPartnerID int64
	AttachmentID         string
	ResponsibleUserID    string
}

// SignatureDispatcher talks to the external e-signature service.
type SignatureDispatcher interface {
	RequestSignatures(ctx context.Context, req SignatureRequest) (string, error)
	Remind(ctx context.Context, ref string) error
	Status(ctx context.Context, ref string) (SignatureStatus, error)
	Cancel(ctx context.Context, ref string) error
}

// Mailer sends a named mail template to a partner.
type Mailer interface {
	SendTemplate(ctx context.Context, template string, partnerID int64, email string, vars map[string]string) error
}

// PartnerDirectory resolves partner identities.
type PartnerDirectory interface {
	GetByID(ctx context.Context, id int64) (partner.Partner, error)
}

// PortalAccounts grants portal access to partners.
type PortalAccounts interface {
	EnsurePortalUser(ctx context.Context, partnerID int64, email, name string) (auth.User, bool, error)
}

// Options wires the collaborators and settings of a Service.
type Options struct {
	// DefaultCoordinatorPartnerID is assigned to new agreements without a
	// coordinator. When nil the acting user's partner is used.
	DefaultCoordinatorPartnerID *int64
	// BaseURL prefixes the bearer links sent to students.
	BaseURL string

	Documents  DocumentGenerator
	Signatures SignatureDispatcher
	Mailer     Mailer
	Partners   PartnerDirectory
	Portal     PortalAccounts

	Logger *slog.Logger
	Now    func() time.Time
}

// CreateInput describes a new agreement.
type CreateInput struct {
	StudentPartnerID     int64
	CoordinatorPartnerID *int64
	Changes              Changes
}

const maxTokenAttempts = 3

// Service owns the agreement lifecycle. Every mutation runs guard check and
// write inside one transaction holding the row lock.
type Service struct {
	pool  TxBeginner
	store Store
	guard Guard

	documents  DocumentGenerator
	signatures SignatureDispatcher
	mailer     Mailer
	partners   PartnerDirectory
	portal     PortalAccounts

	baseURL string
	logger  *slog.Logger
	now     func() time.Time

	mu                 sync.RWMutex
	defaultCoordinator *int64
}

func NewService(pool TxBeginner, store Store, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "agreement")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		pool:               pool,
		store:              store,
		documents:          opts.Documents,
		signatures:         opts.Signatures,
		mailer:             opts.Mailer,
		partners:           opts.Partners,
		portal:             opts.Portal,
		baseURL:            opts.BaseURL,
		logger:             logger,
		now:                now,
		defaultCoordinator: copyID(opts.DefaultCoordinatorPartnerID),
	}
}

// DefaultCoordinator returns the coordinator assigned to new agreements.
func (s *Service) DefaultCoordinator() *int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyID(s.defaultCoordinator)
}

// SetDefaultCoordinator replaces the coordinator assigned to new agreements.
func (s *Service) SetDefaultCoordinator(partnerID *int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultCoordinator = copyID(partnerID)
}

// AccessURL returns the bearer link of ag.
func (s *Service) AccessURL(ag Agreement) string {
	return AccessURL(s.baseURL, ag)
}

// Create opens a draft agreement for a student.
func (s *Service) Create(ctx context.Context, actor auth.Identity, input CreateInput) (Agreement, error) {
	if input.StudentPartnerID <= 0 {
		return Agreement{}, ErrStudentRequired
	}

	draft := Agreement{
		StudentPartnerID:     input.StudentPartnerID,
		CoordinatorPartnerID: copyID(input.CoordinatorPartnerID),
		State:                StateDraft,
	}
	if err := s.guard.AuthorizeAction(actor, draft); err != nil {
		return Agreement{}, err
	}
	if len(input.Changes) > 0 {
		if err := s.guard.AuthorizeWrite(actor, draft, input.Changes.Fields()); err != nil {
			return Agreement{}, err
		}
		applied, err := input.Changes.Apply(draft)
		if err != nil {
			return Agreement{}, err
		}
		draft = applied
	}
	if draft.CoordinatorPartnerID == nil {
		draft.CoordinatorPartnerID = s.coordinatorFor(actor)
	}

	for attempt := 1; ; attempt++ {
		token, err := NewAccessToken()
		if err != nil {
			return Agreement{}, err
		}
		draft.AccessToken = token

		created, err := s.insert(ctx, actor, draft)
		if errors.Is(err, ErrDuplicateToken) && attempt < maxTokenAttempts {
			s.logger.WarnContext(ctx, "access token collision, regenerating", "attempt", attempt)
			continue
		}
		if err != nil {
			return Agreement{}, err
		}

		s.logger.InfoContext(ctx, "agreement created",
			"agreement_id", created.ID,
			"reference", created.Reference,
			"student_partner_id", created.StudentPartnerID,
		)
		return created, nil
	}
}

func (s *Service) insert(ctx context.Context, actor auth.Identity, draft Agreement) (Agreement, error) {
	var created Agreement
	err := s.inTx(ctx, "create", func(tx pgx.Tx) error {
		var err error
		created, err = s.store.Insert(ctx, tx, draft)
		if err != nil {
			return err
		}
		payload := map[string]any{
			"reference":          created.Reference,
			"student_partner_id": created.StudentPartnerID,
		}
		if created.CoordinatorPartnerID != nil {
			payload["coordinator_partner_id"] = *created.CoordinatorPartnerID
		}
		return s.record(ctx, tx, created, actor, EventCreated, "Learning agreement created.", payload)
	})
	return created, err
}

// Update writes changes on behalf of an authenticated actor. Either every
// change is applied or none is.
func (s *Service) Update(ctx context.Context, actor auth.Identity, id int64, changes Changes) (Agreement, error) {
	return s.update(ctx, id, changes, actor, func(ag Agreement) error {
		return s.guard.AuthorizeWrite(actor, ag, changes.Fields())
	})
}

// PortalUpdate writes changes coming from the portal form. A matching token
// grants green-field writes; otherwise the session actor is checked.
func (s *Service) PortalUpdate(ctx context.Context, actor auth.Identity, id int64, token string, changes Changes) (Agreement, error) {
	return s.update(ctx, id, changes, actor, func(ag Agreement) error {
		if TokenMatches(ag, token) {
			return s.guard.AuthorizeTokenWrite(ag, token, changes.Fields())
		}
		if !actor.Authenticated() {
			return ErrAccessDenied
		}
		return s.guard.AuthorizeWrite(actor, ag, changes.Fields())
	})
}

func (s *Service) update(ctx context.Context, id int64, changes Changes, actor auth.Identity, authorize func(Agreement) error) (Agreement, error) {
	var updated Agreement
	err := s.inTx(ctx, "update", func(tx pgx.Tx) error {
		ag, err := s.store.GetForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := authorize(ag); err != nil {
			return err
		}
		if !editable(ag.State) {
			return fmt.Errorf("%w: %s", ErrNotEditable, ag.State)
		}
		next, err := changes.Apply(ag)
		if err != nil {
			return err
		}
		updated, err = s.store.Update(ctx, tx, next)
		if err != nil {
			return err
		}

		fields := make([]string, 0, len(changes))
		for _, f := range changes.Fields() {
			fields = append(fields, string(f))
		}
		return s.record(ctx, tx, updated, actor, EventUpdated, "Updated "+strings.Join(fields, ", ")+".", map[string]any{"fields": fields})
	})
	if err != nil {
		return Agreement{}, err
	}
	return updated, nil
}

// Get returns the agreement if the caller may read it. A wrong token on an
// existing agreement is an authorization failure, not a not-found.
func (s *Service) Get(ctx context.Context, actor auth.Identity, id int64, token string) (Agreement, error) {
	ag, err := s.store.Get(ctx, id)
	if err != nil {
		return Agreement{}, err
	}
	if err := s.guard.AuthorizeRead(actor, ag, token); err != nil {
		return Agreement{}, err
	}
	return ag, nil
}

// ListMine returns the agreements naming the actor's partner as student.
func (s *Service) ListMine(ctx context.Context, actor auth.Identity) ([]Agreement, error) {
	if !actor.Authenticated() || actor.PartnerID <= 0 {
		return nil, ErrAccessDenied
	}
	list, _, err := s.store.List(ctx, ListFilters{StudentPartnerID: actor.PartnerID, PageSize: 100})
	return list, err
}

// List is the staff listing.
func (s *Service) List(ctx context.Context, actor auth.Identity, filters ListFilters) ([]Agreement, int, error) {
	if !actor.IsStaff() {
		return nil, 0, ErrInsufficientPermission
	}
	if filters.State != "" && !filters.State.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown state %q", ErrInvalidValue, filters.State)
	}
	return s.store.List(ctx, filters)
}

// Timeline returns the event log of an agreement readable by the caller.
func (s *Service) Timeline(ctx context.Context, actor auth.Identity, id int64, token string) ([]TimelineEvent, error) {
	if _, err := s.Get(ctx, actor, id, token); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, id)
}

// Contract returns the current contract PDF of an agreement readable by the
// caller.
func (s *Service) Contract(ctx context.Context, actor auth.Identity, id int64, token string) (Document, error) {
	ag, err := s.Get(ctx, actor, id, token)
	if err != nil {
		return Document{}, err
	}
	if !ag.HasDocument() || s.documents == nil {
		return Document{}, ErrNoContract
	}
	doc, err := s.documents.Load(ctx, *ag.ContractAttachmentID)
	if err != nil {
		return Document{}, fmt.Errorf("agreement: load contract %d: %w", ag.ID, err)
	}
	return doc, nil
}

// OverdueIDs lists agreements awaiting signatures since cutoff or earlier.
func (s *Service) OverdueIDs(ctx context.Context, cutoff time.Time) ([]int64, error) {
	return s.store.ListOverdueIDs(ctx, cutoff)
}

// SignRequestIDs lists every agreement linked to a signature request.
func (s *Service) SignRequestIDs(ctx context.Context) ([]int64, error) {
	return s.store.ListSignRequestIDs(ctx)
}

func (s *Service) coordinatorFor(actor auth.Identity) *int64 {
	if id := s.DefaultCoordinator(); id != nil {
		return id
	}
	if actor.PartnerID > 0 {
		id := actor.PartnerID
		return &id
	}
	return nil
}

func (s *Service) inTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("agreement: %s: begin tx: %w", op, err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("agreement: %s: commit tx: %w", op, err)
	}
	return nil
}

func (s *Service) record(ctx context.Context, tx pgx.Tx, ag Agreement, actor auth.Identity, typ EventType, body string, payload map[string]any) error {
	ev := TimelineEvent{
		AgreementID: ag.ID,
		Type:        typ,
		Body:        body,
		Payload:     payload,
	}
	if actor.Authenticated() {
		actorID := actor.UserID
		ev.ActorID = &actorID
	}
	return s.store.AppendEvent(ctx, tx, ev)
}

func copyID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}
