package agreement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"agreementflow/auth"
	"agreementflow/partner"
)

// fakeStore keeps committed rows apart from the writes staged by an open
// fakeTx, so rolled back transactions leave no trace.
type fakeStore struct {
	mu        sync.Mutex
	rows      map[int64]Agreement
	events    []TimelineEvent
	nextID    int64
	dupTokens int
	tokens    map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: map[int64]Agreement{}, tokens: map[string]bool{}, nextID: 1}
}

func (f *fakeStore) Insert(ctx context.Context, tx pgx.Tx, ag Agreement) (Agreement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dupTokens > 0 {
		f.dupTokens--
		return Agreement{}, ErrDuplicateToken
	}
	if f.tokens[ag.AccessToken] {
		return Agreement{}, ErrDuplicateToken
	}
	ag.ID = f.nextID
	ag.Reference = fmt.Sprintf("LA%05d", f.nextID)
	f.nextID++
	ag.CreatedAt = time.Now().UTC()
	ag.UpdatedAt = ag.CreatedAt
	asFake(tx).pending[ag.ID] = ag
	return ag, nil
}

func (f *fakeStore) GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Agreement, error) {
	if ag, ok := asFake(tx).pending[id]; ok {
		return ag, nil
	}
	return f.Get(ctx, id)
}

func (f *fakeStore) Get(ctx context.Context, id int64) (Agreement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ag, ok := f.rows[id]
	if !ok {
		return Agreement{}, ErrNotFound
	}
	return ag, nil
}

func (f *fakeStore) Update(ctx context.Context, tx pgx.Tx, ag Agreement) (Agreement, error) {
	if _, err := f.GetForUpdate(ctx, tx, ag.ID); err != nil {
		return Agreement{}, err
	}
	ag.UpdatedAt = time.Now().UTC()
	asFake(tx).pending[ag.ID] = ag
	return ag, nil
}

func (f *fakeStore) List(ctx context.Context, filters ListFilters) ([]Agreement, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []Agreement{}
	for _, ag := range f.rows {
		if filters.StudentPartnerID != 0 && ag.StudentPartnerID != filters.StudentPartnerID {
			continue
		}
		if filters.State != "" && ag.State != filters.State {
			continue
		}
		out = append(out, ag)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, len(out), nil
}

func (f *fakeStore) ListOverdueIDs(ctx context.Context, cutoff time.Time) ([]int64, error) {
	return f.ids(func(ag Agreement) bool {
		return ag.State == StateSent && ag.SignatureSentAt != nil && !ag.SignatureSentAt.After(cutoff)
	}), nil
}

func (f *fakeStore) ListSignRequestIDs(ctx context.Context) ([]int64, error) {
	return f.ids(Agreement.HasSignRequest), nil
}

func (f *fakeStore) ids(keep func(Agreement) bool) []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []int64{}
	for id, ag := range f.rows {
		if keep(ag) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (f *fakeStore) AppendEvent(ctx context.Context, tx pgx.Tx, ev TimelineEvent) error {
	fake := asFake(tx)
	fake.events = append(fake.events, ev)
	return nil
}

func (f *fakeStore) ListEvents(ctx context.Context, agreementID int64) ([]TimelineEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []TimelineEvent{}
	for _, ev := range f.events {
		if ev.AgreementID == agreementID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeStore) commit(tx *fakeTx) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ag := range tx.pending {
		f.rows[id] = ag
		f.tokens[ag.AccessToken] = true
	}
	f.events = append(f.events, tx.events...)
}

func (f *fakeStore) eventsOf(id int64, typ EventType) []TimelineEvent {
	events, _ := f.ListEvents(context.Background(), id)
	out := []TimelineEvent{}
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (f *fakeStore) put(ag Agreement) Agreement {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ag.ID == 0 {
		ag.ID = f.nextID
		f.nextID++
	}
	if ag.Reference == "" {
		ag.Reference = fmt.Sprintf("LA%05d", ag.ID)
	}
	if ag.AccessToken == "" {
		ag.AccessToken = fmt.Sprintf("token-%d", ag.ID)
	}
	if ag.State == "" {
		ag.State = StateDraft
	}
	f.rows[ag.ID] = ag
	f.tokens[ag.AccessToken] = true
	return ag
}

func asFake(tx pgx.Tx) *fakeTx {
	fake, ok := tx.(*fakeTx)
	if !ok {
		panic("unexpected transaction type")
	}
	return fake
}

type fakePool struct {
	store    *fakeStore
	begun    int
	beginErr error
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	f.begun++
	return &fakeTx{store: f.store, pending: map[int64]Agreement{}}, nil
}

type fakeTx struct {
	store     *fakeStore
	pending   map[int64]Agreement
	events    []TimelineEvent
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	if f.rolled {
		return pgx.ErrTxClosed
	}
	f.committed = true
	f.store.commit(f)
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if f.committed {
		return pgx.ErrTxClosed
	}
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}

// fakeDocuments replaces attachments in place, one per agreement.
type fakeDocuments struct {
	renderErr   error
	renders     int
	attachments map[string][]byte
	next        int
}

func (f *fakeDocuments) Render(ctx context.Context, ag Agreement) (Document, error) {
	f.renders++
	if f.renderErr != nil {
		return Document{}, f.renderErr
	}
	return Document{
		Name:     ag.Reference + "_Learning_Agreement.pdf",
		MimeType: "application/pdf",
		Content:  []byte(fmt.Sprintf("%%PDF-1.7 render %d", f.renders)),
	}, nil
}

func (f *fakeDocuments) Save(ctx context.Context, tx pgx.Tx, ag Agreement, doc Document) (string, error) {
	if f.attachments == nil {
		f.attachments = map[string][]byte{}
	}
	if ag.HasDocument() {
		f.attachments[*ag.ContractAttachmentID] = doc.Content
		return *ag.ContractAttachmentID, nil
	}
	f.next++
	id := fmt.Sprintf("att-%d", f.next)
	f.attachments[id] = doc.Content
	return id, nil
}

func (f *fakeDocuments) Load(ctx context.Context, attachmentID string) (Document, error) {
	content, ok := f.attachments[attachmentID]
	if !ok {
		return Document{}, errors.New("attachment not found")
	}
	return Document{Name: attachmentID + ".pdf", MimeType: "application/pdf", Content: content}, nil
}

type fakeSignatures struct {
	requestErr error
	remindErr  map[string]error
	status     map[string]SignatureStatus
	requests   []SignatureRequest
	reminded   []string
	statusCall int
	cancelled  []string
	// onRequest runs after a request is created, before it is recorded.
	onRequest func(ref string)
}

func (f *fakeSignatures) RequestSignatures(ctx context.Context, req SignatureRequest) (string, error) {
	if f.requestErr != nil {
		return "", f.requestErr
	}
	f.requests = append(f.requests, req)
	ref := fmt.Sprintf("sr-%d", len(f.requests))
	if f.onRequest != nil {
		f.onRequest(ref)
	}
	return ref, nil
}

func (f *fakeSignatures) Cancel(ctx context.Context, ref string) error {
	f.cancelled = append(f.cancelled, ref)
	return nil
}

func (f *fakeSignatures) Remind(ctx context.Context, ref string) error {
	if err := f.remindErr[ref]; err != nil {
		return err
	}
	f.reminded = append(f.reminded, ref)
	return nil
}

func (f *fakeSignatures) Status(ctx context.Context, ref string) (SignatureStatus, error) {
	f.statusCall++
	if status, ok := f.status[ref]; ok {
		return status, nil
	}
	return SignatureWaiting, nil
}

type sentMail struct {
	template  string
	partnerID int64
	email     string
	vars      map[string]string
}

type fakeMailer struct {
	sent []sentMail
	err  error
}

func (f *fakeMailer) SendTemplate(ctx context.Context, template string, partnerID int64, email string, vars map[string]string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMail{template: template, partnerID: partnerID, email: email, vars: vars})
	return nil
}

type fakePartners map[int64]partner.Partner

func (f fakePartners) GetByID(ctx context.Context, id int64) (partner.Partner, error) {
	p, ok := f[id]
	if !ok {
		return partner.Partner{}, partner.ErrNotFound
	}
	return p, nil
}

type fakePortal struct {
	users map[int64]auth.User
}

func (f *fakePortal) EnsurePortalUser(ctx context.Context, partnerID int64, email, name string) (auth.User, bool, error) {
	if f.users == nil {
		f.users = map[int64]auth.User{}
	}
	if u, ok := f.users[partnerID]; ok {
		return u, false, nil
	}
	u := auth.User{
		ID:           fmt.Sprintf("user-%d", partnerID),
		Email:        email,
		FullName:     name,
		PartnerID:    partnerID,
		Capabilities: []auth.Capability{auth.CapabilitySelfService},
	}
	f.users[partnerID] = u
	return u, true, nil
}

var (
	manager = auth.Identity{UserID: "user-manager", PartnerID: 900, Capabilities: []auth.Capability{auth.CapabilityManager}}
	admin   = auth.Identity{UserID: "user-admin", PartnerID: 901, Capabilities: []auth.Capability{auth.CapabilityAdministrator}}
	student = auth.Identity{UserID: "user-student", PartnerID: 100, Capabilities: []auth.Capability{auth.CapabilitySelfService}}
	other   = auth.Identity{UserID: "user-other", PartnerID: 200, Capabilities: []auth.Capability{auth.CapabilitySelfService}}
	nobody  = auth.Identity{UserID: "user-nobody", PartnerID: 300}
)

func int64Ptr(v int64) *int64 {
	return &v
}
