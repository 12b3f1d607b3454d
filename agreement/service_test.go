package agreement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agreementflow/auth"
	"agreementflow/partner"
)

type harness struct {
	store      *fakeStore
	pool       *fakePool
	docs       *fakeDocuments
	signatures *fakeSignatures
	mailer     *fakeMailer
	portal     *fakePortal
	svc        *Service
	now        time.Time
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		store:      newFakeStore(),
		docs:       &fakeDocuments{},
		signatures: &fakeSignatures{status: map[string]SignatureStatus{}, remindErr: map[string]error{}},
		mailer:     &fakeMailer{},
		portal:     &fakePortal{},
		now:        time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
	}
	h.pool = &fakePool{store: h.store}
	opts := Options{
		BaseURL:    "https://uni.example",
		Documents:  h.docs,
		Signatures: h.signatures,
		Mailer:     h.mailer,
		Partners: fakePartners{
			100: {ID: 100, Name: "Ana Student", Email: "ana@example.com"},
			101: {ID: 101, Name: "No Mail"},
		},
		Portal: h.portal,
		Now:    func() time.Time { return h.now },
	}
	for _, m := range mutate {
		m(&opts)
	}
	h.svc = NewService(h.pool, h.store, opts)
	return h
}

func (h *harness) create(t *testing.T) Agreement {
	t.Helper()
	ag, err := h.svc.Create(context.Background(), manager, CreateInput{StudentPartnerID: student.PartnerID})
	require.NoError(t, err)
	return ag
}

func TestService_CreateDefaultsCoordinatorToActor(t *testing.T) {
	h := newHarness(t)

	ag := h.create(t)

	assert.Equal(t, StateDraft, ag.State)
	assert.NotEmpty(t, ag.AccessToken)
	assert.Equal(t, "LA00001", ag.Reference)
	require.NotNil(t, ag.CoordinatorPartnerID)
	assert.Equal(t, manager.PartnerID, *ag.CoordinatorPartnerID)
	assert.Len(t, h.store.eventsOf(ag.ID, EventCreated), 1)
}

func TestService_CreateUsesInjectedCoordinator(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.DefaultCoordinatorPartnerID = int64Ptr(555) })

	ag := h.create(t)
	require.NotNil(t, ag.CoordinatorPartnerID)
	assert.Equal(t, int64(555), *ag.CoordinatorPartnerID)

	h.svc.SetDefaultCoordinator(int64Ptr(556))
	ag2 := h.create(t)
	assert.Equal(t, int64(556), *ag2.CoordinatorPartnerID)

	explicit, err := h.svc.Create(context.Background(), manager, CreateInput{StudentPartnerID: 100, CoordinatorPartnerID: int64Ptr(7)})
	require.NoError(t, err)
	assert.Equal(t, int64(7), *explicit.CoordinatorPartnerID)
}

func TestService_CreateRejectsSelfService(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Create(context.Background(), student, CreateInput{StudentPartnerID: student.PartnerID})
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = h.svc.Create(context.Background(), manager, CreateInput{})
	require.ErrorIs(t, err, ErrStudentRequired)
}

func TestService_CreateRegeneratesCollidingToken(t *testing.T) {
	h := newHarness(t)
	h.store.dupTokens = 2

	ag := h.create(t)
	assert.NotEmpty(t, ag.AccessToken)
	assert.Equal(t, 3, h.pool.begun)

	h.store.dupTokens = maxTokenAttempts
	_, err := h.svc.Create(context.Background(), manager, CreateInput{StudentPartnerID: 100})
	require.ErrorIs(t, err, ErrDuplicateToken)
}

func TestService_TokensUnique(t *testing.T) {
	h := newHarness(t)
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		ag := h.create(t)
		require.NotEmpty(t, ag.AccessToken)
		require.False(t, seen[ag.AccessToken])
		seen[ag.AccessToken] = true
	}
}

func TestService_StudentWritesGreenFieldsOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ag := h.create(t)

	updated, err := h.svc.Update(ctx, student, ag.ID, Changes{
		FieldStudentFullName: "Ana Student",
		FieldStudentCity:     "Porto",
	})
	require.NoError(t, err)
	assert.Equal(t, "Porto", updated.StudentAddress.City)

	_, err = h.svc.Update(ctx, student, ag.ID, Changes{
		FieldStudentCity:      "Lisbon",
		FieldLearningOutcomes: "write my own outcomes",
	})
	require.ErrorIs(t, err, ErrFieldNotPermitted)

	_, err = h.svc.Update(ctx, other, ag.ID, Changes{FieldStudentCity: "Lisbon"})
	require.ErrorIs(t, err, ErrNotYourAgreement)

	stored, err := h.store.Get(ctx, ag.ID)
	require.NoError(t, err)
	assert.Equal(t, "Porto", stored.StudentAddress.City, "rejected writes must not apply any field")
	assert.Empty(t, stored.LearningOutcomes)
	assert.Len(t, h.store.eventsOf(ag.ID, EventUpdated), 1)
}

func TestService_UpdateRejectsInvalidValueEntirely(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ag := h.create(t)

	_, err := h.svc.Update(ctx, manager, ag.ID, Changes{
		FieldHostOrgName:      "Universidade",
		FieldStudentCountryID: "not-a-number",
	})
	require.ErrorIs(t, err, ErrInvalidValue)

	stored, _ := h.store.Get(ctx, ag.ID)
	assert.Empty(t, stored.HostOrgName)
}

func TestService_PortalUpdate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ag := h.create(t)

	updated, err := h.svc.PortalUpdate(ctx, auth.Identity{}, ag.ID, ag.AccessToken, Changes{FieldStudentPhone: "+351 900"})
	require.NoError(t, err)
	assert.Equal(t, "+351 900", updated.StudentPhone)

	_, err = h.svc.PortalUpdate(ctx, auth.Identity{}, ag.ID, ag.AccessToken, Changes{FieldHostOrgName: "x"})
	require.ErrorIs(t, err, ErrFieldNotPermitted)

	_, err = h.svc.PortalUpdate(ctx, auth.Identity{}, ag.ID, "wrong", Changes{FieldStudentPhone: "1"})
	require.ErrorIs(t, err, ErrAccessDenied)

	_, err = h.svc.PortalUpdate(ctx, student, ag.ID, "", Changes{FieldStudentPhone: "2"})
	require.NoError(t, err)

	_, err = h.svc.PortalUpdate(ctx, auth.Identity{}, 999, ag.AccessToken, Changes{FieldStudentPhone: "3"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestService_GetDistinguishesForbiddenFromMissing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ag := h.create(t)

	_, err := h.svc.Get(ctx, auth.Identity{}, ag.ID, "wrong-token")
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.False(t, errors.Is(err, ErrNotFound))

	_, err = h.svc.Get(ctx, auth.Identity{}, 12345, "wrong-token")
	require.ErrorIs(t, err, ErrNotFound)

	got, err := h.svc.Get(ctx, auth.Identity{}, ag.ID, ag.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, ag.ID, got.ID)
}

func TestService_ListMine(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	mine := h.create(t)
	_, err := h.svc.Create(ctx, manager, CreateInput{StudentPartnerID: other.PartnerID})
	require.NoError(t, err)

	list, err := h.svc.ListMine(ctx, student)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, mine.ID, list[0].ID)

	_, err = h.svc.ListMine(ctx, auth.Identity{})
	require.ErrorIs(t, err, ErrAccessDenied)

	_, _, err = h.svc.List(ctx, student, ListFilters{})
	require.ErrorIs(t, err, ErrInsufficientPermission)
}

func TestService_Transitions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ag := h.create(t)

	_, err := h.svc.MarkReady(ctx, student, ag.ID)
	require.ErrorIs(t, err, ErrUnauthorized)

	pending, err := h.svc.SetStudentPending(ctx, manager, ag.ID)
	require.NoError(t, err)
	assert.Equal(t, StateStudentInput, pending.State)

	ready, err := h.svc.MarkReady(ctx, manager, ag.ID)
	require.NoError(t, err)
	assert.Equal(t, StateReady, ready.State)

	again, err := h.svc.MarkReady(ctx, manager, ag.ID)
	require.NoError(t, err)
	assert.Equal(t, StateReady, again.State)
	assert.Len(t, h.store.eventsOf(ag.ID, EventStateChanged), 2)

	cancelled, err := h.svc.Cancel(ctx, manager, ag.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, cancelled.State)

	_, err = h.svc.Cancel(ctx, manager, ag.ID)
	require.NoError(t, err)
	assert.Len(t, h.store.eventsOf(ag.ID, EventStateChanged), 3)

	_, err = h.svc.MarkReady(ctx, manager, ag.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestService_CancelFromAnyState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, state := range []State{StateDraft, StateStudentInput, StateReady, StateSent, StateSigned} {
		ag := h.store.put(Agreement{
			StudentPartnerID:     100,
			CoordinatorPartnerID: int64Ptr(900),
			State:                state,
			SignRequestID:        strPtr("sr-" + string(state)),
		})
		cancelled, err := h.svc.Cancel(ctx, manager, ag.ID)
		require.NoError(t, err, "cancel from %s", state)
		assert.Equal(t, StateCancelled, cancelled.State)

		events := h.store.eventsOf(ag.ID, EventStateChanged)
		require.Len(t, events, 1)
		assert.Equal(t, string(state), events[0].Payload["from"])
	}
}

func TestService_LeavingSentWithdrawsRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ag := h.create(t)

	sent, err := h.svc.SendForSignature(ctx, manager, ag.ID)
	require.NoError(t, err)
	ref := *sent.SignRequestID

	ready, err := h.svc.MarkReady(ctx, manager, ag.ID)
	require.NoError(t, err)
	assert.Equal(t, StateReady, ready.State)
	assert.False(t, ready.HasSignRequest())
	assert.Nil(t, ready.SignatureSentAt)
	events := h.store.eventsOf(ag.ID, EventStateChanged)
	require.Len(t, events, 1)
	assert.Equal(t, ref, events[0].Payload["withdrawn_sign_request_id"])
	assert.Equal(t, []string{ref}, h.signatures.cancelled)

	resent, err := h.svc.SendForSignature(ctx, manager, ag.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSent, resent.State)
	assert.NotEqual(t, ref, *resent.SignRequestID)

	pending, err := h.svc.SetStudentPending(ctx, manager, ag.ID)
	require.NoError(t, err)
	assert.Equal(t, StateStudentInput, pending.State)
	assert.False(t, pending.HasSignRequest())
	assert.Equal(t, []string{ref, *resent.SignRequestID}, h.signatures.cancelled)

	signed := h.store.put(Agreement{StudentPartnerID: 100, State: StateSigned, SignRequestID: strPtr("sr-done")})
	_, err = h.svc.SetStudentPending(ctx, manager, signed.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestService_LostSendCancelsRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ag := h.store.put(Agreement{StudentPartnerID: student.PartnerID, CoordinatorPartnerID: int64Ptr(manager.PartnerID), State: StateReady})

	h.signatures.onRequest = func(string) {
		// a concurrent send recorded its own request first
		winner := ag
		winner.State = StateSent
		winner.SignRequestID = strPtr("sr-winner")
		winner.ContractAttachmentID = strPtr("att-winner")
		h.store.put(winner)
	}

	_, err := h.svc.SendForSignature(ctx, manager, ag.ID)
	require.ErrorIs(t, err, ErrAlreadySent)
	assert.Equal(t, []string{"sr-1"}, h.signatures.cancelled)

	stored, _ := h.store.Get(ctx, ag.ID)
	assert.Equal(t, "sr-winner", *stored.SignRequestID)
}

func TestService_WritesLockedOnceSent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sent := h.store.put(Agreement{StudentPartnerID: 100, CoordinatorPartnerID: int64Ptr(900), State: StateSent, SignRequestID: strPtr("sr-1")})
	_, err := h.svc.Update(ctx, manager, sent.ID, Changes{FieldStudentPartnerID: "101"})
	require.ErrorIs(t, err, ErrNotEditable)
	require.ErrorIs(t, err, ErrPrecondition)

	signed := h.store.put(Agreement{StudentPartnerID: 100, StudentFullName: "Ana Student", State: StateSigned, SignRequestID: strPtr("sr-2")})
	_, err = h.svc.Update(ctx, student, signed.ID, Changes{FieldStudentFullName: "Rewritten"})
	require.ErrorIs(t, err, ErrNotEditable)
	_, err = h.svc.PortalUpdate(ctx, auth.Identity{}, signed.ID, signed.AccessToken, Changes{FieldStudentFullName: "Rewritten"})
	require.ErrorIs(t, err, ErrNotEditable)

	cancelled := h.store.put(Agreement{StudentPartnerID: 100, State: StateCancelled})
	_, err = h.svc.Update(ctx, admin, cancelled.ID, Changes{FieldHostOrgName: "x"})
	require.ErrorIs(t, err, ErrNotEditable)

	_, err = h.svc.Update(ctx, other, signed.ID, Changes{FieldStudentFullName: "x"})
	require.ErrorIs(t, err, ErrNotYourAgreement, "authorization is reported before state")

	stored, _ := h.store.Get(ctx, sent.ID)
	assert.Equal(t, int64(100), stored.StudentPartnerID)
	stored, _ = h.store.Get(ctx, signed.ID)
	assert.Equal(t, "Ana Student", stored.StudentFullName)
	assert.Empty(t, h.store.eventsOf(signed.ID, EventUpdated))
}

func TestService_GenerateDocumentReplacesAttachment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ag := h.create(t)

	first, err := h.svc.GenerateDocument(ctx, manager, ag.ID)
	require.NoError(t, err)
	require.True(t, first.HasDocument())

	second, err := h.svc.GenerateDocument(ctx, manager, ag.ID)
	require.NoError(t, err)

	assert.Equal(t, *first.ContractAttachmentID, *second.ContractAttachmentID)
	assert.Len(t, h.docs.attachments, 1)
	assert.Equal(t, "%PDF-1.7 render 2", string(h.docs.attachments[*second.ContractAttachmentID]))
	assert.Len(t, h.store.eventsOf(ag.ID, EventDocumentGenerated), 2)
}

func TestService_GenerateDocumentFailureKeepsPrevious(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ag := h.create(t)

	first, err := h.svc.GenerateDocument(ctx, manager, ag.ID)
	require.NoError(t, err)

	h.docs.renderErr = errors.New("renderer down")
	_, err = h.svc.GenerateDocument(ctx, manager, ag.ID)
	require.ErrorIs(t, err, ErrExternalService)

	stored, _ := h.store.Get(ctx, ag.ID)
	assert.Equal(t, *first.ContractAttachmentID, *stored.ContractAttachmentID)
	assert.Equal(t, "%PDF-1.7 render 1", string(h.docs.attachments[*stored.ContractAttachmentID]))
}

func TestService_Contract(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ag := h.create(t)

	_, err := h.svc.Contract(ctx, manager, ag.ID, "")
	require.ErrorIs(t, err, ErrNoContract)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = h.svc.GenerateDocument(ctx, manager, ag.ID)
	require.NoError(t, err)

	doc, err := h.svc.Contract(ctx, auth.Identity{}, ag.ID, ag.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7 render 1", string(doc.Content))

	doc, err = h.svc.Contract(ctx, student, ag.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", doc.MimeType)

	_, err = h.svc.Contract(ctx, other, ag.ID, "")
	require.ErrorIs(t, err, ErrUnauthorized)
	_, err = h.svc.Contract(ctx, auth.Identity{}, ag.ID, "wrong")
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestService_SendForSignatureRequiresCoordinator(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ag := h.store.put(Agreement{StudentPartnerID: student.PartnerID, State: StateReady})

	_, err := h.svc.SendForSignature(ctx, manager, ag.ID)
	require.ErrorIs(t, err, ErrMissingParties)
	require.ErrorIs(t, err, ErrPrecondition)

	stored, _ := h.store.Get(ctx, ag.ID)
	assert.Equal(t, StateReady, stored.State)
	assert.False(t, stored.HasSignRequest())
	assert.Empty(t, h.signatures.requests)
	assert.Zero(t, h.docs.renders)
}

func TestService_SendForSignatureReusesDocumentAfterFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ag := h.create(t)

	h.signatures.requestErr = errors.New("sign service unavailable")
	_, err := h.svc.SendForSignature(ctx, manager, ag.ID)
	require.ErrorIs(t, err, ErrExternalService)

	stored, _ := h.store.Get(ctx, ag.ID)
	assert.Equal(t, StateDraft, stored.State)
	require.True(t, stored.HasDocument(), "generated document must survive the failed request")
	assert.Equal(t, 1, h.docs.renders)

	h.signatures.requestErr = nil
	sent, err := h.svc.SendForSignature(ctx, manager, ag.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, h.docs.renders, "retry must reuse the document")
	assert.Equal(t, *stored.ContractAttachmentID, h.signatures.requests[0].AttachmentID)
	assert.Equal(t, StateSent, sent.State)

	_, err = h.svc.SendForSignature(ctx, manager, ag.ID)
	require.ErrorIs(t, err, ErrAlreadySent)
}

func TestService_EndToEndScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ag := h.create(t)
	require.Equal(t, manager.PartnerID, *ag.CoordinatorPartnerID)

	_, err := h.svc.Update(ctx, student, ag.ID, Changes{FieldStudentFullName: "Ana Student", FieldStudentEmail: "ana@example.com"})
	require.NoError(t, err)

	sent, err := h.svc.SendForSignature(ctx, manager, ag.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSent, sent.State)
	require.NotNil(t, sent.SignatureSentAt)
	assert.Equal(t, h.now, *sent.SignatureSentAt)
	require.Len(t, h.signatures.requests, 1)
	req := h.signatures.requests[0]
	assert.Equal(t, student.PartnerID, req.StudentPartnerID)
	assert.Equal(t, manager.PartnerID, req.CoordinatorPartnerID)
	assert.Equal(t, ag.Reference, req.Reference)
	assert.Len(t, h.store.eventsOf(ag.ID, EventSignatureRequested), 1)

	status, err := h.svc.SignatureStatus(ctx, sent)
	require.NoError(t, err)
	assert.Equal(t, SignatureWaiting, status)

	_, changed, err := h.svc.Reconcile(ctx, ag.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	h.signatures.status[*sent.SignRequestID] = SignatureCompleted
	signed, changed, err := h.svc.Reconcile(ctx, ag.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StateSigned, signed.State)

	calls := h.signatures.statusCall
	again, changed, err := h.svc.Reconcile(ctx, ag.ID)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, StateSigned, again.State)
	assert.Equal(t, calls, h.signatures.statusCall, "terminal agreements are not polled")
	assert.Len(t, h.store.eventsOf(ag.ID, EventStateChanged), 1)
}

func TestService_ReconcileCancelled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ag := h.store.put(Agreement{StudentPartnerID: 100, CoordinatorPartnerID: int64Ptr(900), State: StateSent, SignRequestID: strPtr("sr-9")})
	h.signatures.status["sr-9"] = SignatureCancelled

	got, changed, err := h.svc.Reconcile(ctx, ag.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StateCancelled, got.State)

	plain := h.create(t)
	_, _, err = h.svc.Reconcile(ctx, plain.ID)
	require.ErrorIs(t, err, ErrNoSignatureRequest)
}

func TestService_SendReminder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ag := h.create(t)

	require.ErrorIs(t, h.svc.SendReminder(ctx, manager, ag.ID), ErrNoSignatureRequest)

	_, err := h.svc.SendForSignature(ctx, manager, ag.ID)
	require.NoError(t, err)
	require.NoError(t, h.svc.SendReminder(ctx, manager, ag.ID))
	assert.Equal(t, []string{"sr-1"}, h.signatures.reminded)
	assert.Len(t, h.store.eventsOf(ag.ID, EventReminderSent), 1)

	require.ErrorIs(t, h.svc.SendReminder(ctx, student, ag.ID), ErrUnauthorized)
}

func TestService_PostMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ag := h.create(t)

	require.NoError(t, h.svc.PostMessage(ctx, auth.Identity{}, ag.ID, ag.AccessToken, "When is the deadline?"))
	require.NoError(t, h.svc.PostMessage(ctx, student, ag.ID, "", "Updated my address"))
	require.NoError(t, h.svc.PostMessage(ctx, student, ag.ID, "", "   "))
	require.ErrorIs(t, h.svc.PostMessage(ctx, other, ag.ID, "", "hi"), ErrAccessDenied)

	msgs := h.store.eventsOf(ag.ID, EventMessagePosted)
	require.Len(t, msgs, 2)
	assert.Nil(t, msgs[0].ActorID)
	assert.Equal(t, "access_token", msgs[0].Payload["via"])
	require.NotNil(t, msgs[1].ActorID)
	assert.Equal(t, student.UserID, *msgs[1].ActorID)
}

func TestService_SendStudentFormInvite(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ag := h.create(t)

	require.NoError(t, h.svc.SendStudentFormInvite(ctx, manager, ag.ID))
	require.Len(t, h.mailer.sent, 1)
	mail := h.mailer.sent[0]
	assert.Equal(t, TemplateStudentFormInvite, mail.template)
	assert.Equal(t, "ana@example.com", mail.email)
	assert.Equal(t, AccessURL("https://uni.example", ag), mail.vars["access_url"])
	assert.Len(t, h.store.eventsOf(ag.ID, EventInviteSent), 1)

	noMail, err := h.svc.Create(ctx, manager, CreateInput{StudentPartnerID: 101})
	require.NoError(t, err)
	require.ErrorIs(t, h.svc.SendStudentFormInvite(ctx, manager, noMail.ID), ErrMissingEmail)
}

func TestService_InviteStudentToPortal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ag := h.create(t)

	require.NoError(t, h.svc.InviteStudentToPortal(ctx, manager, ag.ID))
	require.NoError(t, h.svc.InviteStudentToPortal(ctx, manager, ag.ID))

	require.Len(t, h.mailer.sent, 1, "welcome mail only for new accounts")
	assert.Equal(t, TemplatePortalWelcome, h.mailer.sent[0].template)
	assert.Equal(t, "https://uni.example/my/learning-agreements", h.mailer.sent[0].vars["portal_url"])
	assert.Len(t, h.store.eventsOf(ag.ID, EventPortalInvited), 2)
	assert.Contains(t, h.portal.users, int64(100))
}

func TestService_InviteRetriesFailedWelcome(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ag := h.create(t)

	h.mailer.err = errors.New("mail down")
	err := h.svc.InviteStudentToPortal(ctx, manager, ag.ID)
	require.ErrorIs(t, err, ErrExternalService)
	assert.Contains(t, h.portal.users, int64(100))
	assert.Empty(t, h.store.eventsOf(ag.ID, EventPortalInvited))
	require.Len(t, h.store.eventsOf(ag.ID, EventAnnotation), 1)

	h.mailer.err = nil
	require.NoError(t, h.svc.InviteStudentToPortal(ctx, manager, ag.ID))
	require.Len(t, h.mailer.sent, 1, "the welcome that failed goes out on retry")
	assert.Equal(t, TemplatePortalWelcome, h.mailer.sent[0].template)

	require.NoError(t, h.svc.InviteStudentToPortal(ctx, manager, ag.ID))
	assert.Len(t, h.mailer.sent, 1)

	invites := h.store.eventsOf(ag.ID, EventPortalInvited)
	require.Len(t, invites, 2)
	assert.Equal(t, false, invites[0].Payload["user_created"])
	assert.Equal(t, true, invites[0].Payload["welcome_sent"])
	assert.Equal(t, false, invites[1].Payload["welcome_sent"])
}

func TestService_InviteUnknownStudent(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Partners = fakePartners{} })
	ag := h.create(t)

	err := h.svc.InviteStudentToPortal(context.Background(), manager, ag.ID)
	require.ErrorIs(t, err, partner.ErrNotFound)
}

func strPtr(v string) *string {
	return &v
}
