package main

import (
	"context"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"agreementflow/agreement"
	"agreementflow/auth"
	"agreementflow/partner"
)

type ctxKey string

const ctxKeyIdentity ctxKey = "identity"

type agreementService interface {
	Create(ctx context.Context, actor auth.Identity, input agreement.CreateInput) (agreement.Agreement, error)
	Get(ctx context.Context, actor auth.Identity, id int64, token string) (agreement.Agreement, error)
	List(ctx context.Context, actor auth.Identity, filters agreement.ListFilters) ([]agreement.Agreement, int, error)
	ListMine(ctx context.Context, actor auth.Identity) ([]agreement.Agreement, error)
	Update(ctx context.Context, actor auth.Identity, id int64, changes agreement.Changes) (agreement.Agreement, error)
	PortalUpdate(ctx context.Context, actor auth.Identity, id int64, token string, changes agreement.Changes) (agreement.Agreement, error)
	Timeline(ctx context.Context, actor auth.Identity, id int64, token string) ([]agreement.TimelineEvent, error)
	Contract(ctx context.Context, actor auth.Identity, id int64, token string) (agreement.Document, error)
	MarkReady(ctx context.Context, actor auth.Identity, id int64) (agreement.Agreement, error)
	SetStudentPending(ctx context.Context, actor auth.Identity, id int64) (agreement.Agreement, error)
	Cancel(ctx context.Context, actor auth.Identity, id int64) (agreement.Agreement, error)
	GenerateDocument(ctx context.Context, actor auth.Identity, id int64) (agreement.Agreement, error)
	SendForSignature(ctx context.Context, actor auth.Identity, id int64) (agreement.Agreement, error)
	SendReminder(ctx context.Context, actor auth.Identity, id int64) error
	SendStudentFormInvite(ctx context.Context, actor auth.Identity, id int64) error
	InviteStudentToPortal(ctx context.Context, actor auth.Identity, id int64) error
	PostMessage(ctx context.Context, actor auth.Identity, id int64, token, body string) error
	SignatureStatus(ctx context.Context, ag agreement.Agreement) (agreement.SignatureStatus, error)
	AccessURL(ag agreement.Agreement) string
	DefaultCoordinator() *int64
	SetDefaultCoordinator(partnerID *int64)
}

type authService interface {
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	VerifyToken(token string) (auth.Identity, error)
}

type partnerService interface {
	Search(ctx context.Context, term string, limit int) ([]partner.Partner, error)
}

type settingsStore interface {
	SetDefaultCoordinator(ctx context.Context, partnerID *int64) error
}

// Server exposes the staff API and the student portal.
type Server struct {
	agreements agreementService
	auth       authService
	partners   partnerService
	settings   settingsStore
	logger     *slog.Logger
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(s.identify)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Route("/api", func(api chi.Router) {
		api.Post("/login", s.handleLogin)

		api.Group(func(staff chi.Router) {
			staff.Use(requireSession)
			staff.Post("/users", s.handleRegister)
			staff.Get("/partners", s.handlePartnerSearch)
			staff.Get("/settings/default-coordinator", s.handleGetDefaultCoordinator)
			staff.Put("/settings/default-coordinator", s.handleSetDefaultCoordinator)

			staff.Get("/agreements", s.handleListAgreements)
			staff.Post("/agreements", s.handleCreateAgreement)
			staff.Get("/agreements/{id}", s.handleGetAgreement)
			staff.Patch("/agreements/{id}", s.handleUpdateAgreement)
			staff.Get("/agreements/{id}/timeline", s.handleTimeline)
			staff.Get("/agreements/{id}/document", s.handleContract)
			staff.Get("/agreements/{id}/signature-status", s.handleSignatureStatus)
			staff.Post("/agreements/{id}/actions/{action}", s.handleAction)
		})
	})

	r.Route("/my", func(portal chi.Router) {
		portal.Get("/learning-agreements", s.handlePortalList)
		portal.Get("/learning-agreement/{id}", s.handlePortalView)
		portal.Post("/learning-agreement/{id}", s.handlePortalSubmit)
		portal.Get("/learning-agreement/{id}/timeline", s.handleTimeline)
		portal.Get("/learning-agreement/{id}/document", s.handleContract)
		portal.Post("/learning-agreement/{id}/message", s.handlePortalMessage)
	})
	return r
}

// identify resolves the bearer session, if any. Portal routes also accept
// anonymous callers holding an access token.
func (s *Server) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			writeError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "malformed authorization header")
			return
		}
		identity, err := s.auth.VerifyToken(raw)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid session token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyIdentity, identity)))
	})
}

func requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !identityFrom(r).Authenticated() {
			writeError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "session required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func identityFrom(r *http.Request) auth.Identity {
	identity, _ := r.Context().Value(ctxKeyIdentity).(auth.Identity)
	return identity
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_JSON", err.Error())
		return
	}
	result, err := s.auth.Login(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     result.Token,
		"userId":    result.User.ID,
		"partnerId": result.User.PartnerID,
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !identityFrom(r).Has(auth.CapabilityAdministrator) {
		s.writeServiceError(w, r, agreement.ErrInsufficientPermission)
		return
	}
	var req auth.RegisterRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_JSON", err.Error())
		return
	}
	user, err := s.auth.Register(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": user.ID, "email": user.Email, "partnerId": user.PartnerID})
}

func (s *Server) handlePartnerSearch(w http.ResponseWriter, r *http.Request) {
	if !identityFrom(r).IsStaff() {
		s.writeServiceError(w, r, agreement.ErrInsufficientPermission)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := s.partners.Search(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items := make([]partnerResponse, 0, len(list))
	for _, p := range list {
		items = append(items, partnerResponse{ID: p.ID, Name: p.Name, Email: p.Email})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

type coordinatorSetting struct {
	PartnerID *int64 `json:"partnerId"`
}

func (s *Server) handleGetDefaultCoordinator(w http.ResponseWriter, r *http.Request) {
	if !identityFrom(r).IsStaff() {
		s.writeServiceError(w, r, agreement.ErrInsufficientPermission)
		return
	}
	writeJSON(w, http.StatusOK, coordinatorSetting{PartnerID: s.agreements.DefaultCoordinator()})
}

func (s *Server) handleSetDefaultCoordinator(w http.ResponseWriter, r *http.Request) {
	if !identityFrom(r).Has(auth.CapabilityAdministrator) {
		s.writeServiceError(w, r, agreement.ErrInsufficientPermission)
		return
	}
	var req coordinatorSetting
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_JSON", err.Error())
		return
	}
	if err := s.settings.SetDefaultCoordinator(r.Context(), req.PartnerID); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.agreements.SetDefaultCoordinator(req.PartnerID)
	writeJSON(w, http.StatusOK, coordinatorSetting{PartnerID: s.agreements.DefaultCoordinator()})
}

func (s *Server) handleListAgreements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := agreement.ListFilters{State: agreement.State(q.Get("state"))}
	filters.StudentPartnerID, _ = strconv.ParseInt(q.Get("studentPartnerId"), 10, 64)
	filters.Page, _ = strconv.Atoi(q.Get("page"))
	filters.PageSize, _ = strconv.Atoi(q.Get("pageSize"))

	list, total, err := s.agreements.List(r.Context(), identityFrom(r), filters)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items := make([]agreementResponse, 0, len(list))
	for _, ag := range list {
		items = append(items, toAgreementResponse(ag, s.agreements.AccessURL(ag)))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": total})
}

type createAgreementRequest struct {
	StudentPartnerID     int64             `json:"studentPartnerId"`
	CoordinatorPartnerID *int64            `json:"coordinatorPartnerId"`
	Values               map[string]string `json:"values"`
}

func (s *Server) handleCreateAgreement(w http.ResponseWriter, r *http.Request) {
	var req createAgreementRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_JSON", err.Error())
		return
	}
	ag, err := s.agreements.Create(r.Context(), identityFrom(r), agreement.CreateInput{
		StudentPartnerID:     req.StudentPartnerID,
		CoordinatorPartnerID: req.CoordinatorPartnerID,
		Changes:              toChanges(req.Values),
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAgreementResponse(ag, s.agreements.AccessURL(ag)))
}

func (s *Server) handleGetAgreement(w http.ResponseWriter, r *http.Request) {
	id, ok := s.agreementID(w, r)
	if !ok {
		return
	}
	actor := identityFrom(r)
	ag, err := s.agreements.Get(r.Context(), actor, id, "")
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgreementResponse(ag, s.staffAccessURL(actor, ag)))
}

func (s *Server) handleUpdateAgreement(w http.ResponseWriter, r *http.Request) {
	id, ok := s.agreementID(w, r)
	if !ok {
		return
	}
	var values map[string]string
	if err := readJSON(w, r, &values); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_JSON", err.Error())
		return
	}
	actor := identityFrom(r)
	ag, err := s.agreements.Update(r.Context(), actor, id, toChanges(values))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgreementResponse(ag, s.staffAccessURL(actor, ag)))
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	id, ok := s.agreementID(w, r)
	if !ok {
		return
	}
	events, err := s.agreements.Timeline(r.Context(), identityFrom(r), id, r.URL.Query().Get("access_token"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items := make([]eventResponse, 0, len(events))
	for _, ev := range events {
		items = append(items, toEventResponse(ev))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleContract(w http.ResponseWriter, r *http.Request) {
	id, ok := s.agreementID(w, r)
	if !ok {
		return
	}
	doc, err := s.agreements.Contract(r.Context(), identityFrom(r), id, r.URL.Query().Get("access_token"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", doc.MimeType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": doc.Name}))
	w.Header().Set("Content-Length", strconv.Itoa(len(doc.Content)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc.Content)
}

func (s *Server) handleSignatureStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.agreementID(w, r)
	if !ok {
		return
	}
	ag, err := s.agreements.Get(r.Context(), identityFrom(r), id, "")
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	status, err := s.agreements.SignatureStatus(r.Context(), ag)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": ag.ID, "state": ag.State, "signatureStatus": status})
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	id, ok := s.agreementID(w, r)
	if !ok {
		return
	}
	actor := identityFrom(r)
	ctx := r.Context()

	transitions := map[string]func(context.Context, auth.Identity, int64) (agreement.Agreement, error){
		"mark-ready":          s.agreements.MarkReady,
		"set-student-pending": s.agreements.SetStudentPending,
		"cancel":              s.agreements.Cancel,
		"generate-document":   s.agreements.GenerateDocument,
		"send-for-signature":  s.agreements.SendForSignature,
	}
	notifications := map[string]func(context.Context, auth.Identity, int64) error{
		"send-reminder":    s.agreements.SendReminder,
		"send-form-invite": s.agreements.SendStudentFormInvite,
		"invite-to-portal": s.agreements.InviteStudentToPortal,
	}

	action := chi.URLParam(r, "action")
	if fn, ok := transitions[action]; ok {
		ag, err := fn(ctx, actor, id)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAgreementResponse(ag, s.staffAccessURL(actor, ag)))
		return
	}
	if fn, ok := notifications[action]; ok {
		if err := fn(ctx, actor, id); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeError(w, r, http.StatusNotFound, "UNKNOWN_ACTION", "unknown action "+action)
}

func (s *Server) handlePortalList(w http.ResponseWriter, r *http.Request) {
	list, err := s.agreements.ListMine(r.Context(), identityFrom(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items := make([]agreementResponse, 0, len(list))
	for _, ag := range list {
		items = append(items, toAgreementResponse(ag, ""))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

type portalView struct {
	Agreement   agreementResponse `json:"agreement"`
	Editable    []string          `json:"editableFields"`
	AccessToken string            `json:"accessToken,omitempty"`
}

func (s *Server) handlePortalView(w http.ResponseWriter, r *http.Request) {
	id, ok := s.agreementID(w, r)
	if !ok {
		return
	}
	token := r.URL.Query().Get("access_token")
	ag, err := s.agreements.Get(r.Context(), identityFrom(r), id, token)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, portalView{
		Agreement:   toAgreementResponse(ag, ""),
		Editable:    greenFieldNames(),
		AccessToken: token,
	})
}

type portalSubmitRequest struct {
	AccessToken string            `json:"access_token"`
	Values      map[string]string `json:"values"`
}

// handlePortalSubmit accepts the student form as JSON or as a posted form.
// Blank values are dropped so an untouched input never clears a field.
func (s *Server) handlePortalSubmit(w http.ResponseWriter, r *http.Request) {
	id, ok := s.agreementID(w, r)
	if !ok {
		return
	}

	var req portalSubmitRequest
	if isForm(r) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := r.ParseForm(); err != nil {
			writeError(w, r, http.StatusBadRequest, "BAD_FORM", err.Error())
			return
		}
		req.Values = map[string]string{}
		for key, values := range r.PostForm {
			if key == "access_token" {
				req.AccessToken = r.PostForm.Get(key)
				continue
			}
			if len(values) > 0 {
				req.Values[key] = values[0]
			}
		}
	} else if err := readJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_JSON", err.Error())
		return
	}
	if req.AccessToken == "" {
		req.AccessToken = r.URL.Query().Get("access_token")
	}

	changes := toChanges(req.Values).WithoutBlanks()
	if len(changes) == 0 {
		s.writeServiceError(w, r, agreement.ErrNoChanges)
		return
	}
	ag, err := s.agreements.PortalUpdate(r.Context(), identityFrom(r), id, req.AccessToken, changes)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, portalView{
		Agreement:   toAgreementResponse(ag, ""),
		Editable:    greenFieldNames(),
		AccessToken: req.AccessToken,
	})
}

type messageRequest struct {
	AccessToken string `json:"access_token"`
	Body        string `json:"body"`
}

func (s *Server) handlePortalMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := s.agreementID(w, r)
	if !ok {
		return
	}
	var req messageRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_JSON", err.Error())
		return
	}
	if req.AccessToken == "" {
		req.AccessToken = r.URL.Query().Get("access_token")
	}
	if err := s.agreements.PostMessage(r.Context(), identityFrom(r), id, req.AccessToken, req.Body); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// agreementID parses the {id} path segment. Anything that is not a positive
// integer answers 404.
func (s *Server) agreementID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := agreement.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return 0, false
	}
	return id, true
}

// staffAccessURL exposes the bearer link to staff only.
func (s *Server) staffAccessURL(actor auth.Identity, ag agreement.Agreement) string {
	if !actor.IsStaff() {
		return ""
	}
	return s.agreements.AccessURL(ag)
}

func toChanges(values map[string]string) agreement.Changes {
	changes := make(agreement.Changes, len(values))
	for k, v := range values {
		changes[agreement.Field(k)] = v
	}
	return changes
}

func greenFieldNames() []string {
	fields := agreement.GreenFields()
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		names = append(names, string(f))
	}
	return names
}

func isForm(r *http.Request) bool {
	ct, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return false
	}
	return ct == "application/x-www-form-urlencoded"
}
