package actors

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"agreementflow/signature"
)

// PDFRenderer renders a tiny fixed PDF for any record.
type PDFRenderer struct{}

func (PDFRenderer) RenderToPDF(_ context.Context, templateRef string, recordID int64) ([]byte, string, error) {
	return []byte(fmt.Sprintf("%%PDF-1.4\n%% %s record %d\n", templateRef, recordID)), "application/pdf", nil
}

// SignatureService is an in-memory e-signature product. Requests drift to
// done or canceled as their state is polled.
type SignatureService struct {
	mu        sync.Mutex
	next      int
	roles     map[string]signature.Role
	templates map[string]signature.Template
	states    map[string]string
	notified  map[string]int
}

func NewSignatureService() *SignatureService {
	return &SignatureService{
		roles:     map[string]signature.Role{},
		templates: map[string]signature.Template{},
		states:    map[string]string{},
		notified:  map[string]int{},
	}
}

func (s *SignatureService) id(prefix string) string {
	s.next++
	return fmt.Sprintf("%s-%d", prefix, s.next)
}

func (s *SignatureService) FindRole(_ context.Context, name string) (signature.Role, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.roles[name]
	return role, ok, nil
}

func (s *SignatureService) CreateRole(_ context.Context, name string, sequence int) (signature.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if role, ok := s.roles[name]; ok {
		return role, nil
	}
	role := signature.Role{ID: s.id("role"), Name: name, Sequence: sequence}
	s.roles[name] = role
	return role, nil
}

func (s *SignatureService) CreateTemplate(_ context.Context, tpl signature.Template) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tpl.AttachmentID == "" {
		return "", fmt.Errorf("template %q has no attachment", tpl.Name)
	}
	id := s.id("tpl")
	s.templates[id] = tpl
	return id, nil
}

func (s *SignatureService) CreateRequest(_ context.Context, req signature.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[req.TemplateID]; !ok {
		return "", fmt.Errorf("template %s unknown", req.TemplateID)
	}
	if len(req.Signers) != 2 {
		return "", fmt.Errorf("request %s: want 2 signers, got %d", req.Reference, len(req.Signers))
	}
	ref := s.id("sr")
	s.states[ref] = "sent"
	return ref, nil
}

func (s *SignatureService) RequestState(_ context.Context, ref string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[ref]
	if !ok {
		return "", signature.ErrRequestNotFound
	}
	if state == "sent" {
		switch rand.Intn(6) {
		case 0:
			state = "done"
		case 1:
			state = "canceled"
		}
		s.states[ref] = state
	}
	return state, nil
}

func (s *SignatureService) SendNotifications(_ context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[ref]; !ok {
		return signature.ErrRequestNotFound
	}
	s.notified[ref]++
	return nil
}

func (s *SignatureService) CancelRequest(_ context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[ref]; !ok {
		return signature.ErrRequestNotFound
	}
	s.states[ref] = "canceled"
	return nil
}

// Requests returns how many signature requests were opened.
func (s *SignatureService) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}
