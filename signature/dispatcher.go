package signature

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"agreementflow/agreement"
)

// Fixed roles, looked up by name and created once when absent.
const (
	RoleStudent     = "Student"
	RoleCoordinator = "Coordinator"

	itemTypeSignature = "signature"
)

var roleSequence = map[string]int{
	RoleStudent:     10,
	RoleCoordinator: 20,
}

// Placement of the two signature boxes on page one.
var (
	studentBox     = Item{Name: "Student Signature", Type: itemTypeSignature, Page: 1, PosX: 0.10, PosY: 0.10, Width: 0.30, Height: 0.07}
	coordinatorBox = Item{Name: "Coordinator Signature", Type: itemTypeSignature, Page: 1, PosX: 0.60, PosY: 0.10, Width: 0.30, Height: 0.07}
)

// Dispatcher turns an agreement into a two-party signature request, student
// first and coordinator second.
type Dispatcher struct {
	svc    Service
	logger *slog.Logger

	mu    sync.Mutex
	roles map[string]Role
}

func NewDispatcher(svc Service, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default().With("component", "signature")
	}
	return &Dispatcher{svc: svc, logger: logger, roles: map[string]Role{}}
}

// RequestSignatures creates the template, the request and sends the first
// notification. The returned id is the request reference.
func (d *Dispatcher) RequestSignatures(ctx context.Context, req agreement.SignatureRequest) (string, error) {
	if req.StudentPartnerID <= 0 || req.CoordinatorPartnerID <= 0 {
		return "", agreement.ErrMissingParties
	}
	if req.AttachmentID == "" {
		return "", agreement.ErrNoDocument
	}

	student, err := d.role(ctx, RoleStudent)
	if err != nil {
		return "", err
	}
	coordinator, err := d.role(ctx, RoleCoordinator)
	if err != nil {
		return "", err
	}

	studentItem := studentBox
	studentItem.RoleID = student.ID
	coordinatorItem := coordinatorBox
	coordinatorItem.RoleID = coordinator.ID

	templateID, err := d.svc.CreateTemplate(ctx, Template{
		Name:          "Learning Agreement " + req.Reference,
		AttachmentID:  req.AttachmentID,
		ResponsibleID: req.ResponsibleUserID,
		Items:         []Item{studentItem, coordinatorItem},
	})
	if err != nil {
		return "", err
	}

	ref, err := d.svc.CreateRequest(ctx, Request{
		Reference:  RequestReference(req.Reference),
		TemplateID: templateID,
		Signers: []Signer{
			{PartnerID: req.StudentPartnerID, RoleID: student.ID, SendOrder: 1},
			{PartnerID: req.CoordinatorPartnerID, RoleID: coordinator.ID, SendOrder: 2},
		},
	})
	if err != nil {
		return "", err
	}

	if err := d.svc.SendNotifications(ctx, ref); err != nil {
		if cerr := d.Cancel(context.WithoutCancel(ctx), ref); cerr != nil {
			d.logger.ErrorContext(ctx, "cancel unsent signature request", "sign_request_id", ref, "error", cerr)
		}
		return "", fmt.Errorf("signature: request %s created but not sent: %w", ref, err)
	}

	d.logger.InfoContext(ctx, "signature request sent", "agreement_id", req.AgreementID, "sign_request_id", ref)
	return ref, nil
}

// Remind re-sends the notification to signers still pending.
func (d *Dispatcher) Remind(ctx context.Context, ref string) error {
	if ref == "" {
		return agreement.ErrNoSignatureRequest
	}
	return d.svc.SendNotifications(ctx, ref)
}

// Cancel withdraws a request on the external service. A request the service
// no longer knows counts as cancelled.
func (d *Dispatcher) Cancel(ctx context.Context, ref string) error {
	if ref == "" {
		return nil
	}
	err := d.svc.CancelRequest(ctx, ref)
	if errors.Is(err, ErrRequestNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	d.logger.InfoContext(ctx, "signature request cancelled", "sign_request_id", ref)
	return nil
}

// Status derives the signature status of the request.
func (d *Dispatcher) Status(ctx context.Context, ref string) (agreement.SignatureStatus, error) {
	if ref == "" {
		return agreement.SignatureNotSent, nil
	}
	state, err := d.svc.RequestState(ctx, ref)
	if err != nil {
		return "", err
	}
	return DeriveStatus(state), nil
}

// RequestReference is the reference shown to signers for an agreement.
func RequestReference(agreementRef string) string {
	return "LA-" + agreementRef
}

func (d *Dispatcher) role(ctx context.Context, name string) (Role, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if r, ok := d.roles[name]; ok {
		return r, nil
	}

	r, found, err := d.svc.FindRole(ctx, name)
	if err != nil {
		return Role{}, err
	}
	if !found {
		r, err = d.svc.CreateRole(ctx, name, roleSequence[name])
		if err != nil {
			return Role{}, err
		}
		d.logger.InfoContext(ctx, "signature role created", "role", name, "role_id", r.ID)
	}
	d.roles[name] = r
	return r, nil
}
