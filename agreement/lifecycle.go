package agreement

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"agreementflow/auth"
)

// editable reports whether fields of an agreement in state s may still be
// written. Once signatures are requested the content is frozen.
func editable(s State) bool {
	return s == StateDraft || s == StateStudentInput || s == StateReady
}

// MarkReady moves the agreement to ready.
func (s *Service) MarkReady(ctx context.Context, actor auth.Identity, id int64) (Agreement, error) {
	return s.moveTo(ctx, actor, id, StateReady)
}

// SetStudentPending moves the agreement back to student input.
func (s *Service) SetStudentPending(ctx context.Context, actor auth.Identity, id int64) (Agreement, error) {
	return s.moveTo(ctx, actor, id, StateStudentInput)
}

// moveTo works from any active state. Leaving sent withdraws the signature
// request so the agreement can be sent again.
func (s *Service) moveTo(ctx context.Context, actor auth.Identity, id int64, to State) (Agreement, error) {
	var withdrawn string
	moved, err := s.mutate(ctx, "transition", actor, id, func(tx pgx.Tx, ag Agreement) (Agreement, error) {
		withdrawn = ""
		if ag.State == to {
			return ag, nil
		}
		if ag.State.Terminal() {
			return Agreement{}, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, ag.State, to)
		}
		var extra map[string]any
		if ag.State == StateSent && ag.HasSignRequest() {
			withdrawn = *ag.SignRequestID
			extra = map[string]any{"withdrawn_sign_request_id": withdrawn}
			ag.SignRequestID = nil
			ag.SignatureSentAt = nil
		}
		return s.changeState(ctx, tx, actor, ag, to, extra)
	})
	if err != nil {
		return Agreement{}, err
	}
	if withdrawn != "" {
		s.withdrawRequest(ctx, id, withdrawn)
	}
	return moved, nil
}

// Cancel records a local cancellation from any state. In-flight signature
// requests are not touched; cancelling twice is a no-op.
func (s *Service) Cancel(ctx context.Context, actor auth.Identity, id int64) (Agreement, error) {
	return s.mutate(ctx, "cancel", actor, id, func(tx pgx.Tx, ag Agreement) (Agreement, error) {
		if ag.State == StateCancelled {
			return ag, nil
		}
		return s.changeState(ctx, tx, actor, ag, StateCancelled, nil)
	})
}

// GenerateDocument renders the contract and replaces the current attachment.
// On failure the previous attachment is left untouched.
func (s *Service) GenerateDocument(ctx context.Context, actor auth.Identity, id int64) (Agreement, error) {
	ag, err := s.store.Get(ctx, id)
	if err != nil {
		return Agreement{}, err
	}
	if err := s.guard.AuthorizeWrite(actor, ag, []Field{FieldContractAttachment}); err != nil {
		return Agreement{}, err
	}
	return s.generateDocument(ctx, actor, ag)
}

func (s *Service) generateDocument(ctx context.Context, actor auth.Identity, ag Agreement) (Agreement, error) {
	if s.documents == nil {
		return Agreement{}, externalError("render document", errors.New("no document generator configured"))
	}
	doc, err := s.documents.Render(ctx, ag)
	if err != nil {
		return Agreement{}, externalError("render document", err)
	}

	updated, err := s.mutate(ctx, "generate document", actor, ag.ID, func(tx pgx.Tx, locked Agreement) (Agreement, error) {
		attachmentID, err := s.documents.Save(ctx, tx, locked, doc)
		if err != nil {
			return Agreement{}, err
		}
		replaced := locked.HasDocument()
		locked.ContractAttachmentID = &attachmentID
		next, err := s.store.Update(ctx, tx, locked)
		if err != nil {
			return Agreement{}, err
		}
		payload := map[string]any{"attachment_id": attachmentID, "name": doc.Name, "replaced": replaced}
		if err := s.record(ctx, tx, next, actor, EventDocumentGenerated, "Contract document generated.", payload); err != nil {
			return Agreement{}, err
		}
		return next, nil
	})
	if err != nil {
		return Agreement{}, err
	}

	s.logger.InfoContext(ctx, "contract document generated", "agreement_id", updated.ID, "attachment_id", *updated.ContractAttachmentID)
	return updated, nil
}

// SendForSignature opens the external two-party signature request. An
// existing contract document is reused; otherwise one is generated and
// committed first so a failed request can be retried without re-rendering.
func (s *Service) SendForSignature(ctx context.Context, actor auth.Identity, id int64) (Agreement, error) {
	ag, err := s.store.Get(ctx, id)
	if err != nil {
		return Agreement{}, err
	}
	if err := s.guard.AuthorizeAction(actor, ag); err != nil {
		return Agreement{}, err
	}
	if err := readyToSend(ag); err != nil {
		return Agreement{}, err
	}
	if s.signatures == nil {
		return Agreement{}, externalError("request signatures", errors.New("no signature service configured"))
	}

	if !ag.HasDocument() {
		ag, err = s.generateDocument(ctx, actor, ag)
		if err != nil {
			return Agreement{}, err
		}
	}

	ref, err := s.signatures.RequestSignatures(ctx, SignatureRequest{
		AgreementID:          ag.ID,
		Reference:            ag.Reference,
		StudentPartnerID:     ag.StudentPartnerID,
		CoordinatorPartnerID: *ag.CoordinatorPartnerID,
		AttachmentID:         *ag.ContractAttachmentID,
		ResponsibleUserID:    actor.UserID,
	})
	if err != nil {
		return Agreement{}, externalError("request signatures", err)
	}

	sent, err := s.mutate(ctx, "send for signature", actor, id, func(tx pgx.Tx, locked Agreement) (Agreement, error) {
		if err := readyToSend(locked); err != nil {
			return Agreement{}, err
		}
		now := s.now().UTC()
		locked.SignRequestID = &ref
		locked.SignatureSentAt = &now
		return s.changeState(ctx, tx, actor, locked, StateSent, map[string]any{"sign_request_id": ref})
	})
	if err != nil {
		s.logger.WarnContext(ctx, "signature request created but not recorded", "agreement_id", id, "sign_request_id", ref, "error", err)
		s.withdrawRequest(ctx, id, ref)
		return Agreement{}, err
	}

	s.logger.InfoContext(ctx, "signatures requested", "agreement_id", sent.ID, "sign_request_id", ref)
	return sent, nil
}

// withdrawRequest cancels an external request no agreement points at any
// more. Failures are only logged.
func (s *Service) withdrawRequest(ctx context.Context, id int64, ref string) {
	if s.signatures == nil {
		return
	}
	if err := s.signatures.Cancel(context.WithoutCancel(ctx), ref); err != nil {
		s.logger.ErrorContext(ctx, "cancel orphaned signature request", "agreement_id", id, "sign_request_id", ref, "error", err)
	}
}

func readyToSend(ag Agreement) error {
	switch {
	case ag.State.Terminal():
		return fmt.Errorf("%w: agreement is %s", ErrInvalidTransition, ag.State)
	case ag.State == StateSent || ag.HasSignRequest():
		return ErrAlreadySent
	case ag.StudentPartnerID <= 0 || ag.CoordinatorPartnerID == nil:
		return ErrMissingParties
	}
	return nil
}

// SendReminder re-notifies the signers still pending.
func (s *Service) SendReminder(ctx context.Context, actor auth.Identity, id int64) error {
	ag, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.guard.AuthorizeAction(actor, ag); err != nil {
		return err
	}
	if !ag.HasSignRequest() {
		return ErrNoSignatureRequest
	}
	if s.signatures == nil {
		return externalError("send reminder", errors.New("no signature service configured"))
	}
	if err := s.signatures.Remind(ctx, *ag.SignRequestID); err != nil {
		return externalError("send reminder", err)
	}

	return s.inTx(ctx, "send reminder", func(tx pgx.Tx) error {
		return s.record(ctx, tx, ag, actor, EventReminderSent, "Signature reminder sent.", map[string]any{"sign_request_id": *ag.SignRequestID})
	})
}

// SignatureStatus derives the signature status from the external request.
func (s *Service) SignatureStatus(ctx context.Context, ag Agreement) (SignatureStatus, error) {
	if !ag.HasSignRequest() {
		return SignatureNotSent, nil
	}
	if s.signatures == nil {
		return "", externalError("signature status", errors.New("no signature service configured"))
	}
	status, err := s.signatures.Status(ctx, *ag.SignRequestID)
	if err != nil {
		return "", externalError("signature status", err)
	}
	return status, nil
}

// Reconcile applies the external signature status to the agreement.
// Completed requests sign it, cancelled requests cancel it, anything else
// leaves it alone. Terminal agreements are never touched, so repeated runs
// converge.
func (s *Service) Reconcile(ctx context.Context, id int64) (Agreement, bool, error) {
	ag, err := s.store.Get(ctx, id)
	if err != nil {
		return Agreement{}, false, err
	}
	if !ag.HasSignRequest() {
		return Agreement{}, false, ErrNoSignatureRequest
	}
	if ag.State.Terminal() {
		return ag, false, nil
	}

	status, err := s.SignatureStatus(ctx, ag)
	if err != nil {
		return Agreement{}, false, err
	}
	var target State
	switch status {
	case SignatureCompleted:
		target = StateSigned
	case SignatureCancelled:
		target = StateCancelled
	default:
		return ag, false, nil
	}

	changed := false
	ref := *ag.SignRequestID
	updated, err := s.mutate(ctx, "reconcile", auth.System, id, func(tx pgx.Tx, locked Agreement) (Agreement, error) {
		if locked.State.Terminal() || !locked.HasSignRequest() || *locked.SignRequestID != ref {
			return locked, nil
		}
		changed = true
		return s.changeState(ctx, tx, auth.System, locked, target, map[string]any{
			"sign_request_id":  ref,
			"signature_status": string(status),
		})
	})
	if err != nil {
		return Agreement{}, false, err
	}
	if changed {
		s.logger.InfoContext(ctx, "agreement reconciled", "agreement_id", id, "state", updated.State)
	}
	return updated, changed, nil
}

// Annotate appends a system note to the agreement timeline.
func (s *Service) Annotate(ctx context.Context, id int64, body string) error {
	return s.inTx(ctx, "annotate", func(tx pgx.Tx) error {
		ag, err := s.store.GetForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		return s.record(ctx, tx, ag, auth.System, EventAnnotation, body, nil)
	})
}

// mutate locks the row, checks the actor may drive the lifecycle and runs fn
// in the same transaction.
func (s *Service) mutate(ctx context.Context, op string, actor auth.Identity, id int64, fn func(tx pgx.Tx, ag Agreement) (Agreement, error)) (Agreement, error) {
	var result Agreement
	err := s.inTx(ctx, op, func(tx pgx.Tx) error {
		ag, err := s.store.GetForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := s.guard.AuthorizeAction(actor, ag); err != nil {
			return err
		}
		result, err = fn(tx, ag)
		return err
	})
	if err != nil {
		return Agreement{}, err
	}
	return result, nil
}

func (s *Service) changeState(ctx context.Context, tx pgx.Tx, actor auth.Identity, ag Agreement, to State, extra map[string]any) (Agreement, error) {
	from := ag.State
	ag.State = to
	updated, err := s.store.Update(ctx, tx, ag)
	if err != nil {
		return Agreement{}, err
	}

	typ := EventStateChanged
	if to == StateSent {
		typ = EventSignatureRequested
	}
	payload := map[string]any{"from": string(from), "to": string(to)}
	for k, v := range extra {
		payload[k] = v
	}
	body := fmt.Sprintf("State changed from %s to %s.", from, to)
	if err := s.record(ctx, tx, updated, actor, typ, body, payload); err != nil {
		return Agreement{}, err
	}
	return updated, nil
}
