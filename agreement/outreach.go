package agreement

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"agreementflow/auth"
	"agreementflow/partner"
)

// Mail templates sent by the service.
const (
	TemplateStudentFormInvite = "student_form_invite"
	TemplatePortalWelcome     = "portal_welcome"
)

// PostMessage appends a free-text message to the agreement timeline. Anyone
// who may read the agreement may post; blank messages are ignored.
func (s *Service) PostMessage(ctx context.Context, actor auth.Identity, id int64, token, body string) error {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil
	}

	return s.inTx(ctx, "post message", func(tx pgx.Tx) error {
		ag, err := s.store.GetForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := s.guard.AuthorizeRead(actor, ag, token); err != nil {
			return err
		}
		via := "session"
		if TokenMatches(ag, token) {
			via = "access_token"
		}
		return s.record(ctx, tx, ag, actor, EventMessagePosted, body, map[string]any{"via": via})
	})
}

// SendStudentFormInvite mails the student the bearer link to the portal form.
func (s *Service) SendStudentFormInvite(ctx context.Context, actor auth.Identity, id int64) error {
	ag, student, err := s.loadStudent(ctx, actor, id)
	if err != nil {
		return err
	}

	if s.mailer == nil {
		return s.inTx(ctx, "send student form invite", func(tx pgx.Tx) error {
			return s.record(ctx, tx, ag, actor, EventAnnotation, "Invite email template not found. Please configure mail template.", nil)
		})
	}

	vars := map[string]string{
		"reference":    ag.Reference,
		"student_name": displayName(student, ag),
		"access_url":   s.AccessURL(ag),
	}
	if err := s.mailer.SendTemplate(ctx, TemplateStudentFormInvite, student.ID, student.Email, vars); err != nil {
		return externalError("send student form invite", err)
	}

	return s.inTx(ctx, "send student form invite", func(tx pgx.Tx) error {
		return s.record(ctx, tx, ag, actor, EventInviteSent, "Student form invite sent to "+student.Email+".", map[string]any{"email": student.Email})
	})
}

// InviteStudentToPortal grants the student a portal account and mails the
// welcome template when the account is new. A welcome that failed to go out
// is recorded on the timeline and retried by the next invite.
func (s *Service) InviteStudentToPortal(ctx context.Context, actor auth.Identity, id int64) error {
	ag, student, err := s.loadStudent(ctx, actor, id)
	if err != nil {
		return err
	}
	if s.portal == nil {
		return errors.New("agreement: invite to portal: no portal accounts configured")
	}

	user, created, err := s.portal.EnsurePortalUser(ctx, student.ID, student.Email, displayName(student, ag))
	if err != nil {
		return fmt.Errorf("agreement: invite to portal: %w", err)
	}

	welcome := created
	if !welcome {
		if welcome, err = s.welcomePending(ctx, ag.ID, user.ID); err != nil {
			return err
		}
	}

	welcomed := false
	if welcome && s.mailer != nil {
		vars := map[string]string{
			"name":       user.FullName,
			"login":      user.Email,
			"portal_url": strings.TrimRight(s.baseURL, "/") + "/my/learning-agreements",
		}
		if err := s.mailer.SendTemplate(ctx, TemplatePortalWelcome, student.ID, student.Email, vars); err != nil {
			mailErr := externalError("send portal welcome", err)
			noteErr := s.inTx(ctx, "invite to portal", func(tx pgx.Tx) error {
				return s.record(ctx, tx, ag, actor, EventAnnotation, "Portal welcome mail failed: "+err.Error(), map[string]any{
					"welcome_pending": user.ID,
				})
			})
			if noteErr != nil {
				s.logger.ErrorContext(ctx, "record pending portal welcome", "agreement_id", ag.ID, "user_id", user.ID, "error", noteErr)
			}
			return mailErr
		}
		welcomed = true
	}

	return s.inTx(ctx, "invite to portal", func(tx pgx.Tx) error {
		return s.record(ctx, tx, ag, actor, EventPortalInvited, "Portal invitation sent to "+student.Email, map[string]any{
			"email":        student.Email,
			"user_id":      user.ID,
			"user_created": created,
			"welcome_sent": welcomed,
		})
	})
}

// welcomePending reports whether a welcome mail for userID failed on this
// agreement and has not been sent since.
func (s *Service) welcomePending(ctx context.Context, agreementID int64, userID string) (bool, error) {
	events, err := s.store.ListEvents(ctx, agreementID)
	if err != nil {
		return false, err
	}
	pending := false
	for _, ev := range events {
		switch {
		case ev.Type == EventAnnotation && ev.Payload["welcome_pending"] == userID:
			pending = true
		case ev.Type == EventPortalInvited && ev.Payload["user_id"] == userID && ev.Payload["welcome_sent"] == true:
			pending = false
		}
	}
	return pending, nil
}

func (s *Service) loadStudent(ctx context.Context, actor auth.Identity, id int64) (Agreement, partner.Partner, error) {
	ag, err := s.store.Get(ctx, id)
	if err != nil {
		return Agreement{}, partner.Partner{}, err
	}
	if err := s.guard.AuthorizeAction(actor, ag); err != nil {
		return Agreement{}, partner.Partner{}, err
	}
	if s.partners == nil {
		return Agreement{}, partner.Partner{}, errors.New("agreement: no partner directory configured")
	}
	student, err := s.partners.GetByID(ctx, ag.StudentPartnerID)
	if err != nil {
		return Agreement{}, partner.Partner{}, fmt.Errorf("agreement: resolve student partner: %w", err)
	}
	if !student.HasEmail() {
		return Agreement{}, partner.Partner{}, ErrMissingEmail
	}
	return ag, student, nil
}

func displayName(p partner.Partner, ag Agreement) string {
	switch {
	case p.Name != "":
		return p.Name
	case ag.StudentFullName != "":
		return ag.StudentFullName
	default:
		return "Student"
	}
}
