package agreement

import "time"

// State is the lifecycle position of an agreement.
type State string

const (
	StateDraft        State = "draft"
	StateStudentInput State = "student_input"
	StateReady        State = "ready"
	StateSent         State = "sent"
	StateSigned       State = "signed"
	StateCancelled    State = "cancelled"
)

// Terminal reports whether no further transition may leave the state.
func (s State) Terminal() bool {
	return s == StateSigned || s == StateCancelled
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateDraft, StateStudentInput, StateReady, StateSent, StateSigned, StateCancelled:
		return true
	default:
		return false
	}
}

// SignatureStatus is derived from the external signature request; it is
// never persisted.
type SignatureStatus string

const (
	SignatureNotSent   SignatureStatus = "not_sent"
	SignatureWaiting   SignatureStatus = "waiting"
	SignatureCompleted SignatureStatus = "completed"
	SignatureCancelled SignatureStatus = "cancelled"
)

// Address groups the postal components shared by the student and the host
// organization.
type Address struct {
	Street    string
	Street2   string
	Zip       string
	City      string
	CountryID *int64
}

// Agreement mirrors the learning_agreements table.
type Agreement struct {
	ID          int64
	Reference   string
	AccessToken string

	StudentPartnerID     int64
	CoordinatorPartnerID *int64

	StudentFullName string
	StudentEmail    string
	StudentPhone    string
	StudentAddress  Address

	MobilityStart    *time.Time
	MobilityEnd      *time.Time
	LearningOutcomes string

	HostOrgName          string
	HostOrgAddress       Address
	HostResponsibleName  string
	HostResponsibleEmail string
	HostResponsiblePhone string

	State                State
	ContractAttachmentID *string
	SignRequestID        *string
	SignatureSentAt      *time.Time
	SignatureDeadline    *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasSignRequest reports whether an external signature request is linked.
func (a Agreement) HasSignRequest() bool {
	return a.SignRequestID != nil && *a.SignRequestID != ""
}

// HasDocument reports whether a contract PDF has been generated.
func (a Agreement) HasDocument() bool {
	return a.ContractAttachmentID != nil && *a.ContractAttachmentID != ""
}

// EventType enumerates the timeline event kinds.
type EventType string

const (
	EventCreated            EventType = "AGREEMENT_CREATED"
	EventUpdated            EventType = "AGREEMENT_UPDATED"
	EventStateChanged       EventType = "STATE_CHANGED"
	EventDocumentGenerated  EventType = "DOCUMENT_GENERATED"
	EventSignatureRequested EventType = "SIGNATURE_REQUESTED"
	EventReminderSent       EventType = "SIGNATURE_REMINDER_SENT"
	EventAnnotation         EventType = "ANNOTATION"
	EventMessagePosted      EventType = "MESSAGE_POSTED"
	EventInviteSent         EventType = "STUDENT_FORM_INVITE_SENT"
	EventPortalInvited      EventType = "PORTAL_INVITATION_SENT"
)

// TimelineEvent captures an immutable business event for an agreement.
type TimelineEvent struct {
	ID          int64
	AgreementID int64
	Type        EventType
	ActorID     *string
	Body        string
	Payload     map[string]any
	CreatedAt   time.Time
}

// ListFilters narrows staff listings.
type ListFilters struct {
	StudentPartnerID int64
	State            State
	Page             int
	PageSize         int
}
