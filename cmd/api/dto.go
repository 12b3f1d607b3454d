package main

import (
	"time"

	"agreementflow/agreement"
)

const dateLayout = "2006-01-02"

type addressResponse struct {
	Street    string `json:"street"`
	Street2   string `json:"street2"`
	Zip       string `json:"zip"`
	City      string `json:"city"`
	CountryID *int64 `json:"countryId,omitempty"`
}

type agreementResponse struct {
	ID                   int64           `json:"id"`
	Reference            string          `json:"reference"`
	State                string          `json:"state"`
	StudentPartnerID     int64           `json:"studentPartnerId"`
	CoordinatorPartnerID *int64          `json:"coordinatorPartnerId,omitempty"`
	StudentFullName      string          `json:"studentFullName"`
	StudentEmail         string          `json:"studentEmail"`
	StudentPhone         string          `json:"studentPhone"`
	StudentAddress       addressResponse `json:"studentAddress"`
	MobilityStartDate    string          `json:"mobilityStartDate,omitempty"`
	MobilityEndDate      string          `json:"mobilityEndDate,omitempty"`
	LearningOutcomes     string          `json:"learningOutcomes"`
	HostOrgName          string          `json:"hostOrgName"`
	HostOrgAddress       addressResponse `json:"hostOrgAddress"`
	HostResponsibleName  string          `json:"hostResponsibleName"`
	HostResponsibleEmail string          `json:"hostResponsibleEmail"`
	HostResponsiblePhone string          `json:"hostResponsiblePhone"`
	HasDocument          bool            `json:"hasDocument"`
	HasSignRequest       bool            `json:"hasSignRequest"`
	SignatureSentAt      string          `json:"signatureSentAt,omitempty"`
	SignatureDeadline    string          `json:"signatureDeadline,omitempty"`
	AccessURL            string          `json:"accessUrl,omitempty"`
	CreatedAt            string          `json:"createdAt"`
	UpdatedAt            string          `json:"updatedAt"`
}

type partnerResponse struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type eventResponse struct {
	ID        int64          `json:"id"`
	Type      string         `json:"type"`
	ActorID   *string        `json:"actorId,omitempty"`
	Body      string         `json:"body"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt string         `json:"createdAt"`
}

func toAddressResponse(a agreement.Address) addressResponse {
	return addressResponse{
		Street:    a.Street,
		Street2:   a.Street2,
		Zip:       a.Zip,
		City:      a.City,
		CountryID: a.CountryID,
	}
}

func toAgreementResponse(ag agreement.Agreement, accessURL string) agreementResponse {
	return agreementResponse{
		ID:                   ag.ID,
		Reference:            ag.Reference,
		State:                string(ag.State),
		StudentPartnerID:     ag.StudentPartnerID,
		CoordinatorPartnerID: ag.CoordinatorPartnerID,
		StudentFullName:      ag.StudentFullName,
		StudentEmail:         ag.StudentEmail,
		StudentPhone:         ag.StudentPhone,
		StudentAddress:       toAddressResponse(ag.StudentAddress),
		MobilityStartDate:    formatDate(ag.MobilityStart),
		MobilityEndDate:      formatDate(ag.MobilityEnd),
		LearningOutcomes:     ag.LearningOutcomes,
		HostOrgName:          ag.HostOrgName,
		HostOrgAddress:       toAddressResponse(ag.HostOrgAddress),
		HostResponsibleName:  ag.HostResponsibleName,
		HostResponsibleEmail: ag.HostResponsibleEmail,
		HostResponsiblePhone: ag.HostResponsiblePhone,
		HasDocument:          ag.HasDocument(),
		HasSignRequest:       ag.HasSignRequest(),
		SignatureSentAt:      formatTime(ag.SignatureSentAt),
		SignatureDeadline:    formatDate(ag.SignatureDeadline),
		AccessURL:            accessURL,
		CreatedAt:            ag.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:            ag.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func toEventResponse(ev agreement.TimelineEvent) eventResponse {
	return eventResponse{
		ID:        ev.ID,
		Type:      string(ev.Type),
		ActorID:   ev.ActorID,
		Body:      ev.Body,
		Payload:   ev.Payload,
		CreatedAt: ev.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(dateLayout)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
