package agreement

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// validate is the package-level validator instance used for field values.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Field names a writable column of an agreement.
type Field string

const (
	FieldStudentFullName  Field = "student_full_name"
	FieldStudentEmail     Field = "student_email"
	FieldStudentPhone     Field = "student_phone"
	FieldStudentStreet    Field = "student_street"
	FieldStudentStreet2   Field = "student_street2"
	FieldStudentZip       Field = "student_zip"
	FieldStudentCity      Field = "student_city"
	FieldStudentCountryID Field = "student_country_id"

	FieldMobilityStartDate    Field = "mobility_start_date"
	FieldMobilityEndDate      Field = "mobility_end_date"
	FieldLearningOutcomes     Field = "learning_outcomes"
	FieldHostOrgName          Field = "host_org_name"
	FieldHostOrgStreet        Field = "host_org_street"
	FieldHostOrgStreet2       Field = "host_org_street2"
	FieldHostOrgZip           Field = "host_org_zip"
	FieldHostOrgCity          Field = "host_org_city"
	FieldHostOrgCountryID     Field = "host_org_country_id"
	FieldHostResponsibleName  Field = "host_responsible_name"
	FieldHostResponsibleEmail Field = "host_responsible_email"
	FieldHostResponsiblePhone Field = "host_responsible_phone"
	FieldStudentPartnerID     Field = "student_partner_id"
	FieldCoordinatorPartnerID Field = "coordinator_partner_id"
	FieldSignatureDeadline    Field = "signature_deadline"

	FieldState              Field = "state"
	FieldContractAttachment Field = "contract_attachment"
	FieldSignRequest        Field = "sign_request"
)

// FieldClass groups fields by who may write them.
type FieldClass int

const (
	// ClassGreen fields may be written by the student.
	ClassGreen FieldClass = iota + 1
	// ClassStaff fields may only be written by staff.
	ClassStaff
	// ClassSystem fields are only written by lifecycle actions.
	ClassSystem
)

type valueKind int

const (
	kindText valueKind = iota
	kindEmail
	kindCountry
	kindDate
	kindPartner
)

type fieldSpec struct {
	class FieldClass
	kind  valueKind
}

// fieldTable is the allow-list consulted by the guard.
var fieldTable = map[Field]fieldSpec{
	FieldStudentFullName:  {ClassGreen, kindText},
	FieldStudentEmail:     {ClassGreen, kindEmail},
	FieldStudentPhone:     {ClassGreen, kindText},
	FieldStudentStreet:    {ClassGreen, kindText},
	FieldStudentStreet2:   {ClassGreen, kindText},
	FieldStudentZip:       {ClassGreen, kindText},
	FieldStudentCity:      {ClassGreen, kindText},
	FieldStudentCountryID: {ClassGreen, kindCountry},

	FieldMobilityStartDate:    {ClassStaff, kindDate},
	FieldMobilityEndDate:      {ClassStaff, kindDate},
	FieldLearningOutcomes:     {ClassStaff, kindText},
	FieldHostOrgName:          {ClassStaff, kindText},
	FieldHostOrgStreet:        {ClassStaff, kindText},
	FieldHostOrgStreet2:       {ClassStaff, kindText},
	FieldHostOrgZip:           {ClassStaff, kindText},
	FieldHostOrgCity:          {ClassStaff, kindText},
	FieldHostOrgCountryID:     {ClassStaff, kindCountry},
	FieldHostResponsibleName:  {ClassStaff, kindText},
	FieldHostResponsibleEmail: {ClassStaff, kindEmail},
	FieldHostResponsiblePhone: {ClassStaff, kindText},
	FieldStudentPartnerID:     {ClassStaff, kindPartner},
	FieldCoordinatorPartnerID: {ClassStaff, kindPartner},
	FieldSignatureDeadline:    {ClassStaff, kindDate},

	FieldState:              {ClassSystem, kindText},
	FieldContractAttachment: {ClassSystem, kindText},
	FieldSignRequest:        {ClassSystem, kindText},
}

// ClassOf returns the write class of f.
func ClassOf(f Field) (FieldClass, bool) {
	spec, ok := fieldTable[f]
	return spec.class, ok
}

// GreenFields lists the student-editable fields in a stable order.
func GreenFields() []Field {
	out := make([]Field, 0, 8)
	for f, spec := range fieldTable {
		if spec.class == ClassGreen {
			out = append(out, f)
		}
	}
	slices.Sort(out)
	return out
}

const dateLayout = "2006-01-02"

// Changes is a field write request. An empty value clears the field.
type Changes map[Field]string

// Fields returns the written field names in a stable order.
func (c Changes) Fields() []Field {
	out := make([]Field, 0, len(c))
	for f := range c {
		out = append(out, f)
	}
	slices.Sort(out)
	return out
}

// WithoutBlanks drops empty values, the way the portal form treats fields
// left untouched.
func (c Changes) WithoutBlanks() Changes {
	out := make(Changes, len(c))
	for f, v := range c {
		if strings.TrimSpace(v) != "" {
			out[f] = v
		}
	}
	return out
}

// Validate checks every value without applying any of them.
func (c Changes) Validate() error {
	_, err := c.applyTo(Agreement{})
	return err
}

// Apply returns a copy of ag with every change applied. Nothing is applied
// unless every value is valid.
func (c Changes) Apply(ag Agreement) (Agreement, error) {
	return c.applyTo(ag)
}

func (c Changes) applyTo(ag Agreement) (Agreement, error) {
	if len(c) == 0 {
		return Agreement{}, ErrNoChanges
	}
	for _, f := range c.Fields() {
		spec, ok := fieldTable[f]
		if !ok {
			return Agreement{}, fmt.Errorf("%w: %s", ErrUnknownField, f)
		}
		if spec.class == ClassSystem {
			return Agreement{}, fmt.Errorf("%w: %s is set by workflow actions", ErrFieldNotPermitted, f)
		}
		if err := setField(&ag, f, spec.kind, strings.TrimSpace(c[f])); err != nil {
			return Agreement{}, err
		}
	}
	return ag, nil
}

func setField(ag *Agreement, f Field, kind valueKind, raw string) error {
	switch kind {
	case kindEmail:
		if raw != "" {
			if err := validate.Var(raw, "email"); err != nil {
				return fmt.Errorf("%w: %s is not an email address", ErrInvalidValue, f)
			}
		}
		*textField(ag, f) = raw
	case kindCountry:
		id, err := parseOptionalID(f, raw)
		if err != nil {
			return err
		}
		if f == FieldStudentCountryID {
			ag.StudentAddress.CountryID = id
		} else {
			ag.HostOrgAddress.CountryID = id
		}
	case kindPartner:
		id, err := parseOptionalID(f, raw)
		if err != nil {
			return err
		}
		if f == FieldStudentPartnerID {
			if id == nil {
				return ErrStudentRequired
			}
			ag.StudentPartnerID = *id
		} else {
			ag.CoordinatorPartnerID = id
		}
	case kindDate:
		var at *time.Time
		if raw != "" {
			parsed, err := time.Parse(dateLayout, raw)
			if err != nil {
				return fmt.Errorf("%w: %s must be a YYYY-MM-DD date", ErrInvalidValue, f)
			}
			at = &parsed
		}
		switch f {
		case FieldMobilityStartDate:
			ag.MobilityStart = at
		case FieldMobilityEndDate:
			ag.MobilityEnd = at
		default:
			ag.SignatureDeadline = at
		}
	default:
		*textField(ag, f) = raw
	}
	return nil
}

func parseOptionalID(f Field, raw string) (*int64, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return nil, fmt.Errorf("%w: %s must be a positive id", ErrInvalidValue, f)
	}
	return &id, nil
}

func textField(ag *Agreement, f Field) *string {
	switch f {
	case FieldStudentFullName:
		return &ag.StudentFullName
	case FieldStudentEmail:
		return &ag.StudentEmail
	case FieldStudentPhone:
		return &ag.StudentPhone
	case FieldStudentStreet:
		return &ag.StudentAddress.Street
	case FieldStudentStreet2:
		return &ag.StudentAddress.Street2
	case FieldStudentZip:
		return &ag.StudentAddress.Zip
	case FieldStudentCity:
		return &ag.StudentAddress.City
	case FieldLearningOutcomes:
		return &ag.LearningOutcomes
	case FieldHostOrgName:
		return &ag.HostOrgName
	case FieldHostOrgStreet:
		return &ag.HostOrgAddress.Street
	case FieldHostOrgStreet2:
		return &ag.HostOrgAddress.Street2
	case FieldHostOrgZip:
		return &ag.HostOrgAddress.Zip
	case FieldHostOrgCity:
		return &ag.HostOrgAddress.City
	case FieldHostResponsibleName:
		return &ag.HostResponsibleName
	case FieldHostResponsibleEmail:
		return &ag.HostResponsibleEmail
	case FieldHostResponsiblePhone:
		return &ag.HostResponsiblePhone
	default:
		panic(fmt.Sprintf("agreement: %s is not a text field", f))
	}
}
