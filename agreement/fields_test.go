package agreement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGreenFields(t *testing.T) {
	green := GreenFields()
	require.Len(t, green, 8)
	for _, f := range green {
		class, ok := ClassOf(f)
		require.True(t, ok)
		assert.Equal(t, ClassGreen, class)
	}
	assert.NotContains(t, green, FieldHostOrgName)
}

func TestChanges_Apply(t *testing.T) {
	base := Agreement{ID: 1, StudentPartnerID: 100, StudentFullName: "Old Name"}

	got, err := Changes{
		FieldStudentFullName:      " Ana Pereira ",
		FieldStudentEmail:         "ana@example.com",
		FieldStudentCountryID:     "44",
		FieldMobilityStartDate:    "2026-02-01",
		FieldHostOrgCountryID:     "",
		FieldCoordinatorPartnerID: "7",
	}.Apply(base)
	require.NoError(t, err)

	assert.Equal(t, "Ana Pereira", got.StudentFullName)
	assert.Equal(t, "ana@example.com", got.StudentEmail)
	require.NotNil(t, got.StudentAddress.CountryID)
	assert.Equal(t, int64(44), *got.StudentAddress.CountryID)
	require.NotNil(t, got.MobilityStart)
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), *got.MobilityStart)
	assert.Nil(t, got.HostOrgAddress.CountryID)
	require.NotNil(t, got.CoordinatorPartnerID)
	assert.Equal(t, int64(7), *got.CoordinatorPartnerID)

	assert.Equal(t, "Old Name", base.StudentFullName, "the input agreement must not change")
}

func TestChanges_AllOrNothing(t *testing.T) {
	base := Agreement{ID: 1, StudentPartnerID: 100, StudentFullName: "Kept"}

	tests := []struct {
		name    string
		changes Changes
		wantErr error
	}{
		{
			name:    "invalid country id",
			changes: Changes{FieldStudentFullName: "Changed", FieldStudentCountryID: "portugal"},
			wantErr: ErrInvalidValue,
		},
		{
			name:    "invalid email",
			changes: Changes{FieldStudentFullName: "Changed", FieldStudentEmail: "not-an-email"},
			wantErr: ErrInvalidValue,
		},
		{
			name:    "invalid date",
			changes: Changes{FieldStudentFullName: "Changed", FieldMobilityEndDate: "31/12/2026"},
			wantErr: ErrInvalidValue,
		},
		{
			name:    "unknown field",
			changes: Changes{FieldStudentFullName: "Changed", "favourite_colour": "blue"},
			wantErr: ErrUnknownField,
		},
		{
			name:    "workflow field",
			changes: Changes{FieldStudentFullName: "Changed", FieldState: string(StateSigned)},
			wantErr: ErrFieldNotPermitted,
		},
		{
			name:    "clearing the student",
			changes: Changes{FieldStudentPartnerID: ""},
			wantErr: ErrStudentRequired,
		},
		{
			name:    "nothing to write",
			changes: Changes{},
			wantErr: ErrNoChanges,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.changes.Apply(base)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, Agreement{}, got)
			assert.Equal(t, "Kept", base.StudentFullName)
		})
	}
}

func TestChanges_WithoutBlanks(t *testing.T) {
	got := Changes{
		FieldStudentCity:  "Lisbon",
		FieldStudentPhone: "",
		FieldStudentZip:   "   ",
	}.WithoutBlanks()

	assert.Equal(t, Changes{FieldStudentCity: "Lisbon"}, got)
}

func TestChanges_FieldsSorted(t *testing.T) {
	fields := Changes{FieldStudentZip: "1", FieldStudentCity: "x", FieldHostOrgName: "y"}.Fields()
	assert.Equal(t, []Field{FieldHostOrgName, FieldStudentCity, FieldStudentZip}, fields)
}
