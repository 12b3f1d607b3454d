package partner

import "time"

// Partner is a contact record of the identity layer: students, coordinators
// and host contacts all resolve to one.
type Partner struct {
	ID        int64
	Name      string
	Email     string
	Phone     string
	CountryID *int64
	CreatedAt time.Time
}

// HasEmail reports whether mail can be addressed to the partner.
func (p Partner) HasEmail() bool {
	return p.Email != ""
}
