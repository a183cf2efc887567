package domain

import "time"

type HoldStatus string

const (
	HoldActive    HoldStatus = "active"
	HoldConverted HoldStatus = "converted"
	HoldExpired   HoldStatus = "expired"
	HoldReleased  HoldStatus = "released"
)

// Hold is a time-boxed exclusive claim on a bookable slot. At most one
// active hold may overlap a given branch+slot+duration window; the
// repository serializes claims per tenant+branch calendar so racing
// creates cannot both succeed.
type Hold struct {
	ID            int64
	TenantID      int64
	BranchID      *int64
	SlotStart     time.Time
	DurationMin   int
	HolderSession string
	CustomerID    *int64
	Status        HoldStatus
	ExpiresAt     time.Time
	AppointmentID *int64
	ReleaseReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

const (
	DefaultHoldMinutes = 10
	MaxHoldMinutes     = 120
)

func (h *Hold) SlotEnd() time.Time {
	return h.SlotStart.Add(time.Duration(h.DurationMin) * time.Minute)
}
