package domain

// ReferenceType discriminates which entity a confirmation points at.
// Appointments, reservations and pickup orders share one confirmations
// table; the binding table below resolves per-type storage and the status
// values a response maps onto.
type ReferenceType string

const (
	RefAppointment ReferenceType = "appointment"
	RefReservation ReferenceType = "reservation"
	RefOrder       ReferenceType = "order"
)

type ReferenceBinding struct {
	Table           string
	TimeColumn      string
	ConfirmedStatus string
	CancelledStatus string
	Label           string
	Vertical        string
}

var referenceBindings = map[ReferenceType]ReferenceBinding{
	RefAppointment: {
		Table:           "appointments",
		TimeColumn:      "scheduled_at",
		ConfirmedStatus: "confirmed",
		CancelledStatus: "cancelled",
		Label:           "appointment",
		Vertical:        "services",
	},
	RefReservation: {
		Table:           "reservations",
		TimeColumn:      "reserved_at",
		ConfirmedStatus: "confirmed",
		CancelledStatus: "cancelled",
		Label:           "reservation",
		Vertical:        "restaurant",
	},
	RefOrder: {
		Table:           "pickup_orders",
		TimeColumn:      "pickup_at",
		ConfirmedStatus: "confirmed",
		CancelledStatus: "cancelled",
		Label:           "order",
		Vertical:        "retail",
	},
}

func (t ReferenceType) Binding() (ReferenceBinding, bool) {
	b, ok := referenceBindings[t]
	return b, ok
}

func (t ReferenceType) Valid() bool {
	_, ok := referenceBindings[t]
	return ok
}
