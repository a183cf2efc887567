package domain

import "time"

// Policy is the per tenant, per vertical, optionally per branch rule set
// governing booking friction. Branch policies override vertical defaults
// wholesale; lookup is a fallback, not a merge.
type Policy struct {
	ID        int64
	TenantID  int64
	Vertical  string
	BranchID  *int64
	IsDefault bool

	ConfirmationRequired  bool
	ConfirmationThreshold int
	DepositEnabled        bool
	DepositThreshold      int
	BlockThreshold        int

	// Deposit sizing. Percent takes precedence over the fixed amount when
	// both are set.
	DepositPercentOfService *int
	DepositAmountCents      *int64

	PenaltyNoShow         int
	PenaltyNoPickup       int
	PenaltyLateCancel     int
	PenaltyNoConfirmation int
	PenaltyAbuse          int
	PenaltyFraud          int
	PenaltyOther          int
	RewardCompleted       int
	RewardOnTimePickup    int

	AutoBlockNoShows       int
	AutoBlockNoPickups     int
	AutoBlockDurationHours int // 0 = permanent

	HoldMinutes              int
	HoldBufferMinutes        int
	ConfirmationTimeoutHours int
	ReminderFirstHours       int
	ReminderFinalHours       int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PenaltyDelta returns the signed score delta for a violation. Penalties
// are stored as positive magnitudes; the delta applied is negative.
func (p *Policy) PenaltyDelta(v ViolationType) int {
	switch v {
	case ViolationNoShow:
		return -p.PenaltyNoShow
	case ViolationNoPickup:
		return -p.PenaltyNoPickup
	case ViolationLateCancel:
		return -p.PenaltyLateCancel
	case ViolationNoConfirmation:
		return -p.PenaltyNoConfirmation
	case ViolationAbuse:
		return -p.PenaltyAbuse
	case ViolationFraud:
		return -p.PenaltyFraud
	default:
		return -p.PenaltyOther
	}
}

func (p *Policy) RewardDelta(a AchievementType) int {
	switch a {
	case AchievementCompletedBooking:
		return p.RewardCompleted
	case AchievementOnTimePickup:
		return p.RewardOnTimePickup
	default:
		return 0
	}
}

// HoldWindowMinutes is the effective hold duration handed to the Hold
// Manager: configured duration plus buffer.
func (p *Policy) HoldWindowMinutes() int {
	return p.HoldMinutes + p.HoldBufferMinutes
}

// BookingRequirements is the outcome of evaluating a booking attempt
// against the effective policy and the customer's trust score.
type BookingRequirements struct {
	RequiresConfirmation bool
	RequiresDeposit      bool
	DepositAmountCents   int64
	HoldMinutes          int
	ConfirmationTimeout  time.Duration
}
