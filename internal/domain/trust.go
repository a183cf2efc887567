package domain

import "time"

const (
	DefaultTrustScore = 80
	MinTrustScore     = 0
	MaxTrustScore     = 100
)

// TrustScore is one reputation record per customer per tenant. The score is
// only mutated through penalty/reward deltas, except for a manual override
// which is itself recorded as a trust event.
type TrustScore struct {
	ID                  int64
	TenantID            int64
	CustomerID          int64
	Phone               string
	Score               int
	NoShows             int
	NoPickups           int
	LateCancellations   int
	ConfirmedNoResponse int
	TotalBookings       int
	CompletedBookings   int
	OnTimePickups       int
	IsVIP               bool
	VIPReason           string
	Blocked             bool // cached block status, authoritative copy lives in blocks
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func ClampScore(score int) int {
	if score < MinTrustScore {
		return MinTrustScore
	}
	if score > MaxTrustScore {
		return MaxTrustScore
	}
	return score
}

type ViolationType string

const (
	ViolationNoShow         ViolationType = "no_show"
	ViolationNoPickup       ViolationType = "no_pickup"
	ViolationLateCancel     ViolationType = "late_cancellation"
	ViolationNoConfirmation ViolationType = "no_confirmation"
	ViolationAbuse          ViolationType = "abuse"
	ViolationFraud          ViolationType = "fraud"
	ViolationOther          ViolationType = "other"
)

type AchievementType string

const (
	AchievementCompletedBooking AchievementType = "completed_booking"
	AchievementOnTimePickup     AchievementType = "on_time_pickup"
)

// Penalty is an immutable record of one violation. Resolution is the only
// permitted mutation.
type Penalty struct {
	ID          int64
	TenantID    int64
	CustomerID  int64
	Type        ViolationType
	Severity    int // 1-5
	Description string
	Resolved    bool
	ResolvedBy  string
	ExpiresAt   *time.Time
	CreatedAt   time.Time
}

// TrustEvent is the audit trail entry for every score mutation.
type TrustEvent struct {
	ID         int64
	TenantID   int64
	CustomerID int64
	Kind       string // penalty, reward, manual_override
	Delta      int
	ScoreAfter int
	Reason     string
	Actor      string
	CreatedAt  time.Time
}
