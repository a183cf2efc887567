package domain

import "time"

type BlockReason string

const (
	BlockAutoLowScore  BlockReason = "auto_low_score"
	BlockAutoNoShows   BlockReason = "auto_no_shows"
	BlockAutoNoPickups BlockReason = "auto_no_pickups"
	BlockAutoAbuse     BlockReason = "auto_abuse"
	BlockManual        BlockReason = "manual"
)

// Block restricts a phone number / customer from booking. A customer may
// accumulate historical blocks but holds at most one active block at a
// time; the repository enforces that with a conditional insert.
type Block struct {
	ID               int64
	TenantID         int64
	CustomerID       *int64
	Phone            string
	Reason           BlockReason
	Details          string
	Active           bool
	UnblockAt        *time.Time // nil = permanent
	UnblockedAt      *time.Time
	UnblockedBy      string
	UnblockProcessed bool
	CreatedAt        time.Time
}

func (b *Block) Permanent() bool {
	return b.UnblockAt == nil
}
