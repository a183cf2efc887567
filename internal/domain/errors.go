package domain

import (
	"errors"
	"fmt"
)

var (
	ErrSlotHeld   = errors.New("slot already held")
	ErrSlotBooked = errors.New("slot already booked")

	ErrHoldNotFound  = errors.New("hold not found")
	ErrHoldNotActive = errors.New("hold not active")

	ErrConfirmationNotFound = errors.New("confirmation not found")
	ErrAlreadyResponded     = errors.New("confirmation already responded")
	ErrConfirmationExpired  = errors.New("confirmation expired")
	ErrInvalidResendState   = errors.New("confirmation cannot be resent from its current state")

	ErrPolicyNotFound   = errors.New("no policy configured")
	ErrCustomerBlocked  = errors.New("customer is blocked")
	ErrUnknownReference = errors.New("unknown reference type")
	ErrInvalidInput     = errors.New("invalid input")
)

// SlotConflictError carries the id of the hold or booking that already
// occupies the requested window so callers can offer alternatives.
type SlotConflictError struct {
	Sentinel      error // ErrSlotHeld or ErrSlotBooked
	ConflictingID int64
}

func (e *SlotConflictError) Error() string {
	return fmt.Sprintf("%s (conflicting id %d)", e.Sentinel.Error(), e.ConflictingID)
}

func (e *SlotConflictError) Unwrap() error {
	return e.Sentinel
}
