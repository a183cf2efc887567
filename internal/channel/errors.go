package channel

import (
	"errors"
	"fmt"
	"strings"
)

// PermanentError marks a transport failure that retrying cannot fix.
// Channel implementations should wrap errors in this type where the
// transport gives them a status code to classify on; the substring match
// below stays as a last line of defense for transports that only surface
// message text.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent channel error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

func Permanent(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

var nonRetryableFragments = []string{
	"invalid phone",
	"invalid recipient",
	"unregistered",
	"not registered",
	"not a valid whatsapp user",
	"recipient blocked",
	"marked as spam",
	"rate limit exhausted",
	"too many requests",
	"channel not configured",
	"missing channel configuration",
	"unauthorized",
}

// IsNonRetryable reports whether a send error should abort the retry loop
// immediately.
func IsNonRetryable(err error) bool {
	if err == nil {
		return false
	}

	var perm *PermanentError
	if errors.As(err, &perm) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range nonRetryableFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
