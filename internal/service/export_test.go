package service

import "time"

// SetSleepForTest replaces the retry backoff sleeper so tests can record
// delays instead of waiting them out.
func SetSleepForTest(s ConfirmationService, sleep func(time.Duration)) {
	if cs, ok := s.(*confirmationService); ok {
		cs.sleep = sleep
	}
}
