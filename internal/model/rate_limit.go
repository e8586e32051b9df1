package model

import "time"

// RateLimitWindow is the stored fixed-window record for one
// (action, identifier) pair. A window is expired exactly when
// now − FirstAttempt exceeds the configured window duration; expiry always
// restarts the count at 1 and clears any block.
type RateLimitWindow struct {
	AttemptCount int        `json:"attempt_count"`
	FirstAttempt time.Time  `json:"first_attempt"`
	LastAttempt  time.Time  `json:"last_attempt"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
}
