package lifecycle

import "time"

// Config aggregates behavioural parameters for the order lifecycle.
type Config struct {
	// CancelWindow bounds customer-initiated cancellation after creation.
	// Runner- and admin-initiated cancellation is not subject to it.
	CancelWindow time.Duration
	// SessionWindow is the default live-location grant length applied on
	// acceptance when the existing expiry is unset or already elapsed.
	SessionWindow time.Duration
}
