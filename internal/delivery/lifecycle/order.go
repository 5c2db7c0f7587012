package lifecycle

import (
	"encoding/json"
	"errors"
	"time"

	"dastarBack/internal/delivery/fsm"
	"dastarBack/internal/delivery/geo"
)

// ErrInvalidTransition is returned when the requested status is not
// reachable from the current status for the acting role.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrAlreadyAccepted is returned to the loser of a concurrent accept race.
var ErrAlreadyAccepted = errors.New("order already accepted")

// ErrCancelWindowExpired is returned when a customer cancels too late.
var ErrCancelWindowExpired = errors.New("cancellation window expired")

// ErrForbidden is returned when the actor is not a party to the order.
var ErrForbidden = errors.New("actor is not allowed to modify this order")

// ErrOrderNotFound is the 404-equivalent for order lookups.
var ErrOrderNotFound = errors.New("order not found")

// StatusEvent captures one entry of the append-only status timeline.
type StatusEvent struct {
	Status string    `json:"status"`
	At     time.Time `json:"at"`
	By     string    `json:"by"`
}

// LiveLocationState is embedded in every order, one per order.
type LiveLocationState struct {
	Enabled       bool          `json:"enabled"`
	SessionID     string        `json:"session_id,omitempty"`
	ExpiresAt     *time.Time    `json:"expires_at,omitempty"`
	CustomerPin   *geo.GeoPoint `json:"customer_pin,omitempty"`
	RunnerVisible bool          `json:"runner_visible"`
}

// Order aggregates the delivery order lifecycle. All mutations go through
// the lifecycle service; the payload columns are carried through unchanged.
type Order struct {
	ID         string `json:"id"`
	CustomerID int64  `json:"customer_id"`
	RunnerID   int64  `json:"runner_id,omitempty"` // zero until accepted
	Status     string `json:"status"`

	History          []StatusEvent        `json:"history"`
	StatusTimestamps map[string]time.Time `json:"status_timestamps"`
	RejectedBy       []int64              `json:"-"`

	LiveLocation LiveLocationState `json:"live_location"`

	Pricing  json.RawMessage `json:"pricing,omitempty"`
	Delivery json.RawMessage `json:"delivery,omitempty"`
	Payment  json.RawMessage `json:"payment,omitempty"`
	Items    json.RawMessage `json:"items,omitempty"`

	Dropoff   geo.GeoPoint `json:"dropoff"`
	AreaLabel string       `json:"area_label,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the order reached an absorbing status.
func (o *Order) Terminal() bool {
	return fsm.Terminal(o.Status)
}

// HasRejected reports whether the runner previously declined this order.
func (o *Order) HasRejected(runnerID int64) bool {
	for _, id := range o.RejectedBy {
		if id == runnerID {
			return true
		}
	}
	return false
}

// appendStatus records a transition on the aggregate: timeline entry, first
// occurrence timestamp and the current status pointer.
func (o *Order) appendStatus(status string, at time.Time, role string) StatusEvent {
	ev := StatusEvent{Status: status, At: at, By: role}
	o.Status = status
	o.UpdatedAt = at
	o.History = append(o.History, ev)
	if o.StatusTimestamps == nil {
		o.StatusTimestamps = make(map[string]time.Time)
	}
	if _, seen := o.StatusTimestamps[status]; !seen {
		o.StatusTimestamps[status] = at
	}
	return ev
}
