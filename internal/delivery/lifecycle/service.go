package lifecycle

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"dastarBack/internal/delivery/fsm"
	"dastarBack/internal/delivery/geo"
	"dastarBack/internal/delivery/session"
)

// Notification events fanned out by the state machine.
const (
	EventOrderCreated   = "order_created"
	EventOrderAccepted  = "order_accepted"
	EventOrderCancelled = "order_cancelled"
	EventOrderDelivered = "order_delivered"
)

// Logger is the minimal logging interface required by the service.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// OrdersStore persists orders. Accept and ApplyTransition are conditional
// updates: they only commit when the persisted status still matches the one
// the caller validated against, and the whole patch (status, history,
// derived location state) commits or nothing does.
type OrdersStore interface {
	Create(ctx context.Context, o Order) error
	Get(ctx context.Context, id string) (Order, error)
	Accept(ctx context.Context, orderID string, runnerID int64, ev StatusEvent) (Order, error)
	ApplyTransition(ctx context.Context, orderID, fromStatus string, ev StatusEvent) (Order, error)
	AddRejection(ctx context.Context, orderID string, runnerID int64) error
	SetLiveSession(ctx context.Context, orderID, sessionID string, expiresAt *time.Time) error
}

// Sessions is the live-location session manager surface the service needs.
type Sessions interface {
	Create(ctx context.Context, orderID string, customerID int64, expiresAt *time.Time) (session.Session, error)
	BindRunner(ctx context.Context, sessionID string, runnerID int64, minExpiry time.Duration) (session.Session, error)
	End(ctx context.Context, sessionID string) error
}

// Notifier fans out order events. Fire-and-forget: implementations log their
// own failures, a failed notification never blocks a transition.
type Notifier interface {
	Notify(ctx context.Context, event, orderID string, actorID int64)
}

// Ratings creates pending rating requests keyed by (customer, order).
type Ratings interface {
	CreatePending(ctx context.Context, customerID int64, orderID string) error
}

// RunnerMetrics records delivery credits against a runner.
type RunnerMetrics interface {
	AddDeliveryCredit(ctx context.Context, runnerID int64, payoutAmount int64) error
}

// AccessGrants maintains the customer's location-access list.
type AccessGrants interface {
	Grant(ctx context.Context, customerID, runnerID int64) error
	Revoke(ctx context.Context, customerID, runnerID int64) error
}

// PayoutProvider exposes the currently configured per-delivery payout.
type PayoutProvider interface {
	CurrentValue() int64
}

// Service owns order status transitions, history and cross-cutting side
// effects (session lifecycle, access grants, rating requests, notifications).
type Service struct {
	cfg      Config
	store    OrdersStore
	sessions Sessions
	notifier Notifier
	ratings  Ratings
	metrics  RunnerMetrics
	grants   AccessGrants
	payout   PayoutProvider
	logger   Logger
	now      func() time.Time
}

// NewService constructs a Service instance.
func NewService(cfg Config, store OrdersStore, sessions Sessions, notifier Notifier, ratings Ratings, metrics RunnerMetrics, grants AccessGrants, payout PayoutProvider, logger Logger) *Service {
	return &Service{
		cfg:      cfg,
		store:    store,
		sessions: sessions,
		notifier: notifier,
		ratings:  ratings,
		metrics:  metrics,
		grants:   grants,
		payout:   payout,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// CreateInput carries the checkout payload for a new order.
type CreateInput struct {
	CustomerID  int64
	Dropoff     geo.GeoPoint
	LiveShare   bool
	CustomerPin *geo.GeoPoint
	Pricing     json.RawMessage
	Delivery    json.RawMessage
	Payment     json.RawMessage
	Items       json.RawMessage
}

// Create registers a new order in pending and, when the customer opted into
// live sharing, opens its location session.
func (s *Service) Create(ctx context.Context, in CreateInput) (Order, error) {
	now := s.now()
	o := Order{
		ID:         uuid.NewString(),
		CustomerID: in.CustomerID,
		Dropoff:    in.Dropoff,
		Pricing:    in.Pricing,
		Delivery:   in.Delivery,
		Payment:    in.Payment,
		Items:      in.Items,
		CreatedAt:  now,
		LiveLocation: LiveLocationState{
			Enabled:     in.LiveShare,
			CustomerPin: in.CustomerPin,
		},
	}
	o.appendStatus(fsm.StatusPending, now, fsm.RoleCustomer)
	if err := s.store.Create(ctx, o); err != nil {
		return Order{}, err
	}

	if in.LiveShare {
		sess, err := s.sessions.Create(ctx, o.ID, in.CustomerID, nil)
		if err != nil {
			s.logger.Errorf("order %s: create location session: %v", o.ID, err)
		} else {
			o.LiveLocation.SessionID = sess.ID
			if err := s.store.SetLiveSession(ctx, o.ID, sess.ID, sess.ExpiresAt); err != nil {
				s.logger.Errorf("order %s: persist session ref: %v", o.ID, err)
			}
		}
	}

	s.notifier.Notify(ctx, EventOrderCreated, o.ID, in.CustomerID)
	return o, nil
}

// Get returns the order by id.
func (s *Service) Get(ctx context.Context, orderID string) (Order, error) {
	return s.store.Get(ctx, orderID)
}

// Accept claims a pending order for a runner. It is atomic with respect to
// concurrent attempts: the store commits only when the order is still
// pending with no runner bound, losers receive ErrAlreadyAccepted.
func (s *Service) Accept(ctx context.Context, orderID string, runnerID int64) (Order, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if o.Status != fsm.StatusPending || o.RunnerID != 0 {
		if o.RunnerID != 0 {
			return Order{}, ErrAlreadyAccepted
		}
		return Order{}, ErrInvalidTransition
	}
	if o.HasRejected(runnerID) {
		return Order{}, ErrForbidden
	}

	now := s.now()
	ev := StatusEvent{Status: fsm.StatusAccepted, At: now, By: fsm.RoleRunner}
	updated, err := s.store.Accept(ctx, orderID, runnerID, ev)
	if err != nil {
		return Order{}, err
	}

	if updated.LiveLocation.Enabled {
		sessionID := updated.LiveLocation.SessionID
		if sessionID == "" {
			sess, err := s.sessions.Create(ctx, orderID, updated.CustomerID, nil)
			if err != nil {
				s.logger.Errorf("order %s: create location session: %v", orderID, err)
			} else {
				sessionID = sess.ID
			}
		}
		if sessionID != "" {
			sess, err := s.sessions.BindRunner(ctx, sessionID, runnerID, s.cfg.SessionWindow)
			if err != nil {
				s.logger.Errorf("order %s: bind session runner: %v", orderID, err)
			} else {
				updated.LiveLocation.SessionID = sess.ID
				updated.LiveLocation.ExpiresAt = sess.ExpiresAt
				if err := s.store.SetLiveSession(ctx, orderID, sess.ID, sess.ExpiresAt); err != nil {
					s.logger.Errorf("order %s: persist session ref: %v", orderID, err)
				}
			}
		}
	}

	if err := s.grants.Grant(ctx, updated.CustomerID, runnerID); err != nil {
		s.logger.Errorf("order %s: grant location access: %v", orderID, err)
	}

	s.notifier.Notify(ctx, EventOrderAccepted, orderID, runnerID)
	return updated, nil
}

// Reject records a runner's decline. The status stays pending and the
// runner is never offered this order again. Repeated rejects are no-ops.
func (s *Service) Reject(ctx context.Context, orderID string, runnerID int64) error {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status != fsm.StatusPending {
		return ErrInvalidTransition
	}
	if o.HasRejected(runnerID) {
		return nil
	}
	return s.store.AddRejection(ctx, orderID, runnerID)
}

// Transition validates and applies a generic status change for the actor,
// then runs terminal side effects when entering delivered or cancelled.
// Validation failures are pure: nothing is written.
func (s *Service) Transition(ctx context.Context, orderID, requested, role string, actorID int64) (Order, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if o.Terminal() || requested == o.Status {
		return Order{}, ErrInvalidTransition
	}
	if !fsm.CanTransition(o.Status, requested, role) {
		return Order{}, ErrInvalidTransition
	}

	now := s.now()
	switch role {
	case fsm.RoleRunner:
		if o.RunnerID == 0 || actorID != o.RunnerID {
			return Order{}, ErrForbidden
		}
	case fsm.RoleCustomer:
		if actorID != o.CustomerID {
			return Order{}, ErrForbidden
		}
		if requested == fsm.StatusCancelled && now.Sub(o.CreatedAt) > s.cfg.CancelWindow {
			return Order{}, ErrCancelWindowExpired
		}
	case fsm.RoleAdmin:
	default:
		return Order{}, ErrForbidden
	}

	ev := StatusEvent{Status: requested, At: now, By: role}
	updated, err := s.store.ApplyTransition(ctx, orderID, o.Status, ev)
	if err != nil {
		return Order{}, err
	}

	if fsm.Terminal(requested) {
		s.runTerminalSideEffects(ctx, updated, requested, actorID)
	}
	return updated, nil
}

// runTerminalSideEffects tears down location sharing and fans out the
// terminal notifications. Failures here are logged, never propagated: the
// transition has already committed.
func (s *Service) runTerminalSideEffects(ctx context.Context, o Order, status string, actorID int64) {
	if o.LiveLocation.SessionID != "" {
		if err := s.sessions.End(ctx, o.LiveLocation.SessionID); err != nil {
			s.logger.Errorf("order %s: end location session: %v", o.ID, err)
		}
	}
	if o.RunnerID != 0 {
		if err := s.grants.Revoke(ctx, o.CustomerID, o.RunnerID); err != nil {
			s.logger.Errorf("order %s: revoke location access: %v", o.ID, err)
		}
	}

	switch status {
	case fsm.StatusDelivered:
		if err := s.ratings.CreatePending(ctx, o.CustomerID, o.ID); err != nil {
			s.logger.Errorf("order %s: create rating request: %v", o.ID, err)
		}
		if err := s.metrics.AddDeliveryCredit(ctx, o.RunnerID, s.payout.CurrentValue()); err != nil {
			s.logger.Errorf("order %s: record delivery credit: %v", o.ID, err)
		}
		s.notifier.Notify(ctx, EventOrderDelivered, o.ID, o.RunnerID)
	case fsm.StatusCancelled:
		s.notifier.Notify(ctx, EventOrderCancelled, o.ID, actorID)
	}
}
