package fsm

import (
	"context"
	"database/sql"
	"errors"
)

// Status constants used by the order state machine.
const (
	StatusPending   = "pending"
	StatusAccepted  = "accepted"
	StatusPickedUp  = "picked_up"
	StatusOnRoute   = "on_route"
	StatusDelivered = "delivered"
	StatusCancelled = "cancelled"
)

// Actor roles recognised by the transition table.
const (
	RoleCustomer = "customer"
	RoleRunner   = "runner"
	RoleAdmin    = "admin"
)

type roleSet map[string]struct{}

func roles(names ...string) roleSet {
	set := make(roleSet, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

var transitions = map[string]map[string]roleSet{
	StatusPending: {
		StatusAccepted:  roles(RoleRunner),
		StatusCancelled: roles(RoleCustomer, RoleAdmin),
	},
	StatusAccepted: {
		StatusPickedUp:  roles(RoleRunner),
		StatusOnRoute:   roles(RoleRunner),
		StatusCancelled: roles(RoleCustomer, RoleRunner, RoleAdmin),
	},
	StatusPickedUp: {
		StatusOnRoute:   roles(RoleRunner),
		StatusDelivered: roles(RoleRunner),
		StatusCancelled: roles(RoleCustomer, RoleRunner, RoleAdmin),
	},
	StatusOnRoute: {
		StatusDelivered: roles(RoleRunner),
		StatusCancelled: roles(RoleCustomer, RoleRunner, RoleAdmin),
	},
	StatusDelivered: {},
	StatusCancelled: {},
}

// Known reports whether the status is part of the lifecycle at all.
func Known(status string) bool {
	_, ok := transitions[status]
	return ok
}

// Terminal reports whether no further transitions are possible.
func Terminal(status string) bool {
	return status == StatusDelivered || status == StatusCancelled
}

// CanTransition returns whether an actor with the given role may move an
// order from the current status to the target status.
func CanTransition(from, to, role string) bool {
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	set, ok := allowed[to]
	if !ok {
		return false
	}
	_, ok = set[role]
	return ok
}

// Apply updates an order status using optimistic validation: the UPDATE only
// matches when the persisted status still equals fromStatus, so stale-read
// races surface as sql.ErrNoRows instead of being silently applied.
func Apply(ctx context.Context, tx *sql.Tx, orderID, fromStatus, toStatus string) error {
	if !Known(toStatus) {
		return errors.New("unknown status")
	}
	res, err := tx.ExecContext(ctx, `UPDATE orders SET status = ? WHERE id = ? AND status = ?`, toStatus, orderID, fromStatus)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
