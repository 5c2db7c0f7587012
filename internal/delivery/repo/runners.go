package repo

import (
	"context"
	"database/sql"
)

// RunnersRepo stores runner delivery stats and the customer-side location
// access lists.
type RunnersRepo struct {
	db *sql.DB
}

// NewRunnersRepo constructs a RunnersRepo.
func NewRunnersRepo(db *sql.DB) *RunnersRepo {
	return &RunnersRepo{db: db}
}

// AddDeliveryCredit increments the runner's counters atomically in one
// statement, so concurrent deliveries never lose a credit.
func (r *RunnersRepo) AddDeliveryCredit(ctx context.Context, runnerID int64, payoutAmount int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE runners SET delivered_count = delivered_count + 1, earned_total = earned_total + ? WHERE id = ?`,
		payoutAmount, runnerID)
	return err
}

// Stats returns the runner's delivery counters.
func (r *RunnersRepo) Stats(ctx context.Context, runnerID int64) (delivered int64, earned int64, err error) {
	row := r.db.QueryRowContext(ctx, `SELECT delivered_count, earned_total FROM runners WHERE id = ?`, runnerID)
	err = row.Scan(&delivered, &earned)
	return delivered, earned, err
}

// Grant adds the runner to the customer's location-access list. Repeated
// grants for the same pair are no-ops.
func (r *RunnersRepo) Grant(ctx context.Context, customerID, runnerID int64) error {
	_, err := r.db.ExecContext(ctx, `INSERT IGNORE INTO location_access (customer_id, runner_id) VALUES (?,?)`, customerID, runnerID)
	return err
}

// Revoke removes the runner from the customer's location-access list.
func (r *RunnersRepo) Revoke(ctx context.Context, customerID, runnerID int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM location_access WHERE customer_id = ? AND runner_id = ?`, customerID, runnerID)
	return err
}

// HasAccess reports whether the customer may see the runner's position.
func (r *RunnersRepo) HasAccess(ctx context.Context, customerID, runnerID int64) (bool, error) {
	row := r.db.QueryRowContext(ctx, `SELECT 1 FROM location_access WHERE customer_id = ? AND runner_id = ?`, customerID, runnerID)
	var x int
	err := row.Scan(&x)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return x == 1, nil
}
