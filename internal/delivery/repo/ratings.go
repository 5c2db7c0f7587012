package repo

import (
	"context"
	"database/sql"
	"fmt"

	"golang.org/x/exp/rand"
)

// RatingsRepo stores pending rating requests created after delivery.
type RatingsRepo struct {
	db *sql.DB
}

// NewRatingsRepo constructs a RatingsRepo.
func NewRatingsRepo(db *sql.DB) *RatingsRepo {
	return &RatingsRepo{db: db}
}

// CreatePending registers a rating request for the customer. The token goes
// into the push deeplink so the rating screen opens without extra auth.
// Duplicate requests for the same order are ignored.
func (r *RatingsRepo) CreatePending(ctx context.Context, customerID int64, orderID string) error {
	token, err := newRatingToken()
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `INSERT IGNORE INTO rating_requests (order_id, customer_id, token, status) VALUES (?,?,?, 'pending')`,
		orderID, customerID, token)
	return err
}

// Submit stores the customer's score and closes the request.
func (r *RatingsRepo) Submit(ctx context.Context, orderID string, score int, comment string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE rating_requests SET status = 'done', score = ?, comment = ? WHERE order_id = ? AND status = 'pending'`,
		score, comment, orderID)
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

func newRatingToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", b), nil
}
