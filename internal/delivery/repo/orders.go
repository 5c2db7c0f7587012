package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"dastarBack/internal/delivery/fsm"
	"dastarBack/internal/delivery/geo"
	"dastarBack/internal/delivery/lifecycle"
)

// OrdersRepo persists delivery orders, their status timeline and rejection
// lists. It implements lifecycle.OrdersStore.
type OrdersRepo struct {
	db *sql.DB
}

// NewOrdersRepo constructs an OrdersRepo.
func NewOrdersRepo(db *sql.DB) *OrdersRepo {
	return &OrdersRepo{db: db}
}

// Create inserts the order together with its first history row.
func (r *OrdersRepo) Create(ctx context.Context, o lifecycle.Order) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var pinLon, pinLat sql.NullFloat64
	if o.LiveLocation.CustomerPin != nil {
		pinLon = sql.NullFloat64{Float64: o.LiveLocation.CustomerPin.Lon, Valid: true}
		pinLat = sql.NullFloat64{Float64: o.LiveLocation.CustomerPin.Lat, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO orders (id, customer_id, status, dropoff_lon, dropoff_lat, area_label, pricing, delivery, payment, items, live_enabled, live_pin_lon, live_pin_lat, live_runner_visible, created_at, updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID, o.CustomerID, o.Status, o.Dropoff.Lon, o.Dropoff.Lat, o.AreaLabel,
		rawOrNull(o.Pricing), rawOrNull(o.Delivery), rawOrNull(o.Payment), rawOrNull(o.Items),
		o.LiveLocation.Enabled, pinLon, pinLat, o.LiveLocation.RunnerVisible, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return err
	}

	for _, ev := range o.History {
		if err = insertHistory(ctx, tx, o.ID, ev); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Get fetches an order with its history and rejection list.
func (r *OrdersRepo) Get(ctx context.Context, id string) (lifecycle.Order, error) {
	o, err := r.scanOrder(r.db.QueryRowContext(ctx, `SELECT id, customer_id, runner_id, status, dropoff_lon, dropoff_lat, area_label, pricing, delivery, payment, items, live_enabled, live_session_id, live_expires_at, live_pin_lon, live_pin_lat, live_runner_visible, created_at, updated_at FROM orders WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return lifecycle.Order{}, lifecycle.ErrOrderNotFound
		}
		return lifecycle.Order{}, err
	}

	if o.History, o.StatusTimestamps, err = r.listHistory(ctx, o.ID); err != nil {
		return lifecycle.Order{}, err
	}
	if o.RejectedBy, err = r.listRejections(ctx, o.ID); err != nil {
		return lifecycle.Order{}, err
	}
	return o, nil
}

// Accept claims a pending order for a runner. The UPDATE only matches while
// the order is still pending with no runner bound, so exactly one of any
// number of concurrent attempts commits; the rest get ErrAlreadyAccepted.
// The winner's runner marker becomes visible to the customer in the same
// statement.
func (r *OrdersRepo) Accept(ctx context.Context, orderID string, runnerID int64, ev lifecycle.StatusEvent) (lifecycle.Order, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return lifecycle.Order{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `UPDATE orders SET status = ?, runner_id = ?, live_runner_visible = 1, updated_at = ? WHERE id = ? AND status = ? AND runner_id IS NULL`,
		ev.Status, runnerID, ev.At, orderID, fsm.StatusPending)
	if err != nil {
		return lifecycle.Order{}, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return lifecycle.Order{}, err
	}
	if rows == 0 {
		err = lifecycle.ErrAlreadyAccepted
		return lifecycle.Order{}, err
	}

	if err = insertHistory(ctx, tx, orderID, ev); err != nil {
		return lifecycle.Order{}, err
	}
	if err = tx.Commit(); err != nil {
		return lifecycle.Order{}, err
	}
	return r.Get(ctx, orderID)
}

// ApplyTransition applies a validated status change. Terminal statuses also
// switch off runner visibility in the same transaction.
func (r *OrdersRepo) ApplyTransition(ctx context.Context, orderID, fromStatus string, ev lifecycle.StatusEvent) (lifecycle.Order, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return lifecycle.Order{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fsm.Apply(ctx, tx, orderID, fromStatus, ev.Status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = lifecycle.ErrInvalidTransition
		}
		return lifecycle.Order{}, err
	}

	if fsm.Terminal(ev.Status) {
		if _, err = tx.ExecContext(ctx, `UPDATE orders SET live_runner_visible = 0, updated_at = ? WHERE id = ?`, ev.At, orderID); err != nil {
			return lifecycle.Order{}, err
		}
	} else {
		if _, err = tx.ExecContext(ctx, `UPDATE orders SET updated_at = ? WHERE id = ?`, ev.At, orderID); err != nil {
			return lifecycle.Order{}, err
		}
	}

	if err = insertHistory(ctx, tx, orderID, ev); err != nil {
		return lifecycle.Order{}, err
	}
	if err = tx.Commit(); err != nil {
		return lifecycle.Order{}, err
	}
	return r.Get(ctx, orderID)
}

// AddRejection remembers that a runner declined the order. The insert is
// idempotent on (order_id, runner_id).
func (r *OrdersRepo) AddRejection(ctx context.Context, orderID string, runnerID int64) error {
	_, err := r.db.ExecContext(ctx, `INSERT IGNORE INTO order_rejections (order_id, runner_id) VALUES (?,?)`, orderID, runnerID)
	return err
}

// SetLiveSession stores the session reference on the order row.
func (r *OrdersRepo) SetLiveSession(ctx context.Context, orderID, sessionID string, expiresAt *time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE orders SET live_session_id = ?, live_expires_at = ? WHERE id = ?`, sessionID, nullTime(expiresAt), orderID)
	return err
}

// RunnerVisibleToCustomer reports whether some live order makes the runner's
// position visible to the customer right now. Expired sessions fail the
// check even before the sweeper flips them.
func (r *OrdersRepo) RunnerVisibleToCustomer(ctx context.Context, customerID, runnerID int64) (bool, error) {
	row := r.db.QueryRowContext(ctx, `SELECT 1 FROM orders WHERE customer_id = ? AND runner_id = ? AND live_enabled = 1 AND live_runner_visible = 1 AND status NOT IN (?, ?) AND (live_expires_at IS NULL OR live_expires_at > NOW()) LIMIT 1`,
		customerID, runnerID, fsm.StatusDelivered, fsm.StatusCancelled)
	var x int
	err := row.Scan(&x)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SetAreaLabel stores the reverse-geocoded dropoff area name.
func (r *OrdersRepo) SetAreaLabel(ctx context.Context, orderID, label string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE orders SET area_label = ? WHERE id = ?`, label, orderID)
	return err
}

// SetProofPhoto stores the proof-of-delivery photo URL.
func (r *OrdersRepo) SetProofPhoto(ctx context.Context, orderID, url string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE orders SET proof_photo_url = ? WHERE id = ?`, url, orderID)
	return err
}

// ListPendingForRunner returns pending orders the runner has not declined,
// newest first. It feeds the discovery feed.
func (r *OrdersRepo) ListPendingForRunner(ctx context.Context, runnerID int64, limit int) ([]lifecycle.Order, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `SELECT id, customer_id, runner_id, status, dropoff_lon, dropoff_lat, area_label, pricing, delivery, payment, items, live_enabled, live_session_id, live_expires_at, live_pin_lon, live_pin_lat, live_runner_visible, created_at, updated_at FROM orders o WHERE status = ? AND NOT EXISTS (SELECT 1 FROM order_rejections rj WHERE rj.order_id = o.id AND rj.runner_id = ?) ORDER BY created_at DESC LIMIT ?`,
		fsm.StatusPending, runnerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []lifecycle.Order
	for rows.Next() {
		o, err := r.scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// ListActiveForRunner returns the runner's non-terminal orders.
func (r *OrdersRepo) ListActiveForRunner(ctx context.Context, runnerID int64) ([]lifecycle.Order, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, customer_id, runner_id, status, dropoff_lon, dropoff_lat, area_label, pricing, delivery, payment, items, live_enabled, live_session_id, live_expires_at, live_pin_lon, live_pin_lat, live_runner_visible, created_at, updated_at FROM orders WHERE runner_id = ? AND status NOT IN (?, ?) ORDER BY created_at ASC`,
		runnerID, fsm.StatusDelivered, fsm.StatusCancelled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []lifecycle.Order
	for rows.Next() {
		o, err := r.scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *OrdersRepo) scanOrder(row rowScanner) (lifecycle.Order, error) {
	var (
		o         lifecycle.Order
		runnerID  sql.NullInt64
		areaLabel sql.NullString
		pricing   []byte
		delivery  []byte
		payment   []byte
		items     []byte
		sessionID sql.NullString
		expiresAt sql.NullTime
		pinLon    sql.NullFloat64
		pinLat    sql.NullFloat64
	)
	err := row.Scan(&o.ID, &o.CustomerID, &runnerID, &o.Status, &o.Dropoff.Lon, &o.Dropoff.Lat, &areaLabel,
		&pricing, &delivery, &payment, &items,
		&o.LiveLocation.Enabled, &sessionID, &expiresAt, &pinLon, &pinLat, &o.LiveLocation.RunnerVisible,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return lifecycle.Order{}, err
	}
	o.RunnerID = runnerID.Int64
	o.AreaLabel = areaLabel.String
	o.Pricing = json.RawMessage(pricing)
	o.Delivery = json.RawMessage(delivery)
	o.Payment = json.RawMessage(payment)
	o.Items = json.RawMessage(items)
	o.LiveLocation.SessionID = sessionID.String
	if expiresAt.Valid {
		t := expiresAt.Time
		o.LiveLocation.ExpiresAt = &t
	}
	if pinLon.Valid && pinLat.Valid {
		o.LiveLocation.CustomerPin = &geo.GeoPoint{Lon: pinLon.Float64, Lat: pinLat.Float64}
	}
	return o, nil
}

func (r *OrdersRepo) listHistory(ctx context.Context, orderID string) ([]lifecycle.StatusEvent, map[string]time.Time, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, at, by_role FROM order_status_history WHERE order_id = ? ORDER BY id ASC`, orderID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var events []lifecycle.StatusEvent
	stamps := make(map[string]time.Time)
	for rows.Next() {
		var ev lifecycle.StatusEvent
		if err := rows.Scan(&ev.Status, &ev.At, &ev.By); err != nil {
			return nil, nil, err
		}
		events = append(events, ev)
		if _, seen := stamps[ev.Status]; !seen {
			stamps[ev.Status] = ev.At
		}
	}
	return events, stamps, rows.Err()
}

func (r *OrdersRepo) listRejections(ctx context.Context, orderID string) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT runner_id FROM order_rejections WHERE order_id = ?`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func insertHistory(ctx context.Context, tx *sql.Tx, orderID string, ev lifecycle.StatusEvent) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO order_status_history (order_id, status, at, by_role) VALUES (?,?,?,?)`, orderID, ev.Status, ev.At, ev.By)
	return err
}

func rawOrNull(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
