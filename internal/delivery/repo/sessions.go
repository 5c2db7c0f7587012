package repo

import (
	"context"
	"database/sql"
	"errors"

	"dastarBack/internal/delivery/session"
)

// SessionsRepo persists live-location sessions. It implements session.Store.
type SessionsRepo struct {
	db *sql.DB
}

// NewSessionsRepo constructs a SessionsRepo.
func NewSessionsRepo(db *sql.DB) *SessionsRepo {
	return &SessionsRepo{db: db}
}

// Create inserts a session row.
func (r *SessionsRepo) Create(ctx context.Context, s session.Session) error {
	var runnerID interface{}
	if s.RunnerID != 0 {
		runnerID = s.RunnerID
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO location_sessions (id, order_id, customer_id, runner_id, status, expires_at, created_at) VALUES (?,?,?,?,?,?,?)`,
		s.ID, s.OrderID, s.CustomerID, runnerID, s.Status, nullTime(s.ExpiresAt), s.CreatedAt)
	return err
}

// Get fetches a session by id.
func (r *SessionsRepo) Get(ctx context.Context, id string) (session.Session, error) {
	var (
		s         session.Session
		runnerID  sql.NullInt64
		expiresAt sql.NullTime
	)
	row := r.db.QueryRowContext(ctx, `SELECT id, order_id, customer_id, runner_id, status, expires_at, created_at FROM location_sessions WHERE id = ?`, id)
	err := row.Scan(&s.ID, &s.OrderID, &s.CustomerID, &runnerID, &s.Status, &expiresAt, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return session.Session{}, session.ErrSessionNotFound
		}
		return session.Session{}, err
	}
	s.RunnerID = runnerID.Int64
	if expiresAt.Valid {
		t := expiresAt.Time
		s.ExpiresAt = &t
	}
	return s, nil
}

// Update rewrites the mutable session fields.
func (r *SessionsRepo) Update(ctx context.Context, s session.Session) error {
	var runnerID interface{}
	if s.RunnerID != 0 {
		runnerID = s.RunnerID
	}
	res, err := r.db.ExecContext(ctx, `UPDATE location_sessions SET runner_id = ?, status = ?, expires_at = ? WHERE id = ?`,
		runnerID, s.Status, nullTime(s.ExpiresAt), s.ID)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return session.ErrSessionNotFound
	}
	return nil
}

// ListExpiredActive returns ids of active sessions whose expiry passed. The
// sweeper uses it to flip them to expired.
func (r *SessionsRepo) ListExpiredActive(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM location_sessions WHERE status = ? AND expires_at IS NOT NULL AND expires_at <= NOW() LIMIT ?`, session.StatusActive, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkExpired flips an active session to expired.
func (r *SessionsRepo) MarkExpired(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE location_sessions SET status = ? WHERE id = ? AND status = ?`, session.StatusExpired, id, session.StatusActive)
	return err
}
