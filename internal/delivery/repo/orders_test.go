package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"dastarBack/internal/delivery/lifecycle"
)

var orderColumns = []string{
	"id", "customer_id", "runner_id", "status", "dropoff_lon", "dropoff_lat", "area_label",
	"pricing", "delivery", "payment", "items",
	"live_enabled", "live_session_id", "live_expires_at", "live_pin_lon", "live_pin_lat", "live_runner_visible",
	"created_at", "updated_at",
}

func orderRow(id string, status string, runnerID interface{}, runnerVisible bool) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(orderColumns).AddRow(
		id, int64(7), runnerID, status, 76.95, 43.25, "Samal-2",
		nil, nil, nil, nil,
		true, nil, nil, nil, nil, runnerVisible,
		now, now,
	)
}

func TestAcceptCommitsForTheWinner(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	repo := NewOrdersRepo(db)
	at := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE orders SET status = \?, runner_id = \?, live_runner_visible = 1, updated_at = \? WHERE id = \? AND status = \? AND runner_id IS NULL`).
		WithArgs("accepted", int64(42), at, "order-1", "pending").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO order_status_history`).
		WithArgs("order-1", "accepted", at, "runner").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	mock.ExpectQuery(`SELECT .* FROM orders WHERE id = \?`).
		WithArgs("order-1").
		WillReturnRows(orderRow("order-1", "accepted", int64(42), true))
	mock.ExpectQuery(`SELECT status, at, by_role FROM order_status_history`).
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "at", "by_role"}).
			AddRow("pending", at.Add(-time.Minute), "customer").
			AddRow("accepted", at, "runner"))
	mock.ExpectQuery(`SELECT runner_id FROM order_rejections`).
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows([]string{"runner_id"}))

	o, err := repo.Accept(context.Background(), "order-1", 42, lifecycle.StatusEvent{Status: "accepted", At: at, By: "runner"})
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if o.RunnerID != 42 || o.Status != "accepted" {
		t.Errorf("got runner %d status %s", o.RunnerID, o.Status)
	}
	if !o.LiveLocation.RunnerVisible {
		t.Error("accepted order must expose the runner marker to the customer")
	}
	if len(o.History) != 2 {
		t.Errorf("history length = %d, want 2", len(o.History))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestAcceptLosesWhenAlreadyClaimed(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	repo := NewOrdersRepo(db)
	at := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE orders SET status = \?, runner_id = \?`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err = repo.Accept(context.Background(), "order-1", 43, lifecycle.StatusEvent{Status: "accepted", At: at, By: "runner"})
	if !errors.Is(err, lifecycle.ErrAlreadyAccepted) {
		t.Fatalf("err = %v, want ErrAlreadyAccepted", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestApplyTransitionDisablesVisibilityOnTerminal(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	repo := NewOrdersRepo(db)
	at := time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE orders SET status = \? WHERE id = \? AND status = \?`).
		WithArgs("delivered", "order-1", "on_route").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE orders SET live_runner_visible = 0`).
		WithArgs(at, "order-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO order_status_history`).
		WithArgs("order-1", "delivered", at, "runner").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	mock.ExpectQuery(`SELECT .* FROM orders WHERE id = \?`).
		WithArgs("order-1").
		WillReturnRows(orderRow("order-1", "delivered", int64(42), false))
	mock.ExpectQuery(`SELECT status, at, by_role FROM order_status_history`).
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "at", "by_role"}).
			AddRow("delivered", at, "runner"))
	mock.ExpectQuery(`SELECT runner_id FROM order_rejections`).
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows([]string{"runner_id"}))

	o, err := repo.ApplyTransition(context.Background(), "order-1", "on_route", lifecycle.StatusEvent{Status: "delivered", At: at, By: "runner"})
	if err != nil {
		t.Fatalf("ApplyTransition: %v", err)
	}
	if o.Status != "delivered" {
		t.Errorf("status = %s, want delivered", o.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestApplyTransitionStaleReadMapsToInvalid(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	repo := NewOrdersRepo(db)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE orders SET status = \? WHERE id = \? AND status = \?`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err = repo.ApplyTransition(context.Background(), "order-1", "pending", lifecycle.StatusEvent{Status: "cancelled", At: time.Now(), By: "customer"})
	if !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
