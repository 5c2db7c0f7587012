// Package notify pushes order lifecycle events to the mobile apps over FCM.
package notify

import (
	"context"
	"database/sql"

	"firebase.google.com/go/messaging"

	"dastarBack/internal/delivery/lifecycle"
)

// Logger is the minimal logging interface required by the dispatcher.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Dispatcher resolves the recipient of an order event, looks up their
// device tokens and sends the push. It implements lifecycle.Notifier, so
// every failure is logged and swallowed here.
type Dispatcher struct {
	client *messaging.Client
	db     *sql.DB
	logger Logger
}

// NewDispatcher constructs a Dispatcher. A nil client disables pushes,
// which keeps local environments without Firebase credentials working.
func NewDispatcher(client *messaging.Client, db *sql.DB, logger Logger) *Dispatcher {
	return &Dispatcher{client: client, db: db, logger: logger}
}

// Notify sends the push for one order event. actorID is the user who caused
// the event; for cancellations the other party is informed too.
func (d *Dispatcher) Notify(ctx context.Context, event, orderID string, actorID int64) {
	if d.client == nil {
		d.logger.Infof("push disabled, skipping %s for order %s", event, orderID)
		return
	}

	customerID, runnerID, err := d.orderParties(ctx, orderID)
	if err != nil {
		d.logger.Errorf("order %s: resolve parties for %s: %v", orderID, event, err)
		return
	}

	title, body := eventText(event)
	for _, userID := range recipients(event, actorID, customerID, runnerID) {
		d.sendToUser(ctx, userID, orderID, event, title, body)
	}
}

// recipients picks who gets the push. Created and accepted and delivered go
// to the customer; a cancellation goes to everyone except whoever cancelled.
func recipients(event string, actorID, customerID, runnerID int64) []int64 {
	switch event {
	case lifecycle.EventOrderCancelled:
		var out []int64
		if customerID != 0 && customerID != actorID {
			out = append(out, customerID)
		}
		if runnerID != 0 && runnerID != actorID {
			out = append(out, runnerID)
		}
		return out
	default:
		if customerID == 0 {
			return nil
		}
		return []int64{customerID}
	}
}

func eventText(event string) (title, body string) {
	switch event {
	case lifecycle.EventOrderCreated:
		return "Заказ оформлен", "Мы ищем курьера для вашего заказа"
	case lifecycle.EventOrderAccepted:
		return "Курьер найден", "Курьер принял ваш заказ и скоро заберёт его"
	case lifecycle.EventOrderDelivered:
		return "Заказ доставлен", "Оцените доставку в приложении"
	case lifecycle.EventOrderCancelled:
		return "Заказ отменён", "Подробности в истории заказов"
	default:
		return "Обновление заказа", "Статус вашего заказа изменился"
	}
}

func (d *Dispatcher) sendToUser(ctx context.Context, userID int64, orderID, event, title, body string) {
	tokens, err := d.tokensByUserID(ctx, userID)
	if err != nil {
		d.logger.Errorf("order %s: load tokens for user %d: %v", orderID, userID, err)
		return
	}
	for _, token := range tokens {
		if err := d.send(ctx, token, orderID, event, title, body); err != nil {
			d.logger.Errorf("order %s: push to user %d: %v", orderID, userID, err)
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, token, orderID, event, title, body string) error {
	message := &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
		Data: map[string]string{
			"event":    event,
			"order_id": orderID,
			"link":     "dastar://orders/" + orderID,
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				ChannelID: "high_priority_channel",
			},
		},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{
				"apns-priority": "10",
			},
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					Alert: &messaging.ApsAlert{
						Title: title,
						Body:  body,
					},
					Sound: "default",
				},
			},
		},
	}
	_, err := d.client.Send(ctx, message)
	return err
}

func (d *Dispatcher) orderParties(ctx context.Context, orderID string) (customerID, runnerID int64, err error) {
	var runner sql.NullInt64
	row := d.db.QueryRowContext(ctx, `SELECT customer_id, runner_id FROM orders WHERE id = ?`, orderID)
	if err = row.Scan(&customerID, &runner); err != nil {
		return 0, 0, err
	}
	return customerID, runner.Int64, nil
}

func (d *Dispatcher) tokensByUserID(ctx context.Context, userID int64) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT token FROM device_tokens WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}
