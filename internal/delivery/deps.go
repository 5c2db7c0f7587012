package delivery

import (
	"database/sql"
	"errors"
	"net/http"

	"firebase.google.com/go/messaging"
	"github.com/redis/go-redis/v9"
)

// Logger provides minimal logging required by the delivery module.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// DeliveryDeps groups external dependencies needed by the delivery module.
type DeliveryDeps struct {
	DB         *sql.DB
	RDB        *redis.Client
	FCM        *messaging.Client // nil disables pushes
	Logger     Logger
	Config     DeliveryConfig
	HTTPClient *http.Client
	module     *moduleState
}

// Validate ensures required dependencies are provided.
func (d *DeliveryDeps) Validate() error {
	if d.DB == nil {
		return errors.New("delivery deps: DB is required")
	}
	if d.RDB == nil {
		return errors.New("delivery deps: RDB is required")
	}
	if d.Logger == nil {
		return errors.New("delivery deps: Logger is required")
	}
	if d.HTTPClient == nil {
		d.HTTPClient = http.DefaultClient
	}
	return nil
}
