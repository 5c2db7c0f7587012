package delivery

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	defaultCancelWindow      = 15 * time.Minute
	defaultSessionWindow     = 30 * time.Minute
	defaultMinMovementMeters = 20
	defaultMinInterval       = 15 * time.Second
	defaultFailureCooldown   = 30 * time.Second
	defaultRateLimitCooldown = 60 * time.Second
	defaultPositionTTL       = 90 * time.Second
	defaultSweepInterval     = time.Minute
	defaultPayoutTenge       = 700
	defaultAssumedSpeedMPS   = 5.5
)

// DeliveryConfig holds runtime configuration for the delivery module.
type DeliveryConfig struct {
	CancelWindow      time.Duration
	SessionWindow     time.Duration
	MinMovementMeters int
	MinInterval       time.Duration
	FailureCooldown   time.Duration
	RateLimitCooldown time.Duration
	PositionTTL       time.Duration
	SweepInterval     time.Duration
	PayoutTenge       int
	AssumedSpeedMPS   float64
	DGISAPIKey        string
	DGISRegionID      string
}

// LoadDeliveryConfig reads configuration from environment variables and
// applies defaults.
func LoadDeliveryConfig() (DeliveryConfig, error) {
	cfg := DeliveryConfig{
		CancelWindow:      defaultCancelWindow,
		SessionWindow:     defaultSessionWindow,
		MinMovementMeters: defaultMinMovementMeters,
		MinInterval:       defaultMinInterval,
		FailureCooldown:   defaultFailureCooldown,
		RateLimitCooldown: defaultRateLimitCooldown,
		PositionTTL:       defaultPositionTTL,
		SweepInterval:     defaultSweepInterval,
		PayoutTenge:       defaultPayoutTenge,
		AssumedSpeedMPS:   defaultAssumedSpeedMPS,
	}

	if v, err := readDurationEnv("CANCEL_WINDOW_SECONDS"); err != nil {
		return DeliveryConfig{}, err
	} else if v != nil {
		cfg.CancelWindow = *v
	}

	if v, err := readDurationEnv("SESSION_WINDOW_SECONDS"); err != nil {
		return DeliveryConfig{}, err
	} else if v != nil {
		cfg.SessionWindow = *v
	}

	if v, err := readIntEnv("MIN_MOVEMENT_METERS"); err != nil {
		return DeliveryConfig{}, fmt.Errorf("parse MIN_MOVEMENT_METERS: %w", err)
	} else if v != nil {
		cfg.MinMovementMeters = *v
	}

	if v, err := readDurationEnv("ROUTE_MIN_INTERVAL_SECONDS"); err != nil {
		return DeliveryConfig{}, err
	} else if v != nil {
		cfg.MinInterval = *v
	}

	if v, err := readDurationEnv("ROUTE_FAILURE_COOLDOWN_SECONDS"); err != nil {
		return DeliveryConfig{}, err
	} else if v != nil {
		cfg.FailureCooldown = *v
	}

	if v, err := readDurationEnv("ROUTE_RATE_LIMIT_COOLDOWN_SECONDS"); err != nil {
		return DeliveryConfig{}, err
	} else if v != nil {
		cfg.RateLimitCooldown = *v
	}

	if v, err := readDurationEnv("POSITION_TTL_SECONDS"); err != nil {
		return DeliveryConfig{}, err
	} else if v != nil {
		cfg.PositionTTL = *v
	}

	if v, err := readDurationEnv("SESSION_SWEEP_INTERVAL_SECONDS"); err != nil {
		return DeliveryConfig{}, err
	} else if v != nil {
		cfg.SweepInterval = *v
	}

	if v, err := readIntEnv("DELIVERY_PAYOUT_TENGE"); err != nil {
		return DeliveryConfig{}, fmt.Errorf("parse DELIVERY_PAYOUT_TENGE: %w", err)
	} else if v != nil {
		cfg.PayoutTenge = *v
	}

	if v := os.Getenv("ASSUMED_SPEED_MPS"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil || parsed <= 0 {
			return DeliveryConfig{}, fmt.Errorf("parse ASSUMED_SPEED_MPS: invalid value %q", v)
		}
		cfg.AssumedSpeedMPS = parsed
	}

	cfg.DGISAPIKey = os.Getenv("DGIS_API_KEY")
	if cfg.DGISAPIKey == "" {
		return DeliveryConfig{}, fmt.Errorf("DGIS_API_KEY is required")
	}
	cfg.DGISRegionID = os.Getenv("DGIS_REGION_ID")

	if cfg.CancelWindow <= 0 || cfg.SessionWindow <= 0 {
		return DeliveryConfig{}, fmt.Errorf("window values must be positive")
	}
	if cfg.MinMovementMeters <= 0 {
		return DeliveryConfig{}, fmt.Errorf("MIN_MOVEMENT_METERS must be positive")
	}
	if cfg.PayoutTenge <= 0 {
		return DeliveryConfig{}, fmt.Errorf("DELIVERY_PAYOUT_TENGE must be positive")
	}

	return cfg, nil
}

func readIntEnv(name string) (*int, error) {
	val := os.Getenv(name)
	if val == "" {
		return nil, nil
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func readDurationEnv(name string) (*time.Duration, error) {
	val := os.Getenv(name)
	if val == "" {
		return nil, nil
	}
	secs, err := strconv.Atoi(val)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	d := time.Duration(secs) * time.Second
	return &d, nil
}
