package delivery

import (
	"context"
	"net/http"
	"time"

	"dastarBack/internal/delivery/geo"
	deliveryhttp "dastarBack/internal/delivery/http"
	"dastarBack/internal/delivery/lifecycle"
	"dastarBack/internal/delivery/notify"
	"dastarBack/internal/delivery/payout"
	"dastarBack/internal/delivery/repo"
	"dastarBack/internal/delivery/session"
	"dastarBack/internal/delivery/throttle"
	"dastarBack/internal/delivery/ws"
)

type moduleState struct {
	geoClient    *geo.DGISClient
	locator      *geo.RunnerLocator
	ordersRepo   *repo.OrdersRepo
	sessionsRepo *repo.SessionsRepo
	ratingsRepo  *repo.RatingsRepo
	runnersRepo  *repo.RunnersRepo
	sessions     *session.Manager
	throttler    *throttle.Throttler
	payout       *payout.Provider
	notifier     *notify.Dispatcher
	service      *lifecycle.Service
	runnerHub    *ws.RunnerHub
	customerHub  *ws.CustomerHub
	server       *deliveryhttp.Server
	cfg          DeliveryConfig
}

// accessGate combines the grant list with the order's live flags: customers
// see a runner only while an active shared order keeps them connected.
type accessGate struct {
	orders  *repo.OrdersRepo
	runners *repo.RunnersRepo
}

func (g accessGate) VisibleTo(ctx context.Context, customerID, runnerID int64) (bool, error) {
	granted, err := g.runners.HasAccess(ctx, customerID, runnerID)
	if err != nil {
		return false, err
	}
	if !granted {
		return false, nil
	}
	return g.orders.RunnerVisibleToCustomer(ctx, customerID, runnerID)
}

func ensureModule(deps *DeliveryDeps) (*moduleState, error) {
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	if deps.module != nil {
		return deps.module, nil
	}
	cfg := deps.Config

	geoClient := geo.NewDGISClient(deps.HTTPClient, cfg.DGISAPIKey, cfg.DGISRegionID)
	locator := geo.NewRunnerLocator(deps.RDB, cfg.PositionTTL)

	ordersRepo := repo.NewOrdersRepo(deps.DB)
	sessionsRepo := repo.NewSessionsRepo(deps.DB)
	ratingsRepo := repo.NewRatingsRepo(deps.DB)
	runnersRepo := repo.NewRunnersRepo(deps.DB)

	sessions := session.NewManager(sessionsRepo)
	throttler := throttle.New(geoClient, throttle.Config{
		MinMovementMeters: float64(cfg.MinMovementMeters),
		MinInterval:       cfg.MinInterval,
		FailureCooldown:   cfg.FailureCooldown,
		RateLimitCooldown: cfg.RateLimitCooldown,
		AssumedSpeedMPS:   cfg.AssumedSpeedMPS,
	}, deps.Logger)
	payoutProvider := payout.New(int64(cfg.PayoutTenge))
	notifier := notify.NewDispatcher(deps.FCM, deps.DB, deps.Logger)

	service := lifecycle.NewService(lifecycle.Config{
		CancelWindow:  cfg.CancelWindow,
		SessionWindow: cfg.SessionWindow,
	}, ordersRepo, sessions, notifier, ratingsRepo, runnersRepo, runnersRepo, payoutProvider, deps.Logger)

	customerHub := ws.NewCustomerHub(accessGate{orders: ordersRepo, runners: runnersRepo}, deps.Logger)
	runnerHub := ws.NewRunnerHub(locator, customerHub, deps.Logger)

	server := deliveryhttp.NewServer(deps.Logger, service, ordersRepo, runnersRepo, ratingsRepo, sessions, cfg.SessionWindow, locator, geoClient, throttler, payoutProvider, runnerHub, customerHub)

	deps.module = &moduleState{
		geoClient:    geoClient,
		locator:      locator,
		ordersRepo:   ordersRepo,
		sessionsRepo: sessionsRepo,
		ratingsRepo:  ratingsRepo,
		runnersRepo:  runnersRepo,
		sessions:     sessions,
		throttler:    throttler,
		payout:       payoutProvider,
		notifier:     notifier,
		service:      service,
		runnerHub:    runnerHub,
		customerHub:  customerHub,
		server:       server,
		cfg:          cfg,
	}
	return deps.module, nil
}

// RegisterDeliveryRoutes wires HTTP and WebSocket routes into the provided mux.
func RegisterDeliveryRoutes(mux *http.ServeMux, deps *DeliveryDeps) error {
	module, err := ensureModule(deps)
	if err != nil {
		return err
	}
	module.server.RegisterRoutes(mux)
	return nil
}

// StartDeliveryWorkers launches background maintenance workers.
func StartDeliveryWorkers(ctx context.Context, deps *DeliveryDeps) error {
	module, err := ensureModule(deps)
	if err != nil {
		return err
	}
	go module.startSessionSweeper(ctx, deps.Logger)
	return nil
}

// startSessionSweeper flips elapsed live-location sessions to expired so
// stale grants do not linger when nobody touches the order again.
func (m *moduleState) startSessionSweeper(ctx context.Context, logger Logger) {
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := m.sessionsRepo.ListExpiredActive(ctx, 100)
			if err != nil {
				logger.Errorf("session sweep: %v", err)
				continue
			}
			for _, id := range ids {
				if err := m.sessionsRepo.MarkExpired(ctx, id); err != nil {
					logger.Errorf("session sweep %s: %v", id, err)
				}
			}
			if len(ids) > 0 {
				logger.Infof("session sweep: expired %d sessions", len(ids))
			}
		}
	}
}
