// Package deliveryhttp exposes the delivery order API: checkout, the runner
// feed, status transitions, live-location tooling and the websocket entry
// points.
package deliveryhttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"dastarBack/internal/delivery/fsm"
	"dastarBack/internal/delivery/geo"
	"dastarBack/internal/delivery/lifecycle"
	"dastarBack/internal/delivery/payout"
	"dastarBack/internal/delivery/repo"
	"dastarBack/internal/delivery/session"
	"dastarBack/internal/delivery/throttle"
	"dastarBack/internal/delivery/ws"
	"dastarBack/utils"
)

// Logger is the shared logging interface of the delivery module.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Server handles HTTP endpoints for the delivery module.
type Server struct {
	logger      Logger
	service     *lifecycle.Service
	ordersRepo  *repo.OrdersRepo
	runnersRepo *repo.RunnersRepo
	ratingsRepo *repo.RatingsRepo
	sessions    *session.Manager
	sessionTTL  time.Duration
	locator     *geo.RunnerLocator
	geoClient   *geo.DGISClient
	routes      *throttle.Throttler
	payout      *payout.Provider
	runnerHub   *ws.RunnerHub
	customerHub *ws.CustomerHub
}

// NewServer constructs a Server.
func NewServer(logger Logger, service *lifecycle.Service, orders *repo.OrdersRepo, runners *repo.RunnersRepo, ratings *repo.RatingsRepo, sessions *session.Manager, sessionTTL time.Duration, locator *geo.RunnerLocator, geoClient *geo.DGISClient, routes *throttle.Throttler, payoutProvider *payout.Provider, runnerHub *ws.RunnerHub, customerHub *ws.CustomerHub) *Server {
	return &Server{
		logger:      logger,
		service:     service,
		ordersRepo:  orders,
		runnersRepo: runners,
		ratingsRepo: ratings,
		sessions:    sessions,
		sessionTTL:  sessionTTL,
		locator:     locator,
		geoClient:   geoClient,
		routes:      routes,
		payout:      payoutProvider,
		runnerHub:   runnerHub,
		customerHub: customerHub,
	}
}

// RegisterRoutes registers HTTP routes on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/delivery/orders", s.handleOrders)
	mux.HandleFunc("/api/v1/delivery/orders/feed", s.handleFeed)
	mux.HandleFunc("/api/v1/delivery/orders/", s.handleOrderSubroutes)
	mux.HandleFunc("/api/v1/delivery/sessions/", s.handleSessionSubroutes)
	mux.HandleFunc("/api/v1/delivery/route/estimate", s.handleRouteEstimate)
	mux.HandleFunc("/api/v1/delivery/runners/nearby", s.handleNearbyRunners)
	mux.HandleFunc("/api/v1/delivery/payout", s.handlePayout)
	mux.HandleFunc("/ws/delivery/runner", s.runnerHub.ServeWS)
	mux.HandleFunc("/ws/delivery/customer", s.customerHub.ServeWS)
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s.createOrder(w, r)
}

type createOrderRequest struct {
	Dropoff   geo.GeoPoint    `json:"dropoff"`
	LiveShare bool            `json:"live_share"`
	Pin       *geo.GeoPoint   `json:"customer_pin,omitempty"`
	Pricing   json.RawMessage `json:"pricing,omitempty"`
	Delivery  json.RawMessage `json:"delivery,omitempty"`
	Payment   json.RawMessage `json:"payment,omitempty"`
	Items     json.RawMessage `json:"items,omitempty"`
}

func (s *Server) createOrder(w http.ResponseWriter, r *http.Request) {
	customerID, err := parseAuthID(r, "X-Customer-ID")
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing customer id")
		return
	}
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Dropoff.Lat == 0 && req.Dropoff.Lon == 0 {
		writeError(w, http.StatusBadRequest, "dropoff is required")
		return
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	order, err := s.service.Create(ctx, lifecycle.CreateInput{
		CustomerID:  customerID,
		Dropoff:     req.Dropoff,
		LiveShare:   req.LiveShare,
		CustomerPin: req.Pin,
		Pricing:     req.Pricing,
		Delivery:    req.Delivery,
		Payment:     req.Payment,
		Items:       req.Items,
	})
	if err != nil {
		s.logger.Errorf("create order: %v", err)
		writeError(w, http.StatusInternalServerError, "create order failed")
		return
	}

	// best effort: the order works without a human-readable area name
	if label, err := s.geoClient.ReverseGeocode(ctx, req.Dropoff); err == nil && label != "" {
		order.AreaLabel = label
		if err := s.ordersRepo.SetAreaLabel(ctx, order.ID, label); err != nil {
			s.logger.Errorf("order %s: save area label: %v", order.ID, err)
		}
	}

	go s.offerToNearbyRunners(order, r.URL.Query().Get("city"))

	writeJSON(w, http.StatusCreated, order)
}

// offerToNearbyRunners pushes the fresh order to runners with a live socket
// around the dropoff point. Runners who miss the push still see the order in
// their feed.
func (s *Server) offerToNearbyRunners(order lifecycle.Order, city string) {
	if city == "" {
		city = "default"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	runners, err := s.locator.Nearby(ctx, order.Dropoff.Lon, order.Dropoff.Lat, 3000, 20, city)
	if err != nil {
		s.logger.Errorf("order %s: nearby runners: %v", order.ID, err)
		return
	}
	for _, rn := range runners {
		if !s.runnerHub.Connected(rn.ID) {
			continue
		}
		dist := geo.GeoPoint{Lon: rn.Lon, Lat: rn.Lat}.DistanceTo(order.Dropoff)
		s.runnerHub.SendOrderOffer(rn.ID, ws.OfferPayload{
			OrderID:    order.ID,
			AreaLabel:  order.AreaLabel,
			Dropoff:    order.Dropoff,
			DistanceM:  int(dist),
			EtaSeconds: geo.EstimateETASeconds(dist, 0, geo.DefaultAssumedSpeedMPS),
		})
	}
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	runnerID, err := parseAuthID(r, "X-Runner-ID")
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing runner id")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		l, err := strconv.Atoi(v)
		if err != nil || l <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = l
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	orders, err := s.ordersRepo.ListPendingForRunner(ctx, runnerID, limit)
	if err != nil {
		s.logger.Errorf("runner %d feed: %v", runnerID, err)
		writeError(w, http.StatusInternalServerError, "feed failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"orders": orders})
}

func (s *Server) handleOrderSubroutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/delivery/orders/")
	path = strings.Trim(path, "/")
	if path == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	parts := strings.Split(path, "/")
	orderID := parts[0]

	if len(parts) == 1 {
		if r.Method == http.MethodGet {
			s.getOrder(w, r, orderID)
			return
		}
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	switch parts[1] {
	case "accept":
		s.acceptOrder(w, r, orderID)
	case "reject":
		s.rejectOrder(w, r, orderID)
	case "status":
		s.transitionOrder(w, r, orderID)
	case "proof":
		s.uploadProof(w, r, orderID)
	case "rating":
		s.submitRating(w, r, orderID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) handleSessionSubroutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/delivery/sessions/")
	path = strings.Trim(path, "/")
	if path == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	parts := strings.Split(path, "/")
	sessionID := parts[0]

	if len(parts) == 1 {
		if r.Method == http.MethodGet {
			s.getSession(w, r, sessionID)
			return
		}
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if parts[1] == "refresh" && r.Method == http.MethodPost {
		s.refreshSession(w, r, sessionID)
		return
	}
	w.WriteHeader(http.StatusNotFound)
}

type sessionResponse struct {
	ID        string     `json:"id"`
	OrderID   string     `json:"order_id"`
	RunnerID  int64      `json:"runner_id,omitempty"`
	Status    string     `json:"status"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Fresh     bool       `json:"fresh"`
	Extended  bool       `json:"extended,omitempty"`
}

func (s *Server) sessionView(sess session.Session, extended bool) sessionResponse {
	return sessionResponse{
		ID:        sess.ID,
		OrderID:   sess.OrderID,
		RunnerID:  sess.RunnerID,
		Status:    sess.Status,
		ExpiresAt: sess.ExpiresAt,
		Fresh:     s.sessions.Fresh(sess),
		Extended:  extended,
	}
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	customerID, err := parseAuthID(r, "X-Customer-ID")
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing customer id")
		return
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		s.logger.Errorf("session %s: %v", sessionID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if sess.CustomerID != customerID {
		writeError(w, http.StatusForbidden, "access denied")
		return
	}
	writeJSON(w, http.StatusOK, s.sessionView(sess, false))
}

// refreshSession is the polling entry point: an elapsed expiry is pushed
// forward once, repeated polls while still expired are no-ops.
func (s *Server) refreshSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	customerID, err := parseAuthID(r, "X-Customer-ID")
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing customer id")
		return
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		s.logger.Errorf("session %s: %v", sessionID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if sess.CustomerID != customerID {
		writeError(w, http.StatusForbidden, "access denied")
		return
	}

	sess, extended, err := s.sessions.ExtendIfExpired(ctx, sessionID, s.sessionTTL)
	if err != nil {
		s.logger.Errorf("session %s: extend: %v", sessionID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, s.sessionView(sess, extended))
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request, orderID string) {
	actorID, role, err := actorFromHeaders(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing actor id")
		return
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	order, err := s.service.Get(ctx, orderID)
	if err != nil {
		s.writeServiceError(w, orderID, err)
		return
	}
	switch role {
	case fsm.RoleCustomer:
		if order.CustomerID != actorID {
			writeError(w, http.StatusForbidden, "access denied")
			return
		}
	case fsm.RoleRunner:
		if order.RunnerID != actorID && order.Status != fsm.StatusPending {
			writeError(w, http.StatusForbidden, "access denied")
			return
		}
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) acceptOrder(w http.ResponseWriter, r *http.Request, orderID string) {
	runnerID, err := parseAuthID(r, "X-Runner-ID")
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing runner id")
		return
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	order, err := s.service.Accept(ctx, orderID, runnerID)
	if err != nil {
		s.writeServiceError(w, orderID, err)
		return
	}

	s.customerHub.PushOrderEvent(order.CustomerID, ws.OrderEvent{
		Type:      "order_status",
		OrderID:   order.ID,
		Status:    order.Status,
		RunnerID:  order.RunnerID,
		SessionID: order.LiveLocation.SessionID,
	})
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) rejectOrder(w http.ResponseWriter, r *http.Request, orderID string) {
	runnerID, err := parseAuthID(r, "X-Runner-ID")
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing runner id")
		return
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	if err := s.service.Reject(ctx, orderID, runnerID); err != nil {
		s.writeServiceError(w, orderID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

func (s *Server) transitionOrder(w http.ResponseWriter, r *http.Request, orderID string) {
	actorID, role, err := actorFromHeaders(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing actor id")
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if !fsm.Known(req.Status) {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	order, err := s.service.Transition(ctx, orderID, req.Status, role, actorID)
	if err != nil {
		s.writeServiceError(w, orderID, err)
		return
	}

	s.customerHub.PushOrderEvent(order.CustomerID, ws.OrderEvent{
		Type:     "order_status",
		OrderID:  order.ID,
		Status:   order.Status,
		RunnerID: order.RunnerID,
	})
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) uploadProof(w http.ResponseWriter, r *http.Request, orderID string) {
	runnerID, err := parseAuthID(r, "X-Runner-ID")
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing runner id")
		return
	}
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, _, err := r.FormFile("photo")
	if err != nil {
		writeError(w, http.StatusBadRequest, "photo is required")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read photo failed")
		return
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	order, err := s.service.Get(ctx, orderID)
	if err != nil {
		s.writeServiceError(w, orderID, err)
		return
	}
	if order.RunnerID != runnerID {
		writeError(w, http.StatusForbidden, "access denied")
		return
	}

	url, err := utils.UploadProofPhoto(data, orderID)
	if err != nil {
		s.logger.Errorf("order %s: upload proof: %v", orderID, err)
		writeError(w, http.StatusInternalServerError, "upload failed")
		return
	}
	if err := s.ordersRepo.SetProofPhoto(ctx, orderID, url); err != nil {
		s.logger.Errorf("order %s: save proof url: %v", orderID, err)
		writeError(w, http.StatusInternalServerError, "save failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) submitRating(w http.ResponseWriter, r *http.Request, orderID string) {
	customerID, err := parseAuthID(r, "X-Customer-ID")
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing customer id")
		return
	}
	var req struct {
		Score   int    `json:"score"`
		Comment string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Score < 1 || req.Score > 5 {
		writeError(w, http.StatusBadRequest, "score must be 1..5")
		return
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	order, err := s.service.Get(ctx, orderID)
	if err != nil {
		s.writeServiceError(w, orderID, err)
		return
	}
	if order.CustomerID != customerID {
		writeError(w, http.StatusForbidden, "access denied")
		return
	}
	if err := s.ratingsRepo.Submit(ctx, orderID, req.Score, req.Comment); err != nil {
		writeError(w, http.StatusConflict, "no pending rating for order")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRouteEstimate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	actorID, role, err := actorFromHeaders(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing actor id")
		return
	}
	orderID := r.URL.Query().Get("order_id")
	if orderID == "" {
		writeError(w, http.StatusBadRequest, "order_id is required")
		return
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	order, err := s.service.Get(ctx, orderID)
	if err != nil {
		s.writeServiceError(w, orderID, err)
		return
	}
	switch role {
	case fsm.RoleCustomer:
		if order.CustomerID != actorID {
			writeError(w, http.StatusForbidden, "access denied")
			return
		}
	case fsm.RoleRunner:
		if order.RunnerID != actorID {
			writeError(w, http.StatusForbidden, "access denied")
			return
		}
	}
	if order.RunnerID == 0 || order.Terminal() {
		writeError(w, http.StatusConflict, "no active runner for order")
		return
	}

	pos, err := s.locator.Position(ctx, order.RunnerID)
	if err != nil {
		writeError(w, http.StatusConflict, "runner position unknown")
		return
	}

	est := s.routes.Estimate(order.ID, pos.Point(), order.Dropoff, pos.SpeedMPS)
	writeJSON(w, http.StatusOK, est)
}

func (s *Server) handleNearbyRunners(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, err := parseAuthID(r, "X-Admin-ID"); err != nil {
		writeError(w, http.StatusUnauthorized, "missing admin id")
		return
	}
	q := r.URL.Query()
	lon, err1 := strconv.ParseFloat(q.Get("lon"), 64)
	lat, err2 := strconv.ParseFloat(q.Get("lat"), 64)
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, "lon and lat are required")
		return
	}
	radius := 3000.0
	if v := q.Get("radius_m"); v != "" {
		if radius, err1 = strconv.ParseFloat(v, 64); err1 != nil || radius <= 0 {
			writeError(w, http.StatusBadRequest, "invalid radius_m")
			return
		}
	}
	city := q.Get("city")
	if city == "" {
		city = "default"
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	runners, err := s.locator.Nearby(ctx, lon, lat, radius, 50, city)
	if err != nil {
		s.logger.Errorf("nearby runners: %v", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runners": runners})
}

func (s *Server) handlePayout(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]int64{"amount": s.payout.CurrentValue()})
	case http.MethodPut:
		if _, err := parseAuthID(r, "X-Admin-ID"); err != nil {
			writeError(w, http.StatusUnauthorized, "missing admin id")
			return
		}
		var req struct {
			Amount int64 `json:"amount"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if req.Amount <= 0 {
			writeError(w, http.StatusBadRequest, "amount must be positive")
			return
		}
		s.payout.Set(req.Amount)
		writeJSON(w, http.StatusOK, map[string]int64{"amount": s.payout.CurrentValue()})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// writeServiceError maps lifecycle errors onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, orderID string, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, "order not found")
	case errors.Is(err, lifecycle.ErrAlreadyAccepted):
		writeError(w, http.StatusConflict, "order already accepted")
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid status transition")
	case errors.Is(err, lifecycle.ErrCancelWindowExpired):
		writeError(w, http.StatusConflict, "cancellation window expired")
	case errors.Is(err, lifecycle.ErrForbidden):
		writeError(w, http.StatusForbidden, "access denied")
	default:
		s.logger.Errorf("order %s: %v", orderID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// actorFromHeaders resolves the acting party. Admin wins over customer and
// runner so an operator can act on any order.
func actorFromHeaders(r *http.Request) (int64, string, error) {
	if id, err := parseAuthID(r, "X-Admin-ID"); err == nil {
		return id, fsm.RoleAdmin, nil
	}
	if id, err := parseAuthID(r, "X-Runner-ID"); err == nil {
		return id, fsm.RoleRunner, nil
	}
	if id, err := parseAuthID(r, "X-Customer-ID"); err == nil {
		return id, fsm.RoleCustomer, nil
	}
	return 0, "", errors.New("missing actor header")
}

func parseAuthID(r *http.Request, header string) (int64, error) {
	v := strings.TrimSpace(r.Header.Get(header))
	if v == "" {
		return 0, errors.New("missing header")
	}
	return strconv.ParseInt(v, 10, 64)
}

func contextWithTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), 5*time.Second)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
