package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"dastarBack/internal/delivery/geo"
)

// Logger is shared between hubs.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// PositionSink receives every accepted runner position update. The customer
// hub implements it to forward positions to watching customers.
type PositionSink interface {
	ForwardPosition(pos geo.RunnerPosition)
}

// OfferPayload is an order offer pushed to a runner over WS.
type OfferPayload struct {
	Type       string         `json:"type"`
	OrderID    string         `json:"order_id"`
	AreaLabel  string         `json:"area,omitempty"`
	Dropoff    geo.GeoPoint   `json:"dropoff"`
	DistanceM  int            `json:"distance_m"`
	EtaSeconds int            `json:"eta_s"`
	Polyline   []geo.GeoPoint `json:"polyline,omitempty"`
}

// RunnerHub manages runner websocket connections: it ingests their position
// stream and pushes order offers back.
type RunnerHub struct {
	upgrader websocket.Upgrader
	locator  *geo.RunnerLocator
	sink     PositionSink
	logger   Logger

	mu     sync.RWMutex
	conns  map[int64]*websocket.Conn
	wmu    map[int64]*sync.Mutex
	cities map[int64]string
}

// NewRunnerHub creates a runner hub. sink may be nil.
func NewRunnerHub(locator *geo.RunnerLocator, sink PositionSink, logger Logger) *RunnerHub {
	return &RunnerHub{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		locator:  locator,
		sink:     sink,
		logger:   logger,
		conns:    make(map[int64]*websocket.Conn),
		wmu:      make(map[int64]*sync.Mutex),
		cities:   make(map[int64]string),
	}
}

// ServeWS handles runner websocket connections.
func (h *RunnerHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	runnerID, err := parseIDParam(r, "runner_id")
	if err != nil {
		http.Error(w, "missing runner_id", http.StatusUnauthorized)
		return
	}
	city := r.URL.Query().Get("city")
	if city == "" {
		city = "default"
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorf("runner ws upgrade failed: %v", err)
		return
	}

	h.mu.Lock()
	if old, ok := h.conns[runnerID]; ok {
		_ = old.Close()
	}
	h.conns[runnerID] = conn
	if _, ok := h.wmu[runnerID]; !ok {
		h.wmu[runnerID] = &sync.Mutex{}
	}
	h.cities[runnerID] = city
	h.mu.Unlock()

	h.logger.Infof("runner %d connected", runnerID)

	go h.readLoop(runnerID, conn, city)
}

func (h *RunnerHub) readLoop(runnerID int64, conn *websocket.Conn, city string) {
	defer func() {
		conn.Close()
		h.mu.Lock()
		current := h.conns[runnerID] == conn
		if current {
			delete(h.conns, runnerID)
			delete(h.wmu, runnerID)
			delete(h.cities, runnerID)
		}
		h.mu.Unlock()
		if !current {
			// a reconnect already replaced this socket
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := h.locator.GoOffline(ctx, runnerID, city); err != nil {
			h.logger.Errorf("runner %d go offline: %v", runnerID, err)
		}
		cancel()
		h.logger.Infof("runner %d disconnected", runnerID)
	}()

	conn.SetReadLimit(1024)
	conn.SetReadDeadline(time.Now().Add(1000 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(1000 * time.Second))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(1000 * time.Second))
		var payload struct {
			Lon       float64 `json:"lon"`
			Lat       float64 `json:"lat"`
			AccuracyM float64 `json:"accuracy_m"`
			Heading   float64 `json:"heading"`
			SpeedMPS  float64 `json:"speed_mps"`
		}
		if err := json.Unmarshal(message, &payload); err != nil {
			h.logger.Errorf("runner %d invalid payload: %v", runnerID, err)
			continue
		}
		pos := geo.RunnerPosition{
			RunnerID:  runnerID,
			Lat:       payload.Lat,
			Lng:       payload.Lon,
			AccuracyM: payload.AccuracyM,
			Heading:   payload.Heading,
			SpeedMPS:  payload.SpeedMPS,
			UpdatedAt: time.Now(),
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := h.locator.UpdateRunner(ctx, pos, city); err != nil {
			h.logger.Errorf("runner %d position update: %v", runnerID, err)
		}
		cancel()
		if h.sink != nil {
			h.sink.ForwardPosition(pos)
		}
	}
}

// SendOrderOffer pushes an order offer to a runner. Writes are serialized
// per connection, concurrent offers for the same runner are safe.
func (h *RunnerHub) SendOrderOffer(runnerID int64, payload OfferPayload) {
	payload.Type = "order_offer"
	h.mu.RLock()
	conn := h.conns[runnerID]
	mu := h.wmu[runnerID]
	h.mu.RUnlock()
	if conn == nil || mu == nil {
		return
	}

	mu.Lock()
	defer mu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(payload); err != nil {
		h.logger.Errorf("send offer to runner %d failed: %v", runnerID, err)
	}
}

// Connected reports whether the runner currently has a live socket.
func (h *RunnerHub) Connected(runnerID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[runnerID] != nil
}

func parseIDParam(r *http.Request, name string) (int64, error) {
	if v := r.URL.Query().Get(name); v != "" {
		return strconv.ParseInt(v, 10, 64)
	}
	if v := r.Header.Get("X-" + name); v != "" {
		return strconv.ParseInt(v, 10, 64)
	}
	return 0, strconv.ErrSyntax
}
