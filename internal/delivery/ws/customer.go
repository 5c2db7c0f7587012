package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"dastarBack/internal/delivery/geo"
)

// Gate decides whether a customer may see a runner's live position. The
// check covers both the access grant and the order's visibility flags.
type Gate interface {
	VisibleTo(ctx context.Context, customerID, runnerID int64) (bool, error)
}

// OrderEvent is a lifecycle update pushed to the customer.
type OrderEvent struct {
	Type      string `json:"type"`
	OrderID   string `json:"order_id"`
	Status    string `json:"status,omitempty"`
	RunnerID  int64  `json:"runner_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

// runnerUpdate is a live position frame forwarded to watching customers.
type runnerUpdate struct {
	Type      string  `json:"type"`
	RunnerID  int64   `json:"runner_id"`
	Lon       float64 `json:"lon"`
	Lat       float64 `json:"lat"`
	Heading   float64 `json:"heading,omitempty"`
	SpeedMPS  float64 `json:"speed_mps,omitempty"`
	UpdatedAt int64   `json:"updated_at"`
}

// CustomerHub manages customer WS connections: order lifecycle events plus
// the live runner marker for orders with location sharing.
type CustomerHub struct {
	upgrader websocket.Upgrader
	gate     Gate
	logger   Logger

	mu      sync.RWMutex
	conns   map[int64]*websocket.Conn
	wmu     map[int64]*sync.Mutex
	watches map[int64]map[int64]struct{} // runnerID -> customerIDs
}

// NewCustomerHub constructs a customer hub.
func NewCustomerHub(gate Gate, logger Logger) *CustomerHub {
	return &CustomerHub{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		gate:     gate,
		logger:   logger,
		conns:    make(map[int64]*websocket.Conn),
		wmu:      make(map[int64]*sync.Mutex),
		watches:  make(map[int64]map[int64]struct{}),
	}
}

// ServeWS handles customer connections.
func (h *CustomerHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	customerID, err := parseIDParam(r, "customer_id")
	if err != nil {
		http.Error(w, "missing customer_id", http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorf("customer ws upgrade failed: %v", err)
		return
	}

	h.mu.Lock()
	if old, ok := h.conns[customerID]; ok {
		_ = old.Close()
	}
	h.conns[customerID] = conn
	if _, ok := h.wmu[customerID]; !ok {
		h.wmu[customerID] = &sync.Mutex{}
	}
	h.mu.Unlock()

	go h.readLoop(customerID, conn)
}

func (h *CustomerHub) readLoop(customerID int64, conn *websocket.Conn) {
	defer func() {
		conn.Close()
		h.mu.Lock()
		if h.conns[customerID] != conn {
			// a reconnect already replaced this socket
			h.mu.Unlock()
			return
		}
		delete(h.conns, customerID)
		delete(h.wmu, customerID)
		for runnerID, set := range h.watches {
			delete(set, customerID)
			if len(set) == 0 {
				delete(h.watches, runnerID)
			}
		}
		h.mu.Unlock()
	}()

	conn.SetReadLimit(1024)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		if mt != websocket.TextMessage {
			continue
		}
		trimmed := strings.TrimSpace(string(msg))
		if strings.EqualFold(trimmed, "ping") {
			_ = conn.WriteMessage(websocket.TextMessage, []byte("pong"))
			continue
		}

		var cmd struct {
			Type     string `json:"type"`
			RunnerID int64  `json:"runner_id"`
		}
		if err := json.Unmarshal(msg, &cmd); err != nil {
			continue
		}
		switch cmd.Type {
		case "watch_runner":
			h.watchRunner(customerID, cmd.RunnerID)
		case "unwatch_runner":
			h.unwatchRunner(customerID, cmd.RunnerID)
		}
	}
}

func (h *CustomerHub) watchRunner(customerID, runnerID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, err := h.gate.VisibleTo(ctx, customerID, runnerID)
	if err != nil {
		h.logger.Errorf("customer %d watch runner %d: %v", customerID, runnerID, err)
		return
	}
	if !ok {
		return
	}
	h.mu.Lock()
	if h.watches[runnerID] == nil {
		h.watches[runnerID] = make(map[int64]struct{})
	}
	h.watches[runnerID][customerID] = struct{}{}
	h.mu.Unlock()
}

func (h *CustomerHub) unwatchRunner(customerID, runnerID int64) {
	h.mu.Lock()
	if set := h.watches[runnerID]; set != nil {
		delete(set, customerID)
		if len(set) == 0 {
			delete(h.watches, runnerID)
		}
	}
	h.mu.Unlock()
}

// ForwardPosition relays a runner position frame to every watching
// customer, re-checking visibility so a revoked grant cuts the stream at
// the next frame.
func (h *CustomerHub) ForwardPosition(pos geo.RunnerPosition) {
	h.mu.RLock()
	set := h.watches[pos.RunnerID]
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	if len(ids) == 0 {
		return
	}

	frame := runnerUpdate{
		Type:      "runner_position",
		RunnerID:  pos.RunnerID,
		Lon:       pos.Lng,
		Lat:       pos.Lat,
		Heading:   pos.Heading,
		SpeedMPS:  pos.SpeedMPS,
		UpdatedAt: pos.UpdatedAt.Unix(),
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	for _, customerID := range ids {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		ok, err := h.gate.VisibleTo(ctx, customerID, pos.RunnerID)
		cancel()
		if err != nil || !ok {
			h.unwatchRunner(customerID, pos.RunnerID)
			continue
		}
		h.safeWrite(customerID, func(conn *websocket.Conn) error {
			return conn.WriteMessage(websocket.TextMessage, data)
		})
	}
}

func (h *CustomerHub) safeWrite(customerID int64, writer func(*websocket.Conn) error) {
	h.mu.RLock()
	conn := h.conns[customerID]
	mu := h.wmu[customerID]
	h.mu.RUnlock()
	if conn == nil || mu == nil {
		return
	}

	mu.Lock()
	defer mu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := writer(conn); err != nil {
		h.logger.Errorf("customer %d write failed: %v", customerID, err)
	}
}

// PushOrderEvent sends a lifecycle event to the customer.
func (h *CustomerHub) PushOrderEvent(customerID int64, event OrderEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	h.mu.RLock()
	_, ok := h.conns[customerID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	h.safeWrite(customerID, func(conn *websocket.Conn) error {
		return conn.WriteMessage(websocket.TextMessage, data)
	})
}
