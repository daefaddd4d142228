// Package stream pushes committed sale events to websocket subscribers.
package stream

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Checker-Finance/escrow-market/internal/metrics"
	"github.com/Checker-Finance/escrow-market/pkg/eventbus"
	"github.com/Checker-Finance/escrow-market/pkg/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

type subscriber struct {
	conn  *websocket.Conn
	send  chan []byte
	asset *model.Address
}

// Hub fans sale events out to connected websocket clients. A client that
// falls sendBuffer messages behind is disconnected.
type Hub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		subs: make(map[*subscriber]struct{}),
	}
}

// Attach subscribes the hub to sale events on bus.
func (h *Hub) Attach(bus *eventbus.EventBus) {
	bus.SubscribeFunc(func(evt model.SaleEvent) {
		h.Broadcast(evt)
	})
}

// Len returns the number of connected subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Broadcast queues evt for every subscriber whose asset filter matches.
func (h *Hub) Broadcast(evt model.SaleEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("stream.marshal_failed", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		if s.asset != nil && *s.asset != evt.Asset {
			continue
		}
		select {
		case s.send <- data:
		default:
			h.logger.Warn("stream.subscriber_dropped", zap.String("remote", s.conn.RemoteAddr().String()))
			metrics.IncError("stream", "slow_subscriber")
			h.removeLocked(s)
		}
	}
}

// ServeHTTP upgrades the request and streams events until the client goes
// away. The optional asset query parameter limits the feed to one asset.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var filter *model.Address
	if q := r.URL.Query().Get("asset"); q != "" {
		a, err := model.ParseAddress(q)
		if err != nil {
			http.Error(w, "invalid asset", http.StatusBadRequest)
			return
		}
		filter = &a
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("stream.upgrade_failed", zap.Error(err))
		return
	}

	s := &subscriber{conn: conn, send: make(chan []byte, sendBuffer), asset: filter}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	h.logger.Info("stream.subscribed", zap.String("remote", conn.RemoteAddr().String()))

	go h.writeLoop(s)
	h.readLoop(s)
}

// readLoop only services control frames; clients never send data.
func (h *Hub) readLoop(s *subscriber) {
	defer h.remove(s)
	s.conn.SetReadLimit(512)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("stream.read_closed", zap.Error(err))
			}
			return
		}
	}
}

func (h *Hub) writeLoop(s *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debug("stream.write_failed", zap.Error(err))
				h.remove(s)
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(s)
				return
			}
		}
	}
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(s)
}

func (h *Hub) removeLocked(s *subscriber) {
	if _, ok := h.subs[s]; !ok {
		return
	}
	delete(h.subs, s)
	close(s.send)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		h.removeLocked(s)
	}
}
