package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Checker-Finance/escrow-market/pkg/model"
)

// EventHandler is called for every sale event received on a Stream.
type EventHandler func(evt model.SaleEvent)

// Stream is a websocket subscription to the market's sale event feed.
// It reconnects after an unexpected disconnect until Close is called.
type Stream struct {
	url            string
	logger         *zap.Logger
	conn           *websocket.Conn
	connMu         sync.Mutex
	handlers       []EventHandler
	handlersMu     sync.RWMutex
	connected      bool
	connectedMu    sync.RWMutex
	done           chan struct{}
	closeOnce      sync.Once
	reconnectDelay time.Duration
}

// NewStream creates a Stream for streamURL (for example
// "ws://localhost:9021/stream/sales"). A non-nil asset narrows the feed.
func NewStream(streamURL string, asset *model.Address, logger *zap.Logger) (*Stream, error) {
	u, err := url.Parse(streamURL)
	if err != nil {
		return nil, fmt.Errorf("invalid stream url: %w", err)
	}
	if asset != nil {
		q := u.Query()
		q.Set("asset", asset.String())
		u.RawQuery = q.Encode()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stream{
		url:            u.String(),
		logger:         logger,
		done:           make(chan struct{}),
		reconnectDelay: 5 * time.Second,
	}, nil
}

// Connect dials the feed and starts the read loop.
func (s *Stream) Connect(ctx context.Context) error {
	s.logger.Info("stream.connecting", zap.String("url", s.url))

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to sale stream: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	s.setConnected(true)

	go s.readLoop(conn)
	return nil
}

// Close stops the stream and any pending reconnect.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	s.setConnected(false)

	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return nil
	}
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return s.conn.Close()
}

func (s *Stream) IsConnected() bool {
	s.connectedMu.RLock()
	defer s.connectedMu.RUnlock()
	return s.connected
}

func (s *Stream) setConnected(connected bool) {
	s.connectedMu.Lock()
	defer s.connectedMu.Unlock()
	s.connected = connected
}

// AddHandler registers h for subsequent events.
func (s *Stream) AddHandler(h EventHandler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers = append(s.handlers, h)
}

func (s *Stream) readLoop(conn *websocket.Conn) {
	defer s.setConnected(false)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info("stream.closed_by_server")
				return
			}
			s.logger.Warn("stream.read_failed", zap.Error(err))
			s.scheduleReconnect()
			return
		}

		var evt model.SaleEvent
		if err := json.Unmarshal(message, &evt); err != nil {
			s.logger.Warn("stream.decode_failed", zap.Error(err))
			continue
		}
		s.notifyHandlers(evt)
	}
}

func (s *Stream) notifyHandlers(evt model.SaleEvent) {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	for _, h := range s.handlers {
		h(evt)
	}
}

func (s *Stream) scheduleReconnect() {
	s.logger.Info("stream.reconnect_scheduled", zap.Duration("delay", s.reconnectDelay))

	time.AfterFunc(s.reconnectDelay, func() {
		select {
		case <-s.done:
			return
		default:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Connect(ctx); err != nil {
			s.logger.Warn("stream.reconnect_failed", zap.Error(err))
			s.scheduleReconnect()
		}
	})
}
