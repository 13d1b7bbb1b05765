package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sakif/borgwarehouse/internal/apperror"
	"github.com/sakif/borgwarehouse/internal/events"
	"github.com/sakif/borgwarehouse/internal/model"
)

const (
	streamBuffer   = 64
	pingInterval   = 30 * time.Second
	pongWait       = 90 * time.Second
	writeWait      = 10 * time.Second
	maxClientFrame = 1024
)

// EventStream pushes bus events to WebSocket clients. Each client only sees
// events about its own repositories plus fleet-wide ones.
type EventStream struct {
	bus      *events.Bus
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewEventStream relays bus events to WebSocket clients.
func NewEventStream(bus *events.Bus, logger *slog.Logger) *EventStream {
	return &EventStream{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		logger: logger,
	}
}

// HandleStream upgrades the request and streams events as JSON text frames
// until the client goes away.
//
// HTTP: GET /api/events
func (s *EventStream) HandleStream(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if !p.Can(model.PermRead) {
		writeError(w, apperror.Forbidden("the read permission is required"))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	queue := make(chan events.Event, streamBuffer)
	unsubscribe := s.bus.Subscribe(func(e events.Event) {
		if !e.VisibleTo(p.UserID) {
			return
		}
		select {
		case queue <- e:
		default:
			s.logger.Warn("event stream client too slow, dropping event",
				slog.Int("userId", p.UserID),
				slog.String("type", string(e.Type)),
			)
		}
	})
	defer unsubscribe()

	s.logger.Info("event stream connected", slog.Int("userId", p.UserID))
	defer s.logger.Info("event stream disconnected", slog.Int("userId", p.UserID))

	done := make(chan struct{})
	go s.readLoop(conn, done)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case e := <-queue:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// readLoop discards client frames and closes done when the connection ends.
// Reading is required for pong and close frames to be processed.
func (s *EventStream) readLoop(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(maxClientFrame)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("event stream read error", slog.String("error", err.Error()))
			}
			return
		}
	}
}
