package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tradegate/internal/domain"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	streamBuffer    = 64
	streamPing      = 30 * time.Second
	streamWriteWait = 5 * time.Second
)

// Hub pushes every durable audit record to connected dashboards. It is an
// audit notifier; a slow client loses records rather than stalling others.
type Hub struct {
	lock    sync.Mutex
	clients map[chan domain.AuditRecord]struct{}
	logger  *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{clients: make(map[chan domain.AuditRecord]struct{}), logger: logger}
}

func (h *Hub) Name() string { return "stream" }

func (h *Hub) Notify(_ context.Context, rec domain.AuditRecord) error {
	h.lock.Lock()
	defer h.lock.Unlock()
	for ch := range h.clients {
		select {
		case ch <- rec:
		default:
			h.logger.Warn("audit stream client lagging; record dropped", zap.String("command_id", rec.CommandID))
		}
	}
	return nil
}

func (h *Hub) subscribe() chan domain.AuditRecord {
	ch := make(chan domain.AuditRecord, streamBuffer)
	h.lock.Lock()
	h.clients[ch] = struct{}{}
	h.lock.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan domain.AuditRecord) {
	h.lock.Lock()
	delete(h.clients, ch)
	h.lock.Unlock()
}

func (h *Hub) Clients() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.clients)
}

func (s *Server) handleAuditStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("audit stream upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	records := s.hub.subscribe()
	defer s.hub.unsubscribe(records)

	// reader only detects the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPing)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case rec := <-records:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(rec); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}
