// Package hub provides the realtime WebSocket channel that streams job
// progress to connected clients. Clients subscribe to individual jobs and
// receive every lifecycle event for those jobs as it happens; subscriptions
// are authorized against job ownership.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"jobengine/internal/domain"
	"jobengine/internal/event"
	"jobengine/internal/middleware"
)

// Push targets understood by clients.
const (
	TargetProgress     = "ReceiveProgress"
	TargetJobCompleted = "JobCompleted"
	TargetError        = "Error"
)

// pushFrame is the wire shape of every server-to-client message.
type pushFrame struct {
	Target  string           `json:"target"`
	JobID   string           `json:"jobId,omitempty"`
	Kind    domain.EventKind `json:"kind,omitempty"`
	Payload domain.JobEvent  `json:"payload,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// Hub routes lifecycle events from the bus to WebSocket clients grouped in
// per-job rooms.
type Hub struct {
	store    domain.JobStore
	bus      *event.Bus
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	clients map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}
}

// New creates a hub that reads events from bus and authorizes subscriptions
// against store.
func New(store domain.JobStore, bus *event.Bus, logger zerolog.Logger) *Hub {
	return &Hub{
		store:  store,
		bus:    bus,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Cross-origin policy is enforced by the CORS layer in front.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]struct{}),
		rooms:      make(map[string]map[*Client]struct{}),
	}
}

// Run pumps bus events to subscribed clients until ctx is canceled.
func (h *Hub) Run(ctx context.Context) {
	sub := h.bus.Subscribe("", 256)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			h.mu.Unlock()
			h.logger.Debug().Str("client_id", client.id).Str("user_id", client.userID).Msg("client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				for jobID, members := range h.rooms {
					delete(members, client)
					if len(members) == 0 {
						delete(h.rooms, jobID)
					}
				}
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug().Str("client_id", client.id).Msg("client disconnected")

		case evt := <-sub.C:
			h.push(evt)
		}
	}
}

// push fans one event out to the event's job room.
func (h *Hub) push(evt domain.JobEvent) {
	target := TargetProgress
	if evt.EventKind() == domain.EventJobCompleted {
		target = TargetJobCompleted
	}
	frame := pushFrame{
		Target:  target,
		JobID:   evt.EventJobID(),
		Kind:    evt.EventKind(),
		Payload: evt,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error().Err(err).Msg("marshal push frame")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.rooms[evt.EventJobID()] {
		select {
		case client.send <- data:
		default:
			h.logger.Warn().Str("client_id", client.id).Msg("client send buffer full, frame dropped")
		}
	}
}

func (h *Hub) joinRoom(c *Client, jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[jobID] == nil {
		h.rooms[jobID] = make(map[*Client]struct{})
	}
	h.rooms[jobID][c] = struct{}{}
	h.logger.Debug().Str("client_id", c.id).Str("job_id", jobID).Msg("client subscribed to job")
}

func (h *Hub) leaveRoom(c *Client, jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[jobID]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, jobID)
		}
	}
	h.logger.Debug().Str("client_id", c.id).Str("job_id", jobID).Msg("client unsubscribed from job")
}

// authorize checks that the client may observe the given job: the job must
// exist and belong to the client, unless the client is an admin.
func (h *Hub) authorize(ctx context.Context, c *Client, jobID string) error {
	job, err := h.store.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if c.role != middleware.RoleAdmin && job.OwnerID != c.userID {
		return domain.ErrUnauthorized
	}
	return nil
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		client.conn.Close()
	}
	h.clients = make(map[*Client]struct{})
	h.rooms = make(map[string]map[*Client]struct{})
}

// ServeWS upgrades an authenticated HTTP request to a WebSocket connection
// and starts the client's read and write pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, "missing authorization", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := newClient(h, conn, userID, middleware.RoleFromContext(r.Context()))
	h.register <- client
	go client.writePump()
	go client.readPump()
}
