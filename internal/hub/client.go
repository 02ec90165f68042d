package hub

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"jobengine/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024

	authTimeout = 5 * time.Second
)

// Client actions.
const (
	actionSubscribe   = "subscribeToJob"
	actionUnsubscribe = "unsubscribeFromJob"
)

// clientFrame is the wire shape of every client-to-server message.
type clientFrame struct {
	Action string `json:"action"`
	JobID  string `json:"jobId"`
}

// Client is one WebSocket connection with its authenticated principal.
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string
	role   string
}

func newClient(h *Hub, conn *websocket.Conn, userID, role string) *Client {
	return &Client{
		id:     uuid.NewString(),
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 64),
		userID: userID,
		role:   role,
	}
}

// readPump reads subscription commands from the connection until it closes.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn().Err(err).Str("client_id", c.id).Msg("websocket read error")
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendError("", "malformed message")
			continue
		}
		c.handleFrame(frame)
	}
}

// writePump writes queued frames and keepalive pings to the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleFrame(frame clientFrame) {
	if _, err := uuid.Parse(frame.JobID); err != nil {
		c.sendError(frame.JobID, "invalid job id")
		return
	}

	switch frame.Action {
	case actionSubscribe:
		ctx, cancel := context.WithTimeout(context.Background(), authTimeout)
		err := c.hub.authorize(ctx, c, frame.JobID)
		cancel()
		switch {
		case errors.Is(err, domain.ErrNotFound):
			c.sendError(frame.JobID, "job not found")
		case errors.Is(err, domain.ErrUnauthorized):
			c.sendError(frame.JobID, "not authorized for this job")
		case err != nil:
			c.hub.logger.Error().Err(err).Str("job_id", frame.JobID).Msg("subscription authorization")
			c.sendError(frame.JobID, "subscription failed")
		default:
			c.hub.joinRoom(c, frame.JobID)
		}

	case actionUnsubscribe:
		c.hub.leaveRoom(c, frame.JobID)

	default:
		c.sendError(frame.JobID, "unknown action")
	}
}

func (c *Client) sendError(jobID, msg string) {
	data, err := json.Marshal(pushFrame{Target: TargetError, JobID: jobID, Error: msg})
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}
