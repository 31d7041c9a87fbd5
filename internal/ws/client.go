package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/gridsync/internal/channel"
	"github.com/dgnsrekt/gridsync/internal/data"
	"github.com/dgnsrekt/gridsync/internal/model"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Default time allowed between inbound frames or pongs.
	pongWait = 60 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	// Send buffer size per client.
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // dev server
}

// Client is one socket connection. It may be joined to several topics.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	connID string
	user   model.User
	joins  map[string]string // topic -> joinRef, guarded by hub.mu
	logger *zap.Logger
}

// HandleSocket authenticates the token query parameter and upgrades the
// request to a channel socket.
func (h *Hub) HandleSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if vsn := q.Get("vsn"); vsn != "" && vsn != channel.DefaultVsn {
		http.Error(w, "unsupported vsn "+vsn, http.StatusBadRequest)
		return
	}

	user, err := h.issuer.Verify(q.Get("token"))
	if err != nil {
		h.logger.Debug("socket rejected", zap.Error(err))
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	connID := uuid.New().String()
	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		connID: connID,
		user:   user,
		joins:  make(map[string]string),
		logger: h.logger.With(zap.String("connID", connID), zap.String("user", user.ID)),
	}

	if !h.addClient(client) {
		conn.Close()
		return
	}

	// Start read/write pumps
	go client.writePump()
	go client.readPump()
}

// readPump reads frames from the socket. Any inbound frame extends the
// deadline, so client heartbeats keep the connection alive.
func (c *Client) readPump() {
	defer func() {
		c.markDisconnected()
		c.hub.drop(c)
		c.conn.Close()
	}()

	wait := c.hub.opts.HeartbeatTimeout
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(wait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			break
		}
		c.conn.SetReadDeadline(time.Now().Add(wait))
		c.handleMessage(message)
	}
}

// writePump writes queued frames and pings to the socket.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.opts.HeartbeatTimeout * 9 / 10)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed, send close message
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("websocket write error", zap.Error(err))
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

// handleMessage dispatches one inbound frame.
func (c *Client) handleMessage(frame []byte) {
	m, err := channel.Decode(frame)
	if err != nil {
		c.logger.Debug("dropping malformed frame", zap.Error(err))
		return
	}

	if m.Topic == channel.TopicPhoenix && m.Event == channel.EventHeartbeat {
		c.reply(m, channel.StatusOK, nil)
		return
	}
	if m.Event == channel.EventJoin {
		c.handleJoin(m)
		return
	}
	if _, ok := c.hub.joined(c, m.Topic); !ok {
		c.replyError(m, "unmatched topic")
		return
	}

	res, _ := model.ResourceForTopic(m.Topic)

	switch m.Event {
	case channel.EventLeave:
		c.hub.LeaveTopic(c, m.Topic)
		if res.Kind == model.KindGame {
			c.hub.store.SetConnected(res.ID, c.user.ID, false)
		}
		c.reply(m, channel.StatusOK, nil)

	case channel.EventRequestState:
		c.reply(m, channel.StatusOK, nil)
		c.pushState(m.Topic, res)

	case "move":
		var move struct {
			X int `json:"x"`
			Y int `json:"y"`
		}
		if res.Kind != model.KindGame || json.Unmarshal(m.Payload, &move) != nil {
			c.replyError(m, "bad move")
			return
		}
		c.replyResult(m, c.hub.store.Move(res.ID, c.user.ID, move.X, move.Y))

	case "take_seat":
		if res.Kind != model.KindGame {
			c.replyError(m, "not a game topic")
			return
		}
		c.replyResult(m, c.hub.store.JoinGame(res.ID, c.user))

	case "dismiss":
		var body struct {
			ID string `json:"id"`
		}
		if res.Kind != model.KindInvitations || json.Unmarshal(m.Payload, &body) != nil {
			c.replyError(m, "bad dismiss")
			return
		}
		c.replyResult(m, c.hub.store.Dismiss(body.ID))

	default:
		c.replyError(m, "unknown event "+m.Event)
	}
}

func (c *Client) handleJoin(m *channel.Message) {
	if c.hub.opts.PushDisabled {
		c.replyError(m, "push disabled")
		return
	}

	res, ok := model.ResourceForTopic(m.Topic)
	if !ok {
		c.replyError(m, "unknown topic")
		return
	}
	if _, err := c.hub.store.Revision(res); err != nil {
		c.replyError(m, "not found")
		return
	}

	joinRef := m.RefString()
	if m.JoinRef != nil {
		joinRef = *m.JoinRef
	}
	c.hub.JoinTopic(c, m.Topic, joinRef)
	c.reply(&channel.Message{JoinRef: &joinRef, Ref: m.Ref, Topic: m.Topic}, channel.StatusOK, nil)
	if res.Kind == model.KindGame {
		c.hub.store.SetConnected(res.ID, c.user.ID, true)
	}
}

// pushState sends the current snapshot of res as a "state" event.
func (c *Client) pushState(topic string, res model.Resource) {
	snap, err := c.hub.store.Snapshot(res, c.user)
	if err != nil {
		c.logger.Debug("state unavailable", zap.String("topic", topic), zap.Error(err))
		return
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		c.logger.Error("encoding state", zap.Error(err))
		return
	}
	frame, err := c.buildPush(topic, EventState, payload)
	if err != nil {
		return
	}
	c.hub.enqueue(c, frame)
}

func (c *Client) replyResult(m *channel.Message, err error) {
	if err != nil {
		c.replyError(m, reasonFor(err))
		return
	}
	c.reply(m, channel.StatusOK, nil)
}

func (c *Client) replyError(m *channel.Message, reason string) {
	c.logger.Debug("replying with error",
		zap.String("topic", m.Topic),
		zap.String("event", m.Event),
		zap.String("reason", reason),
	)
	c.reply(m, channel.StatusError, map[string]string{"reason": reason})
}

// reply answers m with a phx_reply carrying the same refs.
func (c *Client) reply(m *channel.Message, status string, response any) {
	if response == nil {
		response = struct{}{}
	}
	body, err := json.Marshal(map[string]any{"status": status, "response": response})
	if err != nil {
		return
	}
	frame, err := channel.Encode(channel.Message{
		JoinRef: m.JoinRef,
		Ref:     m.Ref,
		Topic:   m.Topic,
		Event:   channel.EventReply,
		Payload: body,
	})
	if err != nil {
		return
	}
	c.hub.enqueue(c, frame)
}

// buildPush encodes a server push for a topic c has joined. Callers hold
// hub.mu or are the client's own read goroutine.
func (c *Client) buildPush(topic, event string, payload json.RawMessage) ([]byte, error) {
	var joinRef *string
	if ref, ok := c.joins[topic]; ok {
		joinRef = &ref
	}
	return channel.Encode(channel.Message{JoinRef: joinRef, Topic: topic, Event: event, Payload: payload})
}

// markDisconnected clears presence in every game this socket had joined.
func (c *Client) markDisconnected() {
	c.hub.mu.RLock()
	var games []string
	for topic := range c.joins {
		if res, ok := model.ResourceForTopic(topic); ok && res.Kind == model.KindGame {
			games = append(games, res.ID)
		}
	}
	c.hub.mu.RUnlock()

	for _, id := range games {
		c.hub.store.SetConnected(id, c.user.ID, false)
	}
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, data.ErrNotYourTurn):
		return "not your turn"
	case errors.Is(err, data.ErrGameFull):
		return "game is full"
	case errors.Is(err, data.ErrGameFinished):
		return "game is finished"
	case errors.Is(err, data.ErrNotStarted):
		return "game has not started"
	case errors.Is(err, data.ErrNotFound):
		return "not found"
	}
	return err.Error()
}
