package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/gridsync/internal/transport"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB

	// Outbound frames queued per connection.
	sendBufferSize = 256

	// Inbound events queued per connection before the read pump blocks.
	eventBufferSize = 64

	DefaultJoinTimeout       = 10 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
)

var (
	// ErrDisconnected is reported by Err after an explicit Disconnect.
	ErrDisconnected = errors.New("channel disconnected")

	// ErrChannelClosed is reported when the server closes or crashes the
	// joined channel.
	ErrChannelClosed = errors.New("channel closed by server")
)

// State is the client's position in the connection lifecycle.
type State int

const (
	Disconnected State = iota
	Connecting
	Joined
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Joined:
		return "joined"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Config describes one topic subscription over one socket.
type Config struct {
	URL               string
	Token             string
	Topic             string
	Vsn               string
	JoinTimeout       time.Duration
	HeartbeatInterval time.Duration
	Dialer            *websocket.Dialer
}

// Event is an inbound message on the joined topic.
type Event struct {
	Name    string
	Payload json.RawMessage
	Ref     string
}

// JoinError reports a join that did not complete.
type JoinError struct {
	Topic  string
	Reason string
	Err    error
}

func (e *JoinError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("join %s failed: %s: %v", e.Topic, e.Reason, e.Err)
	}
	return fmt.Sprintf("join %s failed: %s", e.Topic, e.Reason)
}

func (e *JoinError) Unwrap() error { return e.Err }

// Client is a single-topic push channel client. It is safe for concurrent use.
type Client struct {
	cfg    Config
	logger *zap.Logger

	ref atomic.Uint64

	// connecting serializes Connect so one join is outstanding at a time.
	connecting sync.Mutex

	mu      sync.Mutex
	state   State
	conn    *connection
	joinRef string
	err     error
}

// connection holds the per-socket pumps and queues.
type connection struct {
	ws      *websocket.Conn
	send    chan []byte
	events  chan Event
	replies chan Reply
	joinRef string
	done    chan struct{}
	once    sync.Once
	err     error
	wg      sync.WaitGroup
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Vsn == "" {
		cfg.Vsn = DefaultVsn
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		logger: logger.With(zap.String("topic", cfg.Topic)),
	}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err reports why the most recent connection ended. It is nil while a
// connection is live.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	return c.err
}

// Connect dials the socket, joins the topic and pushes request_state. The
// returned channel carries events for this connection only and is closed
// when the connection ends. Any previous connection is torn down first.
func (c *Client) Connect(ctx context.Context) (<-chan Event, error) {
	c.connecting.Lock()
	defer c.connecting.Unlock()

	c.Disconnect()

	c.mu.Lock()
	c.state = Connecting
	c.err = nil
	c.mu.Unlock()

	socketURL, err := c.socketURL()
	if err != nil {
		return nil, c.fail(&JoinError{Topic: c.cfg.Topic, Reason: "invalid socket url", Err: err})
	}

	c.logger.Debug("dialing channel socket", zap.String("url", c.cfg.URL))
	ws, resp, err := c.cfg.Dialer.DialContext(ctx, socketURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, c.fail(ctx.Err())
		}
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, c.fail(fmt.Errorf("channel handshake: status %d: %w", resp.StatusCode, transport.ErrUnauthenticated))
		}
		return nil, c.fail(&JoinError{Topic: c.cfg.Topic, Reason: "dial", Err: err})
	}

	joinRef := c.nextRef()
	conn := &connection{
		ws:      ws,
		send:    make(chan []byte, sendBufferSize),
		events:  make(chan Event, eventBufferSize),
		replies: make(chan Reply, 1),
		joinRef: joinRef,
		done:    make(chan struct{}),
	}

	c.mu.Lock()
	stale := c.conn
	c.conn = conn
	c.mu.Unlock()
	if stale != nil {
		stale.close(ErrDisconnected)
		stale.wg.Wait()
	}

	conn.wg.Add(2)
	go c.writePump(conn)
	go c.readPump(conn)

	join, err := Encode(Message{Ref: strPtr(joinRef), Topic: c.cfg.Topic, Event: EventJoin})
	if err != nil {
		c.Disconnect()
		return nil, c.fail(&JoinError{Topic: c.cfg.Topic, Reason: "encode join", Err: err})
	}
	conn.send <- join

	if err := c.awaitJoin(ctx, conn); err != nil {
		c.teardown(conn)
		return nil, c.fail(err)
	}

	c.mu.Lock()
	if c.conn != conn {
		// Disconnected or dropped right after the reply.
		c.mu.Unlock()
		c.teardown(conn)
		return nil, &JoinError{Topic: c.cfg.Topic, Reason: "connection ended during join", Err: conn.err}
	}
	c.state = Joined
	c.joinRef = joinRef
	c.mu.Unlock()

	c.logger.Info("channel joined", zap.String("join_ref", joinRef))

	if _, err := c.Push(ctx, EventRequestState, nil); err != nil {
		c.logger.Warn("request_state push failed", zap.Error(err))
	}

	return conn.events, nil
}

// awaitJoin blocks until the join reply, the end of the connection, the join
// timeout or ctx. A reply already queued wins over a concurrent close.
func (c *Client) awaitJoin(ctx context.Context, conn *connection) error {
	timer := time.NewTimer(c.cfg.JoinTimeout)
	defer timer.Stop()

	var reply Reply
	select {
	case reply = <-conn.replies:
	case <-conn.done:
		select {
		case reply = <-conn.replies:
		default:
			return &JoinError{Topic: c.cfg.Topic, Reason: "connection closed before join reply", Err: conn.err}
		}
	case <-timer.C:
		return &JoinError{Topic: c.cfg.Topic, Reason: fmt.Sprintf("no join reply within %s", c.cfg.JoinTimeout)}
	case <-ctx.Done():
		return ctx.Err()
	}

	if reply.Status != StatusOK {
		reason := reply.Reason()
		if reason == "" {
			reason = "join rejected"
		}
		return &JoinError{Topic: c.cfg.Topic, Reason: reason}
	}
	return nil
}

// Push sends an application event on the joined topic and returns its ref.
// It fails with transport.ErrNotJoined unless the channel is joined; nothing
// is queued for later.
func (c *Client) Push(ctx context.Context, event string, payload any) (string, error) {
	c.mu.Lock()
	if c.state != Joined || c.conn == nil {
		c.mu.Unlock()
		return "", transport.ErrNotJoined
	}
	conn := c.conn
	joinRef := c.joinRef
	c.mu.Unlock()

	raw, err := marshalPayload(payload)
	if err != nil {
		return "", fmt.Errorf("encoding %s payload: %w", event, err)
	}

	ref := c.nextRef()
	frame, err := Encode(Message{
		JoinRef: strPtr(joinRef),
		Ref:     strPtr(ref),
		Topic:   c.cfg.Topic,
		Event:   event,
		Payload: raw,
	})
	if err != nil {
		return "", fmt.Errorf("encoding %s frame: %w", event, err)
	}

	select {
	case conn.send <- frame:
		c.logger.Debug("pushed", zap.String("event", event), zap.String("ref", ref))
		return ref, nil
	case <-conn.done:
		return "", transport.ErrNotJoined
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Disconnect closes the socket and resets ref state. It is safe in any state
// and blocks until the connection's pumps have exited.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.state = Disconnected
	c.joinRef = ""
	if conn != nil {
		c.err = ErrDisconnected
	}
	c.mu.Unlock()

	if conn == nil {
		return
	}
	conn.close(ErrDisconnected)
	conn.wg.Wait()
	c.ref.Store(0)
	c.logger.Debug("channel disconnected")
}

// teardown closes conn after a failed join.
func (c *Client) teardown(conn *connection) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()

	conn.close(nil)
	conn.wg.Wait()
	c.ref.Store(0)
}

// fail records err as the terminal error and moves to disconnected.
func (c *Client) fail(err error) error {
	c.mu.Lock()
	c.state = Disconnected
	c.joinRef = ""
	c.err = err
	c.mu.Unlock()
	c.logger.Debug("channel connect failed", zap.Error(err))
	return err
}

// ended runs when a connection's read pump exits.
func (c *Client) ended(conn *connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}
	c.conn = nil
	c.state = Disconnected
	c.joinRef = ""
	c.err = conn.err
}

func (c *Client) nextRef() string {
	return strconv.FormatUint(c.ref.Add(1), 10)
}

func (c *Client) socketURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("vsn", c.cfg.Vsn)
	if c.cfg.Token != "" {
		q.Set("token", c.cfg.Token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// readPump reads frames until the socket fails. It is the only sender on
// conn.events and closes it on exit.
func (c *Client) readPump(conn *connection) {
	defer func() {
		conn.close(nil)
		c.ended(conn)
		close(conn.events)
		conn.wg.Done()
	}()

	readWait := 2 * c.cfg.HeartbeatInterval
	conn.ws.SetReadLimit(maxMessageSize)
	_ = conn.ws.SetReadDeadline(time.Now().Add(readWait))
	conn.ws.SetPingHandler(func(data string) error {
		_ = conn.ws.SetReadDeadline(time.Now().Add(readWait))
		return conn.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	joined := false
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("channel read error", zap.Error(err))
			}
			conn.close(err)
			return
		}
		_ = conn.ws.SetReadDeadline(time.Now().Add(readWait))

		msg, err := Decode(data)
		if err != nil {
			c.logger.Debug("dropping malformed frame", zap.Error(err))
			continue
		}
		if msg.Topic != c.cfg.Topic {
			if msg.Topic != TopicPhoenix {
				c.logger.Debug("dropping frame for other topic", zap.String("frame_topic", msg.Topic))
			}
			continue
		}

		if !joined {
			if msg.Event != EventReply || msg.RefString() != conn.joinRef {
				c.logger.Debug("dropping frame before join reply", zap.String("event", msg.Event))
				continue
			}
			var reply Reply
			if err := json.Unmarshal(msg.Payload, &reply); err != nil {
				c.logger.Debug("dropping malformed join reply", zap.Error(err))
				continue
			}
			joined = reply.Status == StatusOK
			conn.replies <- reply
			if !joined {
				return
			}
			continue
		}

		switch msg.Event {
		case EventClose, EventError:
			c.logger.Info("server ended channel", zap.String("event", msg.Event))
			conn.close(fmt.Errorf("%w: %s", ErrChannelClosed, msg.Event))
			return
		}

		select {
		case conn.events <- Event{Name: msg.Event, Payload: msg.Payload, Ref: msg.RefString()}:
		case <-conn.done:
			return
		}
	}
}

// writePump owns all data writes to the socket and emits heartbeats.
func (c *Client) writePump(conn *connection) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		conn.wg.Done()
	}()

	for {
		select {
		case <-conn.done:
			return

		case frame := <-conn.send:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("channel write error", zap.Error(err))
				conn.close(err)
				return
			}

		case <-ticker.C:
			hb, _ := Encode(Message{Ref: strPtr(c.nextRef()), Topic: TopicPhoenix, Event: EventHeartbeat})
			_ = conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.ws.WriteMessage(websocket.TextMessage, hb); err != nil {
				conn.close(err)
				return
			}
		}
	}
}

// close ends the connection once, recording the first cause.
func (conn *connection) close(err error) {
	conn.once.Do(func() {
		conn.err = err
		close(conn.done)
		_ = conn.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		_ = conn.ws.Close()
	})
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(p)
	}
}
