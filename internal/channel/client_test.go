package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dgnsrekt/gridsync/internal/transport"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// peer is the server end of one test connection.
type peer struct {
	conn *websocket.Conn
	req  *http.Request
	mu   sync.Mutex
}

func (p *peer) writeRaw(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.WriteMessage(websocket.TextMessage, data)
}

func (p *peer) write(m Message) {
	data, _ := Encode(m)
	p.writeRaw(data)
}

// fakeServer is a minimal channel server. joinReply decides how each join is
// answered; returning nil leaves the join unanswered.
type fakeServer struct {
	*httptest.Server
	wsURL  string
	frames chan *Message
	peers  chan *peer
	open   atomic.Int32
}

func newFakeServer(t *testing.T, joinReply func(*Message) *Reply) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		frames: make(chan *Message, 64),
		peers:  make(chan *peer, 4),
	}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		p := &peer{conn: conn, req: r}
		fs.open.Add(1)
		defer fs.open.Add(-1)
		select {
		case fs.peers <- p:
		default:
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			m, err := Decode(data)
			if err != nil {
				continue
			}
			fs.frames <- m
			if m.Event == EventJoin && joinReply != nil {
				if reply := joinReply(m); reply != nil {
					payload, _ := json.Marshal(reply)
					p.write(Message{JoinRef: m.Ref, Ref: m.Ref, Topic: m.Topic, Event: EventReply, Payload: payload})
				}
			}
		}
	}))
	fs.wsURL = "ws" + strings.TrimPrefix(fs.Server.URL, "http") + "/socket/websocket"
	t.Cleanup(fs.Close)
	return fs
}

func acceptJoin(*Message) *Reply { return &Reply{Status: StatusOK} }

func (fs *fakeServer) nextFrame(t *testing.T) *Message {
	t.Helper()
	select {
	case m := <-fs.frames:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func (fs *fakeServer) nextPeer(t *testing.T) *peer {
	t.Helper()
	select {
	case p := <-fs.peers:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection")
		return nil
	}
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "event stream closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func waitClosed(t *testing.T, events <-chan Event) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("event stream not closed")
		}
	}
}

func newTestClient(t *testing.T, url string, mutate ...func(*Config)) *Client {
	cfg := Config{URL: url, Token: "tok", Topic: "game:g1", JoinTimeout: time.Second}
	for _, m := range mutate {
		m(&cfg)
	}
	c := NewClient(cfg, zaptest.NewLogger(t))
	t.Cleanup(c.Disconnect)
	return c
}

func TestConnect_JoinThenRequestState(t *testing.T) {
	fs := newFakeServer(t, acceptJoin)
	c := newTestClient(t, fs.wsURL)

	events, err := c.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Joined, c.State())

	p := fs.nextPeer(t)
	assert.Equal(t, DefaultVsn, p.req.URL.Query().Get("vsn"))
	assert.Equal(t, "tok", p.req.URL.Query().Get("token"))

	join := fs.nextFrame(t)
	assert.Equal(t, EventJoin, join.Event)
	assert.Equal(t, "game:g1", join.Topic)
	assert.Nil(t, join.JoinRef, "join must not carry a join ref")
	require.NotNil(t, join.Ref)

	rs := fs.nextFrame(t)
	assert.Equal(t, EventRequestState, rs.Event)
	require.NotNil(t, rs.JoinRef)
	assert.Equal(t, *join.Ref, *rs.JoinRef)
	assert.NotEqual(t, *join.Ref, rs.RefString())

	// Unrelated traffic must not reach the caller or break the connection.
	p.write(Message{Topic: "game:other", Event: "state", Payload: json.RawMessage(`{}`)})
	p.writeRaw([]byte(`not json`))
	p.writeRaw([]byte(`[1,2]`))
	p.write(Message{Topic: "game:g1", Event: "state", Payload: json.RawMessage(`{"id":"g1"}`)})

	ev := nextEvent(t, events)
	assert.Equal(t, "state", ev.Name)
	assert.JSONEq(t, `{"id":"g1"}`, string(ev.Payload))
	assert.Equal(t, Joined, c.State())
}

func TestConnect_JoinErrorReply(t *testing.T) {
	fs := newFakeServer(t, func(*Message) *Reply {
		return &Reply{Status: StatusError, Response: json.RawMessage(`{"reason":"push disabled"}`)}
	})
	c := newTestClient(t, fs.wsURL)

	events, err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Nil(t, events)

	var jerr *JoinError
	require.True(t, errors.As(err, &jerr))
	assert.Equal(t, "push disabled", jerr.Reason)
	assert.Equal(t, Disconnected, c.State())
	assert.Equal(t, err, c.Err())
}

func TestConnect_JoinTimeout(t *testing.T) {
	fs := newFakeServer(t, nil)
	c := newTestClient(t, fs.wsURL, func(cfg *Config) { cfg.JoinTimeout = 100 * time.Millisecond })

	start := time.Now()
	_, err := c.Connect(context.Background())

	var jerr *JoinError
	require.True(t, errors.As(err, &jerr), "got %v", err)
	assert.Contains(t, jerr.Reason, "no join reply")
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, Disconnected, c.State())
}

func TestConnect_ClosedBeforeReply(t *testing.T) {
	fs := newFakeServer(t, nil)
	c := newTestClient(t, fs.wsURL, func(cfg *Config) { cfg.JoinTimeout = 5 * time.Second })

	go func() {
		p := <-fs.peers
		<-fs.frames
		p.conn.Close()
	}()

	_, err := c.Connect(context.Background())
	var jerr *JoinError
	require.True(t, errors.As(err, &jerr), "got %v", err)
	assert.Contains(t, jerr.Reason, "closed before join reply")
}

func TestConnect_HandshakeUnauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	_, err := c.Connect(context.Background())
	assert.True(t, errors.Is(err, transport.ErrUnauthenticated), "got %v", err)
	assert.Equal(t, transport.KindUnauthenticated, transport.Classify(err))
}

func TestConnect_DialFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	c := newTestClient(t, url)
	_, err := c.Connect(context.Background())

	var jerr *JoinError
	assert.True(t, errors.As(err, &jerr), "got %v", err)
}

func TestPush_NotJoined(t *testing.T) {
	c := newTestClient(t, "ws://127.0.0.1:1/socket/websocket")

	_, err := c.Push(context.Background(), "move", map[string]int{"x": 1})
	assert.ErrorIs(t, err, transport.ErrNotJoined)

	// Safe on a never-connected client.
	c.Disconnect()
	c.Disconnect()
	assert.Equal(t, Disconnected, c.State())
	assert.NoError(t, c.Err())
}

func TestPush_RefsIncreaseAndEchoJoinRef(t *testing.T) {
	fs := newFakeServer(t, acceptJoin)
	c := newTestClient(t, fs.wsURL)

	_, err := c.Connect(context.Background())
	require.NoError(t, err)
	join := fs.nextFrame(t)
	fs.nextFrame(t) // request_state

	ref1, err := c.Push(context.Background(), "move", map[string]int{"x": 1, "y": 0})
	require.NoError(t, err)
	ref2, err := c.Push(context.Background(), "move", json.RawMessage(`{"x":0,"y":1}`))
	require.NoError(t, err)
	assert.Greater(t, ref2, ref1)

	for _, want := range []string{ref1, ref2} {
		m := fs.nextFrame(t)
		assert.Equal(t, "move", m.Event)
		assert.Equal(t, want, m.RefString())
		require.NotNil(t, m.JoinRef)
		assert.Equal(t, *join.Ref, *m.JoinRef)
	}
}

func TestDisconnect_ClosesStream(t *testing.T) {
	fs := newFakeServer(t, acceptJoin)
	c := newTestClient(t, fs.wsURL)

	events, err := c.Connect(context.Background())
	require.NoError(t, err)

	c.Disconnect()
	waitClosed(t, events)
	assert.Equal(t, Disconnected, c.State())
	assert.ErrorIs(t, c.Err(), ErrDisconnected)

	_, err = c.Push(context.Background(), "move", nil)
	assert.ErrorIs(t, err, transport.ErrNotJoined)
}

func TestServerClose_EndsStream(t *testing.T) {
	fs := newFakeServer(t, acceptJoin)
	c := newTestClient(t, fs.wsURL)

	events, err := c.Connect(context.Background())
	require.NoError(t, err)

	p := fs.nextPeer(t)
	p.conn.Close()

	waitClosed(t, events)
	assert.Equal(t, Disconnected, c.State())
	assert.Error(t, c.Err())
}

func TestChannelCloseEvent_EndsStream(t *testing.T) {
	fs := newFakeServer(t, acceptJoin)
	c := newTestClient(t, fs.wsURL)

	events, err := c.Connect(context.Background())
	require.NoError(t, err)

	p := fs.nextPeer(t)
	p.write(Message{Topic: "game:g1", Event: EventClose})

	waitClosed(t, events)
	assert.ErrorIs(t, c.Err(), ErrChannelClosed)
}

func TestConnect_ReplacesPriorConnection(t *testing.T) {
	fs := newFakeServer(t, acceptJoin)
	c := newTestClient(t, fs.wsURL)

	first, err := c.Connect(context.Background())
	require.NoError(t, err)
	second, err := c.Connect(context.Background())
	require.NoError(t, err)

	waitClosed(t, first)
	assert.Equal(t, Joined, c.State())

	p1 := fs.nextPeer(t)
	p2 := fs.nextPeer(t)
	assert.NotSame(t, p1, p2)

	p2.write(Message{Topic: "game:g1", Event: "update", Payload: json.RawMessage(`{}`)})
	assert.Equal(t, "update", nextEvent(t, second).Name)
}

func TestConnect_ConcurrentCallsLeaveOneSocket(t *testing.T) {
	fs := newFakeServer(t, acceptJoin)
	c := newTestClient(t, fs.wsURL)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Connect(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, Joined, c.State())
	assert.Eventually(t, func() bool { return fs.open.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	c.Disconnect()
	assert.Eventually(t, func() bool { return fs.open.Load() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHeartbeat(t *testing.T) {
	fs := newFakeServer(t, acceptJoin)
	c := newTestClient(t, fs.wsURL, func(cfg *Config) { cfg.HeartbeatInterval = 50 * time.Millisecond })

	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-fs.frames:
			if m.Event == EventHeartbeat {
				assert.Equal(t, TopicPhoenix, m.Topic)
				assert.Nil(t, m.JoinRef)
				return
			}
		case <-deadline:
			t.Fatal("no heartbeat sent")
		}
	}
}

func TestConnect_CancelledContext(t *testing.T) {
	fs := newFakeServer(t, nil)
	c := newTestClient(t, fs.wsURL, func(cfg *Config) { cfg.JoinTimeout = 5 * time.Second })

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-fs.frames
		cancel()
	}()

	_, err := c.Connect(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, transport.KindCancelled, transport.Classify(err))
	assert.Equal(t, Disconnected, c.State())
}
