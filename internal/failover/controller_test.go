package failover

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dgnsrekt/gridsync/internal/api"
	"github.com/dgnsrekt/gridsync/internal/channel"
	"github.com/dgnsrekt/gridsync/internal/model"
	"github.com/dgnsrekt/gridsync/internal/status"
	"github.com/dgnsrekt/gridsync/internal/transport"
)

// fakePoller scripts poll and snapshot responses by call index. A nil
// script behaves like a long poll with no changes.
type fakePoller struct {
	mu        sync.Mutex
	cursors   []api.Cursor
	times     []time.Time
	snapshots int

	pollFn func(ctx context.Context, n int, cursor api.Cursor) (*api.PollResult, error)
	snapFn func(ctx context.Context, n int) (*api.SnapshotResult, error)
}

func (p *fakePoller) Poll(ctx context.Context, res model.Resource, cursor api.Cursor, budget time.Duration) (*api.PollResult, error) {
	p.mu.Lock()
	n := len(p.cursors)
	p.cursors = append(p.cursors, cursor)
	p.times = append(p.times, time.Now())
	fn := p.pollFn
	p.mu.Unlock()

	if fn == nil {
		return idle(ctx)
	}
	return fn(ctx, n, cursor)
}

func (p *fakePoller) Snapshot(ctx context.Context, res model.Resource) (*api.SnapshotResult, error) {
	p.mu.Lock()
	n := p.snapshots
	p.snapshots++
	fn := p.snapFn
	p.mu.Unlock()

	if fn == nil {
		<-ctx.Done()
		return &api.SnapshotResult{Outcome: api.Cancelled}, nil
	}
	return fn(ctx, n)
}

func (p *fakePoller) pollCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cursors)
}

func (p *fakePoller) snapshotCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshots
}

func (p *fakePoller) pollCursors() []api.Cursor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]api.Cursor(nil), p.cursors...)
}

func (p *fakePoller) pollTimes() []time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]time.Time(nil), p.times...)
}

func idle(ctx context.Context) (*api.PollResult, error) {
	<-ctx.Done()
	return &api.PollResult{Outcome: api.Cancelled}, nil
}

// fakeChannel stands in for *channel.Client.
type fakeChannel struct {
	mu          sync.Mutex
	topic       string
	connectErr  error
	events      chan channel.Event
	endErr      error
	pushes      []string
	joined      bool
	disconnects int
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{events: make(chan channel.Event, 16)}
}

func (f *fakeChannel) factory(topic string) ChannelClient {
	f.mu.Lock()
	f.topic = topic
	f.mu.Unlock()
	return f
}

func (f *fakeChannel) Connect(ctx context.Context) (<-chan channel.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	f.joined = true
	return f.events, nil
}

func (f *fakeChannel) Push(ctx context.Context, event string, payload any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.joined {
		return "", transport.ErrNotJoined
	}
	f.pushes = append(f.pushes, event)
	return strconv.Itoa(len(f.pushes)), nil
}

func (f *fakeChannel) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = false
	f.disconnects++
}

func (f *fakeChannel) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.endErr
}

func (f *fakeChannel) end(err error) {
	f.mu.Lock()
	f.endErr = err
	f.joined = false
	f.mu.Unlock()
	close(f.events)
}

func (f *fakeChannel) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

func gameJSON(rev int, players ...string) []byte {
	var rows []string
	for _, p := range players {
		rows = append(rows, fmt.Sprintf(`{"id":%q,"name":%q,"score":0,"connected":true}`, p, p))
	}
	return []byte(fmt.Sprintf(
		`{"id":"g1","name":"demo","status":"active","turn":%d,"width":0,"height":0,"board":[],"players":[%s],"revision":%d}`,
		rev, strings.Join(rows, ","), rev))
}

func fresh(rev int, cursor string, players ...string) *api.PollResult {
	return &api.PollResult{Outcome: api.Fresh, Data: gameJSON(rev, players...), Cursor: api.Cursor(cursor)}
}

func testConfig() Config {
	return Config{
		PollBudget:    time.Second,
		FixedInterval: 20 * time.Millisecond,
		BackoffMin:    10 * time.Millisecond,
		BackoffMax:    40 * time.Millisecond,
	}
}

func recvUpdate(t *testing.T, sub *Subscription) Update {
	t.Helper()
	select {
	case u, ok := <-sub.Updates():
		require.True(t, ok, "updates closed early: %v", sub.Err())
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
		return Update{}
	}
}

func waitDone(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not stop")
	}
}

func revision(t *testing.T, u Update) int64 {
	t.Helper()
	require.NotNil(t, u.Snapshot)
	return u.Snapshot.Revision()
}

func TestJoinErrorFallsBackToPollingImmediately(t *testing.T) {
	fc := newFakeChannel()
	fc.connectErr = &channel.JoinError{Topic: "game:g1", Reason: "push disabled"}

	poller := &fakePoller{pollFn: func(ctx context.Context, n int, cursor api.Cursor) (*api.PollResult, error) {
		if n == 0 {
			return fresh(1, "v1", "p1"), nil
		}
		return idle(ctx)
	}}

	cfg := testConfig()
	cfg.BackoffMin = 5 * time.Second
	cfg.BackoffMax = 10 * time.Second
	store := status.NewStore(nil)
	ctrl := New(poller, fc.factory, store, cfg, zaptest.NewLogger(t))

	start := time.Now()
	sub := ctrl.Subscribe(context.Background(), model.Game("g1"))
	defer sub.Close()

	u := recvUpdate(t, sub)
	assert.Less(t, time.Since(start), time.Second, "fallback must not wait a backoff cycle")
	assert.Equal(t, ModePoll, u.Source)
	assert.Equal(t, int64(1), revision(t, u))
	assert.Equal(t, []api.Cursor{""}, poller.pollCursors()[:1])

	cur := store.Current()
	assert.Equal(t, status.PollingFallback, cur.State)
	assert.Contains(t, cur.Reason, "push disabled")
	assert.Equal(t, "game/g1", cur.Resource)
	assert.Equal(t, ModePoll, sub.Mode())
}

func TestJoinTimeoutBeginsPollingWithinOneBackoffCycle(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	logger := zaptest.NewLogger(t)
	factory := func(topic string) ChannelClient {
		return channel.NewClient(channel.Config{
			URL:         server.URL + "/socket/websocket",
			Topic:       topic,
			JoinTimeout: 100 * time.Millisecond,
		}, logger)
	}

	poller := &fakePoller{}
	cfg := testConfig()
	cfg.BackoffMin = time.Second
	store := status.NewStore(nil)
	ctrl := New(poller, factory, store, cfg, logger)

	start := time.Now()
	sub := ctrl.Subscribe(context.Background(), model.Game("g1"))
	defer sub.Close()

	require.Eventually(t, func() bool { return poller.pollCount() > 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Less(t, time.Since(start), 100*time.Millisecond+cfg.BackoffMin)

	cur := store.Current()
	assert.Equal(t, status.PollingFallback, cur.State)
	assert.Contains(t, cur.Reason, "no join reply")
}

func TestTimedOutPollReissuesWithServerCursor(t *testing.T) {
	poller := &fakePoller{pollFn: func(ctx context.Context, n int, cursor api.Cursor) (*api.PollResult, error) {
		switch n {
		case 0:
			return &api.PollResult{Outcome: api.TimedOut, Data: []byte(`{"status":"ok","cursor":"v2","timeout":true}`), Cursor: "v2"}, nil
		case 1:
			return fresh(3, "v3", "p1"), nil
		default:
			return idle(ctx)
		}
	}}

	ctrl := New(poller, nil, nil, testConfig(), zaptest.NewLogger(t))
	sub := ctrl.Subscribe(context.Background(), model.Game("g1"))
	defer sub.Close()

	u := recvUpdate(t, sub)
	assert.Equal(t, int64(3), revision(t, u))

	require.Eventually(t, func() bool { return poller.pollCount() >= 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []api.Cursor{"", "v2", "v3"}, poller.pollCursors()[:3])
}

func TestTransientFailuresBackOffThenRecover(t *testing.T) {
	poller := &fakePoller{pollFn: func(ctx context.Context, n int, cursor api.Cursor) (*api.PollResult, error) {
		if n < 4 {
			return nil, &transport.TransportError{Op: "poll", Status: 502, Err: errors.New("bad gateway")}
		}
		if n == 4 {
			return fresh(1, "v1", "p1"), nil
		}
		return idle(ctx)
	}}

	store := status.NewStore(nil)
	ctrl := New(poller, nil, store, testConfig(), zaptest.NewLogger(t))
	sub := ctrl.Subscribe(context.Background(), model.Game("g1"))
	defer sub.Close()

	recvUpdate(t, sub)

	times := poller.pollTimes()
	require.GreaterOrEqual(t, len(times), 5)
	for i, want := range []time.Duration{10, 20, 40, 40} {
		gap := times[i+1].Sub(times[i])
		assert.GreaterOrEqual(t, gap, want*time.Millisecond, "gap %d", i)
	}

	cur := store.Current()
	assert.Equal(t, status.PollingFallback, cur.State)
	assert.Equal(t, "server reachable again", cur.Reason)
}

func TestBackoffReasonIsPublished(t *testing.T) {
	release := make(chan struct{})
	poller := &fakePoller{pollFn: func(ctx context.Context, n int, cursor api.Cursor) (*api.PollResult, error) {
		if n == 0 {
			return nil, &transport.TransportError{Op: "poll", Err: errors.New("connection refused")}
		}
		<-release
		return idle(ctx)
	}}

	cfg := testConfig()
	cfg.BackoffMin = 2 * time.Second
	cfg.BackoffMax = 4 * time.Second
	store := status.NewStore(nil)
	ctrl := New(poller, nil, store, cfg, zaptest.NewLogger(t))
	sub := ctrl.Subscribe(context.Background(), model.Game("g1"))
	defer func() {
		close(release)
		sub.Close()
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(store.Current().Reason, "backing off")
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "server still unreachable, backing off to 2s retries", store.Current().Reason)
}

func TestEndpointUnsupportedDowngradesPermanently(t *testing.T) {
	tokens := []string{"waiting", "waiting", "active", "active", "finished"}
	poller := &fakePoller{
		pollFn: func(ctx context.Context, n int, cursor api.Cursor) (*api.PollResult, error) {
			return nil, fmt.Errorf("poll game/g1: status 404: %w", transport.ErrEndpointUnsupported)
		},
		snapFn: func(ctx context.Context, n int) (*api.SnapshotResult, error) {
			if n < len(tokens) {
				return &api.SnapshotResult{Outcome: api.Fresh, Token: tokens[n]}, nil
			}
			<-ctx.Done()
			return &api.SnapshotResult{Outcome: api.Cancelled}, nil
		},
	}

	store := status.NewStore(nil)
	ctrl := New(poller, nil, store, testConfig(), zaptest.NewLogger(t))
	sub := ctrl.Subscribe(context.Background(), model.Game("g1"))
	defer sub.Close()

	var got []string
	for i := 0; i < 3; i++ {
		u := recvUpdate(t, sub)
		assert.Equal(t, ModeSnapshot, u.Source)
		got = append(got, u.Snapshot.(*model.StatusToken).Value)
	}
	assert.Equal(t, []string{"waiting", "active", "finished"}, got)

	assert.Equal(t, 1, poller.pollCount(), "no resumable poll after downgrade")
	assert.Equal(t, ModeSnapshot, sub.Mode())
	assert.Equal(t, status.PollingFallback, store.Current().State)
	assert.Contains(t, store.Current().Reason, "unsupported")
}

func TestUnauthenticatedPollIsTerminal(t *testing.T) {
	poller := &fakePoller{pollFn: func(ctx context.Context, n int, cursor api.Cursor) (*api.PollResult, error) {
		return &api.PollResult{Outcome: api.Unauthenticated, Cursor: cursor}, nil
	}}

	store := status.NewStore(nil)
	ctrl := New(poller, nil, store, testConfig(), zaptest.NewLogger(t))
	sub := ctrl.Subscribe(context.Background(), model.Session())

	waitDone(t, sub)
	_, ok := <-sub.Updates()
	assert.False(t, ok)
	assert.ErrorIs(t, sub.Err(), transport.ErrUnauthenticated)
	assert.Equal(t, 1, poller.pollCount(), "unauthenticated must not be retried")
	assert.Equal(t, status.Idle, store.Current().State)
	assert.Contains(t, store.Current().Reason, "unauthenticated")
}

func TestPollErrorsAreRoutedByKind(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr error
	}{
		{"unauthenticated", fmt.Errorf("poll: %w", transport.ErrUnauthenticated), transport.ErrUnauthenticated},
		{"cancelled", fmt.Errorf("poll: %w", context.Canceled), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			poller := &fakePoller{pollFn: func(ctx context.Context, n int, cursor api.Cursor) (*api.PollResult, error) {
				return nil, tt.err
			}}

			ctrl := New(poller, nil, status.NewStore(nil), testConfig(), zaptest.NewLogger(t))
			sub := ctrl.Subscribe(context.Background(), model.Session())

			waitDone(t, sub)
			if tt.wantErr != nil {
				assert.ErrorIs(t, sub.Err(), tt.wantErr)
			} else {
				assert.NoError(t, sub.Err())
			}
			assert.Equal(t, 1, poller.pollCount(), "%s must not be retried", transport.Classify(tt.err))
		})
	}
}

func TestUnauthenticatedHandshakeIsTerminal(t *testing.T) {
	fc := newFakeChannel()
	fc.connectErr = fmt.Errorf("channel handshake: status 401: %w", transport.ErrUnauthenticated)
	poller := &fakePoller{}

	ctrl := New(poller, fc.factory, nil, testConfig(), zaptest.NewLogger(t))
	sub := ctrl.Subscribe(context.Background(), model.InvitationList())

	waitDone(t, sub)
	assert.ErrorIs(t, sub.Err(), transport.ErrUnauthenticated)
	assert.Equal(t, 0, poller.pollCount())
	assert.Equal(t, 1, fc.disconnectCount())
}

func TestCloseDuringInFlightPollDeliversNothing(t *testing.T) {
	started := make(chan struct{})
	poller := &fakePoller{pollFn: func(ctx context.Context, n int, cursor api.Cursor) (*api.PollResult, error) {
		close(started)
		<-ctx.Done()
		// A response that races teardown must not be surfaced.
		return fresh(9, "v9", "p1"), nil
	}}

	store := status.NewStore(nil)
	ctrl := New(poller, nil, store, testConfig(), zaptest.NewLogger(t))
	sub := ctrl.Subscribe(context.Background(), model.Game("g1"))

	<-started
	sub.Close()

	_, ok := <-sub.Updates()
	assert.False(t, ok, "no update may follow teardown")
	assert.NoError(t, sub.Err())

	after := store.Current()
	assert.Equal(t, status.Idle, after.State)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after.Sequence, store.Current().Sequence, "nothing published after teardown")

	sub.Close()
}

func TestPushDeliversReconciledSnapshots(t *testing.T) {
	fc := newFakeChannel()
	store := status.NewStore(nil)
	ctrl := New(&fakePoller{}, fc.factory, store, testConfig(), zaptest.NewLogger(t))
	sub := ctrl.Subscribe(context.Background(), model.Game("g1"))
	defer sub.Close()

	fc.events <- channel.Event{Name: "state", Payload: gameJSON(1, "p1", "p2")}
	fc.events <- channel.Event{Name: "state", Payload: gameJSON(1, "p2", "p1")}
	fc.events <- channel.Event{Name: channel.EventReply, Payload: []byte(`{"status":"ok"}`)}
	fc.events <- channel.Event{Name: "update", Payload: gameJSON(2, "p1", "p2")}
	fc.events <- channel.Event{Name: "state", Payload: []byte(`{"id":"g1","status":"bogus"}`)}
	fc.events <- channel.Event{Name: "chat", Payload: []byte(`{"msg":"hi"}`)}

	u := recvUpdate(t, sub)
	assert.Equal(t, ModePush, u.Source)
	assert.Equal(t, "state", u.Event)
	assert.Equal(t, int64(1), revision(t, u))

	u = recvUpdate(t, sub)
	assert.Equal(t, "update", u.Event)
	assert.Equal(t, int64(2), revision(t, u))

	u = recvUpdate(t, sub)
	assert.Equal(t, "chat", u.Event)
	assert.Nil(t, u.Snapshot)
	assert.JSONEq(t, `{"msg":"hi"}`, string(u.Raw))

	assert.Equal(t, status.WSConnected, store.Current().State)
	assert.Equal(t, ModePush, sub.Mode())
	assert.Equal(t, "game:g1", fc.topic)

	ref, err := sub.Send(context.Background(), "move", map[string]int{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, "1", ref)
}

func TestPushRejectsStaleRevisionThenFallsBack(t *testing.T) {
	fc := newFakeChannel()
	poller := &fakePoller{pollFn: func(ctx context.Context, n int, cursor api.Cursor) (*api.PollResult, error) {
		switch n {
		case 0:
			// Same state push already delivered.
			return fresh(5, "v5", "p1"), nil
		case 1:
			return fresh(6, "v6", "p1", "p2"), nil
		default:
			return idle(ctx)
		}
	}}

	store := status.NewStore(nil)
	ctrl := New(poller, fc.factory, store, testConfig(), zaptest.NewLogger(t))
	sub := ctrl.Subscribe(context.Background(), model.Game("g1"))
	defer sub.Close()

	fc.events <- channel.Event{Name: "state", Payload: gameJSON(5, "p1")}
	assert.Equal(t, int64(5), revision(t, recvUpdate(t, sub)))

	// A request_state reply that lost the race with a broadcast.
	fc.events <- channel.Event{Name: "state", Payload: gameJSON(4, "p1", "p2")}
	fc.events <- channel.Event{Name: "chat", Payload: []byte(`{"msg":"hi"}`)}
	assert.Equal(t, "chat", recvUpdate(t, sub).Event, "stale push revision must be skipped")

	fc.end(errors.New("socket reset"))

	u := recvUpdate(t, sub)
	assert.Equal(t, ModePoll, u.Source)
	assert.Equal(t, int64(6), revision(t, u), "duplicate state must be skipped")

	cur := store.Current()
	assert.Equal(t, status.PollingFallback, cur.State)
	assert.Contains(t, cur.Reason, "push channel closed")
	assert.Contains(t, cur.Reason, "socket reset")

	_, err := sub.Send(context.Background(), "move", nil)
	assert.ErrorIs(t, err, transport.ErrNotJoined)
	assert.GreaterOrEqual(t, fc.disconnectCount(), 1)
}

func TestPollFollowsServerRevisionReset(t *testing.T) {
	poller := &fakePoller{pollFn: func(ctx context.Context, n int, cursor api.Cursor) (*api.PollResult, error) {
		switch n {
		case 0:
			return fresh(40, "v40", "p1"), nil
		case 1:
			// The server restarted and replaced the cursor.
			return fresh(2, "v2", "p2"), nil
		case 2:
			return fresh(3, "v3", "p2", "p3"), nil
		default:
			return idle(ctx)
		}
	}}

	ctrl := New(poller, nil, status.NewStore(nil), testConfig(), zaptest.NewLogger(t))
	sub := ctrl.Subscribe(context.Background(), model.Game("g1"))
	defer sub.Close()

	assert.Equal(t, int64(40), revision(t, recvUpdate(t, sub)))
	assert.Equal(t, int64(2), revision(t, recvUpdate(t, sub)))
	assert.Equal(t, int64(3), revision(t, recvUpdate(t, sub)))

	cursors := poller.pollCursors()
	require.GreaterOrEqual(t, len(cursors), 3)
	assert.Equal(t, []api.Cursor{"", "v40", "v2"}, cursors[:3])
}

func TestPushRevisionDoesNotFreezePolling(t *testing.T) {
	fc := newFakeChannel()
	poller := &fakePoller{pollFn: func(ctx context.Context, n int, cursor api.Cursor) (*api.PollResult, error) {
		if n == 0 {
			return fresh(1, "v1", "p9"), nil
		}
		return idle(ctx)
	}}

	ctrl := New(poller, fc.factory, status.NewStore(nil), testConfig(), zaptest.NewLogger(t))
	sub := ctrl.Subscribe(context.Background(), model.Game("g1"))
	defer sub.Close()

	fc.events <- channel.Event{Name: "state", Payload: gameJSON(30, "p1")}
	assert.Equal(t, int64(30), revision(t, recvUpdate(t, sub)))

	fc.end(errors.New("server restarted"))

	u := recvUpdate(t, sub)
	assert.Equal(t, ModePoll, u.Source)
	assert.Equal(t, int64(1), revision(t, u))
}

func TestEmitAfterCancelDeliversNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := &Subscription{res: model.Game("g1"), updates: make(chan Update, 1)}
	for range 50 {
		assert.False(t, s.emit(ctx, Update{Event: "chat"}))
	}
	assert.Empty(t, s.updates)
}

func TestCloseDisconnectsChannel(t *testing.T) {
	fc := newFakeChannel()
	ctrl := New(&fakePoller{}, fc.factory, nil, testConfig(), zaptest.NewLogger(t))
	sub := ctrl.Subscribe(context.Background(), model.GameList())

	require.Eventually(t, func() bool { return sub.Mode() == ModePush }, time.Second, 5*time.Millisecond)
	sub.Close()

	assert.Equal(t, 1, fc.disconnectCount())
	assert.Equal(t, ModeNone, sub.Mode())
}

func TestNewSubscriptionSupersedesStatusWriter(t *testing.T) {
	store := status.NewStore(nil)
	first := newFakeChannel()
	second := newFakeChannel()

	ctrlA := New(&fakePoller{}, first.factory, store, testConfig(), zaptest.NewLogger(t))
	subA := ctrlA.Subscribe(context.Background(), model.Game("g1"))
	require.Eventually(t, func() bool { return store.Current().State == status.WSConnected }, time.Second, 5*time.Millisecond)

	ctrlB := New(&fakePoller{}, second.factory, store, testConfig(), zaptest.NewLogger(t))
	subB := ctrlB.Subscribe(context.Background(), model.Game("g2"))
	defer subB.Close()
	require.Eventually(t, func() bool {
		cur := store.Current()
		return cur.State == status.WSConnected && cur.Resource == "game/g2"
	}, time.Second, 5*time.Millisecond)

	subA.Close()
	cur := store.Current()
	assert.Equal(t, status.WSConnected, cur.State, "old subscription must not overwrite the new status")
	assert.Equal(t, "game/g2", cur.Resource)
}

func TestParentContextCancelStopsSubscription(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	poller := &fakePoller{}
	ctrl := New(poller, nil, nil, testConfig(), zaptest.NewLogger(t))
	sub := ctrl.Subscribe(ctx, model.Game("g1"))

	require.Eventually(t, func() bool { return poller.pollCount() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	waitDone(t, sub)
	assert.NoError(t, sub.Err())
}

func TestInvalidResourceEndsImmediately(t *testing.T) {
	ctrl := New(&fakePoller{}, nil, nil, testConfig(), zaptest.NewLogger(t))
	sub := ctrl.Subscribe(context.Background(), model.Game(""))

	waitDone(t, sub)
	assert.Error(t, sub.Err())
	_, ok := <-sub.Updates()
	assert.False(t, ok)
	sub.Close()
}

func TestSnapshotModeKeepsPollingThroughErrors(t *testing.T) {
	poller := &fakePoller{
		pollFn: func(ctx context.Context, n int, cursor api.Cursor) (*api.PollResult, error) {
			return nil, transport.ErrEndpointUnsupported
		},
		snapFn: func(ctx context.Context, n int) (*api.SnapshotResult, error) {
			switch n {
			case 0, 1:
				return nil, &transport.TransportError{Op: "snapshot", Status: 503, Err: errors.New("unavailable")}
			case 2:
				return &api.SnapshotResult{Outcome: api.Fresh, Data: gameJSON(1, "p1")}, nil
			default:
				<-ctx.Done()
				return &api.SnapshotResult{Outcome: api.Cancelled}, nil
			}
		},
	}

	ctrl := New(poller, nil, nil, testConfig(), zaptest.NewLogger(t))
	sub := ctrl.Subscribe(context.Background(), model.Game("g1"))
	defer sub.Close()

	u := recvUpdate(t, sub)
	assert.Equal(t, ModeSnapshot, u.Source)
	assert.Equal(t, int64(1), revision(t, u))
	assert.GreaterOrEqual(t, poller.snapshotCount(), 3)
	assert.Equal(t, 1, poller.pollCount())
}
