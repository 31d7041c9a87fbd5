package data

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dgnsrekt/gridsync/internal/model"
)

var (
	ErrNotFound     = errors.New("resource not found")
	ErrGameFull     = errors.New("game is full")
	ErrNotYourTurn  = errors.New("not your turn")
	ErrInvalidMove  = errors.New("invalid move")
	ErrGameFinished = errors.New("game is finished")
	ErrNotStarted   = errors.New("game has not started")
)

// ChangeFunc is called after a resource's revision advances, outside the
// store lock.
type ChangeFunc func(res model.Resource, rev int64)

// version tracks one resource's revision. changed is closed and replaced on
// every bump so long-poll waiters wake up.
type version struct {
	rev     int64
	changed chan struct{}
}

// Store is the dev server's in-memory world: games, the lobby listing and
// invitations, each with its own revision counter.
type Store struct {
	mu        sync.RWMutex
	games     map[string]*model.GameState
	order     []string
	seats     map[string]int
	invites   []model.Invitation
	versions  map[model.Resource]*version
	observers []ChangeFunc
	logger    *zap.Logger
}

func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		games:    make(map[string]*model.GameState),
		seats:    make(map[string]int),
		versions: make(map[model.Resource]*version),
		logger:   logger,
	}
	for _, res := range []model.Resource{model.Session(), model.GameList(), model.InvitationList()} {
		s.versions[res] = &version{rev: 1, changed: make(chan struct{})}
	}
	return s
}

// Observe registers fn for every future change.
func (s *Store) Observe(fn ChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Revision returns the current revision of res.
func (s *Store) Revision(res model.Resource) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.versions[res]
	if !ok {
		return 0, fmt.Errorf("%s: %w", res, ErrNotFound)
	}
	return v.rev, nil
}

// Wait blocks until the revision of res differs from since or ctx ends. It
// reports whether a change is available. A deadline on ctx is a normal
// "nothing changed" outcome; cancellation is returned as an error.
func (s *Store) Wait(ctx context.Context, res model.Resource, since int64) (bool, error) {
	for {
		s.mu.RLock()
		v, ok := s.versions[res]
		if !ok {
			s.mu.RUnlock()
			return false, fmt.Errorf("%s: %w", res, ErrNotFound)
		}
		if v.rev != since {
			s.mu.RUnlock()
			return true, nil
		}
		ch := v.changed
		s.mu.RUnlock()

		select {
		case <-ch:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return false, nil
			}
			return false, ctx.Err()
		}
	}
}

// Snapshot returns a copy of the current payload for res. The session
// payload is built for user.
func (s *Store) Snapshot(res model.Resource, user model.User) (model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.versions[res]
	if !ok {
		return nil, fmt.Errorf("%s: %w", res, ErrNotFound)
	}

	switch res.Kind {
	case model.KindSession:
		sess := &model.AuthSession{Rev: v.rev}
		if user.ID != "" {
			u := user
			sess.Authenticated = true
			sess.User = &u
		}
		return sess, nil

	case model.KindGame:
		g, ok := s.games[res.ID]
		if !ok {
			return nil, fmt.Errorf("%s: %w", res, ErrNotFound)
		}
		return cloneGame(g), nil

	case model.KindGames:
		list := &model.GameListing{Games: make([]model.GameSummary, 0, len(s.order)), Rev: v.rev}
		for _, id := range s.order {
			g := s.games[id]
			list.Games = append(list.Games, model.GameSummary{
				ID:          g.ID,
				Name:        g.Name,
				Status:      g.Status,
				PlayerCount: len(g.Players),
				MaxPlayers:  s.seats[g.ID],
			})
		}
		return list, nil

	case model.KindInvitations:
		items := make([]model.Invitation, len(s.invites))
		copy(items, s.invites)
		return &model.Invitations{Items: items, Rev: v.rev}, nil
	}
	return nil, fmt.Errorf("%s: %w", res, ErrNotFound)
}

// Games lists game ids in creation order.
func (s *Store) Games() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// CreateGame adds an empty waiting game with a size x size board.
func (s *Store) CreateGame(name string, size, players int) *model.GameState {
	if size < 1 {
		size = 3
	}
	if players < 1 {
		players = 2
	}
	id := uuid.NewString()[:8]
	board := make([][]model.Cell, size)
	for y := range board {
		board[y] = make([]model.Cell, size)
	}
	g := &model.GameState{
		ID:      id,
		Name:    name,
		Status:  model.GameWaiting,
		Width:   size,
		Height:  size,
		Board:   board,
		Players: make([]model.Player, 0, players),
		Rev:     1,
	}

	s.mu.Lock()
	s.games[id] = g
	s.order = append(s.order, id)
	s.versions[model.Game(id)] = &version{rev: 1, changed: make(chan struct{})}
	s.seats[id] = players
	changed := s.bump(model.GameList())
	out := cloneGame(g)
	s.mu.Unlock()

	s.logger.Debug("game created", zap.String("game", id), zap.String("name", name))
	s.notify(changed)
	return out
}

// JoinGame seats user in a waiting game. The game starts once full.
func (s *Store) JoinGame(gameID string, user model.User) error {
	s.mu.Lock()
	g, ok := s.games[gameID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("game %s: %w", gameID, ErrNotFound)
	}
	for _, p := range g.Players {
		if p.ID == user.ID {
			s.mu.Unlock()
			return nil
		}
	}
	if g.Status != model.GameWaiting || len(g.Players) >= s.seats[g.ID] {
		s.mu.Unlock()
		return fmt.Errorf("game %s: %w", gameID, ErrGameFull)
	}

	g.Players = append(g.Players, model.Player{ID: user.ID, Name: user.Name, Connected: true})
	if len(g.Players) == s.seats[g.ID] {
		g.Status = model.GameActive
		g.CurrentPlayerID = g.Players[0].ID
	}
	changed := s.bump(model.Game(gameID), model.GameList())
	s.mu.Unlock()

	s.notify(changed)
	return nil
}

// Move claims the cell at (x, y) for playerID and passes the turn. The game
// finishes when the board is full; the highest score wins.
func (s *Store) Move(gameID, playerID string, x, y int) error {
	s.mu.Lock()
	g, ok := s.games[gameID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("game %s: %w", gameID, ErrNotFound)
	}

	var err error
	switch {
	case g.Status == model.GameFinished:
		err = ErrGameFinished
	case g.Status != model.GameActive:
		err = ErrNotStarted
	case g.CurrentPlayerID != playerID:
		err = ErrNotYourTurn
	case y < 0 || y >= g.Height || x < 0 || x >= g.Width:
		err = fmt.Errorf("%w: (%d,%d) is off the board", ErrInvalidMove, x, y)
	case g.Board[y][x].Owner != "":
		err = fmt.Errorf("%w: (%d,%d) is taken", ErrInvalidMove, x, y)
	}
	if err != nil {
		s.mu.Unlock()
		return err
	}

	g.Turn++
	g.Board[y][x] = model.Cell{Owner: playerID, Value: g.Turn}
	next := 0
	for i := range g.Players {
		if g.Players[i].ID == playerID {
			g.Players[i].Score += scoreFor(g, x, y, playerID)
			next = (i + 1) % len(g.Players)
		}
	}
	g.CurrentPlayerID = g.Players[next].ID

	touched := []model.Resource{model.Game(gameID)}
	if boardFull(g) {
		g.Status = model.GameFinished
		g.CurrentPlayerID = ""
		g.WinnerID = leader(g)
		touched = append(touched, model.GameList())
	}
	changed := s.bump(touched...)
	s.mu.Unlock()

	s.notify(changed)
	return nil
}

// SetConnected flips a player's presence flag.
func (s *Store) SetConnected(gameID, playerID string, connected bool) {
	s.mu.Lock()
	g, ok := s.games[gameID]
	if !ok {
		s.mu.Unlock()
		return
	}
	var changed []change
	for i := range g.Players {
		if g.Players[i].ID == playerID && g.Players[i].Connected != connected {
			g.Players[i].Connected = connected
			changed = s.bump(model.Game(gameID))
		}
	}
	s.mu.Unlock()
	s.notify(changed)
}

// Invite records an invitation to gameID from the named user.
func (s *Store) Invite(from, gameID string) (model.Invitation, error) {
	s.mu.Lock()
	if _, ok := s.games[gameID]; !ok {
		s.mu.Unlock()
		return model.Invitation{}, fmt.Errorf("game %s: %w", gameID, ErrNotFound)
	}
	inv := model.Invitation{ID: uuid.NewString(), GameID: gameID, From: from}
	s.invites = append(s.invites, inv)
	changed := s.bump(model.InvitationList())
	s.mu.Unlock()

	s.notify(changed)
	return inv, nil
}

// Dismiss removes an invitation.
func (s *Store) Dismiss(id string) error {
	s.mu.Lock()
	idx := -1
	for i, inv := range s.invites {
		if inv.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("invitation %s: %w", id, ErrNotFound)
	}
	s.invites = append(s.invites[:idx], s.invites[idx+1:]...)
	changed := s.bump(model.InvitationList())
	s.mu.Unlock()

	s.notify(changed)
	return nil
}

type change struct {
	res model.Resource
	rev int64
}

// bump advances each resource's revision and wakes its waiters. Callers hold
// s.mu.
func (s *Store) bump(resources ...model.Resource) []change {
	out := make([]change, 0, len(resources))
	for _, res := range resources {
		v := s.versions[res]
		v.rev++
		close(v.changed)
		v.changed = make(chan struct{})
		if res.Kind == model.KindGame {
			s.games[res.ID].Rev = v.rev
		}
		out = append(out, change{res: res, rev: v.rev})
	}
	return out
}

func (s *Store) notify(changes []change) {
	if len(changes) == 0 {
		return
	}
	s.mu.RLock()
	observers := make([]ChangeFunc, len(s.observers))
	copy(observers, s.observers)
	s.mu.RUnlock()

	for _, c := range changes {
		s.logger.Debug("resource changed", zap.Stringer("resource", c.res), zap.Int64("revision", c.rev))
		for _, fn := range observers {
			fn(c.res, c.rev)
		}
	}
}

func cloneGame(g *model.GameState) *model.GameState {
	out := *g
	out.Board = make([][]model.Cell, len(g.Board))
	for y, row := range g.Board {
		out.Board[y] = append([]model.Cell(nil), row...)
	}
	out.Players = append([]model.Player(nil), g.Players...)
	return &out
}

func boardFull(g *model.GameState) bool {
	for _, row := range g.Board {
		for _, c := range row {
			if c.Owner == "" {
				return false
			}
		}
	}
	return true
}

// scoreFor is one point plus one for each orthogonal neighbour already owned
// by the same player.
func scoreFor(g *model.GameState, x, y int, playerID string) int {
	score := 1
	for _, d := range [][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}} {
		nx, ny := x+d[0], y+d[1]
		if ny >= 0 && ny < g.Height && nx >= 0 && nx < g.Width && g.Board[ny][nx].Owner == playerID {
			score++
		}
	}
	return score
}

func leader(g *model.GameState) string {
	players := append([]model.Player(nil), g.Players...)
	sort.SliceStable(players, func(i, j int) bool { return players[i].Score > players[j].Score })
	if len(players) == 0 {
		return ""
	}
	return players[0].ID
}
