// Package model defines the server payloads the client understands and the
// validation boundary every payload passes through once, at the transport edge.
package model

import "github.com/dgnsrekt/gridsync/internal/reconcile"

// Snapshot is a validated server payload for one resource.
type Snapshot interface {
	reconcile.Fingerprinter
	Resource() Resource
	Revision() int64
}

// GameStatus is the lifecycle state of a game as reported by the server.
type GameStatus string

const (
	GameWaiting  GameStatus = "waiting"
	GameActive   GameStatus = "active"
	GameFinished GameStatus = "finished"
)

type User struct {
	ID   string `json:"id" validate:"required"`
	Name string `json:"name"`
}

// AuthSession is the auth state of the current client.
type AuthSession struct {
	Authenticated bool  `json:"authenticated"`
	User          *User `json:"user" validate:"required_if=Authenticated true"`
	Rev           int64 `json:"revision" validate:"gte=0"`
}

// Cell is one square of the board. An empty Owner means unclaimed.
type Cell struct {
	Owner string `json:"owner"`
	Value int    `json:"value"`
}

type Player struct {
	ID        string `json:"id" validate:"required"`
	Name      string `json:"name"`
	Score     int    `json:"score"`
	Connected bool   `json:"connected"`
}

// GameState is the board view of a single game.
type GameState struct {
	ID              string     `json:"id" validate:"required"`
	Name            string     `json:"name"`
	Status          GameStatus `json:"status" validate:"required,oneof=waiting active finished"`
	Turn            int        `json:"turn" validate:"gte=0"`
	CurrentPlayerID string     `json:"current_player_id"`
	WinnerID        string     `json:"winner_id"`
	Width           int        `json:"width" validate:"gte=0"`
	Height          int        `json:"height" validate:"gte=0"`
	Board           [][]Cell   `json:"board"`
	Players         []Player   `json:"players" validate:"dive"`
	Rev             int64      `json:"revision" validate:"gte=0"`
}

// GameSummary is one row of the lobby list.
type GameSummary struct {
	ID          string     `json:"id" validate:"required"`
	Name        string     `json:"name"`
	Status      GameStatus `json:"status" validate:"required,oneof=waiting active finished"`
	PlayerCount int        `json:"player_count" validate:"gte=0"`
	MaxPlayers  int        `json:"max_players" validate:"gte=0"`
}

type GameListing struct {
	Games []GameSummary `json:"games" validate:"dive"`
	Rev   int64         `json:"revision" validate:"gte=0"`
}

type Invitation struct {
	ID     string `json:"id" validate:"required"`
	GameID string `json:"game_id" validate:"required"`
	From   string `json:"from" validate:"required"`
}

type Invitations struct {
	Items []Invitation `json:"invitations" validate:"dive"`
	Rev   int64        `json:"revision" validate:"gte=0"`
}

// StatusToken is a plain text status returned by a snapshot endpoint that
// replies with text/plain instead of JSON.
type StatusToken struct {
	Res   Resource `json:"-"`
	Value string   `json:"-"`
}

func (s *AuthSession) Resource() Resource { return Session() }
func (s *AuthSession) Revision() int64    { return s.Rev }

func (s *AuthSession) WriteFingerprint(h *reconcile.Hasher) {
	h.Field("authenticated")
	h.Bool(s.Authenticated)
	if s.User != nil {
		h.Field("user.id")
		h.String(s.User.ID)
		h.Field("user.name")
		h.String(s.User.Name)
	}
}

func (g *GameState) Resource() Resource { return Game(g.ID) }
func (g *GameState) Revision() int64    { return g.Rev }

// WriteFingerprint hashes the board row by row since cell position is
// meaningful, and players by id since their listing order is not.
func (g *GameState) WriteFingerprint(h *reconcile.Hasher) {
	h.Field("id")
	h.String(g.ID)
	h.Field("name")
	h.String(g.Name)
	h.Field("status")
	h.String(string(g.Status))
	h.Field("turn")
	h.Int(int64(g.Turn))
	h.Field("current_player_id")
	h.String(g.CurrentPlayerID)
	h.Field("winner_id")
	h.String(g.WinnerID)
	h.Field("width")
	h.Int(int64(g.Width))
	h.Field("height")
	h.Int(int64(g.Height))

	h.Field("board")
	h.Ordered(len(g.Board), func(y int) {
		row := g.Board[y]
		h.Ordered(len(row), func(x int) {
			h.String(row[x].Owner)
			h.Int(int64(row[x].Value))
		})
	})

	h.Field("players")
	h.Keyed(len(g.Players),
		func(i int) string { return g.Players[i].ID },
		func(i int) {
			p := g.Players[i]
			h.String(p.Name)
			h.Int(int64(p.Score))
			h.Bool(p.Connected)
		},
	)
}

func (l *GameListing) Resource() Resource { return GameList() }
func (l *GameListing) Revision() int64    { return l.Rev }

func (l *GameListing) WriteFingerprint(h *reconcile.Hasher) {
	h.Field("games")
	h.Keyed(len(l.Games),
		func(i int) string { return l.Games[i].ID },
		func(i int) {
			g := l.Games[i]
			h.String(g.Name)
			h.String(string(g.Status))
			h.Int(int64(g.PlayerCount))
			h.Int(int64(g.MaxPlayers))
		},
	)
}

func (v *Invitations) Resource() Resource { return InvitationList() }
func (v *Invitations) Revision() int64    { return v.Rev }

func (v *Invitations) WriteFingerprint(h *reconcile.Hasher) {
	h.Field("invitations")
	h.Keyed(len(v.Items),
		func(i int) string { return v.Items[i].ID },
		func(i int) {
			h.String(v.Items[i].GameID)
			h.String(v.Items[i].From)
		},
	)
}

func (t *StatusToken) Resource() Resource { return t.Res }
func (t *StatusToken) Revision() int64    { return 0 }

func (t *StatusToken) WriteFingerprint(h *reconcile.Hasher) {
	h.Field("token")
	h.String(t.Value)
}
