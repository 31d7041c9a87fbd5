package data

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/gridsync/internal/model"
)

// Bots are the simulated players.
var Bots = []model.User{
	{ID: "bot-ada", Name: "Ada"},
	{ID: "bot-grace", Name: "Grace"},
	{ID: "bot-linus", Name: "Linus"},
}

// Simulator drives bot games so every resource keeps changing.
type Simulator struct {
	store    *Store
	interval time.Duration
	rng      *rand.Rand
	logger   *zap.Logger
}

func NewSimulator(store *Store, interval time.Duration, seed uint64, logger *zap.Logger) *Simulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Simulator{
		store:    store,
		interval: interval,
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		logger:   logger,
	}
}

// Seed creates n games. The first one is left waiting with a single bot so a
// human can take the other seat; the rest start right away.
func (s *Simulator) Seed(n int) {
	for i := 0; i < n; i++ {
		g := s.store.CreateGame(fmt.Sprintf("Grid #%d", i+1), 3+i%3, 2)
		_ = s.store.JoinGame(g.ID, Bots[i%len(Bots)])
		if i > 0 {
			_ = s.store.JoinGame(g.ID, Bots[(i+1)%len(Bots)])
		}
	}
	s.logger.Info("seeded games", zap.Int("count", n))
}

// Run steps the simulation every interval until ctx is cancelled.
func (s *Simulator) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("simulator started", zap.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("simulator stopping")
			return
		case <-ticker.C:
			s.Step()
		}
	}
}

// Step plays one bot move in every game where a bot is on turn, and starts
// a replacement game once all games are finished.
func (s *Simulator) Step() {
	live := 0
	for _, id := range s.store.Games() {
		snap, err := s.store.Snapshot(model.Game(id), model.User{})
		if err != nil {
			continue
		}
		g := snap.(*model.GameState)
		if g.Status == model.GameFinished {
			continue
		}
		live++
		if g.Status != model.GameActive || !isBot(g.CurrentPlayerID) {
			continue
		}

		x, y, ok := s.pickCell(g)
		if !ok {
			continue
		}
		if err := s.store.Move(g.ID, g.CurrentPlayerID, x, y); err != nil {
			s.logger.Debug("bot move rejected", zap.String("game", g.ID), zap.Error(err))
			continue
		}
		s.logger.Debug("bot moved",
			zap.String("game", g.ID),
			zap.String("player", g.CurrentPlayerID),
			zap.Int("x", x),
			zap.Int("y", y),
		)
	}

	if live == 0 {
		n := len(s.store.Games()) + 1
		g := s.store.CreateGame(fmt.Sprintf("Grid #%d", n), 3, 2)
		a, b := s.rng.IntN(len(Bots)), s.rng.IntN(len(Bots)-1)
		if b >= a {
			b++
		}
		_ = s.store.JoinGame(g.ID, Bots[a])
		_ = s.store.JoinGame(g.ID, Bots[b])
		if _, err := s.store.Invite(Bots[a].Name, g.ID); err != nil {
			s.logger.Debug("invite failed", zap.Error(err))
		}
	}
}

func (s *Simulator) pickCell(g *model.GameState) (int, int, bool) {
	var free [][2]int
	for y, row := range g.Board {
		for x, c := range row {
			if c.Owner == "" {
				free = append(free, [2]int{x, y})
			}
		}
	}
	if len(free) == 0 {
		return 0, 0, false
	}
	c := free[s.rng.IntN(len(free))]
	return c[0], c[1], true
}

func isBot(id string) bool {
	return strings.HasPrefix(id, "bot-")
}
