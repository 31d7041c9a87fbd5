package notify

import (
	"context"
	"errors"

	"github.com/dgnsrekt/gridsync/internal/model"
)

// Alerts turns accepted snapshots into notifications for one player. It
// only fires on transitions, so replays of the same state stay quiet.
type Alerts struct {
	notifier Notifier
	me       string

	turn     map[string]bool // game id -> it was my move last time
	finished map[string]bool
	invites  map[string]bool
	primed   bool // first invitation list is history, not news
}

func NewAlerts(n Notifier, me string) *Alerts {
	return &Alerts{
		notifier: n,
		me:       me,
		turn:     make(map[string]bool),
		finished: make(map[string]bool),
		invites:  make(map[string]bool),
	}
}

// Observe inspects snap and sends whatever alerts it implies.
func (a *Alerts) Observe(ctx context.Context, snap model.Snapshot) error {
	switch v := snap.(type) {
	case *model.GameState:
		return a.observeGame(ctx, v)
	case *model.Invitations:
		return a.observeInvites(ctx, v)
	}
	return nil
}

func (a *Alerts) observeGame(ctx context.Context, g *model.GameState) error {
	if !a.seated(g) {
		return nil
	}

	if g.Status == model.GameFinished {
		if a.finished[g.ID] {
			return nil
		}
		a.finished[g.ID] = true
		a.turn[g.ID] = false
		return a.notifier.SendGameOver(ctx, g, a.me)
	}

	mine := g.Status == model.GameActive && g.CurrentPlayerID == a.me
	was := a.turn[g.ID]
	a.turn[g.ID] = mine
	if mine && !was {
		return a.notifier.SendTurn(ctx, g)
	}
	return nil
}

func (a *Alerts) observeInvites(ctx context.Context, list *model.Invitations) error {
	var errs []error
	for _, inv := range list.Items {
		if a.invites[inv.ID] {
			continue
		}
		a.invites[inv.ID] = true
		if a.primed {
			errs = append(errs, a.notifier.SendInvite(ctx, inv))
		}
	}
	a.primed = true
	return errors.Join(errs...)
}

func (a *Alerts) seated(g *model.GameState) bool {
	for _, p := range g.Players {
		if p.ID == a.me {
			return true
		}
	}
	return false
}
