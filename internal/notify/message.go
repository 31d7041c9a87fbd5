package notify

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dgnsrekt/gridsync/internal/model"
)

// FormatTurnMessage creates the body for a "your move" alert.
func FormatTurnMessage(g *model.GameState) string {
	var sb strings.Builder

	name := g.Name
	if name == "" {
		name = g.ID
	}
	sb.WriteString(fmt.Sprintf("Game: %s\n", name))
	sb.WriteString(fmt.Sprintf("Turn: %d\n", g.Turn+1))
	writeScores(&sb, g)

	return strings.TrimRight(sb.String(), "\n")
}

// FormatGameOverMessage creates the body for a finished game.
func FormatGameOverMessage(g *model.GameState, me string) string {
	var sb strings.Builder

	switch {
	case g.WinnerID == "":
		sb.WriteString("No winner\n")
	case g.WinnerID == me:
		sb.WriteString("You won!\n")
	default:
		sb.WriteString(fmt.Sprintf("Winner: %s\n", playerName(g, g.WinnerID)))
	}
	writeScores(&sb, g)

	return strings.TrimRight(sb.String(), "\n")
}

// FormatInviteMessage creates the body for a new invitation.
func FormatInviteMessage(inv model.Invitation) string {
	return fmt.Sprintf("%s invited you to game %s", inv.From, inv.GameID)
}

func writeScores(sb *strings.Builder, g *model.GameState) {
	players := make([]model.Player, len(g.Players))
	copy(players, g.Players)
	sort.SliceStable(players, func(i, j int) bool { return players[i].Score > players[j].Score })

	for _, p := range players {
		sb.WriteString(fmt.Sprintf("- %s: %d\n", displayName(p), p.Score))
	}
}

func playerName(g *model.GameState, id string) string {
	for _, p := range g.Players {
		if p.ID == id {
			return displayName(p)
		}
	}
	return id
}

func displayName(p model.Player) string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}
