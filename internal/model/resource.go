package model

import (
	"fmt"
	"net/url"
)

// Kind is a class of server-owned resource with its own change stream.
type Kind string

const (
	KindSession     Kind = "session"
	KindGame        Kind = "game"
	KindGames       Kind = "games"
	KindInvitations Kind = "invitations"
)

// Resource identifies one watched resource. ID is only used by KindGame.
type Resource struct {
	Kind Kind
	ID   string
}

func Session() Resource        { return Resource{Kind: KindSession} }
func Game(id string) Resource  { return Resource{Kind: KindGame, ID: id} }
func GameList() Resource       { return Resource{Kind: KindGames} }
func InvitationList() Resource { return Resource{Kind: KindInvitations} }

// ParseResource builds a Resource from CLI style arguments.
func ParseResource(kind, id string) (Resource, error) {
	r := Resource{Kind: Kind(kind), ID: id}
	if err := r.Validate(); err != nil {
		return Resource{}, err
	}
	return r, nil
}

func (r Resource) Validate() error {
	switch r.Kind {
	case KindGame:
		if r.ID == "" {
			return fmt.Errorf("resource %q requires an id", r.Kind)
		}
	case KindSession, KindGames, KindInvitations:
		if r.ID != "" {
			return fmt.Errorf("resource %q does not take an id", r.Kind)
		}
	default:
		return fmt.Errorf("unknown resource kind %q (valid: session, game, games, invitations)", r.Kind)
	}
	return nil
}

// Path is the plain snapshot path. The long-poll endpoint is Path()+"/poll".
func (r Resource) Path() string {
	switch r.Kind {
	case KindSession:
		return "/api/session"
	case KindGame:
		return "/api/games/" + url.PathEscape(r.ID)
	case KindGames:
		return "/api/games"
	case KindInvitations:
		return "/api/invitations"
	default:
		return ""
	}
}

// Topic is the push channel topic carrying updates for this resource.
func (r Resource) Topic() string {
	switch r.Kind {
	case KindSession:
		return "user:session"
	case KindGame:
		return "game:" + r.ID
	case KindGames:
		return "lobby:games"
	case KindInvitations:
		return "user:invitations"
	default:
		return ""
	}
}

// ResourceForTopic is the inverse of Topic.
func ResourceForTopic(topic string) (Resource, bool) {
	switch topic {
	case "user:session":
		return Session(), true
	case "lobby:games":
		return GameList(), true
	case "user:invitations":
		return InvitationList(), true
	}
	const prefix = "game:"
	if len(topic) > len(prefix) && topic[:len(prefix)] == prefix {
		return Game(topic[len(prefix):]), true
	}
	return Resource{}, false
}

func (r Resource) String() string {
	if r.ID != "" {
		return string(r.Kind) + "/" + r.ID
	}
	return string(r.Kind)
}
