package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"
	"go.uber.org/zap"

	"github.com/dgnsrekt/gridsync/internal/auth"
	"github.com/dgnsrekt/gridsync/internal/config"
	"github.com/dgnsrekt/gridsync/internal/data"
	"github.com/dgnsrekt/gridsync/internal/model"
)

// defaultPollTimeout applies when the request carries no timeout.
const defaultPollTimeout = 30 * time.Second

type Server struct {
	store  *data.Store
	issuer *auth.Issuer
	config *config.ServerConfig
	logger *zap.Logger
}

func NewServer(store *data.Store, issuer *auth.Issuer, cfg *config.ServerConfig, logger *zap.Logger) *Server {
	return &Server{
		store:  store,
		issuer: issuer,
		config: cfg,
		logger: logger,
	}
}

// resolver maps a request to the resource it addresses.
type resolver func(r *http.Request) model.Resource

func sessionResource(*http.Request) model.Resource     { return model.Session() }
func gameListResource(*http.Request) model.Resource    { return model.GameList() }
func invitationsResource(*http.Request) model.Resource { return model.InvitationList() }
func gameResource(r *http.Request) model.Resource      { return model.Game(chi.URLParam(r, "id")) }

type userKey struct{}

// authMiddleware requires a valid bearer token, from the Authorization
// header or the token query parameter.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		user, err := s.issuer.Verify(token)
		if err != nil {
			s.logger.Debug("unauthenticated request", zap.String("path", r.URL.Path), zap.Error(err))
			writeError(w, http.StatusUnauthorized, "unauthenticated")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	})
}

func userFrom(ctx context.Context) model.User {
	u, _ := ctx.Value(userKey{}).(model.User)
	return u
}

// handleSnapshot serves the plain snapshot for a resource, as JSON or as a
// text/plain status token.
func (s *Server) handleSnapshot(resolve resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res := resolve(r)

		var format string
		if err := runtime.BindQueryParameter("form", true, false, "format", r.URL.Query(), &format); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		snap, err := s.store.Snapshot(res, userFrom(r.Context()))
		if err != nil {
			s.writeStoreError(w, err, http.StatusNotFound)
			return
		}

		if format == "text" || (format == "" && s.config.TextSnapshots) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			fmt.Fprintln(w, statusToken(snap))
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// handlePoll holds the request until the resource moves past the since
// cursor or the timeout elapses.
func (s *Server) handlePoll(resolve resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.config.LongPollUnsupported {
			writeError(w, http.StatusNotFound, "long polling is not supported")
			return
		}

		res := resolve(r)
		q := r.URL.Query()

		var since string
		if err := runtime.BindQueryParameter("form", true, false, "since", q, &since); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		var timeoutSec int
		if err := runtime.BindQueryParameter("form", true, false, "timeout", q, &timeoutSec); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		timeout := defaultPollTimeout
		if timeoutSec > 0 {
			timeout = time.Duration(timeoutSec) * time.Second
		}
		if timeout > s.config.MaxPollTimeout {
			timeout = s.config.MaxPollTimeout
		}

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		changed, err := s.store.Wait(ctx, res, ParseCursor(since))
		if err != nil {
			if r.Context().Err() != nil {
				s.logger.Debug("poller went away", zap.Stringer("resource", res))
				return
			}
			// 404 means "no long-poll endpoint" to clients, so a missing
			// resource is reported as gone.
			s.writeStoreError(w, err, http.StatusGone)
			return
		}

		if !changed {
			rev, err := s.store.Revision(res)
			if err != nil {
				s.writeStoreError(w, err, http.StatusGone)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"cursor": FormatCursor(rev), "timeout": true})
			return
		}

		snap, err := s.store.Snapshot(res, userFrom(r.Context()))
		if err != nil {
			s.writeStoreError(w, err, http.StatusGone)
			return
		}
		body, err := withPollMeta(snap, FormatCursor(snap.Revision()))
		if err != nil {
			s.logger.Error("encoding poll response", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "encoding failed")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}
}

type createGameRequest struct {
	Name    string `json:"name"`
	Size    int    `json:"size"`
	Players int    `json:"players"`
}

func (s *Server) handleCreateGame(w http.ResponseWriter, r *http.Request) {
	var req createGameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	g := s.store.CreateGame(req.Name, req.Size, req.Players)
	user := userFrom(r.Context())
	if err := s.store.JoinGame(g.ID, user); err != nil {
		s.writeStoreError(w, err, http.StatusConflict)
		return
	}
	snap, err := s.store.Snapshot(model.Game(g.ID), user)
	if err != nil {
		s.writeStoreError(w, err, http.StatusNotFound)
		return
	}
	s.logger.Info("game created", zap.String("game", g.ID), zap.String("user", user.ID))
	writeJSON(w, http.StatusCreated, snap)
}

type inviteRequest struct {
	GameID string `json:"game_id"`
}

func (s *Server) handleInvite(w http.ResponseWriter, r *http.Request) {
	var req inviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	user := userFrom(r.Context())
	from := user.Name
	if from == "" {
		from = user.ID
	}
	inv, err := s.store.Invite(from, req.GameID)
	if err != nil {
		s.writeStoreError(w, err, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":                "ok",
		"games":                 len(s.store.Games()),
		"long_poll_unsupported": s.config.LongPollUnsupported,
		"push_disabled":         s.config.PushDisabled,
	})
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, notFound int) {
	if errors.Is(err, data.ErrNotFound) {
		writeError(w, notFound, err.Error())
		return
	}
	if errors.Is(err, data.ErrGameFull) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.logger.Error("store error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

// FormatCursor renders a revision as the opaque cursor clients echo back.
func FormatCursor(rev int64) string {
	return "v" + strconv.FormatInt(rev, 10)
}

// ParseCursor is the inverse of FormatCursor. Missing or foreign cursors map
// to -1, which never matches a live revision.
func ParseCursor(cursor string) int64 {
	if !strings.HasPrefix(cursor, "v") {
		return -1
	}
	rev, err := strconv.ParseInt(cursor[1:], 10, 64)
	if err != nil || rev < 0 {
		return -1
	}
	return rev
}

// withPollMeta adds the cursor and timeout fields to a snapshot object.
func withPollMeta(snap model.Snapshot, cursor string) ([]byte, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	fields["cursor"], _ = json.Marshal(cursor)
	fields["timeout"] = json.RawMessage("false")
	return json.Marshal(fields)
}

// statusToken is the one-line text form of a snapshot.
func statusToken(snap model.Snapshot) string {
	switch v := snap.(type) {
	case *model.GameState:
		return fmt.Sprintf("game %s %s turn=%d rev=%d", v.ID, v.Status, v.Turn, v.Rev)
	case *model.GameListing:
		return fmt.Sprintf("games count=%d rev=%d", len(v.Games), v.Rev)
	case *model.Invitations:
		return fmt.Sprintf("invitations count=%d rev=%d", len(v.Items), v.Rev)
	case *model.AuthSession:
		if v.User != nil {
			return fmt.Sprintf("session user=%s rev=%d", v.User.ID, v.Rev)
		}
		return fmt.Sprintf("session anonymous rev=%d", v.Rev)
	}
	return fmt.Sprintf("%s rev=%d", snap.Resource(), snap.Revision())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
