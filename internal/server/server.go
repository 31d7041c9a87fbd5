// Package server is the dev server's HTTP surface: snapshot and long-poll
// endpoints, bearer auth, request validation and the channel socket route.
package server

import (
	"context"
	_ "embed"
	"net/http"
	"net/url"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzhttp"
	oapimiddleware "github.com/oapi-codegen/nethttp-middleware"
	"go.uber.org/zap"
)

//go:embed openapi.yaml
var OpenAPISpec []byte

// LoadSpec parses and validates the embedded OpenAPI document.
func LoadSpec(ctx context.Context) (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(OpenAPISpec)
	if err != nil {
		return nil, err
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, err
	}
	doc.Servers = nil // Allow any host
	return doc, nil
}

// SocketHandler upgrades channel socket requests.
type SocketHandler interface {
	HandleSocket(w http.ResponseWriter, r *http.Request)
}

func NewRouter(server *Server, socket SocketHandler, logger *zap.Logger) (http.Handler, error) {
	// Load OpenAPI spec for validation
	swagger, err := LoadSpec(context.Background())
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)
	r.Use(zapLoggerMiddleware(logger))

	// Non-validated routes
	r.Get("/healthz", server.handleHealth)
	r.Get("/openapi.yaml", openapiHandler)
	if socket != nil {
		r.Get("/socket/websocket", socket.HandleSocket)
	}

	// API routes with auth, compression and OpenAPI validation
	r.Group(func(apiRouter chi.Router) {
		apiRouter.Use(func(next http.Handler) http.Handler { return gzhttp.GzipHandler(next) })
		apiRouter.Use(server.authMiddleware)
		apiRouter.Use(oapimiddleware.OapiRequestValidator(swagger))

		apiRouter.Get("/api/session", server.handleSnapshot(sessionResource))
		apiRouter.Get("/api/session/poll", server.handlePoll(sessionResource))

		apiRouter.Get("/api/games", server.handleSnapshot(gameListResource))
		apiRouter.Post("/api/games", server.handleCreateGame)
		apiRouter.Get("/api/games/poll", server.handlePoll(gameListResource))
		apiRouter.Get("/api/games/{id}", server.handleSnapshot(gameResource))
		apiRouter.Get("/api/games/{id}/poll", server.handlePoll(gameResource))

		apiRouter.Get("/api/invitations", server.handleSnapshot(invitationsResource))
		apiRouter.Post("/api/invitations", server.handleInvite)
		apiRouter.Get("/api/invitations/poll", server.handlePoll(invitationsResource))
	})

	return r, nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func zapLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("query", maskQueryToken(r.URL.RawQuery)),
				zap.String("requestID", middleware.GetReqID(r.Context())),
			)
			next.ServeHTTP(w, r)
		})
	}
}

// maskQueryToken masks the "token" parameter in a query string
func maskQueryToken(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}
	if tok := values.Get("token"); tok != "" {
		if len(tok) > 4 {
			values.Set("token", tok[:4]+"****")
		} else {
			values.Set("token", "****")
		}
	}
	return strings.ReplaceAll(values.Encode(), "%2A", "*")
}

func openapiHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.Write(OpenAPISpec)
}
