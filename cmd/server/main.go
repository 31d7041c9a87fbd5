package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dgnsrekt/gridsync/internal/auth"
	"github.com/dgnsrekt/gridsync/internal/config"
	"github.com/dgnsrekt/gridsync/internal/data"
	"github.com/dgnsrekt/gridsync/internal/server"
	"github.com/dgnsrekt/gridsync/internal/ws"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Setup logger
	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	// Load config
	cfg, err := config.LoadServerConfig()
	if err != nil {
		logger.Error("failed to load config", zap.Error(err))
		return 1
	}
	if cfg.JWTSecret == config.DefaultJWTSecret {
		logger.Warn("JWT_SECRET not set, using the built-in dev secret")
	}

	logger.Info("configuration loaded",
		zap.String("port", cfg.Port),
		zap.Bool("longPollUnsupported", cfg.LongPollUnsupported),
		zap.Bool("pushDisabled", cfg.PushDisabled),
		zap.Bool("textSnapshots", cfg.TextSnapshots),
		zap.Bool("simEnabled", cfg.SimEnabled),
		zap.Duration("simInterval", cfg.SimInterval),
		zap.Int("seedGames", cfg.SeedGames),
		zap.Duration("maxPollTimeout", cfg.MaxPollTimeout),
		zap.Duration("wsHeartbeatTimeout", cfg.WSHeartbeatTimeout),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := data.NewStore(logger)
	issuer := auth.NewIssuer(cfg.JWTSecret, auth.DefaultTTL)

	hub := ws.NewHub(store, issuer, ws.Options{
		PushDisabled:     cfg.PushDisabled,
		HeartbeatTimeout: cfg.WSHeartbeatTimeout,
	}, logger)

	sim := data.NewSimulator(store, cfg.SimInterval, uint64(time.Now().UnixNano()), logger)
	sim.Seed(cfg.SeedGames)

	srv := server.NewServer(store, issuer, cfg, logger)
	router, err := server.NewRouter(srv, hub, logger)
	if err != nil {
		logger.Error("failed to create router", zap.Error(err))
		return 1
	}

	// Long polls hold the response open for up to MaxPollTimeout.
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.MaxPollTimeout + 15*time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	if cfg.SimEnabled {
		g.Go(func() error {
			sim.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		logger.Info("starting server", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
		return 1
	}

	logger.Info("server stopped")
	return 0
}
