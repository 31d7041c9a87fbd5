package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/gridsync/internal/auth"
	"github.com/dgnsrekt/gridsync/internal/failover"
	"github.com/dgnsrekt/gridsync/internal/model"
	"github.com/dgnsrekt/gridsync/internal/notify"
	"github.com/dgnsrekt/gridsync/internal/transport"
)

func parseResourceArgs(args []string) (model.Resource, error) {
	var id string
	if len(args) > 1 {
		id = args[1]
	}
	return model.ParseResource(args[0], id)
}

func watchCmd() *cobra.Command {
	var (
		noPush bool
		once   bool
	)

	cmd := &cobra.Command{
		Use:   "watch KIND [ID]",
		Short: "Stream changes to a resource",
		Long: `Subscribe to a resource and print every accepted change as one JSON line.

The push channel is tried first. When it is unavailable the client falls back
to cursor-resumable long polling, and to fixed-interval snapshots when the
server cannot resume.

With notifications enabled (NTFY_ENABLED, NTFY_TOPIC) your turns, finished
games and new invitations are pushed to ntfy.

Kinds: session, games, invitations, game (requires ID)

Examples:
  # Follow the lobby
  gridsync watch games

  # Follow one game, polling only
  gridsync watch game 3f2a9c1e --no-push`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			res, err := parseResourceArgs(args)
			if err != nil {
				return err
			}
			if noPush {
				cfg.Channel.Enabled = false
			}

			var alerts *notify.Alerts
			if cfg.Notify.Enabled {
				me, err := auth.Subject(cfg.Server.Token)
				if err != nil {
					return fmt.Errorf("notifications need a signed-in token: %w", err)
				}
				alerts = notify.NewAlerts(notify.New(&cfg.Notify, logger), me.ID)
				logger.Info("notifications enabled", zap.String("topic", cfg.Notify.Topic), zap.String("user", me.ID))
			}

			ctrl := cfg.NewController(logger)

			go func() {
				for u := range ctrl.Store().Subscribe(ctx) {
					logger.Info("connection status",
						zap.String("state", string(u.State)),
						zap.String("reason", u.Reason),
						zap.String("resource", u.Resource),
					)
				}
			}()

			sub := ctrl.Subscribe(ctx, res)
			defer sub.Close()

			logger.Info("watching", zap.Stringer("resource", res), zap.String("server", cfg.Server.BaseURL))

			for u := range sub.Updates() {
				if err := printUpdate(os.Stdout, u); err != nil {
					return err
				}
				if alerts != nil && u.Snapshot != nil {
					if err := alerts.Observe(ctx, u.Snapshot); err != nil {
						logger.Warn("notification failed", zap.Error(err))
					}
				}
				if once {
					return nil
				}
			}

			if err := sub.Err(); err != nil {
				if errors.Is(err, transport.ErrUnauthenticated) {
					return fmt.Errorf("server rejected the token (set GRIDSYNC_TOKEN): %w", err)
				}
				return err
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noPush, "no-push", false, "skip the push channel and poll only")
	cmd.Flags().BoolVar(&once, "once", false, "exit after the first update")

	return cmd
}

type updateLine struct {
	Resource string          `json:"resource"`
	Source   failover.Mode   `json:"source"`
	Event    string          `json:"event,omitempty"`
	Revision int64           `json:"revision,omitempty"`
	Token    string          `json:"token,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

func printUpdate(w io.Writer, u failover.Update) error {
	line := updateLine{
		Resource: u.Resource.String(),
		Source:   u.Source,
		Event:    u.Event,
		Data:     u.Raw,
	}

	switch snap := u.Snapshot.(type) {
	case nil:
	case *model.StatusToken:
		line.Token = snap.Value
	default:
		raw, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("encoding snapshot: %w", err)
		}
		line.Revision = snap.Revision()
		line.Data = raw
	}

	return json.NewEncoder(w).Encode(line)
}
