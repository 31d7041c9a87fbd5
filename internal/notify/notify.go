// Package notify pushes game alerts to an ntfy topic: your move, game over
// and new invitations.
package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/gridsync/internal/model"
)

// Notifier is the interface for sending game alerts.
type Notifier interface {
	SendTurn(ctx context.Context, g *model.GameState) error
	SendGameOver(ctx context.Context, g *model.GameState, me string) error
	SendInvite(ctx context.Context, inv model.Invitation) error
}

// Client implements the ntfy notification client.
type Client struct {
	httpClient *http.Client
	config     *Config
	logger     *zap.Logger
}

// NewClient creates a new ntfy client.
func NewClient(cfg *Config, logger *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		config: cfg,
		logger: logger,
	}
}

// SendTurn tells the player it is their move.
func (c *Client) SendTurn(ctx context.Context, g *model.GameState) error {
	if !c.config.Enabled {
		return nil
	}

	title := fmt.Sprintf("Your move: %s", gameTitle(g))
	tags := c.config.Tags + ",hourglass_flowing_sand"

	return c.send(ctx, title, FormatTurnMessage(g), tags, "high")
}

// SendGameOver reports the final result.
func (c *Client) SendGameOver(ctx context.Context, g *model.GameState, me string) error {
	if !c.config.Enabled {
		return nil
	}

	title := fmt.Sprintf("Game over: %s", gameTitle(g))
	tags := c.config.Tags + ",checkered_flag"
	if g.WinnerID != "" && g.WinnerID == me {
		tags = c.config.Tags + ",trophy"
	}

	return c.send(ctx, title, FormatGameOverMessage(g, me), tags, c.config.Priority)
}

// SendInvite announces a new invitation.
func (c *Client) SendInvite(ctx context.Context, inv model.Invitation) error {
	if !c.config.Enabled {
		return nil
	}

	tags := c.config.Tags + ",envelope"
	return c.send(ctx, "New invitation", FormatInviteMessage(inv), tags, c.config.Priority)
}

func (c *Client) send(ctx context.Context, title, message, tags, priority string) error {
	url := fmt.Sprintf("%s/%s", strings.TrimSuffix(c.config.Server, "/"), c.config.Topic)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(message))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Title", title)
	req.Header.Set("Priority", priority)
	req.Header.Set("Tags", tags)

	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("failed to send notification", zap.Error(err))
		return fmt.Errorf("sending notification: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Drain response body to allow connection reuse
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("notification failed",
			zap.Int("status", resp.StatusCode),
			zap.String("url", url),
		)
		return fmt.Errorf("notification failed with status: %d", resp.StatusCode)
	}

	c.logger.Debug("notification sent", zap.String("title", title))
	return nil
}

func gameTitle(g *model.GameState) string {
	if g.Name != "" {
		return g.Name
	}
	return g.ID
}

// NoopNotifier is a no-op implementation for when notifications are disabled.
type NoopNotifier struct{}

func (n *NoopNotifier) SendTurn(context.Context, *model.GameState) error             { return nil }
func (n *NoopNotifier) SendGameOver(context.Context, *model.GameState, string) error { return nil }
func (n *NoopNotifier) SendInvite(context.Context, model.Invitation) error           { return nil }

// New creates the appropriate notifier based on config.
func New(cfg *Config, logger *zap.Logger) Notifier {
	if !cfg.Enabled {
		return &NoopNotifier{}
	}
	return NewClient(cfg, logger)
}
