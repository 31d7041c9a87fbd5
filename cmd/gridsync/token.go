package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dgnsrekt/gridsync/internal/auth"
	"github.com/dgnsrekt/gridsync/internal/config"
	"github.com/dgnsrekt/gridsync/internal/model"
)

func tokenCmd() *cobra.Command {
	var (
		userID string
		name   string
		secret string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the dev server",
		Long: `Mint a signed bearer token accepted by the dev server.

The secret must match the server's JWT_SECRET.

Example:
  export GRIDSYNC_TOKEN=$(gridsync token --user u-alice --name Alice)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := auth.NewIssuer(secret, ttl).Issue(model.User{ID: userID, Name: name})
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, tok)
			return nil
		},
	}

	defaultSecret := os.Getenv("JWT_SECRET")
	if defaultSecret == "" {
		defaultSecret = config.DefaultJWTSecret
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id (required)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&secret, "secret", defaultSecret, "signing secret (or set JWT_SECRET)")
	cmd.Flags().DurationVar(&ttl, "ttl", auth.DefaultTTL, "token lifetime")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}
