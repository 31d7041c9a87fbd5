package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/gridsync/internal/api"
	"github.com/dgnsrekt/gridsync/internal/model"
)

func snapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot KIND [ID]",
		Short: "Fetch the current state of a resource once",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := parseResourceArgs(args)
			if err != nil {
				return err
			}

			got, err := cfg.NewPoller(logger).Snapshot(cmd.Context(), res)
			if err != nil {
				return err
			}

			switch got.Outcome {
			case api.Unauthenticated:
				return fmt.Errorf("server rejected the token (set GRIDSYNC_TOKEN)")
			case api.Cancelled:
				return cmd.Context().Err()
			}

			if got.Token != "" {
				fmt.Fprintln(os.Stdout, got.Token)
				return nil
			}
			snap, err := model.Decode(res, got.Data)
			if err != nil {
				return err
			}
			logger.Debug("snapshot fetched", zap.Stringer("resource", res), zap.Int64("revision", snap.Revision()))
			fmt.Fprintf(os.Stdout, "%s\n", got.Data)
			return nil
		},
	}
}
