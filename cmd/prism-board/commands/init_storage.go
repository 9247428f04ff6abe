package commands

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"prism-board/storage"
)

func newInitStorageCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "init-storage",
		Short: "Create the task table, event queue and board record",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.initStorage(cmd.Context(), cmd)
		},
	}
}

func (c *cli) initStorage(ctx context.Context, cmd *cobra.Command) error {
	c.logger.WithField("driver", c.cfg.Storage.Driver).Info("storage init starting")
	store, err := openStorage(c.cfg, c.logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer store.Close()

	if err := store.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	info, err := store.GetOrCreateBoard(ctx)
	if err != nil {
		return fmt.Errorf("create board: %w", err)
	}
	if c.cfg.Events.Queue != "" {
		if err := storage.EnsureQueue(ctx, c.cfg.Storage.ConnectionString, c.cfg.Events.Queue); err != nil {
			return fmt.Errorf("create queue: %w", err)
		}
	}

	c.logger.WithFields(log.Fields{"board": info.ID, "name": info.Name}).Info("storage init complete")
	fmt.Fprintf(cmd.OutOrStdout(), "board %s (%s) ready\n", info.Name, info.ID)
	return nil
}
