package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/subsync/internal/config"
)

func newMigrateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the PostgreSQL schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(c.out, "schema up to date")
			return nil
		},
	}
}

func (c *cli) migrate(ctx context.Context) error {
	if c.cfg.Store != config.StorePostgres {
		return errors.New("migrate requires STORE=postgres")
	}
	pg, err := c.openPostgres(ctx)
	if err != nil {
		return err
	}
	defer pg.Close()

	if err := pg.Migrate(ctx); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	c.logger.Info().Msg("database schema applied")
	return nil
}
