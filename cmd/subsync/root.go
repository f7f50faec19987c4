package main

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mihaimyh/subsync/internal/config"
)

// cli carries state shared by subcommands once the root pre-run has loaded it.
type cli struct {
	cfg    *config.Config
	logger zerolog.Logger
	out    io.Writer
}

func newRootCmd() *cobra.Command {
	c := &cli{out: os.Stdout}

	root := &cobra.Command{
		Use:   "subsync",
		Short: "Subscription webhook reconciliation service",
		Long: `subsync receives billing-provider webhooks and converges them into
one subscription record per purchase, with at most one active record per user.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.logger = newLogger(cfg, cmd.ErrOrStderr())
			c.out = cmd.OutOrStdout()
			return nil
		},
	}

	root.AddCommand(
		newServeCmd(c),
		newMigrateCmd(c),
		newReplayCmd(c),
		newSyncCmd(c),
	)
	return root
}

// newLogger writes human-readable output in development and JSON otherwise.
func newLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	out := w
	if cfg.IsDevelopment() {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "subsync").Logger()
}
