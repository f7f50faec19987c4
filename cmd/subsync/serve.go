package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/subsync/internal/server"
)

func newServeCmd(c *cli) *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook receiver",
		Long: `Run the webhook receiver and the health, metrics and admin endpoints.

Webhooks authenticate with "Authorization: Bearer $WEBHOOK_SECRET" or, when
ENABLE_HMAC is set, an HMAC-SHA256 of the body in X-Provider-Signature.

Dispatchers that send the secret itself in the "secret" query parameter or
raw in X-Provider-Signature are rejected unless LEGACY_SECRET_TRANSPORT=true.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			if migrate {
				if err := c.migrate(ctx); err != nil {
					return err
				}
			}

			rt, err := c.build(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			if c.cfg.WebhookSecret == "" {
				c.logger.Warn().Msg("WEBHOOK_SECRET is empty; webhook requests will get 503")
			}

			handler, err := server.New(server.Options{
				Webhook:     rt.provider.WebhookHandler(),
				WebhookPath: c.cfg.WebhookPath,
				Reader:      rt.store,
				Syncer:      rt.provider,
				AdminToken:  c.cfg.AdminToken,
				Gatherer:    rt.registry,
				Ready:       rt.ready,
				Logger:      c.logger,
			})
			if err != nil {
				return err
			}

			srv := &http.Server{
				Addr:              c.cfg.HTTPAddr,
				Handler:           handler,
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       30 * time.Second,
				WriteTimeout:      30 * time.Second,
				IdleTimeout:       120 * time.Second,
			}
			return c.run(ctx, srv)
		},
	}

	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply the database schema before serving")
	return cmd
}

// run serves until ctx is cancelled, then drains in-flight requests.
func (c *cli) run(ctx context.Context, srv *http.Server) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		c.logger.Info().
			Str("addr", srv.Addr).
			Str("webhook_path", c.cfg.WebhookPath).
			Str("store", c.cfg.Store).
			Msg("subsync listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		c.logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
