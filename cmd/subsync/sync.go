package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/subsync/pkg/billing"
)

func newSyncCmd(c *cli) *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Pull a subscriber from the provider API and reconcile it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.cfg.ProviderAPIKey == "" {
				return errors.New("PROVIDER_API_KEY is required for sync")
			}
			rt, err := c.build(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			rec, err := rt.provider.SyncUser(cmd.Context(), userID)
			if errors.Is(err, billing.ErrUserNotFound) {
				return fmt.Errorf("user %s is unknown to the provider", userID)
			}
			if err != nil {
				return err
			}
			if rec == nil {
				fmt.Fprintln(c.out, "no active subscription")
				return nil
			}
			enc := json.NewEncoder(c.out)
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "application user id (required)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
