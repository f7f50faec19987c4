package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// replayResult is printed for every replayed body.
type replayResult struct {
	File       string `json:"file"`
	Outcome    string `json:"outcome"`
	Resolution string `json:"resolution,omitempty"`
	UserID     string `json:"user_id,omitempty"`
	RecordID   string `json:"record_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

func newReplayCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "replay FILE...",
		Short: "Reconcile stored webhook bodies (use - for stdin)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := c.build(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			enc := json.NewEncoder(c.out)
			var failed int
			for _, name := range args {
				body, err := readInput(cmd.InOrStdin(), name)
				if err != nil {
					return err
				}

				out := replayResult{File: name}
				res, err := rt.provider.Replay(cmd.Context(), body)
				out.Outcome = string(res.Outcome)
				out.Resolution = res.Resolution.String()
				out.UserID = res.UserID
				if res.Record != nil {
					out.RecordID = res.Record.ID
				}
				if err != nil {
					out.Error = err.Error()
					failed++
				}
				if err := enc.Encode(out); err != nil {
					return err
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d events failed", failed, len(args))
			}
			return nil
		},
	}
}

func readInput(stdin io.Reader, name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(stdin)
	}
	body, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return body, nil
}
