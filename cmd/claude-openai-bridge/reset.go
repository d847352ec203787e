package main

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/dvcrn/claude-openai-bridge/internal/app"
)

func (c *cli) newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Forget learned upstream shapes and cached Codex instructions",
		Long: `Clears the instruction cache on disk and, when a proxy is running on the
configured address, asks it to drop its capability and instruction caches.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			if err := app.NewInstructions(c.cfg, c.log, false).Reset(); err != nil {
				return fmt.Errorf("clear instruction cache: %w", err)
			}
			fmt.Fprintf(out, "🗑️  Instruction cache cleared (%s)\n", app.CacheDir(c.cfg))

			_, reachable, err := callRunning(cmd.Context(), c.cfg, http.MethodPost, "/admin/reset")
			switch {
			case errors.Is(err, errAdminDisabled):
				fmt.Fprintf(out, "Running proxy not reset: %v\n", err)
			case err != nil:
				return err
			case reachable:
				fmt.Fprintf(out, "♻️  Running proxy on %s reset\n", c.cfg.ListenAddr())
			default:
				fmt.Fprintf(out, "No proxy running on %s\n", c.cfg.ListenAddr())
			}
			return nil
		},
	}
}
