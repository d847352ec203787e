package main

import (
	"github.com/spf13/cobra"

	"github.com/dvcrn/claude-openai-bridge/internal/app"
)

func (c *cli) newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the proxy (default command)",
		Args:  cobra.NoArgs,
		RunE:  c.runServe,
	}
}

func (c *cli) runServe(cmd *cobra.Command, args []string) error {
	if err := c.validate(); err != nil {
		return err
	}
	b, err := app.New(c.cfg, c.log, app.Options{Interactive: true})
	if err != nil {
		return err
	}
	c.log.Info().
		Str("listen", c.cfg.ListenAddr()).
		Str("backend", b.Routing.Backend.String()).
		Str("target", b.Routing.Target).
		Str("primary_model", b.Routing.Models.Primary).
		Bool("tracing", b.Tracing.Enabled()).
		Msg("Starting claude-openai-bridge")
	return b.Run(cmd.Context())
}
