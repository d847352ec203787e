package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dvcrn/claude-openai-bridge/internal/upstream"
)

func (c *cli) newModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the models the upstream offers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.validate(); err != nil {
				return err
			}
			routing, err := c.cfg.Routing()
			if err != nil {
				return err
			}
			client := upstream.New(upstream.Options{
				Routing: routing,
				Timeout: c.cfg.Timeout(),
				Logger:  c.log,
			})
			ids, err := client.ListModels(cmd.Context())
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}
