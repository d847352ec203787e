package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dvcrn/claude-openai-bridge/internal/config"
)

func (c *cli) newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration file",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := config.Render(c.cfg)
			if err != nil {
				return err
			}
			if file := config.ResolveFile(c.cfgFile); file != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "# loaded from %s\n", file)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	var path string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a commented default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				path = config.UserFile()
			}
			if path == "" {
				return fmt.Errorf("cannot determine the user config directory, pass --path")
			}
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "📝 Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().StringVar(&path, "path", "", "where to write the file (default: user config directory)")

	cmd.AddCommand(show, initCmd)
	return cmd
}
