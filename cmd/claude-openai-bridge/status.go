package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/dvcrn/claude-openai-bridge/internal/app"
	"github.com/dvcrn/claude-openai-bridge/internal/config"
	"github.com/dvcrn/claude-openai-bridge/internal/credentials"
)

func (c *cli) newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show routing, credentials and cache state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			routing, err := c.cfg.Routing()
			if err != nil {
				fmt.Fprintf(out, "Routing:     not configured (%v)\n", err)
			} else {
				printRouting(out, routing)
			}

			if err == nil && routing.Backend == config.BackendCodex {
				if err := c.printCredentials(out); err != nil {
					return err
				}
				cache := app.NewInstructions(c.cfg, c.log, false)
				if err := cache.Load(); err != nil {
					fmt.Fprintf(out, "Instructions: unreadable cache (%v)\n", err)
				}
				entries := cache.Entries()
				fmt.Fprintf(out, "Instructions: %d cached in %s\n", len(entries), app.CacheDir(c.cfg))
				for _, e := range entries {
					fresh := "stale"
					if e.Fresh {
						fresh = "fresh"
					}
					fmt.Fprintf(out, "  %-16s %-10s %6d bytes  %s (%s)\n", e.Family, e.Tag, e.Bytes, e.FetchedAt.Local().Format(time.DateTime), fresh)
				}
			}

			body, reachable, err := callRunning(cmd.Context(), c.cfg, http.MethodGet, "/admin/status")
			switch {
			case errors.Is(err, errAdminDisabled):
				fmt.Fprintf(out, "Proxy:       %v\n", err)
			case err != nil:
				fmt.Fprintf(out, "Proxy:       %s answered with an error: %v\n", c.cfg.ListenAddr(), err)
			case reachable:
				fmt.Fprintf(out, "Proxy:       running on %s\n%s\n", c.cfg.ListenAddr(), indentJSON(body))
			default:
				fmt.Fprintf(out, "Proxy:       not running on %s\n", c.cfg.ListenAddr())
			}
			return nil
		},
	}
}

func printRouting(out io.Writer, r config.Routing) {
	fmt.Fprintf(out, "Backend:     %s\n", r.Backend)
	fmt.Fprintf(out, "Target:      %s\n", r.Target)
	if r.Fixed() {
		fmt.Fprintf(out, "Endpoint:    %s (fixed)\n", r.EndpointPath)
	} else {
		fmt.Fprintf(out, "Endpoint:    probed under %s\n", r.BaseURL)
	}
	fmt.Fprintf(out, "Model:       %s\n", r.Models.Primary)
	if r.Models.Auxiliary != "" {
		fmt.Fprintf(out, "Auxiliary:   %s\n", r.Models.Auxiliary)
	}
}

func (c *cli) printCredentials(out io.Writer) error {
	tok, err := app.NewStore(c.cfg).Load()
	if errors.Is(err, credentials.ErrNotFound) || (err == nil && tok == nil) {
		fmt.Fprintln(out, "Credentials: none, run `claude-openai-bridge login`")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}
	fmt.Fprintf(out, "Credentials: account %s\n", tok.AccountID)
	if tok.ExpiresAt.IsZero() {
		return nil
	}
	left := time.Until(tok.ExpiresAt).Round(time.Minute)
	if left <= 0 {
		fmt.Fprintf(out, "  expired %s ago, refreshed on next request\n", -left)
		return nil
	}
	fmt.Fprintf(out, "  expires in %s (%s)\n", left, tok.ExpiresAt.Local().Format(time.DateTime))
	return nil
}
