package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dvcrn/claude-openai-bridge/internal/app"
	"github.com/dvcrn/claude-openai-bridge/internal/auth"
	"github.com/dvcrn/claude-openai-bridge/internal/credentials"
)

func (c *cli) newLoginCmd() *cobra.Command {
	var (
		manual      bool
		importCodex bool
		importPath  string
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in to the ChatGPT Codex backend",
		Long: `Sign in with an OpenAI account and store the tokens for the Codex backend.

By default a browser opens and the sign-in completes on a local callback.
With --manual the URL is printed and the redirect URL (or the code) is read
from stdin, for machines without a browser. With --import-codex the tokens
of an existing Codex CLI sign-in are copied instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store := app.NewStore(c.cfg)
			out := cmd.OutOrStdout()

			if importCodex {
				path := importPath
				if path == "" {
					path = credentials.CodexCLIAuthPath()
				}
				return c.importCodex(store, path, out)
			}

			opts := auth.Options{
				Store:        store,
				Logger:       c.log,
				CallbackPort: c.cfg.Codex.CallbackPort,
				Interactive:  true,
			}
			if manual {
				opts.Opener = func(url string) error {
					fmt.Fprintf(out, "Open this URL in a browser and sign in:\n\n  %s\n\nThen paste the redirect URL or the code here: ", url)
					return nil
				}
			}
			coord := auth.NewCoordinator(opts)

			ctx := cmd.Context()
			if manual {
				go readManualCode(ctx, cmd.InOrStdin(), coord, out)
			}
			tok, err := coord.Login(ctx)
			if err != nil {
				return fmt.Errorf("sign-in failed: %w", err)
			}
			fmt.Fprintf(out, "✅ Signed in (account %s, expires %s)\n", tok.AccountID, tok.ExpiresAt.Local().Format("2006-01-02 15:04"))
			return nil
		},
	}
	cmd.Flags().BoolVar(&manual, "manual", false, "print the sign-in URL and read the code from stdin")
	cmd.Flags().BoolVar(&importCodex, "import-codex", false, "copy the tokens of an existing Codex CLI sign-in")
	cmd.Flags().StringVar(&importPath, "codex-auth", "", "Codex CLI auth.json to import (default ~/.codex/auth.json)")
	return cmd
}

// readManualCode feeds pasted lines to the running flow until one is accepted.
func readManualCode(ctx context.Context, in io.Reader, coord *auth.Coordinator, out io.Writer) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := coord.SubmitManualCode(line); err != nil {
			fmt.Fprintf(out, "❌ %v, try again: ", err)
			continue
		}
		return
	}
}

func (c *cli) importCodex(store credentials.Store, path string, out io.Writer) error {
	tok, err := credentials.ImportCodexCLIAuth(path)
	if err != nil {
		return err
	}
	if tok.AccountID == "" {
		tok.AccountID = auth.AccountIDFromJWT(tok.AccessToken)
	}
	if tok.ExpiresAt.IsZero() {
		tok.ExpiresAt = auth.ExpiryFromJWT(tok.AccessToken)
	}
	coord := app.NewCoordinator(c.cfg, store, c.log, false)
	if err := coord.SetToken(*tok); err != nil {
		return err
	}
	fmt.Fprintf(out, "✅ Imported Codex CLI credentials from %s\n", path)
	return nil
}

func (c *cli) newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove stored Codex credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			coord := app.NewCoordinator(c.cfg, app.NewStore(c.cfg), c.log, false)
			if err := coord.Clear(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "🗑️  Credentials removed")
			return nil
		},
	}
}
