package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dvcrn/claude-openai-bridge/internal/mockupstream"
	"github.com/dvcrn/claude-openai-bridge/internal/translate"
)

func (c *cli) newMockUpstreamCmd() *cobra.Command {
	var (
		addr   string
		shapes []string
		models []string
	)
	cmd := &cobra.Command{
		Use:   "mock-upstream",
		Short: "Run an echoing OpenAI-compatible server for local testing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			accepted, err := parseShapes(shapes)
			if err != nil {
				return err
			}
			mock := mockupstream.New(mockupstream.Options{
				Shapes: accepted,
				Models: models,
				Logger: c.log,
			})

			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", addr, err)
			}
			srv := &http.Server{
				Handler:           mock.Handler(),
				ReadHeaderTimeout: 30 * time.Second,
			}
			c.log.Info().
				Str("addr", ln.Addr().String()).
				Strs("shapes", shapes).
				Msg("🧪 Mock upstream listening")

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Serve(ln) }()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-cmd.Context().Done():
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(ctx)
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:4010", "listen address")
	cmd.Flags().StringSliceVar(&shapes, "shapes", []string{"responses", "chat", "completions"}, "accepted request shapes")
	cmd.Flags().StringSliceVar(&models, "models", nil, "model ids returned by GET /v1/models")
	return cmd
}

func parseShapes(names []string) ([]translate.Shape, error) {
	var out []translate.Shape
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		sh, err := translate.ParseShape(name)
		if err != nil {
			return nil, err
		}
		out = append(out, sh)
	}
	return out, nil
}
