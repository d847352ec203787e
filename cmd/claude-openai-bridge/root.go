package main

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dvcrn/claude-openai-bridge/internal/config"
	"github.com/dvcrn/claude-openai-bridge/internal/logger"
)

// cli carries the state shared by every command: the resolved config and
// the logger built from it.
type cli struct {
	v       *viper.Viper
	cfgFile string
	cfg     config.Config
	log     zerolog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}

	root := &cobra.Command{
		Use:   "claude-openai-bridge",
		Short: "Run Claude Code against OpenAI-compatible backends",
		Long: `claude-openai-bridge is a local proxy that speaks the Anthropic Messages API
to the agent and forwards every request to an OpenAI-compatible server
(responses, chat completions or legacy completions, probed automatically)
or to the ChatGPT Codex backend with browser sign-in.

Point the agent at it with:
  ANTHROPIC_BASE_URL=http://127.0.0.1:4000 claude`,
		Version:           version,
		SilenceUsage:      true,
		PersistentPreRunE: c.load,
		RunE:              c.runServe,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&c.cfgFile, "config", "c", "",
		"config file (default: ./.claude-openai-bridge.yaml or ~/.config/claude-openai-bridge/config.yaml)")
	flags.String("target", "", "upstream base URL or full endpoint (PROXY_TARGET_URL)")
	flags.String("host", "", "listen host")
	flags.Int("port", 0, "listen port (PORT)")
	flags.String("log-level", "", "log level: trace, debug, info, warn, error")
	flags.String("model", "", "primary upstream model (ANTHROPIC_MODEL)")

	for key, flag := range map[string]string{
		"target":         "target",
		"host":           "host",
		"port":           "port",
		"log_level":      "log-level",
		"models.primary": "model",
	} {
		_ = c.v.BindPFlag(key, flags.Lookup(flag))
	}

	root.AddCommand(
		c.newServeCmd(),
		c.newLoginCmd(),
		c.newLogoutCmd(),
		c.newResetCmd(),
		c.newStatusCmd(),
		c.newModelsCmd(),
		c.newConfigCmd(),
		c.newMockUpstreamCmd(),
	)
	return root
}

func (c *cli) load(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(c.v, c.cfgFile)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.log = logger.NewWithLevel(cfg.Env, cfg.LogLevel)
	return nil
}

// validate checks the config for commands that talk to an upstream.
func (c *cli) validate() error {
	if err := c.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
