//go:build js && wasm

package main

import (
	"github.com/spf13/viper"
	"github.com/syumai/workers"
	"github.com/syumai/workers/cloudflare"

	"github.com/dvcrn/claude-openai-bridge/internal/app"
	"github.com/dvcrn/claude-openai-bridge/internal/config"
	"github.com/dvcrn/claude-openai-bridge/internal/credentials"
	"github.com/dvcrn/claude-openai-bridge/internal/logger"
)

func main() {
	log := logger.New()

	cfg, err := config.LoadEnv(viper.New(), cloudflare.Getenv)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	log = logger.NewWithLevel(cfg.Env, cfg.LogLevel)

	opts := app.Options{MemoryCache: true}
	if r, err := cfg.Routing(); err == nil && r.Backend == config.BackendCodex {
		log.Info().Msg("📦 Using Cloudflare KV credential store")
		kv, err := credentials.NewKVStore()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open Cloudflare KV store")
		}
		opts.Store = kv
	}

	b, err := app.New(cfg, log, opts)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to assemble bridge")
	}

	workers.Serve(b.Server.Handler())
}
