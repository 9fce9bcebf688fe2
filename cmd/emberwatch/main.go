package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"emberwatch/internal/config"
	"emberwatch/internal/logger"
	"emberwatch/internal/processor"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfg = loaded
	} else {
		cfg.ApplyEnv()
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
	}

	logger.Init(cfg.Log.Level, cfg.Log.Pretty)
	log := logger.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p := processor.New(cfg)
	if err := p.Run(ctx); err != nil {
		log.Error().Err(err).Msg("processor exited")
		os.Exit(1)
	}

	log.Info().Msg("exited")
}
