package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"hostpanel/internal/infrastructure"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, cleanup, err := infrastructure.Bootstrap(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start")
	}
	defer cleanup()

	if err := app.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Server stopped with error")
		cleanup()
		os.Exit(1)
	}
	log.Info().Msg("Shutdown complete")
}
