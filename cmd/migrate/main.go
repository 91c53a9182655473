package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"hostpanel/internal/config"
	"hostpanel/internal/logging"
	"hostpanel/internal/repository"
)

func main() {
	cfg, err := config.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "migrate"})

	flag.Parse()
	args := flag.Args()

	if len(args) < 1 {
		fmt.Println("Error: migration command is required")
		fmt.Println("Usage: go run ./cmd/migrate [command] [args]")
		fmt.Println("Commands: up, down, status, redo (postgres); up (mongo indexes)")
		os.Exit(1)
	}

	command := args[0]

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	switch cfg.StoreProvider {
	case "postgres":
		err = repository.RunMigrations(ctx, cfg.DSN(), command, args[1:]...)
	case "mongo":
		err = ensureMongoIndexes(ctx, cfg, command)
	default:
		log.Info().Str("store", cfg.StoreProvider).Msg("Nothing to migrate")
		return
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", command).Msg("Migration failed")
	}

	log.Info().Str("command", command).Msg("Migration finished successfully")
}

func ensureMongoIndexes(ctx context.Context, cfg *config.Config, command string) error {
	if command != "up" {
		return fmt.Errorf("mongo store only supports the up command")
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return err
	}
	defer func() { _ = client.Disconnect(context.Background()) }()

	return repository.NewMongoStore(client.Database(cfg.MongoDB)).EnsureIndexes(ctx)
}
