package infrastructure

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"hostpanel/internal/config"
	"hostpanel/internal/gateway"
	"hostpanel/internal/logging"
	"hostpanel/internal/metrics"
	"hostpanel/internal/repository"
	"hostpanel/internal/service"
	transportGRPC "hostpanel/internal/transport/grpc"
	transportHTTP "hostpanel/internal/transport/http"
	transportNATS "hostpanel/internal/transport/nats"
	"hostpanel/internal/worker"
)

const healthInterval = 10 * time.Second

// Bootstrap initialises all dependencies from config and wires up the application.
// Returns the App, a cleanup function, or an error.
func Bootstrap(ctx context.Context) (*App, func(), error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, err
	}

	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "api"})
	m := metrics.New(prometheus.DefaultRegisterer)

	var cleanupFns []func()

	// ── Storage ──────────────────────────────────────────────────────────────
	store, eventLog, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	cleanupFns = append(cleanupFns, cleanup)

	rdb, err := connectRedis(cfg.RedisAddr())
	if err != nil {
		return nil, runCleanup(cleanupFns), err
	}
	cleanupFns = append(cleanupFns, func() { _ = rdb.Close() })
	guard := repository.NewRedisGuard(rdb)

	// ── Bus ──────────────────────────────────────────────────────────────────
	var bus repository.MessageBus = repository.NopBus{}
	var servers []Server

	var nc *nats.Conn
	if cfg.BusProvider == "nats" {
		nc, err = connectNats(cfg.NatsAddr())
		if err != nil {
			return nil, runCleanup(cleanupFns), err
		}
		bus = transportNATS.NewBus(nc)
		cleanupFns = append(cleanupFns, func() { _ = nc.Drain() })
	}

	// ── Lifecycle engine ─────────────────────────────────────────────────────
	gw := gateway.NewClient(gateway.Options{
		BaseURL:       cfg.GatewayURL,
		Token:         cfg.GatewayToken,
		StatusTimeout: cfg.GatewayStatusTimeout,
		ActionTimeout: cfg.GatewayActionTimeout,
		Metrics:       m,
	})
	retrying := gateway.NewRetrying(gw, cfg.SuspendRetries, cfg.SuspendBackoff)

	surfaces := service.NewSurfaces(store, guard, cfg.ScanLockTTL,
		service.NewReconciler(store, gw, bus, m),
		service.NewReconciler(store, retrying, bus, m),
		m,
	)
	engine := service.NewEngine(store,
		surfaces,
		service.NewRenewalProcessor(store, gw, guard, bus, m),
		service.NewInstanceService(store, gw, bus),
		service.NewDriftSweeper(store, retrying, bus),
	)

	// ── Transports ───────────────────────────────────────────────────────────
	auth := transportHTTP.NewAuthenticator(cfg.SessionSecret, cfg.CronSecret)
	servers = append(servers, transportHTTP.NewServer(cfg.ApiAddr(), engine, auth, prometheus.DefaultGatherer))

	if addr, grpcErr := cfg.GRPCAddr(); grpcErr == nil {
		servers = append(servers, transportGRPC.NewServer(addr, engine, healthInterval))
	} else {
		log.Info().Msg(grpcErr.Error())
	}

	if nc != nil {
		servers = append(servers,
			transportNATS.NewHandler(engine, nc),
			worker.NewEventWorker(eventLog, nc, m),
		)
	}

	log.Info().
		Str("store", cfg.StoreProvider).
		Str("bus", cfg.BusProvider).
		Int("servers", len(servers)).
		Msg("Application wired")

	return NewApp(servers), runCleanup(cleanupFns), nil
}

// openStore connects the configured account store and its matching event log.
func openStore(ctx context.Context, cfg *config.Config) (repository.AccountStore, repository.EventLog, func(), error) {
	switch cfg.StoreProvider {
	case "mongo":
		client, db, err := connectMongo(cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return nil, nil, nil, err
		}
		closeFn := func() { _ = client.Disconnect(context.Background()) }
		store := repository.NewMongoStore(db)
		if err := store.EnsureIndexes(ctx); err != nil {
			closeFn()
			return nil, nil, nil, fmt.Errorf("mongo indexes: %w", err)
		}
		return store, repository.NewMongoEventLog(db), closeFn, nil

	case "postgres":
		db, err := connectPostgres(cfg.DSN())
		if err != nil {
			return nil, nil, nil, err
		}
		return repository.NewPostgresStore(db), repository.NewPostgresEventLog(db), db.Close, nil

	case "memory":
		log.Warn().Msg("Using in-memory account store, state is lost on restart")
		return repository.NewMemoryStore(), repository.LogEventLog{}, func() {}, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown store provider %q", cfg.StoreProvider)
}

// runCleanup returns a single function that calls all cleanup functions in reverse order.
func runCleanup(fns []func()) func() {
	return func() {
		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
	}
}
