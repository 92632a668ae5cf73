package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"majority-vote-service/internal/app"
	"majority-vote-service/internal/config"
	"majority-vote-service/internal/infra/memory"
	"majority-vote-service/internal/infra/postgres"
	redisinfra "majority-vote-service/internal/infra/redis"
	transport "majority-vote-service/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the game server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

type sessionStore interface {
	app.SessionRepository
	CloseAll()
}

// questionStore is the durable store, which also loads question sets for the cache.
type questionStore interface {
	app.Store
	memory.QuestionLoader
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	finalPort := listenPort(portFlag, cfg)

	var checks []transport.HealthCheck

	// --- Postgres ---
	var store questionStore = memory.NewStore()
	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg, logger); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		defer pool.Close()
		store = postgres.NewStore(pool)
		checks = append(checks, transport.HealthCheck{Name: "postgres", Ping: pool.Ping})
		logger.Info("connected to postgres")
	} else {
		logger.Warn("postgres not configured, rooms are kept in memory")
	}

	// --- Redis ---
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("pinging redis: %w", err)
		}
		checks = append(checks, transport.HealthCheck{Name: "redis", Ping: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}})
		logger.Info("connected to redis", "addr", cfg.Redis.Addr)
	}
	redisTTL := config.TTLDuration(cfg.Redis.TTL, 10*time.Minute)
	questionTTL := config.TTLDuration(cfg.Questions.TTL, 10*time.Minute)
	idleTimeout := config.TTLDuration(cfg.Sessions.IdleTimeout, 5*time.Minute)

	var (
		questions app.QuestionRepository
		sessions  sessionStore
		bus       *redisinfra.EventBus
		opts      = []app.Option{app.WithLogger(logger)}
	)
	if redisClient != nil {
		questions = redisinfra.NewQuestionRepository(redisClient, store, questionTTL)
		sessions = redisinfra.NewSessionStore(redisClient, redisTTL)
		bus = redisinfra.NewEventBus(redisClient, logger)
		opts = append(opts, app.WithPublisher(bus))
	} else {
		questions = memory.NewQuestionRepository(store, questionTTL)
		sessions = memory.NewSessionStore()
	}
	defer sessions.CloseAll()

	service := app.NewGameService(sessions, store, questions, opts...)
	srv := transport.NewServer(":"+finalPort, transport.NewRouter(service, logger, checks...), logger)

	// --- Run ---
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down http server")
		return srv.Shutdown(context.Background())
	})

	g.Go(func() error {
		return service.RunReaper(gctx, idleTimeout)
	})

	if bus != nil {
		listener, err := bus.Listen(ctx)
		if err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
		g.Go(func() error {
			logger.Info("relaying room events", "origin", bus.Origin())
			return listener.Run(gctx, service.Relay)
		})
	}

	return g.Wait()
}

// listenPort prefers the --port flag, then server.port (or SERVER_PORT), then 8080.
func listenPort(flag string, cfg config.Config) string {
	if flag != "" {
		return flag
	}
	if cfg.Server.Port != "" {
		return cfg.Server.Port
	}
	return "8080"
}

func newLogger(cfg config.Config) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel(),
	}))
}
