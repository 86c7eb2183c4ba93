package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xaenox/onebot-agent/internal/agent"
	"github.com/xaenox/onebot-agent/internal/bot"
	"github.com/xaenox/onebot-agent/internal/llm"
	"github.com/xaenox/onebot-agent/internal/onebot"
	"github.com/xaenox/onebot-agent/internal/policy"
	"github.com/xaenox/onebot-agent/internal/scheduler"
	"github.com/xaenox/onebot-agent/internal/storage"
	"github.com/xaenox/onebot-agent/internal/threadlock"
	"github.com/xaenox/onebot-agent/internal/tools"
	"github.com/xaenox/onebot-agent/internal/weather"
	"github.com/xaenox/onebot-agent/pkg/config"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config %s: %v", *configPath, err)
	}

	// Initialize logger
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize storage
	store, err := openStorage(cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer store.Close()

	locker, err := newLocker(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err), zap.String("addr", cfg.Redis.Addr))
	}
	sender := onebot.NewClient(cfg.OneBot.APIURL, cfg.OneBot.AccessToken, cfg.OneBot.Timeout, logger)
	loc := cfg.Agent.Location()

	var reminders tools.ReminderScheduler
	if cfg.Scheduler.Enabled {
		sched := scheduler.New(logger, store, sender, scheduler.Options{
			Prefix:      cfg.Scheduler.ReminderPrefix,
			MaxLateness: cfg.Scheduler.MaxLateness,
			SendTimeout: cfg.Scheduler.SendTimeout,
		})
		if err := sched.Start(ctx); err != nil {
			logger.Fatal("Failed to start scheduler", zap.Error(err))
		}
		defer sched.Shutdown()
		reminders = sched
	}

	weatherClient := weather.NewClient(cfg.Weather.APIKey, cfg.Weather.GeoURL, cfg.Weather.APIURL, cfg.Weather.Timeout, logger)
	registry := tools.Discover(ctx, logger,
		tools.NewWeatherProvider(weatherClient, cfg.Weather.APIKey, cfg.Weather.SentinelCity),
		tools.NewTimeProvider(loc, nil),
		tools.NewTimerProvider(reminders, loc, nil),
	)

	model := llm.NewOpenAI(
		cfg.OpenAI.APIKey,
		cfg.OpenAI.BaseURL,
		cfg.OpenAI.Model,
		cfg.OpenAI.MaxTokens,
		cfg.OpenAI.Temperature,
		logger,
	)

	loop := agent.New(logger, model, store, registry, locker, agent.Config{
		SystemPrompt:       cfg.Agent.SystemPrompt,
		SummarizeThreshold: cfg.Agent.SummarizeThreshold,
		KeepLastN:          cfg.Agent.KeepLastN,
		MaxToolRounds:      cfg.Agent.MaxToolRounds,
		ModelTimeout:       cfg.Agent.ModelTimeout,
		ToolTimeout:        cfg.Agent.ToolTimeout,
		Location:           loc,
	})

	dispatcher := bot.NewDispatcher(policy.New(cfg.Bot), loop, sender, store, logger)
	server := bot.NewServer(cfg.Server, dispatcher, logger)

	// Start the server
	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start webhook server", zap.Error(err), zap.String("listen", cfg.Server.Listen))
	}
	logger.Info("Bot started",
		zap.Int64("bot_id", cfg.Bot.BotID),
		zap.Strings("tools", registry.Names()),
		zap.String("database", cfg.Database.Driver))

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Webhook server shutdown incomplete", zap.Error(err))
	}
}

func openStorage(cfg config.DatabaseConfig, logger *zap.Logger) (storage.Storage, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		logger.Info("Using in-memory storage")
		return storage.NewMemoryStorage(), nil
	case config.DriverPostgres:
		logger.Info("Using PostgreSQL storage")
		return storage.NewPostgresStorage(cfg.DSN(), logger)
	default:
		logger.Info("Using SQLite storage", zap.String("path", cfg.Path))
		return storage.NewSQLiteStorage(cfg.Path, logger)
	}
}

// newLocker returns the Redis lock when Redis is configured so several bot
// instances can share one database, and an in-process lock otherwise.
func newLocker(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (threadlock.Locker, error) {
	if cfg.Addr == "" {
		return threadlock.NewLocalLocker(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	logger.Info("Using Redis thread lock", zap.String("addr", cfg.Addr))
	return threadlock.NewRedisLocker(client, cfg.LockTTL, logger), nil
}
