package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gridbot/config"
	"gridbot/internal/api"
	"gridbot/internal/binance"
	"gridbot/internal/circuit"
	"gridbot/internal/control"
	"gridbot/internal/database"
	"gridbot/internal/events"
	"gridbot/internal/grid"
	"gridbot/internal/logging"
	"gridbot/internal/metrics"
	"gridbot/internal/notification"
	"gridbot/internal/status"
	"gridbot/internal/strategy"
	"gridbot/internal/vault"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", getEnv("GRIDBOT_CONFIG", "config.json"), "process config file")
	sample := flag.String("sample-config", "", "write a sample process config to this path and exit")
	flag.Parse()

	if *sample != "" {
		if err := config.GenerateSampleConfig(*sample); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write sample config: %v\n", err)
			return grid.ExitError
		}
		return grid.ExitOK
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return grid.ExitError
	}
	inst := cfg.InstanceConfig

	// Initialize structured logging
	logger := logging.New(&logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
		Component:   "main",
	}).With().Str("instance", inst.ID).Logger()
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := strategy.NewStore(inst.StrategyPath, logger)
	if err != nil {
		logger.Error().Err(err).Str("path", inst.StrategyPath).Msg("Failed to load strategy config")
		return grid.ExitError
	}
	strat := store.Current()
	runID := uuid.NewString()
	logger.Info().
		Str("run_id", runID).
		Str("symbol", strat.Symbol).
		Str("direction", string(strat.Direction)).
		Bool("dry_run", inst.DryRun).
		Msg("Starting grid engine")

	// Initialize event bus
	eventBus := events.NewEventBus()
	defer eventBus.Drain(5 * time.Second)

	var m *metrics.Metrics
	if cfg.MetricsConfig.Enabled {
		m = metrics.New(inst.ID, strat.Symbol)
		m.Subscribe(eventBus)
	}

	journal, err := database.Open(ctx, database.Config{
		Driver:   cfg.DatabaseConfig.Driver,
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Name,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
		Path:     cfg.DatabaseConfig.Path,
	}, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open trade journal")
		return grid.ExitError
	}
	if journal != nil {
		defer journal.Close()
		database.Subscribe(eventBus, journal, inst.ID, logger)
		logger.Info().Str("driver", cfg.DatabaseConfig.Driver).Msg("Trade journal enabled")
	}

	if cfg.NotificationConfig.Enabled {
		notifyManager := notification.NewManager(logger)
		notifyManager.AddNotifier(notification.NewTelegramNotifier(notification.TelegramConfig{
			BotToken: cfg.NotificationConfig.Telegram.BotToken,
			ChatID:   cfg.NotificationConfig.Telegram.ChatID,
			Enabled:  cfg.NotificationConfig.Telegram.Enabled,
		}))
		notifyManager.AddNotifier(notification.NewDiscordNotifier(notification.DiscordConfig{
			WebhookURL: cfg.NotificationConfig.Discord.WebhookURL,
			Enabled:    cfg.NotificationConfig.Discord.Enabled,
		}))
		if notifyManager.Enabled() {
			notifyManager.Subscribe(eventBus, inst.ID, strat.Symbol)
			logger.Info().Msg("Operator notifications enabled")
		}
	}

	breaker := circuit.NewCircuitBreaker(&circuit.CircuitBreakerConfig{
		Enabled:                cfg.CircuitBreakerConfig.Enabled,
		MaxConsecutiveFailures: cfg.CircuitBreakerConfig.MaxConsecutiveFailures,
		MaxFailuresPerMinute:   cfg.CircuitBreakerConfig.MaxFailuresPerMinute,
		CooldownSeconds:        cfg.CircuitBreakerConfig.CooldownSeconds,
	})
	breaker.SetEventBus(eventBus)

	ex, userData, ticker, err := connectExchange(ctx, cfg, strat.Symbol, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to set up exchange access")
		return grid.ExitError
	}

	statusWriter, err := status.NewWriter(inst.StatusDir, inst.ID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to prepare status directory")
		return grid.ExitError
	}

	opts := grid.Options{
		Store:             store,
		Exchange:          ex,
		UserData:          userData,
		Ticker:            ticker,
		Bus:               eventBus,
		Metrics:           m,
		Breaker:           breaker,
		Flags:             control.NewFlags(inst.StatusDir, inst.ID),
		Status:            statusWriter,
		InstanceID:        inst.ID,
		RunID:             runID,
		RequireStartFlag:  inst.RequireStartFlag,
		FlattenOnShutdown: inst.FlattenOnShutdown,
		DryRun:            inst.DryRun,
		Logger:            logger,
	}

	if cfg.RedisConfig.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
			PoolSize: cfg.RedisConfig.PoolSize,
		})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Error().Err(err).Str("addr", cfg.RedisConfig.Address).Msg("Redis unreachable")
			return grid.ExitError
		}

		opts.Publisher = status.NewRedisPublisher(rdb, inst.ID, time.Duration(cfg.RedisConfig.StatusTTLSec)*time.Second)

		listener := control.NewRedisListener(rdb, inst.ID, logger)
		opts.Commands = listener.Commands()
		go func() {
			if err := listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("Control listener stopped")
			}
		}()

		if inst.LeaderLock {
			lock := control.NewLock(rdb, inst.ID, runID, logger)
			if err := lock.Acquire(ctx); err != nil {
				logger.Error().Err(err).Msg("Failed to acquire instance lock")
				return grid.ExitError
			}
			defer lock.Release(context.WithoutCancel(ctx))
			opts.Leader = lock
		}
	}

	engine := grid.New(opts)
	if err := engine.Init(ctx); err != nil {
		logger.Error().Err(err).Msg("Engine initialisation failed")
		return grid.ExitError
	}

	var server *api.Server
	if cfg.APIConfig.Enabled {
		deps := api.Deps{Engine: engine, Journal: journal, InstanceID: inst.ID, Logger: logger}
		if m != nil {
			deps.Metrics = m.Handler()
		}
		server = api.NewServer(api.ServerConfig{
			Host:           cfg.APIConfig.Host,
			Port:           cfg.APIConfig.Port,
			ProductionMode: cfg.APIConfig.ProductionMode,
			AllowOrigins:   cfg.APIConfig.AllowedOrigins,
			JWTSecret:      cfg.APIConfig.JWTSecret,
			ControlRate:    cfg.APIConfig.ControlRate,
		}, deps)
		go func() {
			if err := server.Start(); err != nil {
				logger.Error().Err(err).Msg("HTTP server failed")
			}
		}()
	}

	res := engine.Run(ctx)

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Error shutting down HTTP server")
		}
		cancel()
	}

	ev := logger.Info()
	if res.Err != nil {
		ev = logger.Error().Err(res.Err)
	}
	ev.Str("reason", res.Reason).Int("code", res.Code).Msg("Shutdown complete")
	return res.Code
}

// connectExchange builds the REST client and the two streams. Dry runs trade
// against an in-memory exchange whose book follows the live ticker.
func connectExchange(ctx context.Context, cfg *config.Config, symbol string, logger zerolog.Logger) (binance.Exchange, grid.UserDataSource, grid.TickerSource, error) {
	streamCfg := binance.StreamConfig{
		Testnet: cfg.BinanceConfig.TestNet,
		BaseURL: cfg.BinanceConfig.StreamURL,
	}
	book := binance.NewBookTickerStream(symbol, streamCfg, logger)

	if cfg.InstanceConfig.DryRun {
		mock := binance.NewMockExchange(symbol)
		logger.Warn().Msg("Dry run: orders are simulated in memory")
		return mock, binance.NewMockUserDataStream(mock), binance.NewMockTickerFeed(book, mock), nil
	}

	apiKey, secretKey := cfg.BinanceConfig.APIKey, cfg.BinanceConfig.SecretKey
	if cfg.VaultConfig.Enabled {
		vc, err := vault.NewClient(cfg.VaultConfig)
		if err != nil {
			return nil, nil, nil, err
		}
		readCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		creds, err := vc.GetCredentials(readCtx, cfg.InstanceConfig.ID, cfg.BinanceConfig.TestNet)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("load credentials: %w", err)
		}
		apiKey, secretKey = creds.APIKey, creds.SecretKey
		logger.Info().Msg("Exchange credentials loaded from vault")
	}

	limiter := binance.NewRateLimiter(cfg.BinanceConfig.MaxWeight, cfg.BinanceConfig.RequestsPerSecond, logger)
	client := binance.NewFuturesClient(binance.ClientConfig{
		APIKey:     apiKey,
		SecretKey:  secretKey,
		Testnet:    cfg.BinanceConfig.TestNet,
		BaseURL:    cfg.BinanceConfig.BaseURL,
		RecvWindow: cfg.BinanceConfig.RecvWindow,
	}, limiter, logger)
	cached := binance.NewCachedFuturesClient(client, time.Duration(cfg.InstanceConfig.CacheTTLSec*float64(time.Second)))

	return cached, binance.NewUserDataStream(cached, streamCfg, logger), book, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
