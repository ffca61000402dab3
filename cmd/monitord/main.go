package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pranavchavda/niftystrategist-v2-sub001/internal/auth"
	"github.com/pranavchavda/niftystrategist-v2-sub001/internal/daemon"
	"github.com/pranavchavda/niftystrategist-v2-sub001/internal/executor"
	"github.com/pranavchavda/niftystrategist-v2-sub001/internal/ops"
	"github.com/pranavchavda/niftystrategist-v2-sub001/internal/rules"
	"github.com/pranavchavda/niftystrategist-v2-sub001/internal/session"
	"github.com/pranavchavda/niftystrategist-v2-sub001/internal/stream"
	"github.com/pranavchavda/niftystrategist-v2-sub001/pkg/config"
	"github.com/pranavchavda/niftystrategist-v2-sub001/pkg/crypto"
	"github.com/pranavchavda/niftystrategist-v2-sub001/pkg/db"
	"github.com/pranavchavda/niftystrategist-v2-sub001/pkg/upstox"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	logger := newLogger(cfg)

	database, err := db.New(cfg.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DBPath).Msg("database open failed")
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}

	enc, err := crypto.NewEncryptor([]byte(cfg.EncryptionKey), cfg.KeyVersion)
	if err != nil {
		logger.Fatal().Err(err).Msg("encryption key invalid")
	}

	resolver := auth.NewResolver(database, enc, cfg.APIBaseURL, cfg.LoginCooldown, cfg.TokenOverrides, logger)

	exec := executor.New(executor.Config{
		DB:      database,
		Paper:   cfg.PaperTrading,
		BaseURL: cfg.APIBaseURL,
		Token:   resolver.Resolve,
		Log:     logger,
	})

	httpClient := &http.Client{Timeout: 15 * time.Second}

	mon := daemon.New(daemon.Config{
		DB:           database,
		Tokens:       resolver,
		Executor:     exec,
		PollInterval: cfg.PollInterval,
		TimeInterval: cfg.TimeRuleInterval,
		Log:          logger,
		SessionConfig: session.ManagerConfig{
			CandleHistory: cfg.CandleHistory,
			Log:           logger,
			NewMarket: func(userID string, onTick func(upstox.Tick)) session.MarketStream {
				return stream.NewMarketDataStream(stream.MarketDataConfig{
					UserID:       userID,
					AuthorizeURL: cfg.FeedAuthorizeURL,
					FeedKind:     cfg.MarketFeedKind,
					Token:        tokenFunc(resolver, userID),
					Mode:         cfg.MarketDataMode,
					MaxBackoff:   cfg.MaxBackoff,
					HTTPClient:   httpClient,
					Log:          logger,
					OnTick:       onTick,
				})
			},
			NewPortfolio: func(userID string, onEvent func(rules.OrderUpdate)) session.PortfolioFeed {
				return stream.NewPortfolioStream(stream.PortfolioConfig{
					UserID:       userID,
					AuthorizeURL: cfg.FeedAuthorizeURL,
					FeedKind:     cfg.PortfolioKind,
					UpdateTypes:  cfg.UpdateTypes,
					Token:        tokenFunc(resolver, userID),
					MaxBackoff:   cfg.MaxBackoff,
					HTTPClient:   httpClient,
					Log:          logger,
					OnEvent:      onEvent,
				})
			},
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mon.Start(ctx)
	logger.Info().
		Bool("paper_trading", cfg.PaperTrading).
		Dur("poll_interval", cfg.PollInterval).
		Str("market_data_mode", cfg.MarketDataMode).
		Msg("monitor daemon started")

	if cfg.EnableOps {
		srv := ops.NewServer(mon, logger)
		go func() {
			if err := srv.Run(ctx, cfg.OpsAddr); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("ops server exited")
			}
		}()
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	mon.Stop()
	logger.Info().Msg("shutdown complete")
}

func tokenFunc(resolver *auth.Resolver, userID string) func() (string, error) {
	return func() (string, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return resolver.Resolve(ctx, userID)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.LogFormat == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}
