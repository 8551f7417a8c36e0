package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "go.uber.org/automaxprocs"

	"github.com/playforge/gateway/internal/auth"
	"github.com/playforge/gateway/internal/chat"
	"github.com/playforge/gateway/internal/config"
	"github.com/playforge/gateway/internal/directory"
	"github.com/playforge/gateway/internal/envelope"
	"github.com/playforge/gateway/internal/match"
	"github.com/playforge/gateway/internal/monitoring"
	"github.com/playforge/gateway/internal/router"
	"github.com/playforge/gateway/internal/session"
	"github.com/playforge/gateway/internal/store"
	"github.com/playforge/gateway/internal/transport"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		bootstrap := monitoring.NewLogger(monitoring.LoggerConfig{Level: "info", Format: "json"})
		bootstrap.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Runtime configured")
	cfg.LogConfig(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.NewRedis(store.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err := st.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Str("redis_addr", cfg.RedisAddr).Msg("Coordination store unreachable")
	}
	defer st.Close()

	codec, err := envelope.NewCodec([]byte(cfg.CipherKey))
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid cipher key")
	}

	dir := directory.New(st, cfg.DirectoryTTL, logger)
	registry := session.New(cfg.InstanceID, cfg.MaxConnsPerIP, cfg.SendBufferSize, dir, logger)
	relay := chat.New(st, dir, chat.Config{
		RateWindow: cfg.ChatRateWindow,
		RateLimit:  cfg.ChatRateLimit,
		MaxContent: cfg.ChatMaxContent,
	}, logger)
	queue := match.New(st, logger)
	verifier := auth.NewJWTVerifier(cfg.JWTSecret)

	rt := router.New(cfg.InstanceID, st, registry, dir, relay, queue, verifier, codec, logger)
	if err := rt.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to establish store subscriptions")
	}

	go registry.Sweep(ctx, cfg.SweepInterval, cfg.LivenessTimeout)

	srv := transport.New(cfg, registry, rt, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Fatal().Err(err).Msg("Transport failed")
		}
		return
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Shutdown error")
	}
	cancel()
	logger.Info().Msg("Gateway stopped")
}
