package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/voicechat/backend/internal/config"
	"github.com/zhouzirui/voicechat/backend/internal/handler"
	speechHandler "github.com/zhouzirui/voicechat/backend/internal/handler/speech"
	"github.com/zhouzirui/voicechat/backend/internal/logger"
	"github.com/zhouzirui/voicechat/backend/internal/model/persona"
	"github.com/zhouzirui/voicechat/backend/internal/service/ai"
	"github.com/zhouzirui/voicechat/backend/internal/service/chat"
	"github.com/zhouzirui/voicechat/backend/internal/service/speech"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	if envErr != nil {
		log.Warn().Err(envErr).Msg("no .env file, continuing with system environment variables only")
	}

	personaStore := persona.NewMemoryStore(persona.Seed())

	aiService, err := ai.NewService(ctx, cfg.AI)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize AI service, 请检查 Ark 模型相关环境变量")
	}
	log.Info().Str("model", cfg.AI.Model).Msg("AI service initialized")

	speechService, err := speech.NewService(ctx, cfg.Speech)
	if err != nil {
		log.Fatal().Err(err).Str("provider", cfg.Speech.Provider).Msg("failed to initialize speech service")
	}

	chatService := chat.NewService(personaStore, speechService, aiService, cfg.Session)
	hub := speechHandler.NewHub()

	router := handler.NewRouter(personaStore, chatService, speechService, hub)

	startServer(ctx, cfg.Server, router, hub)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, hub *speechHandler.Hub) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	// hijacked websocket connections are not closed by Shutdown
	srv.RegisterOnShutdown(hub.CloseAll)

	log.Info().Str("addr", addr).Msg("voice chat backend listening")
	if err := runServer(ctx, srv); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
	log.Info().Msg("server stopped")
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
