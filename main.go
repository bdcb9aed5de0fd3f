package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"intakego/internal/api"
	"intakego/internal/auth"
	"intakego/internal/config"
	"intakego/internal/logger"
	"intakego/internal/pipeline"
	"intakego/internal/redis"
	"intakego/internal/service/ai"
	"intakego/internal/service/transcribe"
	"intakego/internal/storage"
	"intakego/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {
	cfgPath := os.Getenv("INTAKEGO_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	appLog := logger.New(cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scratch, err := storage.NewScratch(cfg.BasicConfig.ScratchDir, cfg.BasicConfig.MaxUploadBytes(), cfg.BasicConfig.StaleAfter(), appLog)
	if err != nil {
		log.Fatalf("init scratch storage: %v", err)
	}
	sweeperDone := scratch.StartSweeper(ctx, cfg.BasicConfig.SweepInterval())

	transcriber := transcribe.New(transcribe.Settings{
		APIKey:      cfg.Transcription.APIKey,
		BaseURL:     cfg.Transcription.BaseURL,
		Model:       cfg.Transcription.Model,
		MaxAttempts: cfg.Transcription.MaxAttempts,
		BaseDelay:   cfg.Transcription.BaseDelay(),
		MaxDelay:    cfg.Transcription.MaxDelay(),
		Timeout:     cfg.Transcription.Timeout(),
	}, appLog)

	provider := cfg.ActiveProvider()
	aiService := ai.NewService(ai.Settings{
		Provider:        cfg.LLM.Provider,
		BaseURL:         provider.BaseURL,
		Model:           provider.Model,
		APIKey:          provider.APIKey,
		Temperature:     cfg.LLM.Temperature,
		IntakeMaxTokens: cfg.LLM.IntakeMaxTokens,
		AnswerMaxTokens: cfg.LLM.AnswerMaxTokens,
		Timeout:         cfg.LLM.Timeout(),
	}, appLog)

	var rdb *redis.Client
	if cfg.RedisEnabled() {
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			log.Fatalf("create redis client: %v", err)
		}
		defer rdb.Close()
	}

	authService := auth.NewService(cfg.Auth.Password, cfg.Auth.Secret, rdb, cfg.Auth.TokenTTL())
	authService.SetLoginLimit(cfg.Auth.MaxFailedLogins, cfg.Auth.LoginWindow())
	if !authService.AuthRequired() {
		appLog.Warn(ctx, "APP_PASSWORD is not set; every endpoint is open")
	}

	limiter := worker.NewLimiter(cfg.BasicConfig.MaxConcurrentPipelines, cfg.BasicConfig.QueueWait())
	orchestrator := pipeline.NewOrchestrator(scratch, transcriber, aiService, limiter, appLog)
	handlers := api.NewHandler(authService, orchestrator, aiService, api.Options{
		MaxUploadBytes: cfg.BasicConfig.MaxUploadBytes(),
		AllowedOrigins: cfg.BasicConfig.AllowedOrigins,
	}, appLog)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.BasicConfig.ServerAddress,
		Handler: router,
	}
	go func() {
		appLog.Info(ctx, "listening on %s (llm provider %s, scratch %s)", srv.Addr, cfg.LLM.Provider, scratch.Dir())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server stopped: %v", err)
		}
	}()

	<-ctx.Done()
	appLog.Info(context.Background(), "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.BasicConfig.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error(shutdownCtx, "graceful shutdown: %v", err)
	}
	<-sweeperDone
}
