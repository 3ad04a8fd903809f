package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"aiops/internal/config"
	"aiops/internal/services"
	"aiops/internal/worker"
	"aiops/pkg/llm"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.Load()
	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		dsn = cfg.Database.DSN()
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		appLogger.Fatalf("Failed to connect to database: %v", err)
	}

	client := llm.NewClient(&llm.Config{
		BaseURL:        cfg.AI.OpenAI.BaseURL,
		APIKey:         cfg.AI.OpenAI.APIKey,
		Model:          cfg.AI.OpenAI.Model,
		EmbeddingModel: cfg.AI.OpenAI.EmbeddingModel,
		Temperature:    cfg.AI.OpenAI.Temperature,
		MaxTokens:      cfg.AI.OpenAI.MaxTokens,
		Timeout:        cfg.AI.OpenAI.Timeout,
		MaxRetries:     cfg.AI.OpenAI.MaxRetries,
		RetryDelay:     cfg.AI.OpenAI.RetryDelay,
	}, appLogger)

	var provider llm.Provider = client
	if cfg.AI.CircuitBreaker.Enabled {
		provider = services.NewBreakerProvider(client, &services.BreakerConfig{
			MaxFailures:     cfg.AI.CircuitBreaker.MaxFailures,
			ResetTimeout:    cfg.AI.CircuitBreaker.ResetTimeout,
			HalfOpenMaxReqs: cfg.AI.CircuitBreaker.HalfOpenMaxReqs,
		})
	}

	store := services.NewOperationStore(db, appLogger)
	aiService := services.NewAIOperationService(db, store, provider, appLogger)
	aiService.SetTimeout(cfg.Operations.Timeout)
	aiService.SetNoteAuthor(cfg.Operations.NoteAuthor)

	w := worker.New(dsn, cfg.Worker.Channel, aiService, store, appLogger)
	w.SetReconnectDelay(cfg.Worker.ReconnectDelay)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		appLogger.Info("Shutting down worker...")
		cancel()
	}()

	if err := w.Run(ctx); err != nil {
		appLogger.Fatalf("Worker exited with error: %v", err)
	}
	appLogger.Info("Worker exited")
}
