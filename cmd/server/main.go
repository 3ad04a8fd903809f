package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"aiops/internal/config"
	"aiops/internal/handlers"
	"aiops/internal/models"
	"aiops/internal/observability"
	"aiops/internal/services"
	"aiops/pkg/llm"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

var version = "dev"

func main() {
	// 读取配置文件（默认 ./config.yml）并初始化日志
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

	shutdownOTel, err := observability.SetupTracing(context.Background(), cfg)
	if err != nil {
		appLogger.Warnf("init tracing: %v", err)
	} else {
		defer func() { _ = shutdownOTel(context.Background()) }()
	}

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		dsn = cfg.Database.DSN()
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		appLogger.Fatalf("Failed to connect to database: %v", err)
	}
	if cfg.Monitoring.Tracing.Enabled {
		_ = db.Use(gormtracing.NewPlugin())
	}
	if sqlDB, err := db.DB(); err == nil {
		if cfg.Database.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		}
		if cfg.Database.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		}
		if cfg.Database.ConnMaxLifetime > 0 {
			sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
		}
	}

	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		appLogger.Fatalf("Failed to migrate database: %v", err)
	}

	// 模型客户端（可选熔断包装）
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
	var breaker *services.BreakerProvider
	if cfg.AI.CircuitBreaker.Enabled {
		breaker = services.NewBreakerProvider(client, &services.BreakerConfig{
			MaxFailures:     cfg.AI.CircuitBreaker.MaxFailures,
			ResetTimeout:    cfg.AI.CircuitBreaker.ResetTimeout,
			HalfOpenMaxReqs: cfg.AI.CircuitBreaker.HalfOpenMaxReqs,
		})
		provider = breaker
	}

	// 操作编排服务与事件广播
	store := services.NewOperationStore(db, appLogger)
	eventHub := services.NewEventHub()
	go eventHub.Run()

	aiService := services.NewAIOperationService(db, store, provider, appLogger)
	aiService.SetEventHub(eventHub)
	aiService.SetTimeout(cfg.Operations.Timeout)
	aiService.SetNoteAuthor(cfg.Operations.NoteAuthor)

	queue := services.NewOperationQueue(db, store, cfg.Worker.Channel, appLogger)

	// 初始化 Gin
	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(corsMiddlewareWithConfig(cfg))
	if cfg.Monitoring.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}

	healthHandler := handlers.NewHealthHandler(db, version)
	healthHandler.RegisterRoutes(r)

	if cfg.Monitoring.Enabled {
		r.GET(cfg.Monitoring.MetricsPath, gin.WrapH(promhttp.Handler()))
	}

	v1 := r.Group("/api/v1")
	{
		aiHandler := handlers.NewAIHandler(aiService, queue, breaker, appLogger)
		aiHandler.RegisterRoutes(v1)

		v1.GET("/ws", eventHub.HandleWebSocket)
		v1.GET("/ws/stats", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"clients": eventHub.GetClientCount()})
		})
	}

	listenAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: listenAddr, Handler: r}
	go func() {
		appLogger.Infof("Starting server on %s", listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Fatalf("Server forced to shutdown: %v", err)
	}
	appLogger.Info("Server exited")
}

// corsMiddlewareWithConfig CORS 中间件
func corsMiddlewareWithConfig(cfg *config.Config) gin.HandlerFunc {
	allowedOrigins := "*"
	allowedMethods := "GET, POST, PUT, DELETE, OPTIONS"
	allowedHeaders := "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, Idempotency-Key"
	if cfg != nil && cfg.Security.CORS.Enabled {
		if len(cfg.Security.CORS.AllowedOrigins) > 0 {
			allowedOrigins = strings.Join(cfg.Security.CORS.AllowedOrigins, ", ")
		}
		if len(cfg.Security.CORS.AllowedMethods) > 0 {
			allowedMethods = strings.Join(cfg.Security.CORS.AllowedMethods, ", ")
		}
		if len(cfg.Security.CORS.AllowedHeaders) > 0 {
			allowedHeaders = strings.Join(cfg.Security.CORS.AllowedHeaders, ", ")
		}
	}
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", allowedOrigins)
		c.Header("Access-Control-Allow-Methods", allowedMethods)
		c.Header("Access-Control-Allow-Headers", allowedHeaders)
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
