package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rabbitmq/amqp091-go"
	redis "github.com/redis/go-redis/v9"
	ginprometheus "github.com/zsais/go-gin-prometheus"
	"go.uber.org/zap"

	"storychain-server/internal/chain"
	"storychain-server/internal/config"
	"storychain-server/internal/database"
	"storychain-server/internal/generation"
	"storychain-server/internal/handler"
	"storychain-server/internal/interfaces"
	"storychain-server/internal/logger"
	"storychain-server/internal/messaging"
	"storychain-server/internal/service"
	"storychain-server/internal/storage"
)

func main() {
	// --- Configuration ---
	// .env нужен только для локальной разработки; в контейнере его нет.
	_ = godotenv.Load()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// --- Logger Setup ---
	log, err := logger.New(logger.Config{
		Level:    cfg.LogLevel,
		Encoding: "json",
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	zap.ReplaceGlobals(log)
	zap.L().Info("Logger initialized successfully", zap.String("logLevel", cfg.LogLevel))

	// --- Migrations ---
	if cfg.MigrationsRun {
		if err := database.RunMigrations(cfg.MigrationsPath, cfg.GetDSN(), log); err != nil {
			zap.L().Fatal("Failed to run migrations", zap.Error(err))
		}
	}

	// --- External Connections ---
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pgPool, err := setupPostgres(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	defer pgPool.Close()
	zap.L().Info("Connected to PostgreSQL")

	redisClient, err := setupRedis(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	zap.L().Info("Connected to Redis")

	mqConn, err := connectRabbitMQ(cfg.RabbitMQURL, log)
	if err != nil {
		zap.L().Fatal("Failed to connect to RabbitMQ", zap.Error(err))
	}
	defer mqConn.Close()
	zap.L().Info("Connected to RabbitMQ")

	ledger, err := chain.Dial(ctx, cfg.ChainRPCURL, cfg.ChainContractAddress, cfg.ChainRPCTimeout, log)
	if err != nil {
		zap.L().Fatal("Failed to connect to chain RPC", zap.Error(err))
	}
	zap.L().Info("Connected to chain RPC", zap.String("contract", cfg.ChainContractAddress))

	// --- Dependency Injection ---
	txHelper := database.NewTransactionHelper(pgPool, log)
	slotRepo := database.NewPgSlotRepository(log)
	attemptRepo := database.NewPgAttemptRepository(log)
	promptRepo := database.NewPgPromptRepository(log)
	auditRepo := database.NewPgAuditRepository(log)

	publisher, err := messaging.NewRabbitMQEventPublisher(mqConn, cfg.SlotEventsExchange, log)
	if err != nil {
		zap.L().Fatal("Failed to create event publisher", zap.Error(err))
	}
	defer publisher.Close()

	store, err := storage.NewLocalStore(cfg.MediaBasePath, cfg.MediaBaseURL, cfg.MediaSigningKey, log)
	if err != nil {
		zap.L().Fatal("Failed to initialize artifact store", zap.Error(err))
	}

	generator := generation.NewClient(cfg.VideoAPIBaseURL, cfg.VideoAPIKey, cfg.VideoAPITimeout, log)

	var refiner interfaces.PromptRefiner
	if cfg.RefinerEnabled {
		refiner = generation.NewOpenAIRefiner(cfg.OpenAIKey, cfg.RefinerModel, log)
		zap.L().Info("Prompt refiner enabled", zap.String("model", cfg.RefinerModel))
	}

	lockSvc := service.NewLockService(slotRepo, txHelper, store, publisher, cfg.LockTTL, cfg.MediaURLTTL, log)
	paymentSvc := service.NewPaymentService(slotRepo, attemptRepo, ledger, txHelper, publisher, cfg.RetryWindow, log)
	attemptSvc := service.NewAttemptService(slotRepo, attemptRepo, promptRepo, generator, refiner, store, txHelper, publisher,
		interfaces.JobParams{Width: cfg.VideoWidth, Height: cfg.VideoHeight, Duration: cfg.VideoDuration}, log)
	confirmationSvc := service.NewConfirmationService(slotRepo, attemptRepo, promptRepo, auditRepo, ledger, txHelper, publisher, log)
	reclaimSvc := service.NewReclaimService(slotRepo, attemptRepo, txHelper, redisClient, cfg.ReclaimInterval, log)

	slotHandler := handler.NewSlotHandler(lockSvc, paymentSvc, attemptSvc, confirmationSvc, reclaimSvc, store, cfg, log)

	// --- HTTP Server Setup (Gin) ---
	gin.SetMode(gin.ReleaseMode)
	if cfg.Env == "development" {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.RedirectTrailingSlash = true
	router.Use(ginZapLogger(log))
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(cfg.CORSAllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.CORSAllowedOrigins
	} else {
		corsConfig.AllowOrigins = []string{"http://localhost:3000"}
		zap.L().Info("CORS_ALLOWED_ORIGINS not set, allowing default", zap.String("origin", "http://localhost:3000"))
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization"}
	corsConfig.AllowCredentials = true
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	slotHandler.RegisterRoutes(router)

	p := ginprometheus.NewPrometheus("gin")
	p.Use(router)

	// --- Background Sweep ---
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()
	go reclaimSvc.Run(sweepCtx)

	// --- Start HTTP Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	zap.L().Info("Starting HTTP server", zap.String("port", cfg.Port))

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zap.L().Fatal("HTTP Server listen error", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zap.L().Info("Shutting down server...")

	sweepCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zap.L().Error("HTTP Server forced to shutdown", zap.Error(err))
	}

	zap.L().Info("Server exiting")
}

// ginZapLogger логирует HTTP-запросы через zap вместо стандартного логгера gin.
func ginZapLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()

		fields := []zap.Field{
			zap.Int("status", c.Writer.Status()),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Duration("latency", time.Since(start)),
			zap.String("clientIP", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			log.Error(c.Errors.String(), fields...)
			return
		}
		switch {
		case c.Writer.Status() >= 500:
			log.Error("HTTP request", fields...)
		case c.Writer.Status() >= 400:
			log.Warn("HTTP request", fields...)
		default:
			log.Info("HTTP request", fields...)
		}
	}
}

// setupPostgres initializes the PostgreSQL connection pool with retry logic.
func setupPostgres(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	zap.L().Debug("Setting up PostgreSQL connection...")

	poolConfig, err := pgxpool.ParseConfig(cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("unable to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.DBMaxConns)
	poolConfig.MaxConnIdleTime = cfg.DBIdleTimeout

	var pool *pgxpool.Pool
	var lastErr error
	maxRetries := 50
	retryDelay := 3 * time.Second

	for i := 0; i < maxRetries; i++ {
		attempt := i + 1
		connectCtx, connectCancel := context.WithTimeout(context.Background(), 5*time.Second)
		pool, err = pgxpool.NewWithConfig(connectCtx, poolConfig)
		connectCancel()

		if err != nil {
			lastErr = fmt.Errorf("unable to create postgres connection pool (attempt %d/%d): %w", attempt, maxRetries, err)
			zap.L().Warn("Postgres connection pool creation failed, retrying...",
				zap.Int("attempt", attempt), zap.Error(err))
			if i < maxRetries-1 {
				time.Sleep(retryDelay)
			}
			continue
		}

		pingCtx, pingCancel := context.WithTimeout(context.Background(), 2*time.Second)
		err = pool.Ping(pingCtx)
		pingCancel()

		if err == nil {
			zap.L().Info("Successfully connected and pinged PostgreSQL", zap.Int("attempt", attempt))
			return pool, nil
		}

		pool.Close()
		lastErr = fmt.Errorf("unable to ping postgres database (attempt %d/%d): %w", attempt, maxRetries, err)
		zap.L().Warn("Postgres ping failed, retrying...",
			zap.Int("attempt", attempt), zap.Error(err))
		if i < maxRetries-1 {
			time.Sleep(retryDelay)
		}
	}

	return nil, fmt.Errorf("failed to connect to postgres after %d attempts: %w", maxRetries, lastErr)
}

// setupRedis initializes the Redis client with retry logic.
func setupRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	redisOpts := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	var client *redis.Client
	var lastErr error
	maxRetries := 50
	retryDelay := 3 * time.Second

	for i := 0; i < maxRetries; i++ {
		attempt := i + 1
		client = redis.NewClient(redisOpts)

		pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := client.Ping(pingCtx).Result()
		pingCancel()

		if err == nil {
			zap.L().Info("Successfully connected and pinged Redis", zap.Int("attempt", attempt))
			return client, nil
		}

		client.Close()
		lastErr = fmt.Errorf("unable to ping redis (attempt %d/%d): %w", attempt, maxRetries, err)
		zap.L().Warn("Redis ping failed, retrying...",
			zap.Int("attempt", attempt), zap.Error(err))
		if i < maxRetries-1 {
			time.Sleep(retryDelay)
		}
	}

	return nil, fmt.Errorf("failed to connect to redis after %d attempts: %w", maxRetries, lastErr)
}

// connectRabbitMQ пытается подключиться к RabbitMQ с несколькими попытками.
func connectRabbitMQ(url string, log *zap.Logger) (*amqp091.Connection, error) {
	var conn *amqp091.Connection
	var err error
	maxRetries := 50
	retryDelay := 5 * time.Second

	for i := 0; i < maxRetries; i++ {
		attempt := i + 1
		conn, err = amqp091.Dial(url)
		if err == nil {
			log.Info("Successfully connected to RabbitMQ", zap.Int("attempt", attempt))
			go func() {
				notifyClose := make(chan *amqp091.Error)
				conn.NotifyClose(notifyClose)
				if closeErr := <-notifyClose; closeErr != nil {
					log.Error("RabbitMQ connection closed unexpectedly", zap.Error(closeErr))
				} else {
					log.Info("RabbitMQ connection closed gracefully.")
				}
			}()
			return conn, nil
		}
		log.Warn("RabbitMQ connection failed, retrying...",
			zap.Int("attempt", attempt), zap.Error(err))
		time.Sleep(retryDelay)
	}

	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", maxRetries, err)
}
