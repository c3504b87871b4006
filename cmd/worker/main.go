package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"dexflow/internal/bus"
	"dexflow/internal/config"
	"dexflow/internal/queue"
	"dexflow/internal/repository"
	"dexflow/internal/router"
	"dexflow/internal/worker"
	"dexflow/pkg/utils"

	_ "github.com/lib/pq"
)

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Инициализация логгера
	logger, err := utils.InitLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer logger.Sync()

	// Инициализация базы данных
	db, err := initDatabase(cfg)
	if err != nil {
		logger.Fatalw("Failed to connect to database",
			"dsn", cfg.Database.DSNWithoutPassword(),
			"error", err)
	}
	defer db.Close()
	logger.Infow("Connected to database", "dsn", cfg.Database.DSNWithoutPassword())

	// Redis: очередь job'ов (консьюмер) и шина обновлений (издатель)
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	// Недоступная очередь фатальна на старте; в процессе работы
	// пул переживает обрывы через backoff
	jobQueue := queue.NewRedisQueue(redisClient, cfg.Queue)
	if err := jobQueue.Ping(context.Background()); err != nil {
		logger.Fatalw("Redis unavailable", "addr", cfg.Redis.Addr, "error", err)
	}
	logger.Infow("Connected to Redis", "addr", cfg.Redis.Addr)

	updateBus := bus.NewRedisBus(redisClient)
	orderRepo := repository.NewOrderRepository(db)
	dexRouter := router.NewDexRouter()
	if cfg.Pipeline.QuoteFailRate > 0 {
		dexRouter.SetFailRate(cfg.Pipeline.QuoteFailRate)
		logger.Warnw("Quote failure simulation enabled", "rate", cfg.Pipeline.QuoteFailRate)
	}

	processor := worker.NewProcessor(orderRepo, updateBus, dexRouter, cfg.Pipeline)
	pool := worker.NewPool(jobQueue, processor, cfg.Queue.Concurrency)

	// Метрики воркера: отдельный порт, основной HTTP у API сервера
	go serveMetrics(cfg.Server.MetricsPort)

	// Graceful shutdown по сигналу
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Infow("Worker started and waiting for jobs",
		"concurrency", cfg.Queue.Concurrency,
		"max_attempts", cfg.Queue.MaxAttempts)

	if err := pool.Run(ctx); err != nil {
		logger.Errorw("Worker pool terminated with error", "error", err)
		os.Exit(1)
	}

	logger.Infow("Worker exited")
}

// serveMetrics поднимает /metrics и /health для мониторинга воркера
func serveMetrics(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	addr := fmt.Sprintf(":%d", port)
	utils.Logger().Infow("Metrics endpoint listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		utils.Logger().Warnw("Metrics endpoint stopped", "error", err)
	}
}

// initDatabase создает подключение к базе данных
func initDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}
