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

	"github.com/redis/go-redis/v9"

	"dexflow/internal/api"
	"dexflow/internal/bus"
	"dexflow/internal/config"
	"dexflow/internal/queue"
	"dexflow/internal/repository"
	"dexflow/internal/service"
	"dexflow/internal/websocket"
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

	// Redis: очередь job'ов (продьюсер) и шина обновлений (подписчик)
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	jobQueue := queue.NewRedisQueue(redisClient, cfg.Queue)
	if err := jobQueue.Ping(context.Background()); err != nil {
		logger.Fatalw("Redis unavailable", "addr", cfg.Redis.Addr, "error", err)
	}
	logger.Infow("Connected to Redis", "addr", cfg.Redis.Addr)

	updateBus := bus.NewRedisBus(redisClient)

	// Репозитории и сервисы
	orderRepo := repository.NewOrderRepository(db)
	orderService := service.NewOrderService(orderRepo, jobQueue, updateBus)

	// Реестр подписок WebSocket
	hub := websocket.NewHub()
	go hub.Run()

	// Подписка на шину обновлений: события воркера уходят в WebSocket
	busCtx, busCancel := context.WithCancel(context.Background())
	defer busCancel()
	go func() {
		if err := updateBus.Subscribe(busCtx, hub.BroadcastOrderUpdate); err != nil && busCtx.Err() == nil {
			logger.Errorw("Update bus subscription terminated", "error", err)
		}
	}()

	// Настройка HTTP роутера
	router := api.SetupRoutes(&api.Dependencies{
		OrderService:  orderService,
		Hub:           hub,
		SnapshotStore: orderRepo,
	})

	// HTTP сервер
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Запуск сервера в отдельной горутине
	go func() {
		logger.Infow("Starting server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalw("Server failed", "error", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Infow("Shutting down server")

	busCancel()
	hub.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatalw("Server forced to shutdown", "error", err)
	}

	logger.Infow("Server exited")
}

// initDatabase создает подключение к базе данных
func initDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Настройка пула соединений
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Проверка подключения
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}
