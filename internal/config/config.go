package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config содержит всю конфигурацию приложения
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Queue    QueueConfig
	Pipeline PipelineConfig
	Logging  LoggingConfig
}

// ServerConfig - настройки HTTP сервера
type ServerConfig struct {
	Port int
	Host string

	// MetricsPort - порт /metrics для процесса воркера
	// (у API сервера метрики на основном порту)
	MetricsPort int
}

// DatabaseConfig - настройки подключения к БД
type DatabaseConfig struct {
	Driver   string
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

// RedisConfig - настройки подключения к Redis (очередь job'ов и pub/sub)
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// QueueConfig - настройки очереди обработки ордеров
type QueueConfig struct {
	// MaxAttempts - максимальное количество попыток обработки job (включая первую)
	MaxAttempts int

	// BackoffBase - базовая задержка экспоненциального backoff
	// delay = BackoffBase * 2^(attempt-1), с ограничением BackoffMax
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// Concurrency - размер пула воркеров (ограничение пропускной способности,
	// не корректности: single-flight по ключу обеспечивает сама очередь)
	Concurrency int

	// DequeueBlock - таймаут одного блокирующего ожидания BLPOP;
	// цикл dequeue повторяет ожидание пока не отменен контекст
	DequeueBlock time.Duration
}

// PipelineConfig - настройки стадий исполнения ордера
type PipelineConfig struct {
	// Имитируемые длительности стадий (за неимением реального блокчейн-бэкенда)
	BuildDelay time.Duration
	SignDelay  time.Duration
	SendDelay  time.Duration

	// QuoteFailRate - доля искусственно неудачных запросов котировок [0..1].
	// 0 отключает имитацию сбоев (значение по умолчанию)
	QuoteFailRate float64
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level  string
	Format string
}

// Load загружает конфигурацию из переменных окружения
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:        getEnvAsInt("SERVER_PORT", 8080),
			Host:        getEnv("SERVER_HOST", "0.0.0.0"),
			MetricsPort: getEnvAsInt("METRICS_PORT", 9091),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "postgres"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			Name:     getEnv("DB_NAME", "dexflow"),
			User:     getEnv("DB_USER", "user"),
			Password: getEnv("DB_PASSWORD", "password"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Queue: QueueConfig{
			MaxAttempts:  getEnvAsInt("QUEUE_MAX_ATTEMPTS", 3),
			BackoffBase:  getEnvAsDuration("QUEUE_BACKOFF_BASE", 1*time.Second),
			BackoffMax:   getEnvAsDuration("QUEUE_BACKOFF_MAX", 30*time.Second),
			Concurrency:  getEnvAsInt("QUEUE_CONCURRENCY", 3),
			DequeueBlock: getEnvAsDuration("QUEUE_DEQUEUE_BLOCK", 2*time.Second),
		},
		Pipeline: PipelineConfig{
			BuildDelay: getEnvAsDuration("PIPELINE_BUILD_DELAY", 1500*time.Millisecond),
			SignDelay:  getEnvAsDuration("PIPELINE_SIGN_DELAY", 1*time.Second),
			SendDelay:  getEnvAsDuration("PIPELINE_SEND_DELAY", 2*time.Second),

			QuoteFailRate: getEnvAsFloat("PIPELINE_QUOTE_FAIL_RATE", 0),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.validateRanges(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges() error {
	// Валидация портов
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Database.Port)
	}

	// Валидация retry параметров
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be at least 1, got %d", c.Queue.MaxAttempts)
	}

	if c.Queue.MaxAttempts > 10 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS should not exceed 10, got %d", c.Queue.MaxAttempts)
	}

	if c.Queue.BackoffBase <= 0 {
		return fmt.Errorf("QUEUE_BACKOFF_BASE must be positive, got %v", c.Queue.BackoffBase)
	}

	if c.Queue.BackoffMax < c.Queue.BackoffBase {
		return fmt.Errorf("QUEUE_BACKOFF_MAX must be >= QUEUE_BACKOFF_BASE, got %v < %v",
			c.Queue.BackoffMax, c.Queue.BackoffBase)
	}

	if c.Queue.Concurrency < 1 {
		return fmt.Errorf("QUEUE_CONCURRENCY must be at least 1, got %d", c.Queue.Concurrency)
	}

	if c.Queue.DequeueBlock <= 0 {
		return fmt.Errorf("QUEUE_DEQUEUE_BLOCK must be positive, got %v", c.Queue.DequeueBlock)
	}

	if c.Pipeline.QuoteFailRate < 0 || c.Pipeline.QuoteFailRate > 1 {
		return fmt.Errorf("PIPELINE_QUOTE_FAIL_RATE must be between 0 and 1, got %v", c.Pipeline.QuoteFailRate)
	}

	return nil
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
