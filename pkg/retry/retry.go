package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Config конфигурация для retry логики
//
// Экспоненциальный backoff:
// delay = min(InitialDelay * Multiplier^(attempt-1) + jitter, MaxDelay)
//
// Jitter добавляет случайность чтобы избежать "thundering herd"
// когда много клиентов retry'ят одновременно
type Config struct {
	// MaxRetries - максимальное количество попыток (включая первую)
	// 0 или отрицательное = бесконечные retry
	MaxRetries int

	// InitialDelay - начальная задержка между попытками
	InitialDelay time.Duration

	// MaxDelay - максимальная задержка между попытками
	MaxDelay time.Duration

	// Multiplier - множитель для экспоненциального роста
	Multiplier float64

	// JitterFactor - фактор случайности (0.0 - 1.0)
	// 0.0 = нет jitter, задержки детерминированы
	JitterFactor float64

	// OnRetry - callback вызываемый перед каждым retry
	// Полезно для логирования
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig возвращает конфигурацию по умолчанию
//
// - 3 попытки
// - Задержки: 1s, 2s (+ jitter), как у очереди ордеров
func DefaultConfig() Config {
	return Config{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// InfraConfig для инфраструктурных сбоев (Redis, Postgres недоступны)
//
// Бесконечные retry с ростом до 30s: инфраструктурная ошибка не должна
// расходовать счетчик попыток самого job
func InfraConfig() Config {
	return Config{
		MaxRetries:   0,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.2,
	}
}

// validate проверяет и устанавливает значения по умолчанию
func (c *Config) validate() {
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.JitterFactor < 0 {
		c.JitterFactor = 0
	}
	if c.JitterFactor > 1 {
		c.JitterFactor = 1
	}
}

// Delay вычисляет задержку перед указанной попыткой (attempt нумеруется с 1)
//
// Формула очереди: InitialDelay * Multiplier^(attempt-1), с ограничением MaxDelay.
// Используется и очередью job'ов (планирование повторной доставки),
// и Do() внутри этого пакета.
func (c Config) Delay(attempt int) time.Duration {
	c.validate()
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt-1))
	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}

	if c.JitterFactor > 0 {
		jitter := delay * c.JitterFactor * (rand.Float64()*2 - 1) // -JitterFactor до +JitterFactor
		delay += jitter
	}

	if delay < 0 {
		delay = 0
	}

	return time.Duration(delay)
}

// Do выполняет операцию с повторными попытками
//
// Возвращает:
//   - nil: операция успешна
//   - error: все попытки неудачны, возвращается последняя ошибка
//
// Пример:
//
//	err := retry.Do(ctx, func() error {
//	    return queue.Enqueue(ctx, job)
//	}, retry.InfraConfig())
func Do(ctx context.Context, operation func() error, cfg Config) error {
	cfg.validate()

	var lastErr error

	for attempt := 1; cfg.MaxRetries <= 0 || attempt <= cfg.MaxRetries; attempt++ {
		// Проверяем контекст перед каждой попыткой
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return lastErr
			}
			return ctx.Err()
		default:
		}

		err := operation()
		if err == nil {
			return nil
		}

		lastErr = err

		// Последняя попытка - не ждём
		if cfg.MaxRetries > 0 && attempt >= cfg.MaxRetries {
			break
		}

		delay := cfg.Delay(attempt)

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, delay)
		}

		// Ждём с возможностью отмены
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return lastErr
		}
	}

	return lastErr
}
