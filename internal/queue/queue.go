package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"dexflow/internal/config"
	"dexflow/pkg/retry"
	"dexflow/pkg/utils"
)

// Ошибки очереди
var (
	// ErrQueueUnavailable - инфраструктурная ошибка (Redis недоступен).
	// Отличается от ошибки обработки job: не расходует счетчик попыток job,
	// вызывающая сторона повторяет операцию с backoff
	ErrQueueUnavailable = errors.New("job queue unavailable")
)

// Ключи Redis
const (
	keyWaiting = "orderq:waiting" // LIST ключей, готовых к обработке
	keyDelayed = "orderq:delayed" // ZSET ключ → unix ms готовности (retry backoff)
	keyActive  = "orderq:active"  // SET ключей в обработке (single-flight)
	keyKnown   = "orderq:keys"    // SET всех queued/in-flight ключей (идемпотентность enqueue)
	keyJobFmt  = "orderq:job:%s"  // HASH полезной нагрузки job
)

// promoteScript атомарно переносит дозревшие ключи из delayed в waiting.
// Чтение и перенос в одном скрипте: конкурентные вызовы из нескольких
// воркеров не продублируют ключ в waiting-списке.
// KEYS[1] = delayed zset, KEYS[2] = waiting list, ARGV[1] = now (unix ms)
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, key in ipairs(due) do
	redis.call('ZREM', KEYS[1], key)
	redis.call('RPUSH', KEYS[2], key)
end
return #due
`)

// Job - единица работы очереди
//
// Ключ совпадает с ID ордера: максимум один queued/in-flight job на ордер.
// Полезная нагрузка содержит минимум для возобновления обработки
// без повторного чтения ордера из БД.
type Job struct {
	Key         string  `json:"key"`
	OrderID     string  `json:"order_id"`
	TokenPair   string  `json:"token_pair"`
	Amount      float64 `json:"amount"`
	Attempt     int     `json:"attempt"` // номер текущей попытки (с 1), заполняется при dequeue
	MaxAttempts int     `json:"max_attempts"`
}

// AttemptsLeft возвращает true если остались попытки после текущей
func (j *Job) AttemptsLeft() bool {
	return j.Attempt < j.MaxAttempts
}

// RedisQueue - durable очередь job'ов поверх Redis
//
// Семантика:
//   - Enqueue идемпотентен по ключу: повторная постановка для ключа,
//     который уже queued или in-flight, ИГНОРИРУЕТСЯ (первая полезная
//     нагрузка побеждает)
//   - Dequeue выдает ключ ровно одному воркеру (BLPOP атомарен),
//     ключ остается в active до Ack/Fail - single-flight на ключ
//   - Fail планирует повторную доставку через экспоненциальный backoff
//     delay = base * 2^(attempt-1) с ограничением сверху, либо удаляет
//     job навсегда после исчерпания попыток
//
// Доставка at-least-once: воркер обязан переносить повторный прогон стадий.
type RedisQueue struct {
	client  *redis.Client
	cfg     config.QueueConfig
	backoff retry.Config
}

// NewRedisQueue создает очередь поверх существующего подключения к Redis
func NewRedisQueue(client *redis.Client, cfg config.QueueConfig) *RedisQueue {
	return &RedisQueue{
		client: client,
		cfg:    cfg,
		backoff: retry.Config{
			InitialDelay: cfg.BackoffBase,
			MaxDelay:     cfg.BackoffMax,
			Multiplier:   2.0,
			JitterFactor: 0, // задержки очереди детерминированы
		},
	}
}

// Ping проверяет доступность backing store
//
// Вызывается на старте процесса: недоступная очередь - фатальная ошибка запуска
func (q *RedisQueue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return nil
}

// Enqueue ставит job в очередь
//
// Идемпотентен: если job с тем же ключом уже queued или in-flight,
// вызов игнорируется и дубликат не создается.
func (q *RedisQueue) Enqueue(ctx context.Context, job *Job) error {
	if job.Key == "" {
		return errors.New("job key is required")
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.cfg.MaxAttempts
	}

	added, err := q.client.SAdd(ctx, keyKnown, job.Key).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	if added == 0 {
		// Дубликат: ключ уже queued или in-flight - игнорируем
		utils.Logger().Debugw("duplicate enqueue ignored", "key", job.Key)
		return nil
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, jobKey(job.Key), map[string]interface{}{
		"order_id":     job.OrderID,
		"token_pair":   job.TokenPair,
		"amount":       job.Amount,
		"attempt":      0,
		"max_attempts": job.MaxAttempts,
	})
	pipe.RPush(ctx, keyWaiting, job.Key)
	if _, err := pipe.Exec(ctx); err != nil {
		// Откатываем членство, иначе ключ навсегда заблокирует повторный enqueue
		q.client.SRem(ctx, keyKnown, job.Key)
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	utils.Logger().Infow("job enqueued", "key", job.Key, "max_attempts", job.MaxAttempts)
	return nil
}

// Dequeue блокируется до появления готового job
//
// Возвращает job с инкрементированным номером попытки; ключ переходит
// в active-множество и не будет выдан другому воркеру до Ack/Fail.
// Выход без job только по отмене контекста.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Переносим дозревшие отложенные job'ы в waiting
		if err := q.promoteDue(ctx); err != nil {
			return nil, err
		}

		res, err := q.client.BLPop(ctx, q.cfg.DequeueBlock, keyWaiting).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // таймаут ожидания - новый цикл
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
		}

		key := res[1]

		// Active-множество как страж single-flight: если ключ уже
		// in-flight (дубликат в waiting), эта доставка пропускается
		added, err := q.client.SAdd(ctx, keyActive, key).Result()
		if err != nil {
			q.requeue(ctx, key)
			return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
		}
		if added == 0 {
			utils.Logger().Warnw("duplicate waiting delivery skipped", "key", key)
			continue
		}

		pipe := q.client.TxPipeline()
		attemptCmd := pipe.HIncrBy(ctx, jobKey(key), "attempt", 1)
		fieldsCmd := pipe.HGetAll(ctx, jobKey(key))
		if _, err := pipe.Exec(ctx); err != nil {
			q.client.SRem(ctx, keyActive, key)
			q.requeue(ctx, key)
			return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
		}

		fields := fieldsCmd.Val()
		if len(fields) == 0 {
			// Полезная нагрузка исчезла (job удален конкурентно) - пропускаем ключ
			q.client.SRem(ctx, keyActive, key)
			q.client.SRem(ctx, keyKnown, key)
			continue
		}

		job := jobFromFields(key, fields)
		job.Attempt = int(attemptCmd.Val())
		return job, nil
	}
}

// Ack подтверждает успешную обработку и удаляет job
func (q *RedisQueue) Ack(ctx context.Context, key string) error {
	pipe := q.client.TxPipeline()
	pipe.Del(ctx, jobKey(key))
	pipe.SRem(ctx, keyActive, key)
	pipe.SRem(ctx, keyKnown, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return nil
}

// Fail фиксирует неудачную попытку обработки
//
// Если попытки остались - job перепланируется с экспоненциальной
// задержкой и retried=true. Иначе job удаляется навсегда (больше
// никогда не будет выдан) и retried=false.
func (q *RedisQueue) Fail(ctx context.Context, key string) (retried bool, err error) {
	attemptStr, err := q.client.HGet(ctx, jobKey(key), "attempt").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil // job уже удален
		}
		return false, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	maxStr, err := q.client.HGet(ctx, jobKey(key), "max_attempts").Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	attempt, _ := strconv.Atoi(attemptStr)
	maxAttempts, _ := strconv.Atoi(maxStr)

	if attempt >= maxAttempts {
		// Попытки исчерпаны - удаляем навсегда
		if err := q.Ack(ctx, key); err != nil {
			return false, err
		}
		utils.Logger().Warnw("job permanently failed", "key", key, "attempts", attempt)
		return false, nil
	}

	delay := q.backoff.Delay(attempt)
	readyAt := time.Now().Add(delay)

	pipe := q.client.TxPipeline()
	pipe.ZAdd(ctx, keyDelayed, redis.Z{Score: float64(readyAt.UnixMilli()), Member: key})
	pipe.SRem(ctx, keyActive, key)
	// Ключ остается в keyKnown: job по-прежнему queued, дубликаты игнорируются
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	utils.Logger().Infow("job rescheduled",
		"key", key, "attempt", attempt, "max_attempts", maxAttempts, "delay", delay)
	return true, nil
}

// Depth возвращает количество ожидающих job'ов (waiting + delayed)
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	pipe := q.client.TxPipeline()
	waiting := pipe.LLen(ctx, keyWaiting)
	delayed := pipe.ZCard(ctx, keyDelayed)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return waiting.Val() + delayed.Val(), nil
}

// promoteDue переносит дозревшие отложенные job'ы в waiting-список
func (q *RedisQueue) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)

	promoted, err := promoteScript.Run(ctx, q.client, []string{keyDelayed, keyWaiting}, now).Int()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	if promoted > 0 {
		utils.Logger().Debugw("delayed jobs promoted", "count", promoted)
	}
	return nil
}

// requeue возвращает ключ в начало waiting после сбоя на полпути dequeue.
// Без этого job потерян, а ключ в keyKnown навсегда блокирует enqueue.
func (q *RedisQueue) requeue(ctx context.Context, key string) {
	if err := q.client.LPush(ctx, keyWaiting, key).Err(); err != nil {
		utils.Logger().Errorw("failed to requeue job after dequeue error", "key", key, "error", err)
	}
}

// BackoffDelay возвращает задержку перед повторной доставкой
// после неудачной попытки attempt (нумерация с 1)
func (q *RedisQueue) BackoffDelay(attempt int) time.Duration {
	return q.backoff.Delay(attempt)
}

func jobKey(key string) string {
	return fmt.Sprintf(keyJobFmt, key)
}

// jobFromFields восстанавливает job из Redis-хэша
func jobFromFields(key string, fields map[string]string) *Job {
	amount, _ := strconv.ParseFloat(fields["amount"], 64)
	maxAttempts, _ := strconv.Atoi(fields["max_attempts"])
	return &Job{
		Key:         key,
		OrderID:     fields["order_id"],
		TokenPair:   fields["token_pair"],
		Amount:      amount,
		MaxAttempts: maxAttempts,
	}
}
