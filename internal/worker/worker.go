package worker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"dexflow/internal/config"
	"dexflow/internal/models"
	"dexflow/internal/queue"
	"dexflow/pkg/retry"
	"dexflow/pkg/utils"
)

// ============================================================
// Конвейер исполнения ордера
// ============================================================
//
// Processor прогоняет ордер через стадии:
// pending → routing → building → signing → sending → confirmed
//
// Каждый переход стадии - это ровно одна запись в хранилище
// (статус + журнал + котировка/tx_hash атомарно) и ровно одна
// публикация полного снимка ордера в шину обновлений.
//
// Результат обработки типизирован (StageOutcome): решение о повторе
// принимает очередь по результату, не по panic/exception.

// StageOutcome - исход обработки job
type StageOutcome int

const (
	// OutcomeSuccess - все стадии пройдены, ордер confirmed
	OutcomeSuccess StageOutcome = iota
	// OutcomeRetryable - стадия упала, попытки остались, job уходит в backoff
	OutcomeRetryable
	// OutcomeTerminal - попытки исчерпаны, ордер failed, job потреблён
	OutcomeTerminal
)

func (o StageOutcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// StageResult - типизированный результат прогона job через конвейер
type StageResult struct {
	Outcome StageOutcome
	Stage   string // стадия, на которой остановились
	Err     error  // причина остановки (nil при успехе)
}

// Processor исполняет стадии конвейера для одного job
type Processor struct {
	store  OrderStore
	bus    UpdateBus
	quotes QuoteSource
	delays config.PipelineConfig
}

func NewProcessor(store OrderStore, bus UpdateBus, quotes QuoteSource, delays config.PipelineConfig) *Processor {
	return &Processor{
		store:  store,
		bus:    bus,
		quotes: quotes,
		delays: delays,
	}
}

// Process прогоняет job через все стадии конвейера.
//
// При повторной доставке стадии выполняются заново с начала: записи
// журнала за ранние стадии появляются повторно, но статус ордера
// не откатывается (см. models.MaxStatus).
func (p *Processor) Process(ctx context.Context, job *queue.Job) StageResult {
	log := utils.Logger()

	order, err := p.store.GetByID(job.OrderID)
	if err != nil {
		// Ордер мог быть удалён между enqueue и dequeue: повторять бессмысленно
		log.Errorw("Failed to load order for job",
			"order_id", job.OrderID,
			"attempt", job.Attempt,
			"error", err)
		return StageResult{Outcome: OutcomeTerminal, Stage: models.StatusPending, Err: err}
	}

	if models.IsTerminal(order.Status) {
		// Повторная доставка после завершения - no-op
		log.Warnw("Job delivered for terminal order, skipping",
			"order_id", order.ID,
			"status", order.Status)
		return StageResult{Outcome: OutcomeSuccess, Stage: order.Status}
	}

	log.Infow("Processing order",
		"order_id", order.ID,
		"token_pair", order.TokenPair,
		"attempt", job.Attempt,
		"max_attempts", job.MaxAttempts)

	// 1. Pending
	if err := p.transition(ctx, order, models.StatusPending, "Order received and queued", nil); err != nil {
		return p.failAttempt(ctx, order, job, models.StatusPending, err)
	}

	// 2. Routing
	if err := p.runRouting(ctx, order); err != nil {
		return p.failAttempt(ctx, order, job, models.StatusRouting, err)
	}

	// 3. Building
	if err := p.runDelayed(ctx, order, models.StatusBuilding, "Creating transaction", p.delays.BuildDelay); err != nil {
		return p.failAttempt(ctx, order, job, models.StatusBuilding, err)
	}

	// 4. Signing
	if err := p.runDelayed(ctx, order, models.StatusSigning, "Signing transaction", p.delays.SignDelay); err != nil {
		return p.failAttempt(ctx, order, job, models.StatusSigning, err)
	}

	// 5. Sending
	if err := p.runDelayed(ctx, order, models.StatusSending, "Transaction sent to network", p.delays.SendDelay); err != nil {
		return p.failAttempt(ctx, order, job, models.StatusSending, err)
	}

	// 6. Confirmed
	order.TxHash = generateTxHash()
	err = p.transition(ctx, order, models.StatusConfirmed, "Transaction successful",
		&models.LogDetail{TxHash: order.TxHash})
	if err != nil {
		return p.failAttempt(ctx, order, job, models.StatusConfirmed, err)
	}

	log.Infow("Order completed successfully", "order_id", order.ID, "tx_hash", order.TxHash)
	return StageResult{Outcome: OutcomeSuccess, Stage: models.StatusConfirmed}
}

// runRouting исполняет стадию routing: запрос котировок и выбор лучшей
func (p *Processor) runRouting(ctx context.Context, order *models.Order) error {
	start := time.Now()
	defer func() {
		StageDuration.WithLabelValues(models.StatusRouting).Observe(time.Since(start).Seconds())
	}()

	quote, err := p.quotes.BestQuote(ctx, order.TokenPair, order.Amount)
	if err != nil {
		return fmt.Errorf("routing failed: %w", err)
	}

	order.BestQuote = quote
	return p.transition(ctx, order, models.StatusRouting,
		fmt.Sprintf("Best quote found: %s @ $%.2f", quote.Dex, quote.Price),
		&models.LogDetail{Quote: quote})
}

// runDelayed исполняет стадию с симулированной задержкой сети
func (p *Processor) runDelayed(ctx context.Context, order *models.Order, status, message string, delay time.Duration) error {
	start := time.Now()
	defer func() {
		StageDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}()

	if err := p.transition(ctx, order, status, message, nil); err != nil {
		return err
	}
	return sleepCtx(ctx, delay)
}

// transition применяет один переход стадии: запись журнала, одна запись
// в хранилище и одна публикация снимка в шину
func (p *Processor) transition(ctx context.Context, order *models.Order, status, message string, detail *models.LogDetail) error {
	order.AppendLog(status, message, detail)

	if err := p.store.Update(order); err != nil {
		return fmt.Errorf("persist %s: %w", status, err)
	}
	if err := p.bus.Publish(ctx, order); err != nil {
		// Снимок сохранён; потерянное уведомление догонит следующий переход
		utils.Logger().Warnw("Failed to publish order update",
			"order_id", order.ID,
			"status", status,
			"error", err)
	}

	utils.Logger().Infow("Order stage", "order_id", order.ID, "status", status, "message", message)
	return nil
}

// failAttempt фиксирует неудачную попытку в журнале ордера.
//
// Если попытки остались - записи "attempt failed" и "retrying" добавляются
// со статусом ордера как есть (без перехода), job уйдёт в backoff.
// Иначе ордер переводится в терминальный failed с текстом ошибки.
func (p *Processor) failAttempt(ctx context.Context, order *models.Order, job *queue.Job, stage string, cause error) StageResult {
	log := utils.Logger()
	log.Errorw("Stage failed",
		"order_id", order.ID,
		"stage", stage,
		"attempt", job.Attempt,
		"error", cause)

	// Запись о неудачной попытке остаётся на текущем статусе ордера
	order.AppendLog(order.Status,
		fmt.Sprintf("Attempt %d failed: %v", job.Attempt, cause),
		&models.LogDetail{Error: cause.Error()})

	if job.AttemptsLeft() {
		order.AppendLog(order.Status,
			fmt.Sprintf("Retrying order (attempt %d/%d)", job.Attempt+1, job.MaxAttempts), nil)
		p.persistFailure(ctx, order)
		return StageResult{Outcome: OutcomeRetryable, Stage: stage, Err: cause}
	}

	order.AppendLog(models.StatusFailed, "Transaction failed after max retries",
		&models.LogDetail{Error: cause.Error()})
	p.persistFailure(ctx, order)
	return StageResult{Outcome: OutcomeTerminal, Stage: stage, Err: cause}
}

// persistFailure сохраняет и публикует ордер по пути ошибки.
// Ошибка записи здесь уже не меняет исход: попытка провалена в любом случае.
func (p *Processor) persistFailure(ctx context.Context, order *models.Order) {
	if err := p.store.Update(order); err != nil {
		utils.Logger().Errorw("Failed to persist failure log",
			"order_id", order.ID,
			"error", err)
		return
	}
	if err := p.bus.Publish(ctx, order); err != nil {
		utils.Logger().Warnw("Failed to publish order update",
			"order_id", order.ID,
			"status", order.Status,
			"error", err)
	}
}

// sleepCtx ждёт delay с учётом отмены контекста
func sleepCtx(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// generateTxHash формирует псевдослучайный идентификатор транзакции
func generateTxHash() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("0x%x", time.Now().UnixNano())
	}
	return "0x" + hex.EncodeToString(buf)
}

// ============================================================
// Пул воркеров
// ============================================================

// Pool - пул воркеров, разбирающих очередь job'ов.
//
// Размер пула ограничивает число одновременно обрабатываемых ордеров.
// Инфраструктурные ошибки очереди (Redis недоступен) не расходуют
// попытки job: пул пересоединяется с backoff и продолжает.
type Pool struct {
	queue     JobQueue
	processor *Processor

	concurrency   int
	infraBackoff  retry.Config
	depthInterval time.Duration
}

func NewPool(q JobQueue, processor *Processor, concurrency int) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{
		queue:         q,
		processor:     processor,
		concurrency:   concurrency,
		infraBackoff:  retry.InfraConfig(),
		depthInterval: 5 * time.Second,
	}
}

// Run запускает пул и блокируется до отмены контекста
func (p *Pool) Run(ctx context.Context) error {
	log := utils.Logger()
	log.Infow("Worker pool starting", "concurrency", p.concurrency)

	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < p.concurrency; i++ {
		id := i
		g.Go(func() error {
			return p.workerLoop(ctx, id)
		})
	}

	g.Go(func() error {
		p.reportDepth(ctx)
		return nil
	})

	err := g.Wait()
	log.Infow("Worker pool stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// workerLoop - цикл одного воркера: dequeue → process → ack/fail
func (p *Pool) workerLoop(ctx context.Context, id int) error {
	log := utils.Logger()
	infraAttempt := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, queue.ErrQueueUnavailable) {
				QueueInfraErrors.Inc()
				infraAttempt++
				delay := p.infraBackoff.Delay(infraAttempt)
				log.Warnw("Queue unavailable, backing off",
					"worker", id,
					"attempt", infraAttempt,
					"delay", delay)
				if err := sleepCtx(ctx, delay); err != nil {
					return err
				}
				continue
			}
			log.Errorw("Dequeue failed", "worker", id, "error", err)
			continue
		}
		infraAttempt = 0

		result := p.processor.Process(ctx, job)
		JobsProcessed.WithLabelValues(result.Outcome.String()).Inc()
		p.settle(ctx, job, result)
	}
}

// settle сопоставляет результат обработки с операцией очереди.
//
// Ack и Fail повторяются при инфраструктурных ошибках без ограничения
// попыток: потеря подтверждения привела бы к зависшему in-flight job.
func (p *Pool) settle(ctx context.Context, job *queue.Job, result StageResult) {
	log := utils.Logger()

	switch result.Outcome {
	case OutcomeRetryable:
		var retried bool
		err := retry.Do(ctx, func() error {
			var failErr error
			retried, failErr = p.queue.Fail(ctx, job.Key)
			return failErr
		}, p.infraBackoff)
		if err != nil {
			log.Errorw("Failed to reschedule job", "job_key", job.Key, "error", err)
			return
		}
		if retried {
			RetriesScheduled.Inc()
		} else {
			// Очередь считает попытки исчерпанными - расхождение с нашим решением
			log.Warnw("Queue refused to reschedule exhausted job", "job_key", job.Key)
		}

	case OutcomeSuccess, OutcomeTerminal:
		err := retry.Do(ctx, func() error {
			return p.queue.Ack(ctx, job.Key)
		}, p.infraBackoff)
		if err != nil {
			log.Errorw("Failed to ack job", "job_key", job.Key, "error", err)
		}
	}
}

// reportDepth периодически публикует глубину очереди в метрику
func (p *Pool) reportDepth(ctx context.Context) {
	ticker := time.NewTicker(p.depthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := p.queue.Depth(ctx)
			if err != nil {
				continue
			}
			QueueDepth.Set(float64(depth))
		}
	}
}
