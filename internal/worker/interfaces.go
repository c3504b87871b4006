package worker

import (
	"context"

	"dexflow/internal/models"
	"dexflow/internal/queue"
)

// JobQueue определяет интерфейс очереди job'ов со стороны воркера
type JobQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Ack(ctx context.Context, key string) error
	Fail(ctx context.Context, key string) (retried bool, err error)
	Depth(ctx context.Context) (int64, error)
}

// OrderStore определяет интерфейс хранилища ордеров со стороны воркера
//
// Воркер - единственный писатель записи ордера
type OrderStore interface {
	GetByID(id string) (*models.Order, error)
	Update(order *models.Order) error
}

// UpdateBus определяет интерфейс шины обновлений со стороны воркера
type UpdateBus interface {
	Publish(ctx context.Context, order *models.Order) error
}

// QuoteSource определяет интерфейс источника котировок
type QuoteSource interface {
	BestQuote(ctx context.Context, tokenPair string, amount float64) (*models.Quote, error)
}
