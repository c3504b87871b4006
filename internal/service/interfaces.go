package service

import (
	"context"

	"dexflow/internal/models"
	"dexflow/internal/queue"
)

// OrderRepositoryInterface определяет интерфейс репозитория ордеров
type OrderRepositoryInterface interface {
	Create(order *models.Order) error
	GetByID(id string) (*models.Order, error)
	GetAll() ([]*models.Order, error)
	CountByStatus() (map[string]int, error)
}

// JobQueueInterface определяет интерфейс очереди со стороны API:
// сервис только ставит job'ы, обработка на стороне воркера
type JobQueueInterface interface {
	Enqueue(ctx context.Context, job *queue.Job) error
	Depth(ctx context.Context) (int64, error)
}

// UpdateBusInterface определяет интерфейс шины обновлений
type UpdateBusInterface interface {
	Publish(ctx context.Context, order *models.Order) error
}
