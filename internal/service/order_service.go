package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dexflow/internal/models"
	"dexflow/internal/queue"
	"dexflow/internal/repository"
	"dexflow/pkg/utils"
)

// Ошибки сервиса ордеров
var (
	ErrOrderNotFound = errors.New("order not found")
	ErrValidation    = errors.New("invalid order request")
	ErrEnqueueFailed = errors.New("failed to enqueue order for processing")
)

// OrderStats - агрегированная статистика по ордерам и очереди
type OrderStats struct {
	Total      int            `json:"total"`
	ByStatus   map[string]int `json:"by_status"`
	QueueDepth int64          `json:"queue_depth"`
}

// OrderService предоставляет бизнес-логику работы с ордерами.
//
// Отвечает за:
// - Создание ордера и постановку job на исполнение
// - Чтение ордеров (список, по id)
// - Агрегированную статистику
//
// Само исполнение конвейера - на стороне воркера.
type OrderService struct {
	orderRepo OrderRepositoryInterface
	jobQueue  JobQueueInterface
	bus       UpdateBusInterface
}

// NewOrderService создает новый экземпляр OrderService
func NewOrderService(orderRepo OrderRepositoryInterface, jobQueue JobQueueInterface, bus UpdateBusInterface) *OrderService {
	return &OrderService{
		orderRepo: orderRepo,
		jobQueue:  jobQueue,
		bus:       bus,
	}
}

// CreateOrder создает ордер в статусе pending и ставит job в очередь.
//
// Последовательность:
// 1. Валидация входа
// 2. Запись pending ордера в хранилище
// 3. Публикация начального снимка в шину (подписчики видят ордер сразу)
// 4. Enqueue job с ключом = id ордера
//
// Возвращает:
// - *models.Order: созданный ордер
// - error: ErrValidation при плохом входе, ErrEnqueueFailed если
//   очередь недоступна (ордер при этом уже сохранён и останется pending)
func (s *OrderService) CreateOrder(ctx context.Context, tokenPair string, amount float64) (*models.Order, error) {
	if err := utils.ValidateTokenPair(tokenPair); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := utils.ValidateAmount(amount); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	now := time.Now().UTC()
	order := &models.Order{
		ID:        uuid.New().String(),
		TokenPair: tokenPair,
		Amount:    amount,
		Status:    models.StatusPending,
		Logs:      []models.LogEntry{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.orderRepo.Create(order); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	// Начальный снимок: подписчики списка видят ордер до первого перехода
	if err := s.bus.Publish(ctx, order); err != nil {
		utils.Logger().Warnw("Failed to publish created order",
			"order_id", order.ID,
			"error", err)
	}

	job := &queue.Job{
		Key:       order.ID,
		OrderID:   order.ID,
		TokenPair: order.TokenPair,
		Amount:    order.Amount,
	}
	if err := s.jobQueue.Enqueue(ctx, job); err != nil {
		utils.Logger().Errorw("Failed to enqueue order",
			"order_id", order.ID,
			"error", err)
		return nil, fmt.Errorf("%w: %v", ErrEnqueueFailed, err)
	}

	utils.Logger().Infow("Order created and enqueued",
		"order_id", order.ID,
		"token_pair", order.TokenPair,
		"amount", order.Amount)
	return order, nil
}

// GetOrder возвращает ордер по id
func (s *OrderService) GetOrder(id string) (*models.Order, error) {
	order, err := s.orderRepo.GetByID(id)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return order, nil
}

// ListOrders возвращает все ордера, новые сверху
func (s *OrderService) ListOrders() ([]*models.Order, error) {
	return s.orderRepo.GetAll()
}

// GetStats возвращает агрегированную статистику по ордерам и глубину очереди
func (s *OrderService) GetStats(ctx context.Context) (*OrderStats, error) {
	byStatus, err := s.orderRepo.CountByStatus()
	if err != nil {
		return nil, err
	}

	total := 0
	for _, n := range byStatus {
		total += n
	}

	depth, err := s.jobQueue.Depth(ctx)
	if err != nil {
		// Статистика очереди не критична: отдаём то, что есть
		utils.Logger().Warnw("Failed to read queue depth", "error", err)
		depth = -1
	}

	return &OrderStats{
		Total:      total,
		ByStatus:   byStatus,
		QueueDepth: depth,
	}, nil
}
