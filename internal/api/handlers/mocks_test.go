package handlers

import (
	"context"
	"errors"
	"sort"
	"sync"

	"dexflow/internal/models"
	"dexflow/internal/queue"
	"dexflow/internal/repository"
)

// ErrMockInfra - инфраструктурная ошибка для негативных сценариев
var ErrMockInfra = errors.New("mock infrastructure failure")

// ============ Mock OrderRepository ============

type MockOrderRepository struct {
	mu        sync.Mutex
	orders    map[string]*models.Order
	createErr error
	getErr    error
	countErr  error
}

func NewMockOrderRepository() *MockOrderRepository {
	return &MockOrderRepository{orders: make(map[string]*models.Order)}
}

func (m *MockOrderRepository) Create(order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.orders[order.ID] = order
	return nil
}

func (m *MockOrderRepository) GetByID(id string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	order, ok := m.orders[id]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	return order, nil
}

func (m *MockOrderRepository) GetAll() ([]*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	result := make([]*models.Order, 0, len(m.orders))
	for _, o := range m.orders {
		result = append(result, o)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MockOrderRepository) CountByStatus() (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.countErr != nil {
		return nil, m.countErr
	}
	counts := make(map[string]int)
	for _, o := range m.orders {
		counts[o.Status]++
	}
	return counts, nil
}

// ============ Mock JobQueue ============

type MockJobQueue struct {
	mu         sync.Mutex
	enqueued   []*queue.Job
	enqueueErr error
	depth      int64
}

func NewMockJobQueue() *MockJobQueue {
	return &MockJobQueue{}
}

func (m *MockJobQueue) Enqueue(_ context.Context, job *queue.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enqueueErr != nil {
		return m.enqueueErr
	}
	m.enqueued = append(m.enqueued, job)
	return nil
}

func (m *MockJobQueue) Depth(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.depth, nil
}

// ============ Mock UpdateBus ============

type MockUpdateBus struct {
	mu        sync.Mutex
	published []*models.Order
}

func NewMockUpdateBus() *MockUpdateBus {
	return &MockUpdateBus{}
}

func (m *MockUpdateBus) Publish(_ context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, order)
	return nil
}
