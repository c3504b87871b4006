package worker

import (
	"context"
	"sync"

	"dexflow/internal/models"
	"dexflow/internal/queue"
	"dexflow/internal/repository"
)

// ============ Mock OrderStore ============

type MockOrderStore struct {
	mu         sync.Mutex
	orders     map[string]*models.Order
	getErr     error
	updErr     error
	updateHook func(*models.Order) error // селективный сбой Update
	updates    int                       // число успешных вызовов Update
}

func NewMockOrderStore() *MockOrderStore {
	return &MockOrderStore{orders: make(map[string]*models.Order)}
}

func (m *MockOrderStore) put(order *models.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cloneOrder(order)
	m.orders[order.ID] = cp
}

func (m *MockOrderStore) GetByID(id string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	order, ok := m.orders[id]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	return cloneOrder(order), nil
}

func (m *MockOrderStore) Update(order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updErr != nil {
		return m.updErr
	}
	if m.updateHook != nil {
		if err := m.updateHook(order); err != nil {
			return err
		}
	}
	if _, ok := m.orders[order.ID]; !ok {
		return repository.ErrOrderNotFound
	}
	m.updates++
	m.orders[order.ID] = cloneOrder(order)
	return nil
}

func (m *MockOrderStore) current(id string) *models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneOrder(m.orders[id])
}

func cloneOrder(o *models.Order) *models.Order {
	if o == nil {
		return nil
	}
	cp := *o
	cp.Logs = append([]models.LogEntry(nil), o.Logs...)
	if o.BestQuote != nil {
		q := *o.BestQuote
		cp.BestQuote = &q
	}
	return &cp
}

// ============ Mock UpdateBus ============

type MockUpdateBus struct {
	mu        sync.Mutex
	published []*models.Order
	pubErr    error
}

func NewMockUpdateBus() *MockUpdateBus {
	return &MockUpdateBus{}
}

func (m *MockUpdateBus) Publish(_ context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pubErr != nil {
		return m.pubErr
	}
	m.published = append(m.published, cloneOrder(order))
	return nil
}

func (m *MockUpdateBus) Events() []*models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.Order(nil), m.published...)
}

// ============ Mock JobQueue ============

// MockJobQueue выдаёт job'ы из канала и фиксирует вызовы Ack/Fail
type MockJobQueue struct {
	mu      sync.Mutex
	jobs    chan *queue.Job
	acked   []string
	failed  []string
	retried bool // результат, который вернёт Fail
	depth   int64
}

func NewMockJobQueue(buffer int) *MockJobQueue {
	return &MockJobQueue{jobs: make(chan *queue.Job, buffer), retried: true}
}

func (m *MockJobQueue) Dequeue(ctx context.Context) (*queue.Job, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case job := <-m.jobs:
		return job, nil
	}
}

func (m *MockJobQueue) Ack(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = append(m.acked, key)
	return nil
}

func (m *MockJobQueue) Fail(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed = append(m.failed, key)
	return m.retried, nil
}

func (m *MockJobQueue) Depth(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.depth, nil
}

func (m *MockJobQueue) Acked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.acked...)
}

func (m *MockJobQueue) Failed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.failed...)
}

// ============ Mock QuoteSource ============

// MockQuoteSource отдаёт фиксированную котировку, с возможностью
// заставить первые N вызовов завершаться ошибкой
type MockQuoteSource struct {
	mu       sync.Mutex
	quote    *models.Quote
	failN    int // сколько первых вызовов вернут failErr
	failErr  error
	calls    int
}

func NewMockQuoteSource(quote *models.Quote) *MockQuoteSource {
	return &MockQuoteSource{quote: quote}
}

func (m *MockQuoteSource) BestQuote(_ context.Context, _ string, _ float64) (*models.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.calls <= m.failN {
		return nil, m.failErr
	}
	q := *m.quote
	return &q, nil
}

func (m *MockQuoteSource) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
