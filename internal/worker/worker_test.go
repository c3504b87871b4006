package worker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"dexflow/internal/config"
	"dexflow/internal/models"
	"dexflow/internal/queue"
)

func testQuote() *models.Quote {
	return &models.Quote{Dex: "Raydium", Price: 101.52, Fee: 0.003}
}

func newTestOrder(id string) *models.Order {
	now := time.Now().UTC()
	return &models.Order{
		ID:        id,
		TokenPair: "SOL/USDC",
		Amount:    1.5,
		Status:    models.StatusPending,
		Logs:      []models.LogEntry{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func newTestJob(orderID string, attempt, maxAttempts int) *queue.Job {
	return &queue.Job{
		Key:         orderID,
		OrderID:     orderID,
		TokenPair:   "SOL/USDC",
		Amount:      1.5,
		Attempt:     attempt,
		MaxAttempts: maxAttempts,
	}
}

// zeroDelays убирает симулированные паузы стадий из тестов
func zeroDelays() config.PipelineConfig {
	return config.PipelineConfig{}
}

func logMessages(o *models.Order) []string {
	msgs := make([]string, 0, len(o.Logs))
	for _, e := range o.Logs {
		msgs = append(msgs, e.Message)
	}
	return msgs
}

// ============ Счастливый путь ============

func TestProcessor_HappyPath(t *testing.T) {
	store := NewMockOrderStore()
	bus := NewMockUpdateBus()
	quotes := NewMockQuoteSource(testQuote())
	store.put(newTestOrder("order-1"))

	p := NewProcessor(store, bus, quotes, zeroDelays())
	result := p.Process(context.Background(), newTestJob("order-1", 1, 3))

	if result.Outcome != OutcomeSuccess {
		t.Fatalf("Expected OutcomeSuccess, got %v (err=%v)", result.Outcome, result.Err)
	}

	order := store.current("order-1")
	if order.Status != models.StatusConfirmed {
		t.Errorf("Expected status confirmed, got %s", order.Status)
	}
	if order.BestQuote == nil || order.BestQuote.Dex != "Raydium" {
		t.Errorf("Expected Raydium quote, got %+v", order.BestQuote)
	}
	if !strings.HasPrefix(order.TxHash, "0x") {
		t.Errorf("Expected tx hash with 0x prefix, got %q", order.TxHash)
	}

	// Полный прогон: 6 переходов, по одной записи журнала на каждый
	wantStatuses := []string{
		models.StatusPending,
		models.StatusRouting,
		models.StatusBuilding,
		models.StatusSigning,
		models.StatusSending,
		models.StatusConfirmed,
	}
	if len(order.Logs) != len(wantStatuses) {
		t.Fatalf("Expected %d log entries, got %d: %v", len(wantStatuses), len(order.Logs), logMessages(order))
	}
	for i, want := range wantStatuses {
		if order.Logs[i].Status != want {
			t.Errorf("Log %d: expected status %s, got %s", i, want, order.Logs[i].Status)
		}
	}

	// Детали стадий: котировка на routing, tx hash на confirmed
	if d := order.Logs[1].Detail; d == nil || d.Quote == nil || d.Quote.Dex != "Raydium" {
		t.Errorf("Expected quote detail on routing entry, got %+v", order.Logs[1].Detail)
	}
	if d := order.Logs[5].Detail; d == nil || d.TxHash != order.TxHash {
		t.Errorf("Expected tx hash detail on confirmed entry, got %+v", order.Logs[5].Detail)
	}
}

// Ровно одна публикация на каждый переход стадии
func TestProcessor_OneEventPerTransition(t *testing.T) {
	store := NewMockOrderStore()
	bus := NewMockUpdateBus()
	store.put(newTestOrder("order-1"))

	p := NewProcessor(store, bus, NewMockQuoteSource(testQuote()), zeroDelays())
	p.Process(context.Background(), newTestJob("order-1", 1, 3))

	events := bus.Events()
	if len(events) != 6 {
		t.Fatalf("Expected 6 published snapshots, got %d", len(events))
	}
	if store.updates != len(events) {
		t.Errorf("Expected one store write per publish: %d writes, %d events", store.updates, len(events))
	}

	// Статус в снимках монотонно растёт
	last := events[0].Status
	for i, ev := range events[1:] {
		if models.MaxStatus(last, ev.Status) != ev.Status {
			t.Errorf("Event %d: status regressed from %s to %s", i+1, last, ev.Status)
		}
		last = ev.Status
	}
	if events[len(events)-1].Status != models.StatusConfirmed {
		t.Errorf("Expected final snapshot confirmed, got %s", events[len(events)-1].Status)
	}
}

// ============ Повторные попытки ============

// routing падает на попытках 1 и 2, попытка 3 успешна
func TestProcessor_RetryThenSucceed(t *testing.T) {
	store := NewMockOrderStore()
	bus := NewMockUpdateBus()
	quotes := NewMockQuoteSource(testQuote())
	quotes.failN = 2
	quotes.failErr = errors.New("no route for pair")
	store.put(newTestOrder("order-1"))

	p := NewProcessor(store, bus, quotes, zeroDelays())
	ctx := context.Background()

	for attempt := 1; attempt <= 2; attempt++ {
		result := p.Process(ctx, newTestJob("order-1", attempt, 3))
		if result.Outcome != OutcomeRetryable {
			t.Fatalf("Attempt %d: expected OutcomeRetryable, got %v", attempt, result.Outcome)
		}
		if result.Stage != models.StatusRouting {
			t.Errorf("Attempt %d: expected routing stage, got %s", attempt, result.Stage)
		}
	}

	result := p.Process(ctx, newTestJob("order-1", 3, 3))
	if result.Outcome != OutcomeSuccess {
		t.Fatalf("Attempt 3: expected OutcomeSuccess, got %v (err=%v)", result.Outcome, result.Err)
	}
	if quotes.Calls() != 3 {
		t.Errorf("Expected 3 quote calls, got %d", quotes.Calls())
	}

	order := store.current("order-1")
	if order.Status != models.StatusConfirmed {
		t.Errorf("Expected status confirmed, got %s", order.Status)
	}

	var failed, retrying int
	for _, msg := range logMessages(order) {
		if strings.HasPrefix(msg, "Attempt ") && strings.Contains(msg, "failed") {
			failed++
		}
		if strings.HasPrefix(msg, "Retrying order") {
			retrying++
		}
	}
	if failed != 2 || retrying != 2 {
		t.Errorf("Expected 2 failed + 2 retrying entries, got %d/%d: %v",
			failed, retrying, logMessages(order))
	}
}

// Запись о неудачной попытке не двигает статус ордера
func TestProcessor_FailedAttemptKeepsStatus(t *testing.T) {
	store := NewMockOrderStore()
	quotes := NewMockQuoteSource(testQuote())
	quotes.failN = 1
	quotes.failErr = errors.New("dex timeout")
	store.put(newTestOrder("order-1"))

	p := NewProcessor(store, NewMockUpdateBus(), quotes, zeroDelays())
	result := p.Process(context.Background(), newTestJob("order-1", 1, 3))

	if result.Outcome != OutcomeRetryable {
		t.Fatalf("Expected OutcomeRetryable, got %v", result.Outcome)
	}
	order := store.current("order-1")
	if order.Status != models.StatusPending {
		t.Errorf("Expected status to stay pending, got %s", order.Status)
	}
	last := order.LastLog()
	if last == nil || !strings.HasPrefix(last.Message, "Retrying order (attempt 2/3)") {
		t.Errorf("Expected retrying entry last, got %+v", last)
	}
}

// ============ Исчерпание попыток ============

// building падает на обеих попытках при maxAttempts=2 → терминальный failed
func TestProcessor_ExhaustedAttemptsTerminal(t *testing.T) {
	store := NewMockOrderStore()
	bus := NewMockUpdateBus()
	buildErr := errors.New("simulated build failure")
	store.updateHook = func(o *models.Order) error {
		if last := o.LastLog(); last != nil && last.Message == "Creating transaction" {
			return buildErr
		}
		return nil
	}
	store.put(newTestOrder("order-1"))

	p := NewProcessor(store, bus, NewMockQuoteSource(testQuote()), zeroDelays())
	ctx := context.Background()

	result := p.Process(ctx, newTestJob("order-1", 1, 2))
	if result.Outcome != OutcomeRetryable {
		t.Fatalf("Attempt 1: expected OutcomeRetryable, got %v", result.Outcome)
	}

	result = p.Process(ctx, newTestJob("order-1", 2, 2))
	if result.Outcome != OutcomeTerminal {
		t.Fatalf("Attempt 2: expected OutcomeTerminal, got %v", result.Outcome)
	}
	if result.Stage != models.StatusBuilding {
		t.Errorf("Expected building stage, got %s", result.Stage)
	}

	order := store.current("order-1")
	if order.Status != models.StatusFailed {
		t.Errorf("Expected status failed, got %s", order.Status)
	}
	last := order.LastLog()
	if last == nil || last.Status != models.StatusFailed {
		t.Fatalf("Expected terminal failed entry, got %+v", last)
	}
	if last.Message != "Transaction failed after max retries" {
		t.Errorf("Unexpected terminal message: %q", last.Message)
	}
	if last.Detail == nil || !strings.Contains(last.Detail.Error, "simulated build failure") {
		t.Errorf("Expected error detail in terminal entry, got %+v", last.Detail)
	}
	if order.TxHash != "" {
		t.Errorf("Failed order must not carry tx hash, got %q", order.TxHash)
	}
}

// ============ Повторная доставка и краевые случаи ============

// Повторная доставка job для уже завершённого ордера - no-op
func TestProcessor_TerminalOrderRedelivery(t *testing.T) {
	store := NewMockOrderStore()
	bus := NewMockUpdateBus()
	order := newTestOrder("order-1")
	order.AppendLog(models.StatusFailed, "Transaction failed after max retries", nil)
	store.put(order)

	p := NewProcessor(store, bus, NewMockQuoteSource(testQuote()), zeroDelays())
	result := p.Process(context.Background(), newTestJob("order-1", 1, 3))

	if result.Outcome != OutcomeSuccess {
		t.Fatalf("Expected OutcomeSuccess no-op, got %v", result.Outcome)
	}
	if store.updates != 0 {
		t.Errorf("Expected no store writes for terminal order, got %d", store.updates)
	}
	if len(bus.Events()) != 0 {
		t.Errorf("Expected no events for terminal order, got %d", len(bus.Events()))
	}
}

func TestProcessor_OrderNotFound(t *testing.T) {
	p := NewProcessor(NewMockOrderStore(), NewMockUpdateBus(), NewMockQuoteSource(testQuote()), zeroDelays())
	result := p.Process(context.Background(), newTestJob("missing", 1, 3))

	if result.Outcome != OutcomeTerminal {
		t.Errorf("Expected OutcomeTerminal for missing order, got %v", result.Outcome)
	}
}

// Ошибка публикации не прерывает конвейер: снимок уже сохранён
func TestProcessor_PublishErrorDoesNotFail(t *testing.T) {
	store := NewMockOrderStore()
	bus := NewMockUpdateBus()
	bus.pubErr = errors.New("bus down")
	store.put(newTestOrder("order-1"))

	p := NewProcessor(store, bus, NewMockQuoteSource(testQuote()), zeroDelays())
	result := p.Process(context.Background(), newTestJob("order-1", 1, 3))

	if result.Outcome != OutcomeSuccess {
		t.Fatalf("Expected OutcomeSuccess despite publish errors, got %v (err=%v)", result.Outcome, result.Err)
	}
	if order := store.current("order-1"); order.Status != models.StatusConfirmed {
		t.Errorf("Expected status confirmed, got %s", order.Status)
	}
}

// Отмена контекста на стадии с задержкой даёт retryable исход
func TestProcessor_ContextCancelledDuringStage(t *testing.T) {
	store := NewMockOrderStore()
	store.put(newTestOrder("order-1"))

	delays := config.PipelineConfig{BuildDelay: 5 * time.Second}
	p := NewProcessor(store, NewMockUpdateBus(), NewMockQuoteSource(testQuote()), delays)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	result := p.Process(ctx, newTestJob("order-1", 1, 3))
	if result.Outcome != OutcomeRetryable {
		t.Errorf("Expected OutcomeRetryable on cancellation, got %v", result.Outcome)
	}
	if result.Stage != models.StatusBuilding {
		t.Errorf("Expected building stage, got %s", result.Stage)
	}
}

func TestStageOutcome_String(t *testing.T) {
	cases := map[StageOutcome]string{
		OutcomeSuccess:   "success",
		OutcomeRetryable: "retryable",
		OutcomeTerminal:  "terminal",
		StageOutcome(42): "unknown",
	}
	for outcome, want := range cases {
		if got := outcome.String(); got != want {
			t.Errorf("StageOutcome(%d).String() = %q, want %q", outcome, got, want)
		}
	}
}
