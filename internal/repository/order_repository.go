package repository

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dexflow/internal/models"
)

// Ошибки репозитория ордеров
var (
	ErrOrderNotFound = errors.New("order not found")
)

// OrderRepository - работа с таблицей orders
//
// Единственный писатель в запись ордера - воркер пайплайна;
// API и WebSocket-шлюз только читают. Каждый переход стадии
// записывается одним Update (status + logs + quote + tx_hash),
// чтобы не было наблюдаемого промежуточного состояния, когда журнал
// уже содержит переход, а поле status еще нет.
type OrderRepository struct {
	db *sql.DB
}

// NewOrderRepository создает новый экземпляр репозитория
func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Create создает запись об ордере
func (r *OrderRepository) Create(order *models.Order) error {
	query := `
		INSERT INTO orders (id, token_pair, amount, status, best_quote, tx_hash, logs, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = now
	}

	quoteJSON, logsJSON, err := marshalOrderJSON(order)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(
		query,
		order.ID,
		order.TokenPair,
		order.Amount,
		order.Status,
		quoteJSON,
		nullString(order.TxHash),
		logsJSON,
		order.CreatedAt,
		order.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	return nil
}

// GetByID возвращает ордер по ID
func (r *OrderRepository) GetByID(id string) (*models.Order, error) {
	query := `
		SELECT id, token_pair, amount, status, best_quote, tx_hash, logs, created_at, updated_at
		FROM orders
		WHERE id = $1`

	order, err := scanOrder(r.db.QueryRow(query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}

	return order, nil
}

// GetAll возвращает все ордера, новые первыми
func (r *OrderRepository) GetAll() ([]*models.Order, error) {
	query := `
		SELECT id, token_pair, amount, status, best_quote, tx_hash, logs, created_at, updated_at
		FROM orders
		ORDER BY created_at DESC`

	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return orders, nil
}

// Update записывает текущее состояние ордера одним запросом
//
// Покрывает status, журнал, котировку и tx_hash разом - атомарность
// перехода стадии. updated_at обновляется при каждой мутации.
func (r *OrderRepository) Update(order *models.Order) error {
	query := `
		UPDATE orders
		SET status = $2, best_quote = $3, tx_hash = $4, logs = $5, updated_at = $6
		WHERE id = $1`

	quoteJSON, logsJSON, err := marshalOrderJSON(order)
	if err != nil {
		return err
	}

	order.UpdatedAt = time.Now().UTC()

	result, err := r.db.Exec(
		query,
		order.ID,
		order.Status,
		quoteJSON,
		nullString(order.TxHash),
		logsJSON,
		order.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrOrderNotFound
	}

	return nil
}

// CountByStatus возвращает количество ордеров по каждому статусу
func (r *OrderRepository) CountByStatus() (map[string]int, error) {
	query := `
		SELECT status, COUNT(*)
		FROM orders
		GROUP BY status`

	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return counts, nil
}

// scanner - общий интерфейс *sql.Row и *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanOrder читает одну строку таблицы orders
func scanOrder(s scanner) (*models.Order, error) {
	order := &models.Order{}
	var quoteJSON []byte
	var logsJSON []byte
	var txHash sql.NullString

	err := s.Scan(
		&order.ID,
		&order.TokenPair,
		&order.Amount,
		&order.Status,
		&quoteJSON,
		&txHash,
		&logsJSON,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if txHash.Valid {
		order.TxHash = txHash.String
	}

	if len(quoteJSON) > 0 {
		quote := &models.Quote{}
		if err := json.Unmarshal(quoteJSON, quote); err != nil {
			return nil, fmt.Errorf("failed to decode best_quote for order %s: %w", order.ID, err)
		}
		order.BestQuote = quote
	}

	if len(logsJSON) > 0 {
		if err := json.Unmarshal(logsJSON, &order.Logs); err != nil {
			return nil, fmt.Errorf("failed to decode logs for order %s: %w", order.ID, err)
		}
	}

	return order, nil
}

// marshalOrderJSON сериализует JSONB-колонки ордера
func marshalOrderJSON(order *models.Order) (quoteJSON interface{}, logsJSON []byte, err error) {
	if order.BestQuote != nil {
		data, err := json.Marshal(order.BestQuote)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode best_quote: %w", err)
		}
		quoteJSON = data
	}

	logs := order.Logs
	if logs == nil {
		logs = []models.LogEntry{}
	}
	logsJSON, err = json.Marshal(logs)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode logs: %w", err)
	}

	return quoteJSON, logsJSON, nil
}

// nullString конвертирует пустую строку в SQL NULL
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
