package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"dexflow/internal/service"
)

// OrderHandler отвечает за работу с ордерами
//
// Endpoints:
// - POST /api/v1/orders/execute - создание ордера и постановка в очередь
// - GET /api/v1/orders          - список всех ордеров (новые сверху)
// - GET /api/v1/orders/{id}     - конкретный ордер с журналом обработки
type OrderHandler struct {
	orderService *service.OrderService
}

// NewOrderHandler создает новый OrderHandler с внедрением зависимостей
func NewOrderHandler(orderService *service.OrderService) *OrderHandler {
	return &OrderHandler{
		orderService: orderService,
	}
}

// ExecuteOrderRequest структура запроса на исполнение ордера
type ExecuteOrderRequest struct {
	TokenPair string  `json:"tokenPair"` // SOL/USDC
	Amount    float64 `json:"amount"`
}

// ErrorResponse - тело ответа при ошибке; code - машиночитаемая
// категория для фронтенда (invalid_order, order_not_found, ...)
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// ExecuteOrder создает ордер и ставит его в очередь на исполнение
// POST /api/v1/orders/execute
//
// Request Body:
//
//	{
//	  "tokenPair": "SOL/USDC",
//	  "amount": 1.5
//	}
//
// Response:
// - 201 Created: ордер создан, исполнение начнётся асинхронно
// - 400 Bad Request: невалидные параметры
// - 503 Service Unavailable: очередь недоступна
func (h *OrderHandler) ExecuteOrder(w http.ResponseWriter, r *http.Request) {
	var req ExecuteOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body", err.Error())
		return
	}

	order, err := h.orderService.CreateOrder(r.Context(), req.TokenPair, req.Amount)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusCreated, order)
}

// GetOrders возвращает список всех ордеров, новые сверху
// GET /api/v1/orders
//
// Response:
// - 200 OK: массив ордеров с журналами
func (h *OrderHandler) GetOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.orderService.ListOrders()
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, "internal_error", "Failed to list orders", err.Error())
		return
	}
	h.respondWithJSON(w, http.StatusOK, orders)
}

// GetOrder возвращает ордер по id
// GET /api/v1/orders/{id}
//
// Response:
// - 200 OK: ордер с полным журналом обработки
// - 404 Not Found: ордер не найден
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	order, err := h.orderService.GetOrder(id)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, order)
}

// GetStats возвращает агрегированную статистику по ордерам и очереди
// GET /api/v1/stats
func (h *OrderHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.orderService.GetStats(r.Context())
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, "internal_error", "Failed to get stats", err.Error())
		return
	}
	h.respondWithJSON(w, http.StatusOK, stats)
}

// handleServiceError преобразует ошибки сервисного слоя в HTTP ответы
func (h *OrderHandler) handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		h.respondWithError(w, http.StatusBadRequest, "invalid_order", err.Error(), "")

	case errors.Is(err, service.ErrOrderNotFound):
		h.respondWithError(w, http.StatusNotFound, "order_not_found", "Order not found", "")

	case errors.Is(err, service.ErrEnqueueFailed):
		h.respondWithError(w, http.StatusServiceUnavailable, "queue_unavailable", "Order accepted but could not be queued, retry later", "")

	default:
		h.respondWithError(w, http.StatusInternalServerError, "internal_error", "Internal server error", err.Error())
	}
}

// respondWithJSON отправляет JSON ответ с указанным статусом
func (h *OrderHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondWithError отправляет JSON ответ с ошибкой
func (h *OrderHandler) respondWithError(w http.ResponseWriter, statusCode int, code, message, details string) {
	h.respondWithJSON(w, statusCode, ErrorResponse{
		Error:   message,
		Code:    code,
		Details: details,
	})
}
