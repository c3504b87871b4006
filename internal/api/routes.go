package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dexflow/internal/api/handlers"
	"dexflow/internal/api/middleware"
	"dexflow/internal/service"
	"dexflow/internal/websocket"
)

// Dependencies содержит все зависимости для API handlers
type Dependencies struct {
	OrderService *service.OrderService

	// Реестр подписок и хранилище снимков для WebSocket endpoint
	Hub           *websocket.Hub
	SnapshotStore websocket.OrderSnapshotStore
}

// SetupRoutes настраивает все HTTP маршруты приложения
//
// Структура маршрутов:
//
// /api/v1/
//
//	├── /orders/
//	│   ├── POST /execute - создать ордер и поставить в очередь
//	│   ├── GET /         - список ордеров (новые сверху)
//	│   └── GET /{id}     - ордер с журналом обработки
//	└── /stats
//	    └── GET / - агрегированная статистика
//
// /ws/
//
//	└── /stream?order_id=... - WebSocket для real-time обновлений
//
// /metrics - Prometheus метрики
// /health  - health check
//
// Middleware применяется в следующем порядке:
// 1. Recovery (для всех маршрутов)
// 2. Logging (для всех маршрутов)
// 3. CORS (для всех маршрутов)
func SetupRoutes(deps *Dependencies) *mux.Router {
	router := mux.NewRouter()

	// Глобальные middleware (применяются ко всем маршрутам)
	router.Use(middleware.Recovery)
	router.Use(middleware.Logging)
	router.Use(middleware.CORS)

	// Order routes
	if deps != nil && deps.OrderService != nil {
		orderHandler := handlers.NewOrderHandler(deps.OrderService)

		api := router.PathPrefix("/api/v1").Subrouter()
		api.HandleFunc("/orders/execute", orderHandler.ExecuteOrder).Methods("POST")
		api.HandleFunc("/orders", orderHandler.GetOrders).Methods("GET")
		api.HandleFunc("/orders/{id}", orderHandler.GetOrder).Methods("GET")
		api.HandleFunc("/stats", orderHandler.GetStats).Methods("GET")
	}

	// WebSocket route
	if deps != nil && deps.Hub != nil {
		router.HandleFunc("/ws/stream", func(w http.ResponseWriter, r *http.Request) {
			websocket.ServeWS(deps.Hub, deps.SnapshotStore, w, r)
		})
	}

	// Prometheus метрики
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Health check endpoint
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	return router
}
