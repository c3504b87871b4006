package websocket

import (
	"dexflow/internal/models"
)

// MessageType определяет тип WebSocket сообщения
type MessageType string

// Типы WebSocket сообщений
const (
	// MessageTypeOrderUpdate - полный снимок ордера после перехода стадии.
	// Снимок, не дельта: клиент, пропустивший промежуточные события,
	// восстанавливает консистентное состояние из любого следующего
	MessageTypeOrderUpdate MessageType = "order-update"
)

// OrderUpdateMessage - сообщение с полным снимком ордера
//
// Формат на проводе совпадает с событием шины обновлений:
// {"type": "order-update", "order": {...}}
type OrderUpdateMessage struct {
	Type  MessageType   `json:"type"`
	Order *models.Order `json:"order"`
}

// NewOrderUpdateMessage создает сообщение снимка ордера
func NewOrderUpdateMessage(order *models.Order) *OrderUpdateMessage {
	return &OrderUpdateMessage{
		Type:  MessageTypeOrderUpdate,
		Order: order,
	}
}
