package bus

import (
	"context"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"

	"dexflow/internal/models"
	"dexflow/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Канал pub/sub для событий обновления ордеров
const channelName = "order-updates"

// EventTypeOrderUpdate - единственный тип события шины
const EventTypeOrderUpdate = "order-update"

// UpdateEvent - событие обновления ордера
//
// Несет ПОЛНЫЙ снимок ордера, не дельту: подписчик, пропустивший
// промежуточные события, приходит к консистентному представлению
// на любом следующем событии.
type UpdateEvent struct {
	Type  string        `json:"type"`
	Order *models.Order `json:"order"`
}

// Encode сериализует событие для передачи по шине
func (e *UpdateEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent разбирает событие из сырого сообщения шины
//
// Сообщения неизвестного типа отвергаются: шина несет только order-update
func DecodeEvent(data []byte) (*UpdateEvent, error) {
	event := &UpdateEvent{}
	if err := json.Unmarshal(data, event); err != nil {
		return nil, fmt.Errorf("failed to decode bus event: %w", err)
	}
	if event.Type != EventTypeOrderUpdate {
		return nil, fmt.Errorf("unexpected bus event type: %q", event.Type)
	}
	if event.Order == nil {
		return nil, fmt.Errorf("bus event without order payload")
	}
	return event, nil
}

// RedisBus - шина обновлений поверх Redis pub/sub
//
// Доставка at-least-once без персистентности: подписчик, не подключенный
// в момент публикации, событие не получит (догоняющее чтение выполняет
// сам подписчик через Order Store при подключении клиента).
// Порядок FIFO в рамках одного publisher-подключения.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus создает шину поверх существующего подключения к Redis
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

// Publish отправляет полный снимок ордера всем подписчикам
//
// Вызывается ровно один раз на каждый переход стадии.
func (b *RedisBus) Publish(ctx context.Context, order *models.Order) error {
	event := &UpdateEvent{Type: EventTypeOrderUpdate, Order: order}
	data, err := event.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode update event: %w", err)
	}

	if err := b.client.Publish(ctx, channelName, data).Err(); err != nil {
		return fmt.Errorf("failed to publish update event: %w", err)
	}

	utils.Logger().Debugw("order update published", "order_id", order.ID, "status", order.Status)
	return nil
}

// Subscribe доставляет каждое событие шины в handler
//
// Блокируется до отмены контекста. Ошибки декодирования логируются
// и пропускаются - одно битое сообщение не роняет подписчика.
func (b *RedisBus) Subscribe(ctx context.Context, handler func(*models.Order)) error {
	pubsub := b.client.Subscribe(ctx, channelName)
	defer pubsub.Close()

	// Дожидаемся подтверждения подписки: после возврата из Subscribe
	// события не теряются
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", channelName, err)
	}

	utils.Logger().Infow("subscribed to order updates", "channel", channelName)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription channel closed")
			}
			event, err := DecodeEvent([]byte(msg.Payload))
			if err != nil {
				utils.Logger().Warnw("dropping malformed bus message", "error", err)
				continue
			}
			handler(event.Order)
		}
	}
}
