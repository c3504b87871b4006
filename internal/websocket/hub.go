package websocket

import (
	"bytes"
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"

	"dexflow/internal/models"
	"dexflow/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ============ ОПТИМИЗАЦИЯ: sync.Pool для JSON буферов ============
// Убирает аллокации при каждом Broadcast

var jsonBufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

// broadcastRequest - одно событие для рассылки подписчикам
type broadcastRequest struct {
	orderID string
	payload []byte
}

// Hub - реестр подписок на обновления ордеров
//
// Ведёт две группы соединений:
//   - глобальная группа: все соединения, получают каждое событие
//     (обновления списка ордеров)
//   - группы по ордеру: соединения, заявившие интерес к конкретному
//     order id при подключении
//
// Соединение из группы ордера состоит и в глобальной группе, поэтому
// при рассылке события возможен двойной матч. Политика: дедупликация
// по идентичности соединения - за один broadcast соединение получает
// событие ровно один раз.
//
// Группа ордера удаляется вместе с последним участником: таблица
// не растёт на пустых группах.
//
// Реестр - инжектируемый экземпляр, создаётся в bootstrap процесса
// и передаётся явно. Потокобезопасность через каналы + mutex.
type Hub struct {
	// Глобальная группа: все активные соединения
	global map[*Client]bool

	// Группы по ордеру: order id → множество соединений
	byOrder map[string]map[*Client]bool

	broadcast  chan broadcastRequest
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	stopOnce   sync.Once

	// Счётчик событий, не доставленных медленным клиентам
	dropped atomic.Int64

	mu sync.RWMutex
}

// NewHub создает новый реестр подписок
func NewHub() *Hub {
	return &Hub{
		global:     make(map[*Client]bool),
		byOrder:    make(map[string]map[*Client]bool),
		broadcast:  make(chan broadcastRequest, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run запускает главный цикл реестра
//
// Должен запускаться в отдельной горутине: go hub.Run()
func (h *Hub) Run() {
	log := utils.Logger()
	for {
		select {
		case <-h.done:
			h.closeAll()
			return

		case client := <-h.register:
			h.attach(client)
			log.Debugw("WebSocket client attached",
				"order_id", client.orderID,
				"total_clients", h.ClientCount())

		case client := <-h.unregister:
			h.detach(client)
			log.Debugw("WebSocket client detached",
				"order_id", client.orderID,
				"total_clients", h.ClientCount())

		case req := <-h.broadcast:
			h.fanOut(req)
		}
	}
}

// Stop останавливает цикл реестра и закрывает все соединения
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// attach регистрирует соединение в глобальной группе и, при заявленном
// order id, в группе этого ордера
func (h *Hub) attach(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.global[client] = true
	if client.orderID != "" {
		group, ok := h.byOrder[client.orderID]
		if !ok {
			group = make(map[*Client]bool)
			h.byOrder[client.orderID] = group
		}
		group[client] = true
	}
}

// detach удаляет соединение из всех групп.
// Опустевшая группа ордера удаляется целиком.
func (h *Hub) detach(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detachLocked(client)
}

func (h *Hub) detachLocked(client *Client) {
	if _, ok := h.global[client]; !ok {
		return
	}
	delete(h.global, client)

	if client.orderID != "" {
		if group, ok := h.byOrder[client.orderID]; ok {
			delete(group, client)
			if len(group) == 0 {
				delete(h.byOrder, client.orderID)
			}
		}
	}
	close(client.send)
}

// fanOut рассылает событие: группа ордера + глобальная группа,
// с дедупликацией по идентичности соединения
func (h *Hub) fanOut(req broadcastRequest) {
	// Копируем получателей под коротким RLock, шлём без блокировки
	h.mu.RLock()
	seen := make(map[*Client]bool, len(h.global))
	targets := make([]*Client, 0, len(h.global))
	if group, ok := h.byOrder[req.orderID]; ok {
		for client := range group {
			if !seen[client] {
				seen[client] = true
				targets = append(targets, client)
			}
		}
	}
	for client := range h.global {
		if !seen[client] {
			seen[client] = true
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	var toRemove []*Client
	for _, client := range targets {
		select {
		case client.send <- req.payload:
		default:
			// Клиент не разбирает буфер - отключаем
			toRemove = append(toRemove, client)
		}
	}

	if len(toRemove) > 0 {
		h.dropped.Add(int64(len(toRemove)))
		h.mu.Lock()
		for _, client := range toRemove {
			h.detachLocked(client)
		}
		h.mu.Unlock()
		utils.Logger().Warnw("Removed slow WebSocket clients",
			"removed", len(toRemove),
			"total_clients", h.ClientCount())
	}
}

// closeAll закрывает все соединения при остановке реестра
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.global {
		close(client.send)
	}
	h.global = make(map[*Client]bool)
	h.byOrder = make(map[string]map[*Client]bool)
}

// BroadcastOrderUpdate рассылает снимок ордера подписчикам.
// Вызывается подписчиком шины обновлений при каждом событии.
func (h *Hub) BroadcastOrderUpdate(order *models.Order) {
	payload, ok := marshalMessage(NewOrderUpdateMessage(order))
	if !ok {
		return
	}
	select {
	case h.broadcast <- broadcastRequest{orderID: order.ID, payload: payload}:
	case <-h.done:
	}
}

// marshalMessage сериализует сообщение через пул буферов
func marshalMessage(msg interface{}) ([]byte, bool) {
	buf := jsonBufferPool.Get().(*bytes.Buffer)
	defer jsonBufferPool.Put(buf)
	buf.Reset()

	if err := json.NewEncoder(buf).Encode(msg); err != nil {
		utils.Logger().Errorw("Failed to marshal broadcast message", "error", err)
		return nil, false
	}

	data := buf.Bytes()
	if len(data) > 0 && data[len(data)-1] == '\n' {
		data = data[:len(data)-1]
	}

	// Копия: буфер вернётся в пул
	payload := make([]byte, len(data))
	copy(payload, data)
	return payload, true
}

// ClientCount возвращает количество подключенных соединений
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.global)
}

// GroupCount возвращает количество непустых групп по ордерам
func (h *Hub) GroupCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byOrder)
}

// DroppedMessages возвращает число событий, потерянных на медленных клиентах
func (h *Hub) DroppedMessages() int64 {
	return h.dropped.Load()
}
