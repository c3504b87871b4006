package websocket

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"dexflow/internal/models"
	"dexflow/pkg/utils"
)

const (
	// Время ожидания записи сообщения
	writeWait = 10 * time.Second

	// Время ожидания между pong сообщениями
	pongWait = 60 * time.Second

	// Интервал отправки ping сообщений (должен быть меньше pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Максимальный размер входящего сообщения
	maxMessageSize = 4096

	// Размер буфера отправки клиента.
	// Полный снимок ордера с журналом - единицы килобайт, буфер на 256
	// событий переживает всплеск переходов нескольких ордеров разом
	clientSendBufferSize = 256
)

// OriginChecker проверяет Origin с O(1) lookup через map
// Потокобезопасен для чтения после инициализации
type OriginChecker struct {
	allowedOrigins map[string]struct{}
	allowAll       bool
}

var originChecker = initOriginChecker()

func initOriginChecker() *OriginChecker {
	checker := &OriginChecker{
		allowedOrigins: make(map[string]struct{}),
	}

	// Comma-separated список, например:
	// ALLOWED_ORIGINS=http://localhost:3000,https://example.com
	envOrigins := os.Getenv("ALLOWED_ORIGINS")

	if envOrigins == "" || envOrigins == "*" {
		checker.allowAll = true
		return checker
	}

	for _, origin := range strings.Split(envOrigins, ",") {
		origin = strings.TrimSpace(origin)
		if origin != "" {
			checker.allowedOrigins[origin] = struct{}{}
		}
	}
	return checker
}

// Check проверяет origin за O(1)
func (oc *OriginChecker) Check(origin string) bool {
	if origin == "" {
		return true // Non-browser clients (curl, API tools)
	}
	if oc.allowAll {
		return true
	}
	_, ok := oc.allowedOrigins[origin]
	return ok
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return originChecker.Check(r.Header.Get("Origin"))
	},
	EnableCompression: true,
}

// OrderSnapshotStore - чтение текущего состояния ордера при подключении
type OrderSnapshotStore interface {
	GetByID(id string) (*models.Order, error)
}

// Client представляет одно WebSocket соединение
//
// Каждый клиент имеет две горутины:
// 1. readPump - читает входящие (контроль живости соединения)
// 2. writePump - пишет события из буферизованного канала send
type Client struct {
	conn *websocket.Conn
	hub  *Hub

	// Ордер, к которому подключение заявило интерес ("" - только глобальные)
	orderID string

	// Буферизованный канал исходящих сообщений
	send chan []byte
}

// readPump читает сообщения от клиента
//
// Сервер не принимает команд: поток входящих нужен для обработки
// close/pong фреймов. Обрыв соединения приводит к detach.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				utils.Logger().Debugw("WebSocket read error", "error", err)
			}
			break
		}
	}
}

// writePump отправляет сообщения клиенту
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Реестр закрыл канал
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWS обрабатывает WebSocket запросы от клиента
//
// Апгрейдит HTTP соединение, регистрирует его в реестре подписок и,
// если в query передан order_id, синхронно отдаёт текущий снимок
// этого ордера - позднее подключение не ждёт следующего перехода.
//
// Использование в routes:
// router.HandleFunc("/ws/stream", func(w, r) { websocket.ServeWS(hub, store, w, r) })
func ServeWS(hub *Hub, store OrderSnapshotStore, w http.ResponseWriter, r *http.Request) {
	log := utils.Logger()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnw("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		conn:    conn,
		hub:     hub,
		orderID: r.URL.Query().Get("order_id"),
		send:    make(chan []byte, clientSendBufferSize),
	}

	// Снимок текущего состояния до первой рассылки: кладём в буфер
	// клиента до регистрации, чтобы он пришёл раньше любых событий
	if client.orderID != "" && store != nil {
		if order, err := store.GetByID(client.orderID); err == nil {
			if payload, ok := marshalMessage(NewOrderUpdateMessage(order)); ok {
				client.send <- payload
			}
		} else {
			log.Debugw("No snapshot for subscribed order",
				"order_id", client.orderID,
				"error", err)
		}
	}

	select {
	case client.hub.register <- client:
	case <-hub.done:
		// Реестр остановлен - новые соединения не обслуживаются
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
