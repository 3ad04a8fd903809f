package services

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"aiops/internal/metrics"
	"aiops/internal/models"
)

// 操作生命周期事件类型
const (
	EventOperationStarted   = "operation_started"
	EventOperationCompleted = "operation_completed"
	EventOperationFailed    = "operation_failed"
)

// OperationEvent 推送给面板订阅者的操作生命周期事件
type OperationEvent struct {
	Type        string    `json:"type"`
	OperationID string    `json:"operation_id"`
	TicketID    uint      `json:"ticket_id"`
	Operation   string    `json:"operation_type"`
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
}

// EventClient 一个已连接的面板订阅者。
// ticketID 为 0 时接收全部事件，否则只接收对应工单的事件。
type EventClient struct {
	ID       string
	TicketID uint
	Conn     *websocket.Conn
	Send     chan OperationEvent
	Hub      *EventHub
}

// EventHub 操作事件广播中心
type EventHub struct {
	clients    map[string]*EventClient
	broadcast  chan OperationEvent
	register   chan *EventClient
	unregister chan *EventClient
	mutex      sync.RWMutex
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 生产环境需要验证源
	},
}

// NewEventHub 创建事件广播中心
func NewEventHub() *EventHub {
	return &EventHub{
		clients:    make(map[string]*EventClient),
		broadcast:  make(chan OperationEvent, 64),
		register:   make(chan *EventClient),
		unregister: make(chan *EventClient),
	}
}

func (h *EventHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client.ID] = client
			metrics.EventClientsConnected.Set(float64(len(h.clients)))
			h.mutex.Unlock()
			logrus.Infof("Event client %s connected", client.ID)

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.Send)
				logrus.Infof("Event client %s disconnected", client.ID)
			}
			metrics.EventClientsConnected.Set(float64(len(h.clients)))
			h.mutex.Unlock()

		case event := <-h.broadcast:
			h.mutex.Lock()
			for _, client := range h.clients {
				if client.TicketID != 0 && client.TicketID != event.TicketID {
					continue
				}
				select {
				case client.Send <- event:
				default:
					close(client.Send)
					delete(h.clients, client.ID)
				}
			}
			metrics.EventClientsConnected.Set(float64(len(h.clients)))
			h.mutex.Unlock()
		}
	}
}

// Publish 广播一条操作事件（非阻塞，缓冲满时丢弃）
func (h *EventHub) Publish(eventType string, op *models.AIOperation) {
	if h == nil || op == nil {
		return
	}
	event := OperationEvent{
		Type:        eventType,
		OperationID: op.ID,
		TicketID:    op.TicketID,
		Operation:   op.Type,
		Status:      op.Status,
		Timestamp:   time.Now(),
	}
	select {
	case h.broadcast <- event:
	default:
		logrus.Warn("Event broadcast buffer full, dropping event")
	}
}

// HandleWebSocket 升级连接并注册订阅者
func (h *EventHub) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.Error("WebSocket upgrade failed:", err)
		return
	}

	var ticketID uint
	if raw := c.Query("ticket_id"); raw != "" {
		var n uint64
		if _, err := fmt.Sscanf(raw, "%d", &n); err == nil {
			ticketID = uint(n)
		}
	}

	client := &EventClient{
		ID:       fmt.Sprintf("client_%d", time.Now().UnixNano()),
		TicketID: ticketID,
		Conn:     conn,
		Send:     make(chan OperationEvent, 256),
		Hub:      h,
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// GetClientCount 当前订阅者数量
func (h *EventHub) GetClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

func (c *EventClient) readPump() {
	defer func() {
		c.Hub.unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(512)
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	// 订阅者不发送业务消息，读循环只用于感知断开
	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logrus.Errorf("WebSocket error: %v", err)
			}
			break
		}
	}
}

func (c *EventClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteJSON(event); err != nil {
				logrus.Error("WriteJSON error:", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
