package services

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// HubMessage 推送给控制台的消息
type HubMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	TenantID  string      `json:"tenant_id"`
	Timestamp time.Time   `json:"timestamp"`
}

type hubClient struct {
	id       string
	tenantID string
	conn     *websocket.Conn
	send     chan HubMessage
	hub      *NotificationHub
}

// NotificationHub fans out notifications to dashboard sockets of one tenant.
type NotificationHub struct {
	clients    map[string]*hubClient
	broadcast  chan HubMessage
	register   chan *hubClient
	unregister chan *hubClient
	mutex      sync.RWMutex
	logger     *logrus.Logger
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS 中间件已经做过来源校验
	},
}

func NewNotificationHub(logger *logrus.Logger) *NotificationHub {
	if logger == nil {
		logger = logrus.New()
	}
	return &NotificationHub{
		clients:    make(map[string]*hubClient),
		broadcast:  make(chan HubMessage, 256),
		register:   make(chan *hubClient),
		unregister: make(chan *hubClient),
		logger:     logger,
	}
}

// Run 处理注册/注销/广播，直到 ctx 结束
func (h *NotificationHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mutex.Lock()
			for id, client := range h.clients {
				close(client.send)
				delete(h.clients, id)
			}
			h.mutex.Unlock()
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client.id] = client
			h.mutex.Unlock()
			h.logger.Infof("dashboard client %s connected (tenant=%s)", client.id, client.tenantID)

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
				h.logger.Infof("dashboard client %s disconnected", client.id)
			}
			h.mutex.Unlock()

		case message := <-h.broadcast:
			h.mutex.Lock()
			for id, client := range h.clients {
				if client.tenantID != message.TenantID {
					continue
				}
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mutex.Unlock()
		}
	}
}

// HandleWebSocket upgrades GET /api/v1/ws?tenant_id=... for the dashboard.
func (h *NotificationHub) HandleWebSocket(c *gin.Context) {
	tenantID := c.GetString("tenant_id")
	if tenantID == "" {
		tenantID = c.Query("tenant_id")
	}
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Bad Request", "message": "tenant_id is required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Errorf("websocket upgrade failed: %v", err)
		return
	}

	client := &hubClient{
		id:       fmt.Sprintf("client_%d", time.Now().UnixNano()),
		tenantID: tenantID,
		conn:     conn,
		send:     make(chan HubMessage, 64),
		hub:      h,
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

// dashboard 只接收推送，读循环仅用于维持心跳与感知断开
func (c *hubClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warnf("websocket error: %v", err)
			}
			return
		}
	}
}

func (c *hubClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				c.hub.logger.Warnf("websocket write failed: %v", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendToTenant queues a message for every socket of tenantID. Never blocks;
// when the queue is full the message is dropped.
func (h *NotificationHub) SendToTenant(tenantID, msgType string, data interface{}) {
	msg := HubMessage{Type: msgType, Data: data, TenantID: tenantID, Timestamp: time.Now()}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warnf("notification hub queue full, dropping %s for tenant %s", msgType, tenantID)
	}
}

func (h *NotificationHub) GetClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}
