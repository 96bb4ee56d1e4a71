package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/apk-analysis/apk-static-go/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// progressClient 一个 WebSocket 订阅者，taskID 为空时接收全部任务
type progressClient struct {
	conn   *websocket.Conn
	taskID string
	send   chan worker.ProgressEvent
}

// ProgressHub 通过 WebSocket 推送任务进度，实现 worker.Notifier
type ProgressHub struct {
	logger    *logrus.Logger
	upgrader  websocket.Upgrader
	broadcast chan worker.ProgressEvent

	mu      sync.RWMutex
	clients map[*progressClient]struct{}
}

// NewProgressHub 创建进度推送中心
func NewProgressHub(logger *logrus.Logger) *ProgressHub {
	return &ProgressHub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		broadcast: make(chan worker.ProgressEvent, 256),
		clients:   make(map[*progressClient]struct{}),
	}
}

// Publish 投递进度事件，缓冲区满时丢弃
func (h *ProgressHub) Publish(event worker.ProgressEvent) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.WithField("task_id", event.TaskID).Warn("Progress channel is full, dropping event")
	}
}

// Run 分发循环，ctx 取消后关闭所有连接
func (h *ProgressHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		case event := <-h.broadcast:
			h.fanOut(event)
		}
	}
}

func (h *ProgressHub) fanOut(event worker.ProgressEvent) {
	var slow []*progressClient

	h.mu.RLock()
	for client := range h.clients {
		if client.taskID != "" && client.taskID != event.TaskID {
			continue
		}
		select {
		case client.send <- event:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.logger.WithField("task_id", client.taskID).Warn("WebSocket client too slow, disconnecting")
		h.unregister(client)
	}
}

func (h *ProgressHub) register(client *progressClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = struct{}{}
}

func (h *ProgressHub) unregister(client *progressClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

// ClientCount 当前连接数
func (h *ProgressHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket 订阅进度
// GET /ws/tasks?task_id=xxx，不带 task_id 时订阅全部任务
func (h *ProgressHub) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade to WebSocket")
		return
	}

	client := &progressClient{
		conn:   conn,
		taskID: c.Query("task_id"),
		send:   make(chan worker.ProgressEvent, 32),
	}
	h.register(client)
	h.logger.WithField("task_id", client.taskID).Info("WebSocket client connected")

	go h.writePump(client)
	h.readPump(client)
}

// readPump 只处理控制帧，连接断开后注销
func (h *ProgressHub) readPump(client *progressClient) {
	defer func() {
		h.unregister(client)
		client.conn.Close()
		h.logger.WithField("task_id", client.taskID).Info("WebSocket client disconnected")
	}()

	client.conn.SetReadLimit(512)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.WithError(err).Warn("WebSocket error")
			}
			return
		}
	}
}

func (h *ProgressHub) writePump(client *progressClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case event, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteJSON(event); err != nil {
				h.logger.WithError(err).Warn("Failed to write to WebSocket client")
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
