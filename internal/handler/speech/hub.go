package speech

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

// wsConn serializes writes; gorilla connections allow one concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

func (c *wsConn) close() error {
	return c.conn.Close()
}

// Hub WebSocket连接管理器，每个会话最多保留一条连接
type Hub struct {
	mu          sync.Mutex
	connections map[string]*wsConn
}

// NewHub 创建连接管理器
func NewHub() *Hub {
	return &Hub{connections: make(map[string]*wsConn)}
}

// add 添加连接；同一会话的旧连接会被关闭
func (h *Hub) add(sessionID string, conn *wsConn) {
	h.mu.Lock()
	old, exists := h.connections[sessionID]
	h.connections[sessionID] = conn
	h.mu.Unlock()

	if exists && old != conn {
		old.close()
	}
}

// remove 仅在登记的仍是 conn 时移除
func (h *Hub) remove(sessionID string, conn *wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.connections[sessionID] == conn {
		delete(h.connections, sessionID)
	}
}

// Count 返回当前连接数
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections)
}

// CloseAll 关闭所有连接
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := h.connections
	h.connections = make(map[string]*wsConn)
	h.mu.Unlock()

	for _, conn := range conns {
		conn.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		conn.close()
	}
}
