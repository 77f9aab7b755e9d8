package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/betbot/poskeeper/internal/domain"
	"github.com/betbot/poskeeper/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 控制面是内部服务，不做 Origin 校验
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wireEvent 推给 WebSocket 客户端的事件形态
type wireEvent struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Category  string    `json:"category"`
	Priority  string    `json:"priority"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// wsHub 把总线事件扇出给全部 WebSocket 客户端。
// 客户端发送缓冲满时丢弃该条消息，慢客户端不能拖住总线 handler。
type wsHub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	subs    []*events.Subscription
	bus     *events.Bus
}

type wsClient struct {
	conn *websocket.Conn
	send chan wireEvent
	once sync.Once
}

func newWSHub() *wsHub {
	return &wsHub{clients: make(map[*wsClient]struct{})}
}

// attach 订阅全部已知事件种类，把事件转发给在线客户端。
func (h *wsHub) attach(bus *events.Bus) error {
	if bus == nil {
		return nil
	}
	h.bus = bus
	kinds := []domain.EventKind{
		domain.EventKindStateChanged,
		domain.EventKindDiscrepancyFound,
		domain.EventKindReconcileCompleted,
		domain.EventKindManualIntervention,
		domain.EventKindPositionSyncError,
		domain.EventKindExternal,
	}
	for _, kind := range kinds {
		sub, err := bus.Subscribe(kind, func(_ context.Context, e *events.Event) error {
			h.broadcast(e)
			return nil
		}, -1) // 事件流是旁观者，排在业务 handler 之后
		if err != nil {
			return err
		}
		h.mu.Lock()
		h.subs = append(h.subs, sub)
		h.mu.Unlock()
	}
	return nil
}

func (h *wsHub) broadcast(e *events.Event) {
	w := wireEvent{
		ID:        e.ID,
		Kind:      string(e.Kind),
		Category:  string(e.Category),
		Priority:  e.Priority.String(),
		Source:    e.Source,
		Timestamp: e.Timestamp,
		Payload:   e.Payload,
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- w:
		default:
			// 慢客户端：丢消息，不丢连接
		}
	}
}

func (h *wsHub) add(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *wsHub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

func (h *wsHub) closeAll() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*wsClient]struct{})
	subs := h.subs
	h.subs = nil
	bus := h.bus
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	if bus != nil {
		for _, sub := range subs {
			bus.Unsubscribe(sub)
		}
	}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}

// handleEventStream 把连接升级为 WebSocket 并接入事件流。
func (s *Server) handleEventStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		srvLog.Warnf("WebSocket 升级失败: %v", err)
		return
	}
	client := &wsClient{
		conn: conn,
		send: make(chan wireEvent, 64),
	}
	s.hub.add(client)
	srvLog.Infof("事件流客户端接入: remote=%s", conn.RemoteAddr())

	// 写循环
	go func() {
		defer func() {
			s.hub.remove(client)
			client.close()
		}()
		for w := range client.send {
			if err := conn.WriteJSON(w); err != nil {
				return
			}
		}
	}()

	// 读循环只用于感知客户端断开
	go func() {
		defer func() {
			s.hub.remove(client)
			client.close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
