package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zde37/chordring/internal/chord"
	"github.com/zde37/chordring/pkg"
)

const (
	writeWait = 10 * time.Second

	pongWait = 60 * time.Second

	// must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 512

	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

var _ chord.RingUpdateBroadcaster = (*WebSocketHub)(nil)

// client is one subscriber. Only writePump writes to conn.
type client struct {
	hub  *WebSocketHub
	conn *websocket.Conn
	send chan []byte
}

// WebSocketHub fans ring events out to every connected subscriber. The run
// loop owns the client set; everything else talks to it through channels.
type WebSocketHub struct {
	clients    map[*client]struct{}
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}

	count    atomic.Int32
	dropped  atomic.Int64
	stopOnce sync.Once
	wg       sync.WaitGroup

	logger *pkg.Logger
}

// NewWebSocketHub creates a hub. Call Start before serving connections.
func NewWebSocketHub(logger *pkg.Logger) *WebSocketHub {
	return &WebSocketHub{
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan []byte, sendBufferSize),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		logger:     logger.Component("websocket"),
	}
}

// Start launches the run loop.
func (h *WebSocketHub) Start() {
	h.wg.Add(1)
	go h.run()
}

func (h *WebSocketHub) run() {
	defer h.wg.Done()

	for {
		select {
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.count.Store(int32(len(h.clients)))
			h.logger.Debug().Int("clients", len(h.clients)).Msg("Subscriber connected")

		case c := <-h.unregister:
			h.remove(c)

		case message := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					h.logger.Warn().Msg("Subscriber too slow, disconnecting")
					h.remove(c)
				}
			}

		case <-h.done:
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.count.Store(0)
			h.logger.Debug().Msg("WebSocket hub stopped")
			return
		}
	}
}

func (h *WebSocketHub) remove(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.count.Store(int32(len(h.clients)))
	h.logger.Debug().Int("clients", len(h.clients)).Msg("Subscriber disconnected")
}

// Stop disconnects every subscriber and waits for the run loop to exit.
func (h *WebSocketHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
	h.wg.Wait()
}

// ClientCount returns the number of connected subscribers.
func (h *WebSocketHub) ClientCount() int {
	return int(h.count.Load())
}

// Dropped returns how many events were discarded because the hub was busy.
func (h *WebSocketHub) Dropped() int64 {
	return h.dropped.Load()
}

// BroadcastRingUpdate queues update for every subscriber as JSON. Events are
// dropped rather than blocking the ring when the queue is full.
func (h *WebSocketHub) BroadcastRingUpdate(update any) error {
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}

	select {
	case h.broadcast <- data:
	case <-h.done:
	default:
		h.dropped.Add(1)
		h.logger.Warn().Msg("Broadcast queue full, dropping ring update")
	}
	return nil
}

// HandleWebSocket upgrades the request and subscribes the connection.
func (h *WebSocketHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump only exists to process pongs and notice the peer going away.
func (c *client) readPump() {
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
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug().Err(err).Msg("WebSocket closed unexpectedly")
			}
			return
		}
	}
}

// writePump sends queued events, one frame per event, and keeps the
// connection alive with pings.
func (c *client) writePump() {
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
