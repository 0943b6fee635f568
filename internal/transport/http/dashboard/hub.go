package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"polyclaw/internal/eventbus"
	"polyclaw/internal/logger"
)

const (
	writeWait      = 10 * time.Second
	maxClientFrame = 4096
)

var pongFrame = []byte("pong")

// HubOptions 控制回放缓冲与每个客户端的发送队列。
type HubOptions struct {
	ReplayBuffer    int
	ReplayOnConnect int
	ClientQueue     int
}

func (o HubOptions) withDefaults() HubOptions {
	if o.ReplayBuffer <= 0 {
		o.ReplayBuffer = 100
	}
	if o.ReplayOnConnect <= 0 || o.ReplayOnConnect > o.ReplayBuffer {
		o.ReplayOnConnect = min(50, o.ReplayBuffer)
	}
	if o.ClientQueue <= 0 {
		o.ClientQueue = 256
	}
	return o
}

// Hub fans bus events out to websocket clients.
//
// The client set and the replay buffer are owned by the Run goroutine. Each
// client has a bounded send queue; a client whose queue is full is dropped
// instead of stalling the others.
type Hub struct {
	bus      *eventbus.Bus
	opts     HubOptions
	upgrader websocket.Upgrader

	register   chan *client
	unregister chan *client
	started    chan struct{}
	done       chan struct{}
	running    atomic.Bool
	count      atomic.Int32
	buffered   atomic.Int32

	clients map[*client]struct{}
	replay  [][]byte
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	pong chan struct{}
	addr string
}

func NewHub(bus *eventbus.Bus, opts HubOptions) *Hub {
	return &Hub{
		bus:  bus,
		opts: opts.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		register:   make(chan *client),
		unregister: make(chan *client),
		started:    make(chan struct{}),
		done:       make(chan struct{}),
		clients:    make(map[*client]struct{}),
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int { return int(h.count.Load()) }

// Buffered returns the number of events held for replay.
func (h *Hub) Buffered() int { return int(h.buffered.Load()) }

// Started is closed once Run has subscribed to the bus.
func (h *Hub) Started() <-chan struct{} { return h.started }

// Run subscribes to every bus event and serves clients until ctx is done or
// the bus is closed. It may only be called once.
func (h *Hub) Run(ctx context.Context) error {
	if !h.running.CompareAndSwap(false, true) {
		return nil
	}
	defer close(h.done)
	sub, err := h.bus.SubscribeMailbox(eventbus.Wildcard)
	if err != nil {
		return err
	}
	defer sub.Close()
	mb := sub.Mailbox()
	close(h.started)
	logger.Infof("DashboardHub: started replay=%d on_connect=%d queue=%d",
		h.opts.ReplayBuffer, h.opts.ReplayOnConnect, h.opts.ClientQueue)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil
		case <-mb.Ready():
			for _, evt := range mb.Drain() {
				h.broadcast(evt)
			}
			if mb.Closed() {
				h.closeAll()
				return nil
			}
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.count.Store(int32(len(h.clients)))
			h.sendReplay(c)
			logger.Infof("DashboardHub: client %s connected (%d total)", c.addr, len(h.clients))
		case c := <-h.unregister:
			h.drop(c, "disconnected")
		}
	}
}

func (h *Hub) broadcast(evt eventbus.Event) {
	msg, err := json.Marshal(evt)
	if err != nil {
		logger.Warnf("DashboardHub: encode %s failed: %v", evt.Type, err)
		return
	}
	h.replay = append(h.replay, msg)
	if over := len(h.replay) - h.opts.ReplayBuffer; over > 0 {
		h.replay = append(h.replay[:0:0], h.replay[over:]...)
	}
	h.buffered.Store(int32(len(h.replay)))
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.drop(c, "send queue full")
		}
	}
}

func (h *Hub) sendReplay(c *client) {
	tail := h.replay
	if len(tail) > h.opts.ReplayOnConnect {
		tail = tail[len(tail)-h.opts.ReplayOnConnect:]
	}
	for _, msg := range tail {
		select {
		case c.send <- msg:
		default:
			return
		}
	}
}

func (h *Hub) drop(c *client, reason string) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.count.Store(int32(len(h.clients)))
	logger.Infof("DashboardHub: client %s %s (%d remaining)", c.addr, reason, len(h.clients))
}

func (h *Hub) closeAll() {
	for c := range h.clients {
		h.drop(c, "closed by shutdown")
	}
}

// ServeWS upgrades the request and blocks until the client goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warnf("DashboardHub: upgrade failed: %v", err)
		return
	}
	c := &client{
		conn: conn,
		send: make(chan []byte, h.opts.ClientQueue),
		pong: make(chan struct{}, 1),
		addr: r.RemoteAddr,
	}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	case <-r.Context().Done():
		_ = conn.Close()
		return
	}
	go c.writePump()
	c.readPump()
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// readPump answers "ping" text frames and ends on any read error.
func (c *client) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(maxClientFrame)
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if kind == websocket.TextMessage && strings.TrimSpace(string(data)) == "ping" {
			select {
			case c.pong <- struct{}{}:
			default:
			}
		}
	}
}

// writePump is the only writer of conn.
func (c *client) writePump() {
	defer c.conn.Close()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-c.pong:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, pongFrame); err != nil {
				return
			}
		}
	}
}
