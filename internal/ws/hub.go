package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pet-arena/internal/model"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Msg is a message sent to clients.
type Msg struct {
	Type    string `json:"type"`
	Address string `json:"address"`
	Data    any    `json:"data"`
}

// Hub fans battle, drop and balance events out to the connections watching
// an address. A connection may watch several addresses.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*conn]bool // address -> set of conns
	allConn map[*conn]bool
}

type conn struct {
	ws       *websocket.Conn
	send     chan []byte
	hub      *Hub
	watching map[string]bool
}

func NewHub() *Hub {
	return &Hub{
		rooms:   make(map[string]map[*conn]bool),
		allConn: make(map[*conn]bool),
	}
}

// Publish sends a message to all watchers of an address. Slow clients miss
// messages rather than stall settlement.
func (h *Hub) Publish(address, msgType string, data any) {
	b, err := json.Marshal(Msg{Type: msgType, Address: address, Data: data})
	if err != nil {
		log.Printf("[ws] marshal %s: %v", msgType, err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[address] {
		select {
		case c.send <- b:
		default:
		}
	}
}

// Watchers reports how many connections watch an address.
func (h *Hub) Watchers(address string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[address])
}

// HandleWS upgrades an anonymous connection. Clients pick addresses with
// {"action":"subscribe","address":"0x…"}.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	h.Serve(w, r, "")
}

// Serve upgrades the connection and, when self is set, subscribes it to that
// address straight away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, self string) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}
	c := &conn{
		ws:       wsConn,
		send:     make(chan []byte, 64),
		hub:      h,
		watching: make(map[string]bool),
	}
	h.mu.Lock()
	h.allConn[c] = true
	h.mu.Unlock()
	if self != "" {
		h.subscribe(c, self)
	}

	go c.writePump()
	go c.readPump()
}

func (c *conn) readPump() {
	defer func() {
		c.hub.removeConn(c)
		c.ws.Close()
	}()
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			break
		}
		var sub struct {
			Action  string `json:"action"`
			Address string `json:"address"`
		}
		if err := json.Unmarshal(msg, &sub); err != nil {
			continue
		}
		addr, err := model.CanonicalAddress(sub.Address)
		if err != nil {
			continue
		}
		switch sub.Action {
		case "subscribe":
			c.hub.subscribe(c, addr)
		case "unsubscribe":
			c.hub.unsubscribe(c, addr)
		}
	}
}

func (c *conn) writePump() {
	defer c.ws.Close()
	for msg := range c.send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			break
		}
	}
}

func (h *Hub) subscribe(c *conn, address string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[address]
	if !ok {
		room = make(map[*conn]bool)
		h.rooms[address] = room
	}
	room[c] = true
	c.watching[address] = true
}

func (h *Hub) unsubscribe(c *conn, address string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leave(c, address)
}

func (h *Hub) leave(c *conn, address string) {
	if room, ok := h.rooms[address]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, address)
		}
	}
	delete(c.watching, address)
}

func (h *Hub) removeConn(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.allConn, c)
	for address := range c.watching {
		h.leave(c, address)
	}
	close(c.send)
}
