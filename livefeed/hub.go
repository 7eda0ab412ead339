// Package livefeed pushes ledger activity to connected admin dashboards.
package livefeed

import (
	"encoding/json"
	"sync"

	log "github.com/sirupsen/logrus"

	"haven/models"
)

// AllRoom receives every event. Per-event rooms are "event:<id>".
const AllRoom = "all"

type Client struct {
	Send chan []byte
	Room string
}

type broadcastMsg struct {
	Room string
	Data []byte
}

type Hub struct {
	rooms      map[string]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan broadcastMsg
	done       chan struct{}
	stopOnce   sync.Once
}

func NewHub() *Hub {
	return &Hub{
		rooms:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan broadcastMsg, 64),
		done:       make(chan struct{}),
	}
}

// Run owns the room map; call it on its own goroutine.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			if h.rooms[c.Room] == nil {
				h.rooms[c.Room] = make(map[*Client]bool)
			}
			h.rooms[c.Room][c] = true

		case c := <-h.unregister:
			h.drop(c)

		case m := <-h.broadcast:
			for c := range h.rooms[m.Room] {
				select {
				case c.Send <- m.Data:
				default:
					// slow consumer
					h.drop(c)
				}
			}

		case <-h.done:
			for _, conns := range h.rooms {
				for c := range conns {
					close(c.Send)
				}
			}
			h.rooms = map[string]map[*Client]bool{}
			return
		}
	}
}

func (h *Hub) drop(c *Client) {
	conns := h.rooms[c.Room]
	if conns == nil || !conns[c] {
		return
	}
	delete(conns, c)
	close(c.Send)
	if len(conns) == 0 {
		delete(h.rooms, c.Room)
	}
}

func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		close(c.Send)
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Deliver fans an event out to the all-events room and to its event room.
func (h *Hub) Deliver(ev models.LedgerEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.WithError(err).Warn("livefeed: marshal event")
		return
	}
	h.send(AllRoom, data)
	if ev.EventID != "" {
		h.send("event:"+ev.EventID, data)
	}
}

func (h *Hub) send(room string, data []byte) {
	select {
	case h.broadcast <- broadcastMsg{Room: room, Data: data}:
	case <-h.done:
	default:
		log.WithField("room", room).Warn("livefeed: broadcast queue full, dropping event")
	}
}
