package relay

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Conn is one socket connected to this instance.
type Conn interface {
	ID() string
	Send(frame []byte) error
	Close() error
}

// Hub tracks which local connections joined which rooms. It only knows about
// this instance; cross-instance delivery goes through the Bus.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Conn
	joins map[string]map[string]struct{}
}

func NewHub() *Hub {
	return &Hub{
		rooms: map[string]map[string]Conn{},
		joins: map[string]map[string]struct{}{},
	}
}

func (h *Hub) Join(room string, c Conn) {
	if c == nil || room == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = map[string]Conn{}
		h.rooms[room] = members
	}
	members[c.ID()] = c
	rooms, ok := h.joins[c.ID()]
	if !ok {
		rooms = map[string]struct{}{}
		h.joins[c.ID()] = rooms
	}
	rooms[room] = struct{}{}
}

func (h *Hub) Leave(c Conn) {
	if c == nil {
		return
	}
	h.mu.Lock()
	h.leaveLocked(c.ID())
	h.mu.Unlock()
}

func (h *Hub) leaveLocked(connID string) {
	for room := range h.joins[connID] {
		members := h.rooms[room]
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(h.joins, connID)
}

// Deliver writes frame to every local member of room except the connection
// with id except. Connections that fail to accept the frame are dropped.
func (h *Hub) Deliver(room, except string, frame []byte) int {
	h.mu.RLock()
	targets := make([]Conn, 0, len(h.rooms[room]))
	for id, c := range h.rooms[room] {
		if id != except {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if err := c.Send(frame); err != nil {
			log.Warn().Err(err).Str("component", "relay").Str("room", room).Str("conn_id", c.ID()).Msg("ws send failed, dropping connection")
			h.mu.Lock()
			h.leaveLocked(c.ID())
			h.mu.Unlock()
			_ = c.Close()
			continue
		}
		delivered++
	}
	return delivered
}

func (h *Hub) Count(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}
