package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var ErrSendQueueFull = errors.New("websocket send queue full")

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxFrame   = 64 << 10
)

// wsConn owns one gorilla connection. All writes go through a single writer
// goroutine fed by a bounded queue.
type wsConn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newWSConn(ws *websocket.Conn, buffer int) *wsConn {
	if buffer <= 0 {
		buffer = 64
	}
	c := &wsConn{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *wsConn) ID() string { return c.id }

// Send never blocks; a slow reader is dropped rather than stalling the hub.
func (c *wsConn) Send(frame []byte) error {
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return websocket.ErrCloseSent
	default:
		return ErrSendQueueFull
	}
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Debug().Err(err).Str("component", "relay").Str("conn_id", c.id).Msg("ws write failed")
				_ = c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Serve runs one socket from handshake to disconnect. It blocks until the
// peer goes away or ctx is done.
func (r *Router) Serve(ctx context.Context, ws *websocket.Conn, hs Handshake, buffer int) {
	conn := newWSConn(ws, buffer)
	defer conn.Close()

	client, err := r.Connect(ctx, conn, hs)
	if err != nil {
		log.Warn().Err(err).Str("component", "relay").Str("conn_id", conn.ID()).Msg("ws connect rejected")
		data, _ := json.Marshal(map[string]string{"message": err.Error()})
		if frame, ferr := encodeFrame(EventError, data); ferr == nil {
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = ws.WriteMessage(websocket.TextMessage, frame)
		}
		return
	}
	defer r.Disconnect(client)

	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-conn.done:
		}
	}()

	ws.SetReadLimit(maxFrame)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			client.log.Debug().Err(err).Msg("ws read loop end")
			return
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			r.ReplyError(client, errors.Wrap(err, "decode frame"))
			continue
		}
		if err := r.Handle(ctx, client, frame); err != nil {
			client.log.Warn().Err(err).Str("event", frame.Event).Msg("chat event failed")
			r.ReplyError(client, err)
		}
	}
}
