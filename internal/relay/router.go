package relay

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/suPer8Hu/chat-relay/internal/chat"
)

var (
	ErrBadHandshake = errors.New("session id and topic id are required")
	ErrNotJoined    = errors.New("connection is not joined")
	ErrForbidden    = errors.New("event not allowed for this participant")
	ErrUnknownEvent = errors.New("unknown event")
)

// Directory is the shared session/presence store.
type Directory interface {
	SetSessionTopic(ctx context.Context, sessionID, topicID string) error
	GetTopicForSession(ctx context.Context, sessionID string) (string, bool, error)
	AddOperatorPresence(ctx context.Context, topicID, sessionID string) error
	RemoveOperatorPresence(ctx context.Context, topicID, sessionID string) error
	ListOperatorPresence(ctx context.Context, topicID string) ([]string, error)
}

// TurnStore persists manual chat turns and reports the topic they belong to.
type TurnStore interface {
	SaveManualChatTurn(ctx context.Context, sessionID string, turn chat.Turn) (string, error)
}

// OfflineNotifier is told about user messages nobody is online to read.
// Implementations must not block the caller.
type OfflineNotifier interface {
	NotifyOffline(ctx context.Context, topicID, sessionID, text string)
}

type State int32

const (
	StateConnecting State = iota
	StateJoined
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Client is one participant's connection as seen by the router.
type Client struct {
	conn  Conn
	hs    Handshake
	state atomic.Int32
	log   zerolog.Logger
}

func (c *Client) State() State      { return State(c.state.Load()) }
func (c *Client) SessionID() string { return c.hs.SessionID }
func (c *Client) TopicID() string   { return c.hs.TopicID }
func (c *Client) Operator() bool    { return c.hs.Operator }
func (c *Client) Conn() Conn        { return c.conn }

type Router struct {
	hub      *Hub
	bus      *Bus
	dir      Directory
	turns    TurnStore
	notifier OfflineNotifier
	now      func() time.Time

	cleanupTimeout time.Duration
}

func NewRouter(bus *Bus, dir Directory, turns TurnStore, notifier OfflineNotifier) *Router {
	return &Router{
		hub:            NewHub(),
		bus:            bus,
		dir:            dir,
		turns:          turns,
		notifier:       notifier,
		now:            time.Now,
		cleanupTimeout: 5 * time.Second,
	}
}

func (r *Router) Hub() *Hub { return r.hub }

// Start subscribes to the bus and delivers every envelope to local sockets
// until ctx is done. The subscription is in place when Start returns.
func (r *Router) Start(ctx context.Context) error {
	msgs, err := r.bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	go func() {
		for msg := range msgs {
			r.dispatch(msg.Payload)
			msg.Ack()
		}
		log.Debug().Str("component", "relay").Msg("bus subscription closed")
	}()
	return nil
}

func (r *Router) dispatch(payload []byte) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		log.Warn().Err(err).Str("component", "relay").Msg("dropping malformed envelope")
		return
	}
	frame, err := encodeFrame(env.Event, env.Data)
	if err != nil {
		log.Warn().Err(err).Str("component", "relay").Str("event", env.Event).Msg("dropping unencodable envelope")
		return
	}
	r.hub.Deliver(env.Room, env.Except, frame)
}

func (r *Router) broadcast(ctx context.Context, room, except, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	return r.bus.Publish(ctx, Envelope{Room: room, Event: event, Data: data, Except: except})
}

// Connect registers conn in the directory and joins its rooms. On error the
// connection is left unjoined and the caller should close it.
func (r *Router) Connect(ctx context.Context, conn Conn, hs Handshake) (*Client, error) {
	hs = hs.normalize()
	if hs.SessionID == "" || hs.TopicID == "" {
		return nil, ErrBadHandshake
	}
	c := &Client{conn: conn, hs: hs}
	c.log = log.With().
		Str("component", "relay").
		Str("conn_id", conn.ID()).
		Str("session_id", hs.SessionID).
		Str("topic_id", hs.TopicID).
		Bool("operator", hs.Operator).
		Logger()

	if err := r.dir.SetSessionTopic(ctx, hs.SessionID, hs.TopicID); err != nil {
		return nil, errors.Wrap(err, "connect")
	}

	if hs.Operator {
		if err := r.dir.AddOperatorPresence(ctx, hs.TopicID, hs.SessionID); err != nil {
			return nil, errors.Wrap(err, "connect")
		}
		r.hub.Join(topicRoom(hs.TopicID), conn)
		c.state.Store(int32(StateJoined))
		c.log.Info().Msg("operator joined")
		return c, nil
	}

	r.hub.Join(sessionRoom(hs.SessionID), conn)
	c.state.Store(int32(StateJoined))
	c.log.Info().Msg("user joined")
	if err := r.broadcast(ctx, topicRoom(hs.TopicID), conn.ID(), EventUserAssigned, hs.SessionID); err != nil {
		c.log.Warn().Err(err).Msg("user_assigned broadcast failed")
	}
	return c, nil
}

// Disconnect leaves all rooms and, for operators, drops presence. Safe to call
// more than once.
func (r *Router) Disconnect(c *Client) {
	if c == nil {
		return
	}
	prev := State(c.state.Swap(int32(StateClosed)))
	if prev == StateClosed {
		return
	}
	r.hub.Leave(c.conn)
	if prev != StateJoined {
		return
	}

	if !c.hs.Operator {
		c.log.Info().Msg("user disconnected")
		return
	}

	// the socket's context is usually gone by now
	ctx, cancel := context.WithTimeout(context.Background(), r.cleanupTimeout)
	defer cancel()
	if err := r.dir.RemoveOperatorPresence(ctx, c.hs.TopicID, c.hs.SessionID); err != nil {
		c.log.Error().Err(err).Msg("operator presence cleanup failed")
		return
	}
	c.log.Info().Msg("operator disconnected")
}

func (r *Router) stamp(msg *ChatMessage) {
	if msg.TS == 0 {
		msg.TS = r.now().UnixMilli()
	}
}

// OperatorChat relays an operator reply to the user's session room and to
// every operator watching the session's topic, then persists it.
func (r *Router) OperatorChat(ctx context.Context, c *Client, msg ChatMessage) error {
	if c.State() != StateJoined {
		return ErrNotJoined
	}
	if !c.hs.Operator {
		return ErrForbidden
	}
	msg.SessionID = strings.TrimSpace(msg.SessionID)
	if msg.SessionID == "" {
		return errors.New("sessionId is required")
	}
	r.stamp(&msg)

	topicID, ok, err := r.dir.GetTopicForSession(ctx, msg.SessionID)
	if err != nil {
		return errors.Wrap(err, "operator chat")
	}

	if err := r.broadcast(ctx, sessionRoom(msg.SessionID), c.conn.ID(), EventUserChat, msg); err != nil {
		return err
	}
	if ok {
		if err := r.broadcast(ctx, topicRoom(topicID), "", EventChatBroadcast, msg); err != nil {
			return err
		}
	}

	_, err = r.turns.SaveManualChatTurn(ctx, msg.SessionID, chat.Turn{
		SessionID: msg.SessionID,
		Message:   msg.Msg,
		Direction: chat.DirectionOperator,
		Timestamp: time.UnixMilli(msg.TS),
	})
	if err != nil {
		return errors.Wrap(err, "save operator turn")
	}
	return nil
}

// UserChat relays a visitor message to the operators of its topic, persists
// it, and falls back to the offline notifier when no operator is online.
func (r *Router) UserChat(ctx context.Context, c *Client, msg ChatMessage) error {
	if c.State() != StateJoined {
		return ErrNotJoined
	}
	if c.hs.Operator {
		return ErrForbidden
	}
	// a visitor can only speak for its own session
	msg.SessionID = c.hs.SessionID
	r.stamp(&msg)

	topicID, ok, err := r.dir.GetTopicForSession(ctx, msg.SessionID)
	if err != nil {
		return errors.Wrap(err, "user chat")
	}
	if ok {
		if err := r.broadcast(ctx, topicRoom(topicID), c.conn.ID(), EventAdminChat, msg); err != nil {
			return err
		}
	}

	savedTopic, err := r.turns.SaveManualChatTurn(ctx, msg.SessionID, chat.Turn{
		SessionID: msg.SessionID,
		Message:   msg.Msg,
		Direction: chat.DirectionUser,
		Timestamp: time.UnixMilli(msg.TS),
	})
	if err != nil {
		return errors.Wrap(err, "save user turn")
	}
	if savedTopic == "" {
		savedTopic = topicID
	}
	if savedTopic == "" {
		return nil
	}

	online, err := r.dir.ListOperatorPresence(ctx, savedTopic)
	if err != nil {
		return errors.Wrap(err, "user chat")
	}
	if len(online) == 0 {
		c.log.Info().Str("notify_topic", savedTopic).Msg("no operators online")
		r.notifier.NotifyOffline(ctx, savedTopic, msg.SessionID, msg.Msg)
	}
	return nil
}

// Handle dispatches one inbound socket frame.
func (r *Router) Handle(ctx context.Context, c *Client, frame Frame) error {
	var msg ChatMessage
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &msg); err != nil {
			return errors.Wrap(err, "decode chat message")
		}
	}
	switch frame.Event {
	case EventAdminChat:
		return r.OperatorChat(ctx, c, msg)
	case EventUserChat:
		return r.UserChat(ctx, c, msg)
	}
	return errors.Wrap(ErrUnknownEvent, frame.Event)
}

// ReplyError sends an error event to this connection only.
func (r *Router) ReplyError(c *Client, cause error) {
	data, _ := json.Marshal(map[string]string{"message": cause.Error()})
	frame, err := encodeFrame(EventError, data)
	if err != nil {
		return
	}
	if err := c.conn.Send(frame); err != nil {
		c.log.Debug().Err(err).Msg("error reply not delivered")
	}
}
