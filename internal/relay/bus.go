package relay

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Envelope is a room broadcast travelling over the shared bus.
type Envelope struct {
	Room   string          `json:"room"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data,omitempty"`
	Except string          `json:"except,omitempty"`
	Origin string          `json:"origin,omitempty"`
}

// Bus carries room broadcasts between instances. Every instance receives
// every envelope and delivers it to its own sockets.
type Bus struct {
	pub    message.Publisher
	sub    message.Subscriber
	topic  string
	origin string
	closer func() error
}

func NewBus(pub message.Publisher, sub message.Subscriber, topic, origin string) *Bus {
	return &Bus{pub: pub, sub: sub, topic: topic, origin: origin}
}

// NewMemoryBus keeps broadcasts inside one process.
func NewMemoryBus(topic, origin string, logger watermill.LoggerAdapter) *Bus {
	ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, logger)
	b := NewBus(ps, ps, topic, origin)
	b.closer = ps.Close
	return b
}

// NewRedisBus fans broadcasts out over a Redis stream. The subscriber runs
// without a consumer group so each instance reads every entry. The bus owns
// client and closes it on Close.
func NewRedisBus(client redis.UniversalClient, topic, origin string, maxLen int64, logger watermill.LoggerAdapter) (*Bus, error) {
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:        client,
		Marshaller:    marshaler,
		DefaultMaxlen: maxLen,
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "redis bus publisher")
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:       client,
		Unmarshaller: marshaler,
		Consumer:     origin,
	}, logger)
	if err != nil {
		_ = pub.Close()
		return nil, errors.Wrap(err, "redis bus subscriber")
	}

	b := NewBus(pub, sub, topic, origin)
	// both halves close the client; only the first close reports
	b.closer = func() error {
		err := sub.Close()
		_ = pub.Close()
		return err
	}
	return b, nil
}

func (b *Bus) Publish(ctx context.Context, env Envelope) error {
	if env.Origin == "" {
		env.Origin = b.origin
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "marshal envelope")
	}
	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.SetContext(ctx)
	if err := b.pub.Publish(b.topic, msg); err != nil {
		return errors.Wrapf(err, "publish to %s", env.Room)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	msgs, err := b.sub.Subscribe(ctx, b.topic)
	if err != nil {
		return nil, errors.Wrap(err, "subscribe to bus")
	}
	return msgs, nil
}

func (b *Bus) Close() error {
	if b.closer != nil {
		return b.closer()
	}
	return nil
}
