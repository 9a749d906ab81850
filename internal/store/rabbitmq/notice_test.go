package rabbitmq

import (
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
)

func TestDecodeNotice(t *testing.T) {
	n, err := DecodeNotice([]byte(`{"topic_id":"kb1","session_id":"s1","text":"hello?"}`))
	require.NoError(t, err)
	require.Equal(t, "kb1", n.TopicID)
	require.Equal(t, "s1", n.SessionID)
	require.Equal(t, "hello?", n.Text)

	_, err = DecodeNotice([]byte(`{"text":"no topic"}`))
	require.ErrorIs(t, err, ErrBadNotice)

	_, err = DecodeNotice([]byte(`not json`))
	require.ErrorIs(t, err, ErrBadNotice)
}

func TestAttempt(t *testing.T) {
	require.Equal(t, 0, Attempt(amqp.Delivery{}))
	require.Equal(t, 2, Attempt(amqp.Delivery{Headers: amqp.Table{attemptHeader: int32(2)}}))
	require.Equal(t, 3, Attempt(amqp.Delivery{Headers: amqp.Table{attemptHeader: int64(3)}}))
}

func TestExpiration(t *testing.T) {
	require.Equal(t, "1500", expiration(1500*time.Millisecond))
	require.Equal(t, "1", expiration(0))
}
