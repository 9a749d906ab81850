package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const attemptHeader = "x-attempt"

var ErrBadNotice = errors.New("bad offline notice")

func DecodeNotice(body []byte) (OfflineNotice, error) {
	var n OfflineNotice
	if err := json.Unmarshal(body, &n); err != nil {
		return OfflineNotice{}, errors.Join(ErrBadNotice, err)
	}
	if strings.TrimSpace(n.TopicID) == "" {
		return OfflineNotice{}, errors.Join(ErrBadNotice, errors.New("topic_id is empty"))
	}
	return n, nil
}

// Attempt reads how many times a delivery has already been retried.
func Attempt(d amqp.Delivery) int {
	switch v := d.Headers[attemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// Retry parks body on the retry queue. Once delay passes it is dead-lettered
// back onto the main queue.
func Retry(ctx context.Context, ch *amqp.Channel, queue string, body []byte, attempt int, delay time.Duration) error {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return ch.PublishWithContext(cctx, "", queue+".retry", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Timestamp:    time.Now(),
		Expiration:   expiration(delay),
		Headers:      amqp.Table{attemptHeader: int32(attempt)},
	})
}

func expiration(d time.Duration) string {
	ms := d.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return strconv.FormatInt(ms, 10)
}
