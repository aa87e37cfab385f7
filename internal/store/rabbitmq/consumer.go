package rabbitmq

import (
	"context"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer owns the worker side of the queue: manual-ack consumption from
// the main queue plus retry republishing with backoff.
type Consumer struct {
	conn      *amqp.Connection
	ch        *amqp.Channel
	queue     string
	backoffMs int
}

func NewConsumer(url, queue string, prefetch, backoffMs int) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	if err := declareTopology(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch, queue: queue, backoffMs: backoffMs}, nil
}

func (c *Consumer) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Consume starts manual-ack delivery from the main queue.
func (c *Consumer) Consume() (<-chan amqp.Delivery, error) {
	return c.ch.Consume(c.queue, "", false, false, false, false, nil)
}

// Attempts reads the retry count carried on a delivery. First delivery is
// attempt 1.
func Attempts(d amqp.Delivery) int {
	if d.Headers == nil {
		return 1
	}
	switch v := d.Headers[attemptsHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 1
}

// Retry republishes a delivery onto the retry queue with an incremented
// attempt count. The retry queue's per-message TTL dead-letters it back to
// the main queue after the backoff.
func (c *Consumer) Retry(ctx context.Context, d amqp.Delivery) error {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return c.ch.PublishWithContext(cctx,
		"",
		c.queue+".retry",
		false,
		false,
		amqp.Publishing{
			ContentType:  d.ContentType,
			DeliveryMode: amqp.Persistent,
			Body:         d.Body,
			Timestamp:    time.Now(),
			Expiration:   strconv.Itoa(c.backoffMs),
			Headers: amqp.Table{
				attemptsHeader: int32(Attempts(d) + 1),
			},
		},
	)
}
