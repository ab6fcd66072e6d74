// Package feed streams stored tracking events to a RabbitMQ queue for
// downstream consumers.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ignite/mail-tracking/internal/pkg/logger"
	"github.com/ignite/mail-tracking/internal/tracking"
)

const publishTimeout = 5 * time.Second

// Channel is the subset of *amqp.Channel the publisher needs.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Publisher sends each notice as a persistent JSON message to a durable
// queue. Sends run in the background; Close waits for them.
type Publisher struct {
	channel func() (Channel, error)
	queue   string
	wg      sync.WaitGroup
}

// NewPublisher declares queue on conn and returns a publisher for it.
func NewPublisher(conn *Connection, queue string) (*Publisher, error) {
	if conn == nil {
		return nil, errors.New("connection cannot be nil")
	}
	if queue == "" {
		return nil, errors.New("queue name cannot be empty")
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declaring queue %s: %w", queue, err)
	}
	return newPublisher(func() (Channel, error) { return conn.Channel() }, queue), nil
}

func newPublisher(channel func() (Channel, error), queue string) *Publisher {
	return &Publisher{channel: channel, queue: queue}
}

// Publish implements tracking.EventPublisher. Failures are logged.
func (p *Publisher) Publish(_ context.Context, n tracking.EventNotice) {
	body, err := json.Marshal(n)
	if err != nil {
		logger.Error("Marshaling tracking notice failed", "tracking_email_id", n.TrackingEmailID, "error", err)
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := p.send(ctx, body, n.Timestamp); err != nil {
			logger.Error("Publishing tracking notice failed",
				"tracking_email_id", n.TrackingEmailID, "event_type", n.Kind, "error", err)
		}
	}()
}

func (p *Publisher) send(ctx context.Context, body []byte, ts float64) error {
	ch, err := p.channel()
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Body:         body,
	}
	if ts > 0 {
		sec := int64(ts)
		msg.Timestamp = time.Unix(sec, int64((ts-float64(sec))*1e9)).UTC()
	}
	return ch.PublishWithContext(ctx, "", p.queue, false, false, msg)
}

// Close waits for in-flight publishes.
func (p *Publisher) Close() {
	p.wg.Wait()
}
