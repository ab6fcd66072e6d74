package feed

import (
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ignite/mail-tracking/internal/pkg/logger"
)

// Connection is a RabbitMQ connection that redials when its channel drops.
type Connection struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	url     string
	mu      sync.Mutex
}

// Dial connects to RabbitMQ and opens a channel.
func Dial(url string) (*Connection, error) {
	if url == "" {
		return nil, errors.New("amqp url cannot be empty")
	}
	c := &Connection{url: url}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Connection) connect() error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("connecting to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("opening channel: %w", err)
	}
	c.conn = conn
	c.channel = ch
	return nil
}

// Channel returns the open channel, reconnecting first if it was closed.
func (c *Connection) Channel() (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != nil && c.conn != nil && !c.conn.IsClosed() && !c.channel.IsClosed() {
		return c.channel, nil
	}
	logger.Warn("AMQP channel closed, reconnecting")
	c.closeLocked()
	if err := c.connect(); err != nil {
		return nil, err
	}
	logger.Info("AMQP connection re-established")
	return c.channel, nil
}

// Close closes the channel and the connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Connection) closeLocked() error {
	var errs []error
	if c.channel != nil {
		if err := c.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("closing channel: %w", err))
		}
		c.channel = nil
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("closing connection: %w", err))
		}
		c.conn = nil
	}
	return errors.Join(errs...)
}
