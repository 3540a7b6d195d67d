package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/multierr"

	"github.com/angelmondragon/outbox-relay/pkg/config"
	"github.com/angelmondragon/outbox-relay/pkg/logger"
)

const (
	confirmBuffer  = 64
	connectTimeout = 5 * time.Second
	// redialInterval throttles reconnects after a failed dial.
	redialInterval = time.Second
)

var (
	ErrURLRequired     = errors.New("rabbitmq url is required")
	ErrPublishNacked   = errors.New("message was nacked by broker")
	ErrChannelClosed   = errors.New("rabbitmq channel closed before confirm")
	ErrClientClosed    = errors.New("rabbitmq client is closed")
	errExchangeMissing = errors.New("rabbitmq exchange is required")
)

// Channel is the subset of *amqp.Channel the client uses.
type Channel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Connection is the subset of *amqp.Connection the client uses.
type Connection interface {
	Channel() (Channel, error)
	IsClosed() bool
	Close() error
}

// Dialer opens a broker connection. The client calls it again whenever the
// current connection has been closed by the broker or the network.
type Dialer func() (Connection, error)

// Client publishes to one exchange with publisher confirms. Publishes are
// serialized so each confirm matches the message just sent.
type Client struct {
	dial     Dialer
	exchange string
	logg     *logger.Logger
	now      func() time.Time

	mu         sync.Mutex
	conn       Connection
	ch         Channel
	confirms   chan amqp.Confirmation
	closed     bool
	dialFailed time.Time
}

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Dial connects to the broker, declares the exchange and opens a confirm channel.
func Dial(ctx context.Context, cfg config.RabbitMQConfig, logg *logger.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, ErrURLRequired
	}
	dial := func() (Connection, error) {
		conn, err := amqp.DialConfig(cfg.URL, amqp.Config{Dial: amqp.DefaultDial(connectTimeout)})
		if err != nil {
			return nil, fmt.Errorf("dial rabbitmq: %w", err)
		}
		return amqpConnection{conn}, nil
	}
	client, err := NewClient(cfg.Exchange, dial, logg)
	if err != nil {
		return nil, err
	}
	if logg != nil {
		logg.Info(logg.WithField(ctx, "exchange", cfg.Exchange), "rabbitmq connection established")
	}
	return client, nil
}

// NewClient connects through dial and opens the first confirm channel.
func NewClient(exchange string, dial Dialer, logg *logger.Logger) (*Client, error) {
	if strings.TrimSpace(exchange) == "" {
		return nil, errExchangeMissing
	}
	if dial == nil {
		return nil, errors.New("dialer is required")
	}
	c := &Client{dial: dial, exchange: exchange, logg: logg, now: time.Now}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, _, err := c.channelLocked(); err != nil {
		c.dropConnectionLocked()
		return nil, err
	}
	return c, nil
}

// connectionLocked returns an open connection, redialing when the previous
// one was closed underneath the client.
func (c *Client) connectionLocked() (Connection, error) {
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn, nil
	}
	reconnect := c.conn != nil
	c.dropConnectionLocked()

	if !c.dialFailed.IsZero() && c.now().Sub(c.dialFailed) < redialInterval {
		return nil, errors.New("rabbitmq reconnect throttled after failed dial")
	}
	conn, err := c.dial()
	if err != nil {
		c.dialFailed = c.now()
		return nil, err
	}
	c.dialFailed = time.Time{}
	c.conn = conn
	if reconnect && c.logg != nil {
		c.logg.Info(c.logg.WithField(context.Background(), "exchange", c.exchange), "rabbitmq connection re-established")
	}
	return conn, nil
}

func (c *Client) dropConnectionLocked() {
	c.invalidateLocked()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
}

func (c *Client) channelLocked() (Channel, chan amqp.Confirmation, error) {
	if c.closed {
		return nil, nil, ErrClientClosed
	}
	if c.ch != nil {
		return c.ch, c.confirms, nil
	}
	conn, err := c.connectionLocked()
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		if conn.IsClosed() {
			c.dropConnectionLocked()
		}
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(c.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("declare exchange %s: %w", c.exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("enable confirm mode: %w", err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer))
	c.ch = ch
	c.confirms = confirms
	return ch, confirms, nil
}

// invalidateLocked drops a channel whose confirm stream can no longer be trusted.
func (c *Client) invalidateLocked() {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	c.ch = nil
	c.confirms = nil
}

// PublishConfirmed sends msg and waits for the broker ack or ctx expiry.
func (c *Client) PublishConfirmed(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, confirms, err := c.channelLocked()
	if err != nil {
		return err
	}
	if err := ch.PublishWithContext(ctx, c.exchange, routingKey, false, false, msg); err != nil {
		c.invalidateLocked()
		if errors.Is(err, amqp.ErrClosed) {
			c.dropConnectionLocked()
		}
		return fmt.Errorf("publish: %w", err)
	}

	select {
	case confirmed, ok := <-confirms:
		if !ok {
			c.invalidateLocked()
			return ErrChannelClosed
		}
		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
		}
		return nil
	case <-ctx.Done():
		// A late confirm would be read by the next publish.
		c.invalidateLocked()
		return fmt.Errorf("waiting for confirm: %w", ctx.Err())
	}
}

// Exchange returns the exchange messages are published to.
func (c *Client) Exchange() string {
	return c.exchange
}

// Ping reports whether the broker is reachable, reconnecting if the previous
// connection was lost.
func (c *Client) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	if _, err := c.connectionLocked(); err != nil {
		return fmt.Errorf("rabbitmq connection closed: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	var err error
	if c.ch != nil {
		err = multierr.Append(err, c.ch.Close())
		c.ch = nil
	}
	if c.conn != nil {
		err = multierr.Append(err, c.conn.Close())
	}
	return err
}
