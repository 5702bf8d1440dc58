// Package amqp publishes expense integration events to a RabbitMQ topic
// exchange.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"rimborsi/internal/core"
	"rimborsi/internal/log"
)

// Circuit breaker states
const (
	StateClosed int32 = iota
	StateOpen
	StateHalfOpen
)

const (
	maxFailures    = 5
	openTimeout    = 30 * time.Second
	publishTimeout = 5 * time.Second
	dialTimeout    = 5 * time.Second
	heartbeat      = 10 * time.Second
	maxBackoff     = 30 * time.Second
)

var (
	// ErrNotConnected is returned by Publish while the broker connection is
	// down. A reconnect is started in the background.
	ErrNotConnected = errors.New("not connected to AMQP broker")

	errClientClosed = errors.New("AMQP client closed")
)

// Client publishes to a durable topic exchange. Publishing is guarded by a
// circuit breaker so a dead broker costs one fast error per event.
type Client struct {
	url          string
	exchangeName string
	logger       *log.Logger

	// dialMu serializes connection attempts; mu guards the fields below it.
	dialMu  sync.Mutex
	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel
	closed  bool

	reconnecting int32
	state        int32
	failureCount int64
	lastFailure  time.Time
}

// NewClient dials the broker, retrying with exponential backoff up to
// attempts times, and declares the exchange.
func NewClient(ctx context.Context, url, exchangeName string, attempts int, logger *log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.Discard()
	}
	c := &Client{
		url:          url,
		exchangeName: exchangeName,
		logger:       logger.WithComponent(log.ComponentAMQP),
	}
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = c.connect(ctx); err == nil {
			c.logger.InfoContext(ctx, "Connected to AMQP broker", "exchange", exchangeName)
			return c, nil
		}
		if attempt == attempts-1 {
			break
		}
		wait := exponentialBackoff(attempt)
		c.logger.WarnContext(ctx, "AMQP connect failed, retrying", log.FieldError, err, "retry_in", wait.String())
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, err
}

// connect opens a connection and channel unless a live one exists. The dial
// and the AMQP handshake are bounded by dialTimeout and by ctx's deadline.
func (c *Client) connect(ctx context.Context) error {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()

	if c.liveChannel() != nil {
		return nil
	}
	if c.isClosed() {
		return errClientClosed
	}

	conn, err := amqp091.DialConfig(c.url, amqp091.Config{
		Heartbeat: heartbeat,
		Locale:    "en_US",
		Dial:      boundedDial(ctx, dialTimeout),
	})
	if err != nil {
		return fmt.Errorf("dial AMQP: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	err = channel.ExchangeDeclare(
		c.exchangeName, // name
		"topic",        // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return errClientClosed
	}
	old := c.conn
	c.conn, c.channel = conn, channel
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// boundedDial returns an amqp091 dial func whose connection deadline also
// covers the handshake; amqp091 clears it once the connection is open.
func boundedDial(ctx context.Context, timeout time.Duration) func(network, addr string) (net.Conn, error) {
	return func(network, addr string) (net.Conn, error) {
		deadline := time.Now().Add(timeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		dialer := net.Dialer{Deadline: deadline}
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return nil, err
		}
		return conn, nil
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// liveChannel returns the current channel, or nil when it or its
// connection has closed.
func (c *Client) liveChannel() *amqp091.Channel {
	c.mu.Lock()
	ch, conn := c.channel, c.conn
	c.mu.Unlock()
	if ch == nil || ch.IsClosed() || conn == nil || conn.IsClosed() {
		return nil
	}
	return ch
}

// channelFor returns a live channel, connecting within ctx if needed.
func (c *Client) channelFor(ctx context.Context) (*amqp091.Channel, error) {
	if ch := c.liveChannel(); ch != nil {
		return ch, nil
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	if ch := c.liveChannel(); ch != nil {
		return ch, nil
	}
	return nil, ErrNotConnected
}

// reconnectInBackground starts at most one reconnect at a time.
func (c *Client) reconnectInBackground() {
	if !atomic.CompareAndSwapInt32(&c.reconnecting, 0, 1) {
		return
	}
	go func() {
		defer atomic.StoreInt32(&c.reconnecting, 0)
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()
		if err := c.connect(ctx); err != nil {
			if !errors.Is(err, errClientClosed) {
				c.logger.Warn("AMQP reconnect failed", log.FieldError, err)
			}
			return
		}
		c.logger.Info("Reconnected to AMQP broker", "exchange", c.exchangeName)
	}()
}

// Publish sends the event with a routing key derived from its name.
func (c *Client) Publish(ctx context.Context, event core.ExpenseEvent, e core.Expense) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := NewExpenseMessage(event, e).ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if !c.allow() {
		return fmt.Errorf("publish %s: circuit breaker is open", event)
	}

	// Publish never dials; a lost connection is restored in the background.
	ch := c.liveChannel()
	if ch == nil {
		c.recordFailure()
		c.reconnectInBackground()
		return fmt.Errorf("publish %s: %w", event, ErrNotConnected)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	key := RoutingKey(event)
	err = ch.PublishWithContext(
		ctx,
		c.exchangeName, // exchange
		key,            // routing key
		false,          // mandatory
		false,          // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
			MessageId:    e.ID + ":" + string(event),
			Body:         body,
		},
	)
	if err != nil {
		c.recordFailure()
		if isConnectionError(err) {
			c.dropConnection()
		}
		return fmt.Errorf("publish message: %w", err)
	}
	c.recordSuccess()

	c.logger.DebugContext(ctx, "Published expense event",
		log.FieldEvent, string(event),
		log.FieldExpenseID, e.ID,
		"routing_key", key)
	return nil
}

func (c *Client) dropConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn, c.channel = nil, nil
}

// allow reports whether a publish may proceed. Once openTimeout has passed
// exactly one caller moves the breaker to half-open and makes the trial
// publish; everyone else is rejected until that trial records its result.
func (c *Client) allow() bool {
	switch atomic.LoadInt32(&c.state) {
	case StateClosed:
		return true
	case StateHalfOpen:
		return false
	}
	c.mu.Lock()
	last := c.lastFailure
	c.mu.Unlock()
	if time.Since(last) <= openTimeout {
		return false
	}
	return atomic.CompareAndSwapInt32(&c.state, StateOpen, StateHalfOpen)
}

func (c *Client) recordFailure() {
	c.mu.Lock()
	c.lastFailure = time.Now()
	c.mu.Unlock()

	failures := atomic.AddInt64(&c.failureCount, 1)
	if failures >= maxFailures || atomic.LoadInt32(&c.state) == StateHalfOpen {
		if atomic.SwapInt32(&c.state, StateOpen) != StateOpen {
			c.logger.Warn("AMQP circuit breaker opened", "failures", failures)
		}
	}
}

func (c *Client) recordSuccess() {
	atomic.StoreInt64(&c.failureCount, 0)
	atomic.StoreInt32(&c.state, StateClosed)
}

// exponentialBackoff doubles from one second, capped at maxBackoff.
func exponentialBackoff(attempt int) time.Duration {
	if attempt > 5 {
		return maxBackoff
	}
	d := time.Second << uint(attempt)
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, amqp091.ErrClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection", "eof", "broken pipe"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Close shuts the connection down and stops further reconnects.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	ch, conn := c.channel, c.conn
	c.conn, c.channel = nil, nil
	if ch != nil {
		ch.Close()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}
