package amqp

import (
	"context"
	"errors"
	"fmt"

	"rimborsi/internal/log"
)

// ErrDiscard marks a message that can never be handled. It is rejected
// without requeue instead of being redelivered forever.
var ErrDiscard = errors.New("discard message")

// Handler processes one decoded expense message.
type Handler func(ctx context.Context, msg *ExpenseMessage) error

type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// Consume declares a durable queue bound to every expense routing key and
// feeds its deliveries to handle until ctx ends or the channel closes.
// Deliveries are acknowledged only after handle returns nil.
func (c *Client) Consume(ctx context.Context, queue string, prefetch int, handle Handler) error {
	ch, err := c.channelFor(ctx)
	if err != nil {
		return err
	}

	q, err := ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(q.Name, "expense.#", c.exchangeName, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", q.Name, err)
	}
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			return fmt.Errorf("set prefetch: %w", err)
		}
	}

	deliveries, err := ch.ConsumeWithContext(ctx,
		q.Name, // queue
		"",     // consumer
		false,  // auto-ack
		false,  // exclusive
		false,  // no-local
		false,  // no-wait
		nil,    // args
	)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}
	c.logger.InfoContext(ctx, "Consuming expense events", "queue", q.Name, "exchange", c.exchangeName)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.process(ctx, d.Body, d, handle)
		}
	}
}

func (c *Client) process(ctx context.Context, body []byte, ack acknowledger, handle Handler) {
	msg, err := ExpenseMessageFromJSON(body)
	if err != nil {
		c.logger.ErrorContext(ctx, "Undecodable message rejected", log.FieldError, err)
		_ = ack.Nack(false, false)
		return
	}

	if err := handle(ctx, msg); err != nil {
		requeue := !errors.Is(err, ErrDiscard)
		c.logger.ErrorContext(ctx, "Message handling failed",
			log.FieldError, err,
			log.FieldEvent, string(msg.Event),
			log.FieldExpenseID, msg.Expense.ID,
			"requeue", requeue)
		_ = ack.Nack(false, requeue)
		return
	}
	_ = ack.Ack(false)
}
