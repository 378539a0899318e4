package ticket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPPublisher mirrors tickets onto a RabbitMQ queue for consumers that
// prefer the bus over the HTTP API. The connection is dialed lazily and
// re-dialed after a failure on the next Publish; between failures the
// publisher stays quiet rather than spamming dial errors per ticket.
type AMQPPublisher struct {
	url       string
	queueName string
	logger    *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPPublisher builds a publisher for the queue at url. No connection
// is made until the first Publish.
func NewAMQPPublisher(url, queueName string, logger *slog.Logger) *AMQPPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQPPublisher{url: url, queueName: queueName, logger: logger}
}

// Publish sends t as a persistent JSON message to the queue.
func (p *AMQPPublisher) Publish(ctx context.Context, t Ticket) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("ticket: encoding: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channelLocked()
	if err != nil {
		logPublishFailure(p.logger, "amqp", t, err)
		return err
	}

	err = ch.PublishWithContext(ctx, "", p.queueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		p.teardownLocked()
		logPublishFailure(p.logger, "amqp", t, err)
		return fmt.Errorf("ticket: amqp publish: %w", err)
	}
	return nil
}

// channelLocked returns the live channel, dialing if needed. Caller holds
// p.mu.
func (p *AMQPPublisher) channelLocked() (*amqp.Channel, error) {
	if p.ch != nil {
		return p.ch, nil
	}

	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("ticket: amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ticket: amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(p.queueName, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("ticket: declaring queue %q: %w", p.queueName, err)
	}

	p.conn = conn
	p.ch = ch
	p.logger.Info("ticket: amqp connected", slog.String("queue", p.queueName))
	return ch, nil
}

// teardownLocked discards the dead connection so the next Publish re-dials.
// Caller holds p.mu.
func (p *AMQPPublisher) teardownLocked() {
	if p.ch != nil {
		p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

// Close releases the connection if one is open.
func (p *AMQPPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.teardownLocked()
}
