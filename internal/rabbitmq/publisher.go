package rabbitmq

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sf7293/task-scheduler/internal/domain"
)

// Publisher sends task status events to a durable queue as JSON.
type Publisher struct {
	queueName string

	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	declared bool
}

var _ domain.EventPublisher = (*Publisher)(nil)

func NewPublisher(amqpURL, queueName string) (*Publisher, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		err2 := conn.Close()
		if err2 != nil {
			slog.Error("error occurred while closing connection", "error", err2.Error())
		}

		return nil, err
	}

	p := &Publisher{
		queueName: queueName,
		conn:      conn,
		channel:   ch,
	}
	if err = p.checkQueueDeclaration(); err != nil {
		slog.Error("Error while declaring the events queue", "queue", queueName, "error", err.Error())
		return nil, err
	}

	return p, nil
}

func (p *Publisher) PublishTaskEvent(ctx context.Context, event domain.TaskEvent) error {
	body, err := encodeEvent(event)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err = p.checkQueueDeclaration(); err != nil {
		return err
	}

	return p.channel.PublishWithContext(
		ctx,
		"",          // exchange
		p.queueName, // routing key
		false,       // mandatory
		false,       // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    event.TaskID,
			Timestamp:    event.At,
			Type:         string(event.NewStatus),
			Body:         body,
		})
}

func (p *Publisher) Close() error {
	err := p.channel.Close()
	if err != nil {
		return err
	}

	err = p.conn.Close()
	return err
}

func (p *Publisher) IsHealthy() bool {
	if p.conn.IsClosed() {
		slog.Error("RabbitMQ connection is closed, Rabbit is not healthy")
		return false
	}

	ch, err := p.conn.Channel()
	if err != nil {
		slog.Error("Failed to open RabbitMQ channel, Rabbit is not healthy", "error", err)
		return false
	}
	defer func() {
		err = ch.Close()
		if err != nil {
			slog.Error("Error occurred while closing rabbit channel created for health check", "error", err.Error())
		}
	}()

	return true
}

func (p *Publisher) checkQueueDeclaration() (err error) {
	if p.declared {
		return nil
	}

	_, err = p.channel.QueueDeclare(
		p.queueName, // name
		true,        // durable
		false,       // delete when unused
		false,       // exclusive
		false,       // no-wait
		nil,         // arguments
	)
	if err != nil {
		return err
	}

	p.declared = true
	return nil
}

func encodeEvent(event domain.TaskEvent) ([]byte, error) {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	event.At = event.At.UTC()

	return json.Marshal(event)
}
