// Package mq hands status change events to the external webhook delivery
// service over RabbitMQ. Delivery retries, ordering per subscriber and
// payload signing all live on the consumer side; the engine only publishes.
package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"github.com/thirdweb-dev/engine-sub000/config"
	"github.com/thirdweb-dev/engine-sub000/pkg/events"
	"github.com/thirdweb-dev/engine-sub000/pkg/types"
)

// Publisher forwards every bus event to a durable quorum queue.
type Publisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   amqp.Queue
	cfg     config.RabbitMQConfig
}

func NewPublisher(cfg config.RabbitMQConfig) (*Publisher, error) {
	connectionString := fmt.Sprintf("amqp://%s:%s@%s:%s/",
		cfg.User,
		cfg.Password,
		cfg.Host,
		strconv.Itoa(cfg.Port))

	conn, err := amqp.Dial(connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	args := amqp.Table{
		"x-queue-type":              "quorum",
		"x-dead-letter-exchange":    "common_dlx",
		"x-dead-letter-routing-key": cfg.RoutingKey,
	}

	q, err := ch.QueueDeclare(
		cfg.Queue, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		args,      // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("failed to declare a queue: %w", err)
	}

	return &Publisher{
		conn:    conn,
		channel: ch,
		queue:   q,
		cfg:     cfg,
	}, nil
}

// Forward drains the subscription channel into RabbitMQ until it closes or
// the context is cancelled. A failed publish is logged and dropped; the
// durable record in postgres remains the source of truth.
func (p *Publisher) Forward(ctx context.Context, sub <-chan *types.StatusChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub:
			if !ok {
				return
			}
			if err := p.Publish(ctx, event); err != nil {
				log.Error().Err(err).
					Str("queueId", event.QueueID).
					Msg("[WebhookPublisher] [Forward] failed to publish event")
			}
		}
	}
}

// Publish sends one event as a persistent JSON message.
func (p *Publisher) Publish(ctx context.Context, event *types.StatusChangeEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	err = p.channel.PublishWithContext(ctx,
		"",           // exchange
		p.queue.Name, // routing key
		false,        // mandatory
		false,        // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	log.Debug().
		Str("queueId", event.QueueID).
		Str("status", string(event.NewStatus)).
		Msg("[WebhookPublisher] [Publish] event published")
	return nil
}

// Attach subscribes the publisher to the bus and forwards in the background.
func (p *Publisher) Attach(ctx context.Context, bus *events.Bus) {
	go p.Forward(ctx, bus.Subscribe())
}

func (p *Publisher) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
