package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"wborgroupme/pkg/config"
)

const (
	tailConnectionName = "GroupMeTailConnection"

	// AuditPattern matches every audit record published by the relay.
	AuditPattern = "source.groupme.#"
)

// TailFunc receives one decoded message and its routing key.
type TailFunc func(routingKey string, body map[string]any)

// Tail binds a temporary exclusive queue to pattern and streams decoded
// messages to fn until ctx ends or the connection drops. Nothing is left on
// the broker afterwards.
func Tail(ctx context.Context, cfg config.RabbitMQConfig, dial Dialer, pattern string, fn TailFunc, log *slog.Logger) error {
	if dial == nil {
		dial = DialAMQP
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "broker.tail")

	conn, err := dial(cfg.AMQPURL(), tailConnectionName)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(cfg.Exchange, ExchangeKindTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}

	queue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("declare tail queue: %w", err)
	}
	if err := ch.QueueBind(queue.Name, pattern, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind tail queue: %w", err)
	}

	deliveries, err := ch.Consume(queue.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume tail queue: %w", err)
	}

	log.Debug("Tailing exchange", "exchange", cfg.Exchange, "pattern", pattern, "queue", queue.Name)

	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr, ok := <-closed:
			if !ok || amqpErr == nil {
				return errors.New("connection closed")
			}
			return amqpErr
		case delivery, ok := <-deliveries:
			if !ok {
				return errDeliveriesClosed
			}

			var body map[string]any
			if err := json.Unmarshal(delivery.Body, &body); err != nil {
				log.Warn("Skipping undecodable message", "routing_key", delivery.RoutingKey, "error", err)
				continue
			}
			fn(delivery.RoutingKey, body)
		}
	}
}
