package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"wborgroupme/pkg/bus"
	"wborgroupme/pkg/config"
	"wborgroupme/pkg/message"
)

const consumerConnectionName = "GroupMeConsumerConnection"

var errDeliveriesClosed = errors.New("delivery channels closed by broker")

// Dispatcher validates and processes one decoded delivery. A nil error means
// the message was handled and should be acknowledged.
type Dispatcher interface {
	Dispatch(ctx context.Context, routingKey string, payload map[string]any, alreadySent bool) (*message.Message, error)
}

// Consumer is the long-lived consumption loop. It owns its connection and
// channel exclusively and processes deliveries one at a time.
type Consumer struct {
	cfg        config.RabbitMQConfig
	sources    []string
	dispatcher Dispatcher
	events     *bus.EventBus
	dial       Dialer
	sleep      func(context.Context, time.Duration) error
	log        *slog.Logger
}

// Option customizes a Consumer.
type Option func(*Consumer)

// WithDialer replaces DialAMQP.
func WithDialer(dial Dialer) Option {
	return func(c *Consumer) {
		if dial != nil {
			c.dial = dial
		}
	}
}

// WithEvents reports lifecycle events to b.
func WithEvents(b *bus.EventBus) Option {
	return func(c *Consumer) { c.events = b }
}

// NewConsumer builds a consumer binding one queue per source.
func NewConsumer(cfg config.RabbitMQConfig, sources []string, dispatcher Dispatcher, log *slog.Logger, opts ...Option) (*Consumer, error) {
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if len(sources) == 0 {
		return nil, errors.New("at least one source is required")
	}
	if log == nil {
		log = slog.Default()
	}

	c := &Consumer{
		cfg:        cfg,
		sources:    append([]string(nil), sources...),
		dispatcher: dispatcher,
		dial:       DialAMQP,
		sleep:      sleepContext,
		log:        log.With("component", "broker.consumer"),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Run connects, binds, and consumes until ctx ends or a fatal broker
// condition occurs. Generic failures are retried after the reconnect delay
// forever. A fatal condition is returned wrapped in ErrFatal.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		c.log.Debug("Attempting to connect to RabbitMQ", "host", c.cfg.Host)
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}

		c.events.Publish(bus.Event{Type: bus.EventBrokerDisconnected, Reason: errorString(err)})

		if IsFatal(err) {
			c.log.Error("Unrecoverable broker condition, shutting down consumer", "error", err)
			if errors.Is(err, ErrFatal) {
				return err
			}
			return fmt.Errorf("%w: %w", ErrFatal, err)
		}

		c.log.Error("Failed to connect to RabbitMQ, retrying", "retry_in", c.cfg.ReconnectDelay, "error", err)
		if err := c.sleep(ctx, c.cfg.ReconnectDelay); err != nil {
			return nil
		}
	}
}

// session runs one connect-declare-bind-consume cycle and returns why it ended.
func (c *Consumer) session(ctx context.Context) error {
	conn, err := c.dial(c.cfg.AMQPURL(), consumerConnectionName)
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

	if err := c.declare(ch); err != nil {
		return err
	}

	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	streams := make([]<-chan amqp.Delivery, 0, len(c.sources))
	for _, source := range c.sources {
		deliveries, err := ch.Consume(source, source+"_consumer", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("consume %s: %w", source, err)
		}
		streams = append(streams, deliveries)
	}

	done := make(chan struct{})
	defer close(done)
	merged := fanIn(done, streams)

	c.log.Info("Connected to RabbitMQ and queues bound, now consuming", "queues", c.sources)
	c.events.Publish(bus.Event{Type: bus.EventBrokerConnected})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr, ok := <-closed:
			if !ok || amqpErr == nil {
				return errors.New("connection closed")
			}
			return amqpErr
		case delivery, ok := <-merged:
			if !ok {
				return errDeliveriesClosed
			}
			c.handle(ctx, ch, delivery)
		}
	}
}

// declare asserts the exchanges and binds one durable queue per source.
func (c *Consumer) declare(ch Channel) error {
	if err := ch.ExchangeDeclare(c.cfg.Exchange, ExchangeKindTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", c.cfg.Exchange, err)
	}
	if err := ch.ExchangeDeclare(c.cfg.DeadLetterExchange, ExchangeKindFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead letter exchange %s: %w", c.cfg.DeadLetterExchange, err)
	}

	args := amqp.Table{"x-dead-letter-exchange": c.cfg.DeadLetterExchange}
	for _, source := range c.sources {
		if _, err := ch.QueueDeclare(source, true, false, false, false, args); err != nil {
			return fmt.Errorf("declare queue %s: %w", source, err)
		}

		pattern := BindingPattern(source)
		if err := ch.QueueBind(source, pattern, c.cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", source, err)
		}
		c.log.Debug("Queue bound", "queue", source, "exchange", c.cfg.Exchange, "routing_key", pattern)
	}

	return nil
}

// BindingPattern is the topic pattern a source queue is bound with.
func BindingPattern(source string) string {
	return "source." + source + ".#"
}

// handle turns one delivery into exactly one ack or reject.
func (c *Consumer) handle(ctx context.Context, ch Channel, delivery amqp.Delivery) {
	log := c.log.With("routing_key", delivery.RoutingKey, "delivery_tag", delivery.DeliveryTag)

	var payload map[string]any
	if err := json.Unmarshal(delivery.Body, &payload); err != nil || payload == nil {
		log.Error("Failed to decode message body, dropping", "error", err)
		c.reject(log, delivery, "malformed payload")
		return
	}
	log.Debug("Received message", "payload", payload)

	alreadySent := headerBool(delivery.Headers, HeaderAlreadySent)
	msg, err := c.dispatcher.Dispatch(ctx, delivery.RoutingKey, payload, alreadySent)
	if err != nil && ctx.Err() != nil {
		// Interrupted by shutdown, not a delivery fault. Put it back for the next consumer.
		log.Warn("Shutting down mid-delivery, requeueing message", "error", err)
		if err := delivery.Nack(false, true); err != nil {
			log.Error("Failed to requeue message", "error", err)
		}
		return
	}
	if err != nil {
		log.Warn("Message rejected", "error", err)
		c.reject(log, delivery, err.Error())
		return
	}

	if delivery.ReplyTo != "" && delivery.CorrelationId != "" {
		c.acknowledgeProducer(ctx, ch, delivery, msg.ID)
	}

	if err := delivery.Ack(false); err != nil {
		log.Error("Failed to acknowledge message", "uid", msg.ID, "error", err)
		return
	}
	log.Info("Message processed, logged, and acknowledged", "uid", msg.ID)
	c.events.Publish(bus.Event{Type: bus.EventMessageAcked, RoutingKey: delivery.RoutingKey, UID: msg.ID})
}

func (c *Consumer) reject(log *slog.Logger, delivery amqp.Delivery, reason string) {
	if err := delivery.Nack(false, false); err != nil {
		log.Error("Failed to reject message", "error", err)
	}
	c.events.Publish(bus.Event{Type: bus.EventMessageRejected, RoutingKey: delivery.RoutingKey, Reason: reason})
}

// acknowledgeProducer publishes the correlated reply. It is at-most-once:
// failures are logged and never affect the broker ack.
func (c *Consumer) acknowledgeProducer(ctx context.Context, ch Channel, delivery amqp.Delivery, uid string) {
	body, err := json.Marshal(map[string]string{
		message.FieldUID: uid,
		"status":         "processed",
	})
	if err != nil {
		c.log.Error("Failed to encode acknowledgment", "uid", uid, "error", err)
		return
	}

	err = ch.PublishWithContext(ctx, "", delivery.ReplyTo, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: delivery.CorrelationId,
		Body:          body,
	})
	if err != nil {
		c.log.Warn("Failed to send acknowledgment", "uid", uid, "reply_to", delivery.ReplyTo, "error", err)
		return
	}
	c.log.Debug("Sent acknowledgment", "uid", uid, "reply_to", delivery.ReplyTo, "correlation_id", delivery.CorrelationId)
}

// fanIn merges every delivery stream into one channel so deliveries are
// handled sequentially. The result closes once every stream has closed.
func fanIn(done <-chan struct{}, streams []<-chan amqp.Delivery) <-chan amqp.Delivery {
	merged := make(chan amqp.Delivery)

	var wg sync.WaitGroup
	for _, stream := range streams {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for delivery := range stream {
				select {
				case merged <- delivery:
				case <-done:
					return
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(merged)
	}()

	return merged
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
