package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"wborgroupme/pkg/audit"
	"wborgroupme/pkg/config"
)

const (
	publisherConnectionName = "GroupMePublisherConnection"
	auditConnectionName     = "GroupMeLogPublisherConnection"
	auditPublishTimeout     = 10 * time.Second
)

// MessagePublisher publishes one JSON body to the source exchange.
type MessagePublisher interface {
	Publish(ctx context.Context, routingKey string, body any, headers amqp.Table) error
}

// Publisher opens a fresh connection per call: connect, publish, close.
// Nothing is pooled, so it is safe for concurrent use.
type Publisher struct {
	cfg  config.RabbitMQConfig
	name string
	dial Dialer
	log  *slog.Logger
}

// NewPublisher builds a publisher. A nil dial uses DialAMQP.
func NewPublisher(cfg config.RabbitMQConfig, dial Dialer, log *slog.Logger) *Publisher {
	return newNamedPublisher(cfg, publisherConnectionName, dial, log)
}

func newNamedPublisher(cfg config.RabbitMQConfig, name string, dial Dialer, log *slog.Logger) *Publisher {
	if dial == nil {
		dial = DialAMQP
	}
	if log == nil {
		log = slog.Default()
	}

	return &Publisher{
		cfg:  cfg,
		name: name,
		dial: dial,
		log:  log.With("component", "broker.publisher"),
	}
}

// Publish sends body as a persistent JSON message. Every message starts with
// an x-retry-count header of 0; headers are merged on top.
func (p *Publisher) Publish(ctx context.Context, routingKey string, body any, headers amqp.Table) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode message for %s: %w", routingKey, err)
	}

	conn, err := p.dial(p.cfg.AMQPURL(), p.name)
	if err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(p.cfg.Exchange, ExchangeKindTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", p.cfg.Exchange, err)
	}

	table := amqp.Table{HeaderRetryCount: int32(0)}
	for key, value := range headers {
		table[key] = value
	}

	err = ch.PublishWithContext(ctx, p.cfg.Exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers:      table,
		Body:         data,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", routingKey, err)
	}

	p.log.Debug("Message published", "routing_key", routingKey, "bytes", len(data))
	return nil
}

// AuditPublisher publishes audit records in the background. Record never
// blocks and never fails the caller; publish errors are only logged.
type AuditPublisher struct {
	pub     MessagePublisher
	timeout time.Duration
	log     *slog.Logger
	wg      sync.WaitGroup
}

var _ audit.Recorder = (*AuditPublisher)(nil)

// NewAuditPublisher builds a recorder publishing through its own connection name.
func NewAuditPublisher(cfg config.RabbitMQConfig, dial Dialer, log *slog.Logger) *AuditPublisher {
	return newAuditPublisher(newNamedPublisher(cfg, auditConnectionName, dial, log), log)
}

func newAuditPublisher(pub MessagePublisher, log *slog.Logger) *AuditPublisher {
	if log == nil {
		log = slog.Default()
	}

	return &AuditPublisher{
		pub:     pub,
		timeout: auditPublishTimeout,
		log:     log.With("component", "broker.audit"),
	}
}

func (a *AuditPublisher) Record(ctx context.Context, rec audit.Record) {
	if ctx == nil {
		ctx = context.Background()
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()

		if err := a.pub.Publish(publishCtx, rec.RoutingKey(), rec.Body(), nil); err != nil {
			a.log.Warn("Failed to publish audit record", "uid", rec.UID, "type", rec.Kind, "code", rec.Code, "error", err)
		}
	}()
}

// Wait blocks until in-flight records are published or dropped.
func (a *AuditPublisher) Wait() {
	a.wg.Wait()
}
