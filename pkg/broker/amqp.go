// Package broker owns every RabbitMQ interaction: the consumption loop, the
// short-lived publisher, and the best-effort audit publisher.
package broker

import (
	"context"
	"errors"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	ExchangeKindTopic  = "topic"
	ExchangeKindFanout = "fanout"

	HeaderAlreadySent = "alreadysent"
	HeaderRetryCount  = "x-retry-count"

	heartbeat = 10 * time.Second
)

// ErrFatal marks broker conditions that reconnecting cannot fix.
var ErrFatal = errors.New("fatal broker condition")

// Channel is the subset of *amqp.Channel the relay uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Connection is the subset of *amqp.Connection the relay uses.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Dialer opens a named broker connection.
type Dialer func(url string, connectionName string) (Connection, error)

type amqpConnection struct {
	conn *amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c amqpConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return c.conn.NotifyClose(receiver)
}

func (c amqpConnection) Close() error {
	return c.conn.Close()
}

// DialAMQP is the production Dialer.
func DialAMQP(url string, connectionName string) (Connection, error) {
	properties := amqp.NewConnectionProperties()
	properties.SetClientConnectionName(connectionName)

	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat:  heartbeat,
		Locale:     "en_US",
		Properties: properties,
	})
	if err != nil {
		return nil, err
	}

	return amqpConnection{conn: conn}, nil
}

// IsFatal reports whether err means the broker is shutting down or refusing
// our credentials. Both end the process instead of triggering a reconnect.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrFatal) {
		return true
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		if amqpErr.Code == amqp.AccessRefused {
			return true
		}
		if amqpErr.Code == amqp.ConnectionForced && strings.Contains(strings.ToLower(amqpErr.Reason), "shutdown") {
			return true
		}
	}

	text := err.Error()
	if strings.Contains(text, "ACCESS_REFUSED") {
		return true
	}
	return strings.Contains(text, "CONNECTION_FORCED") && strings.Contains(text, "shutdown")
}

// SourceRoutingKey prefixes a producer-relative key with "source.".
func SourceRoutingKey(key string) string {
	return "source." + strings.TrimPrefix(key, "source.")
}

// headerBool reads a boolean transport header, tolerating string encodings.
func headerBool(headers amqp.Table, key string) bool {
	switch value := headers[key].(type) {
	case bool:
		return value
	case string:
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "1", "true", "yes":
			return true
		}
	case int32:
		return value != 0
	case int64:
		return value != 0
	}

	return false
}
