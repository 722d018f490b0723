// Package dispatch validates inbound messages and routes them to the handler
// registered for their routing-key source segment.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"wborgroupme/pkg/config"
	"wborgroupme/pkg/message"
)

// Handler delivers one validated message. It reports false when a delivery
// call failed; it never retries.
type Handler interface {
	Process(ctx context.Context, msg *message.Message, subkey string, alreadySent bool) bool
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *message.Message, subkey string, alreadySent bool) bool

func (f HandlerFunc) Process(ctx context.Context, msg *message.Message, subkey string, alreadySent bool) bool {
	return f(ctx, msg, subkey, alreadySent)
}

// SenderLog is the optional ban list and sender history.
type SenderLog interface {
	IsBanned(ctx context.Context, sender string) (bool, error)
	RecordMessage(ctx context.Context, msg *message.Message) error
}

// Dispatcher runs the validation steps in a fixed order and hands the message
// to its handler. The handler table is fixed at construction.
type Dispatcher struct {
	blocklist []string
	sources   map[string]message.Source
	handlers  map[string]Handler
	senders   SenderLog
	log       *slog.Logger
}

// New builds a dispatcher. handlers is keyed by the routing-key source
// segment and must cover every accepted source.
func New(cfg config.RoutingConfig, handlers map[string]Handler, senders SenderLog, log *slog.Logger) (*Dispatcher, error) {
	if log == nil {
		log = slog.Default()
	}

	sources := AllowedSources(cfg)

	table := make(map[string]Handler, len(handlers))
	for key, handler := range handlers {
		if handler == nil {
			return nil, fmt.Errorf("handler for %q is nil", key)
		}
		table[key] = handler
	}

	var missing []string
	for name := range sources {
		if _, ok := table[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return nil, fmt.Errorf("no handler registered for sources: %s", strings.Join(missing, ", "))
	}

	return &Dispatcher{
		blocklist: slices.Clone(cfg.GlobalBlocklist),
		sources:   sources,
		handlers:  table,
		senders:   senders,
		log:       log.With("component", "dispatch.dispatcher"),
	}, nil
}

// AllowedSources maps each accepted "source" field value to its producer.
func AllowedSources(cfg config.RoutingConfig) map[string]message.Source {
	twilio := cfg.TwilioSource
	if twilio == "" {
		twilio = string(message.SourceTwilio)
	}

	return map[string]message.Source{
		twilio:                         message.SourceTwilio,
		string(message.SourceStandard): message.SourceStandard,
	}
}

// SourceNames lists the accepted source names in stable order. Each one gets
// its own queue.
func SourceNames(cfg config.RoutingConfig) []string {
	sources := AllowedSources(cfg)
	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Dispatch validates payload and runs its handler. A nil error means the
// message was delivered (or deliberately skipped) and may be acknowledged.
func (d *Dispatcher) Dispatch(ctx context.Context, routingKey string, payload map[string]any, alreadySent bool) (*message.Message, error) {
	if payload == nil {
		return nil, NewError(ErrorMalformed, "empty payload")
	}

	stripped := message.StripRoutingPrefix(routingKey)
	if slices.Contains(d.blocklist, stripped) {
		d.log.Debug("Routing key is blocklisted", "routing_key", routingKey)
		return nil, NewError(ErrorBlocklisted, stripped)
	}

	if !message.HasSenderOrBody(payload) {
		d.log.Warn("Message is missing sender and body", "routing_key", routingKey)
		return nil, NewError(ErrorMissingFields, "no sender or body field")
	}

	sourceName := message.StringField(payload, message.FieldSource)
	source, ok := d.sources[sourceName]
	if !ok {
		d.log.Warn("Message source is not accepted", "routing_key", routingKey, "source", sourceName)
		return nil, NewError(ErrorUnsupportedSource, fmt.Sprintf("source %q", sourceName))
	}

	msg, err := message.FromPayload(source, payload)
	if err != nil {
		return nil, NewError(ErrorMalformed, err.Error())
	}
	msg.RoutingKey = routingKey
	msg.AlreadySent = alreadySent

	if d.senders != nil && msg.Sender != "" && msg.Source.IdentifiesSender() {
		banned, err := d.senders.IsBanned(ctx, msg.Sender)
		if err != nil {
			d.log.Error("Failed to check ban list", "sender", msg.Sender, "error", err)
		}
		if banned {
			d.log.Info("Dropping message from banned sender", "sender", msg.Sender, "uid", msg.ID)
			return msg, NewError(ErrorBanned, msg.Sender)
		}
	}

	if !alreadySent && msg.HasBodyField() {
		sanitized := message.Sanitize(msg.Body)
		if sanitized != msg.Body {
			d.log.Info("Sanitized unprintable characters in message body", "routing_key", routingKey, "uid", msg.ID)
			msg.SetBody(sanitized)
		}
	}

	if msg.ID == "" {
		msg.SetID(message.NewUID())
		d.log.Debug("Assigned message id", "uid", msg.ID)
	}

	handlerKey, subkey, err := message.SplitRoutingKey(routingKey)
	if err != nil {
		return msg, NewError(ErrorMalformed, err.Error())
	}
	msg.Subkey = subkey

	handler, ok := d.handlers[handlerKey]
	if !ok {
		d.log.Error("No handler registered for routing key", "routing_key", routingKey, "handler_key", handlerKey)
		return msg, NewError(ErrorNoHandler, handlerKey)
	}

	if d.senders != nil {
		if err := d.senders.RecordMessage(ctx, msg); err != nil && !errors.Is(err, context.Canceled) {
			d.log.Warn("Failed to record sender", "uid", msg.ID, "error", err)
		}
	}

	d.log.Debug("Dispatching message", "uid", msg.ID, "handler", handlerKey, "subkey", subkey, "already_sent", alreadySent)
	if !handler.Process(ctx, msg, subkey, alreadySent) {
		return msg, NewError(ErrorDeliveryFailed, msg.ID)
	}

	return msg, nil
}
