package handler

import (
	"context"
	"fmt"
	"log/slog"

	"wborgroupme/pkg/dispatch"
	"wborgroupme/pkg/groupme"
	"wborgroupme/pkg/message"
)

// SubkeyIncomingSMS is the only Twilio sub-kind relayed to the chat.
const SubkeyIncomingSMS = "sms.incoming"

// Standard relays catch-all producers (UPS, AzuraCast, ...). Every subkey is
// delivered the same way.
type Standard struct {
	sender *Sender
	log    *slog.Logger
}

func NewStandard(sender *Sender, log *slog.Logger) *Standard {
	if log == nil {
		log = slog.Default()
	}

	return &Standard{sender: sender, log: log.With("component", "handler.standard")}
}

func (h *Standard) Process(ctx context.Context, msg *message.Message, subkey string, alreadySent bool) bool {
	h.log.Debug("Processing message", "uid", msg.ID, "subkey", subkey, "type", message.StringField(msg.Raw, "type"))

	result, err := h.sender.Send(ctx, msg, msg.Sender, alreadySent, nil)
	if err != nil {
		h.log.Error("Failed to send message", "uid", msg.ID, "status", groupme.StatusCode(err), "error", err)
		return false
	}
	if result.Unsupported > 0 {
		h.log.Warn("Some media items were not delivered", "uid", msg.ID, "skipped", result.Unsupported)
	}

	return true
}

// Twilio relays inbound SMS forwarded by the Twilio webhook service.
type Twilio struct {
	sender *Sender
	source string
	log    *slog.Logger
}

func NewTwilio(sender *Sender, source string, log *slog.Logger) *Twilio {
	if log == nil {
		log = slog.Default()
	}
	if source == "" {
		source = string(message.SourceTwilio)
	}

	return &Twilio{sender: sender, source: source, log: log.With("component", "handler.twilio")}
}

func (h *Twilio) Process(ctx context.Context, msg *message.Message, subkey string, alreadySent bool) bool {
	if subkey != SubkeyIncomingSMS {
		h.log.Info("Not relaying Twilio event", "uid", msg.ID, "subkey", subkey)
		return true
	}

	h.log.Debug("Processing SMS", "uid", msg.ID, "from", msg.Sender)
	if _, err := h.sender.Send(ctx, msg, h.source, alreadySent, UnsupportedMediaNotice); err != nil {
		h.log.Error("Failed to send SMS", "uid", msg.ID, "status", groupme.StatusCode(err), "error", err)
		return false
	}

	return true
}

// UnsupportedMediaNotice tells the group that an attachment was dropped.
func UnsupportedMediaNotice(uid string) string {
	return fmt.Sprintf("A media item was sent with an unsupported format.\n\n"+
		"Check the message in Twilio logs for details.\n"+
		"---------\n%s\n---------", uid)
}

// Table builds the dispatch table keyed by routing-key source segment.
func Table(sender *Sender, twilioSource string, log *slog.Logger) map[string]dispatch.Handler {
	if twilioSource == "" {
		twilioSource = string(message.SourceTwilio)
	}

	return map[string]dispatch.Handler{
		twilioSource:                   NewTwilio(sender, twilioSource, log),
		string(message.SourceStandard): NewStandard(sender, log),
	}
}
