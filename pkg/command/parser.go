// Package command executes admin commands typed into the group chat.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"wborgroupme/pkg/groupme"
	"wborgroupme/pkg/message"
	"wborgroupme/pkg/store"
)

const (
	// Prefix marks a chat message as a command.
	Prefix = "!"

	noUID = "NO_UID"

	helpText = "Available commands:\n" +
		"!help - Display this help message\n" +
		"!ping - Check if the bot is online\n" +
		"!ban <UID> - Ban a phone number from sending messages\n" +
		"!unban <UID> - Unban a phone number from sending messages\n" +
		"!stats <UID> - Display message statistics for a phone number"

	unknownText = "Unknown command.\n\nType `!help` to see a list of available commands."
)

// Replier posts a reply into the group.
type Replier interface {
	Deliver(ctx context.Context, payload groupme.Payload, source string, uid string) error
}

// Admin resolves message uids to senders and manages the ban list.
type Admin interface {
	Ban(ctx context.Context, uid string) (string, error)
	Unban(ctx context.Context, uid string) (string, error)
	Stats(ctx context.Context, uid string) (store.Stats, error)
}

var _ Admin = (*store.Store)(nil)

type Parser struct {
	reply Replier
	admin Admin
	log   *slog.Logger
}

// NewParser builds a parser. A nil admin makes ban, unban, and stats reply
// with a failure notice.
func NewParser(reply Replier, admin Admin, log *slog.Logger) *Parser {
	if log == nil {
		log = slog.Default()
	}

	return &Parser{reply: reply, admin: admin, log: log.With("component", "command.parser")}
}

// Handle runs text when it is a command. It reports whether text was one.
func (p *Parser) Handle(ctx context.Context, text string) (bool, error) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, Prefix) {
		return false, nil
	}

	fields := strings.Fields(text)
	name := strings.ToLower(fields[0])
	uid := noUID
	if len(fields) > 1 {
		uid = fields[1]
	}

	p.log.Info("Executing command", "command", name, "uid", uid)
	return true, p.send(ctx, p.execute(ctx, name, uid))
}

func (p *Parser) execute(ctx context.Context, name string, uid string) string {
	switch name {
	case "!help":
		return helpText
	case "!ping":
		return "Pong! UID: " + uid
	case "!ban":
		if _, err := p.ban(ctx, uid); err != nil {
			p.log.Warn("Ban failed", "uid", uid, "error", err)
			if errors.Is(err, store.ErrNoSenderIdentity) {
				return notSMSText(uid)
			}
			return "Problem banning phone #. See logs for more information. UID: " + uid
		}
		return fmt.Sprintf("Phone # associated with message UID %s has been banned from sending messages.", uid)
	case "!unban":
		if _, err := p.unban(ctx, uid); err != nil {
			p.log.Warn("Unban failed", "uid", uid, "error", err)
			if errors.Is(err, store.ErrNoSenderIdentity) {
				return notSMSText(uid)
			}
			return "Problem unbanning phone #. See logs for more information. UID: " + uid
		}
		return fmt.Sprintf("Phone # associated with message UID %s has been UNBANNED from sending messages.", uid)
	case "!stats":
		stats, err := p.stats(ctx, uid)
		if err != nil {
			p.log.Warn("Stats lookup failed", "uid", uid, "error", err)
			if errors.Is(err, store.ErrNoSenderIdentity) {
				return notSMSText(uid)
			}
			return "Problem fetching message statistics. See logs for more information. UID: " + uid
		}
		return formatStats(uid, stats)
	default:
		return unknownText
	}
}

var errNoAdmin = errors.New("sender log is disabled")

func notSMSText(uid string) string {
	return "Message UID " + uid + " was not sent by a phone number, so there is no sender to ban or look up."
}

func (p *Parser) ban(ctx context.Context, uid string) (string, error) {
	if p.admin == nil {
		return "", errNoAdmin
	}
	return p.admin.Ban(ctx, uid)
}

func (p *Parser) unban(ctx context.Context, uid string) (string, error) {
	if p.admin == nil {
		return "", errNoAdmin
	}
	return p.admin.Unban(ctx, uid)
}

func (p *Parser) stats(ctx context.Context, uid string) (store.Stats, error) {
	if p.admin == nil {
		return store.Stats{}, errNoAdmin
	}
	return p.admin.Stats(ctx, uid)
}

func (p *Parser) send(ctx context.Context, text string) error {
	return p.reply.Deliver(ctx, groupme.TextPayload(text), string(message.SourceCommandParser), message.NewUID())
}

func formatStats(uid string, stats store.Stats) string {
	last := "never"
	if !stats.LastSeen.IsZero() {
		last = stats.LastSeen.Format(time.RFC1123)
	}

	return fmt.Sprintf("Message statistics for UID %s:\nMessages sent: %d\nImages sent: %d\nLast message: %s",
		uid, stats.Messages, stats.Images, last)
}
