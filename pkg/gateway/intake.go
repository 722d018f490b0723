package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"wborgroupme/pkg/audit"
	"wborgroupme/pkg/broker"
	"wborgroupme/pkg/message"
)

const (
	replyOK           = "OK"
	replyUnauthorized = "Unauthorized"
	replyBadRequest   = "Bad Request"
	replyServerError  = "Internal Server Error"

	senderTypeBot = "bot"

	maxBodyBytes int64 = 1 << 20 // 1 MiB
)

// CommandHandler runs chat commands posted to the group.
type CommandHandler interface {
	Handle(ctx context.Context, text string) (bool, error)
}

// sendRequest is the validated shape of a direct-send body.
type sendRequest struct {
	Body      string   `validate:"required"`
	Source    string   `validate:"required"`
	Images    []string `validate:"omitempty,dive,url"`
	MessageID string
}

var sendFields = []string{"password", "body", "source", message.FieldImages, message.FieldUID}

// IntakeHandler serves the HTTP entry points that feed the queue.
type IntakeHandler struct {
	publisher     broker.MessagePublisher
	commands      CommandHandler
	audit         audit.Recorder
	password      string
	sendBlocklist []string
	validate      *validator.Validate
	log           *slog.Logger
}

func NewIntakeHandler(publisher broker.MessagePublisher, commands CommandHandler, recorder audit.Recorder, password string, sendBlocklist []string, log *slog.Logger) *IntakeHandler {
	if recorder == nil {
		recorder = audit.Discard{}
	}
	if log == nil {
		log = slog.Default()
	}

	return &IntakeHandler{
		publisher:     publisher,
		commands:      commands,
		audit:         recorder,
		password:      password,
		sendBlocklist: slices.Clone(sendBlocklist),
		validate:      validator.New(),
		log:           log.With("component", "gateway.intake"),
	}
}

// Register registers the intake routes.
func (h *IntakeHandler) Register(e *echo.Echo) {
	e.GET("/", h.HandleIndex)
	e.POST("/send", h.HandleSend)
	e.POST("/callback", h.HandleCallback)
}

func (h *IntakeHandler) HandleIndex(c echo.Context) error {
	return c.HTML(http.StatusOK, "<h1>wbor-groupme is online!</h1>")
}

// HandleSend queues a message for sources that cannot publish to the broker
// themselves.
func (h *IntakeHandler) HandleSend(c echo.Context) error {
	body, err := decodeObject(c)
	if err != nil {
		h.log.Warn("Send request body is not a JSON object", "error", err)
		return c.String(http.StatusBadRequest, replyBadRequest)
	}

	password, _ := body["password"].(string)
	if !h.authorized(password) {
		h.log.Warn("Unauthorized send attempt", "remote", c.RealIP())
		return c.String(http.StatusUnauthorized, replyUnauthorized)
	}
	delete(body, "password")

	for key := range body {
		if !slices.Contains(sendFields, key) {
			h.log.Error("Send request has unexpected field", "field", key)
			return c.String(http.StatusBadRequest, replyBadRequest)
		}
	}

	req := sendRequest{
		Body:      message.StringField(body, "body"),
		Source:    message.StringField(body, message.FieldSource),
		MessageID: message.StringField(body, message.FieldUID),
	}
	if images, ok := body[message.FieldImages].([]any); ok {
		for _, item := range images {
			url, _ := item.(string)
			req.Images = append(req.Images, url)
		}
	}
	if err := h.validate.Struct(req); err != nil {
		h.log.Error("Send request failed validation", "error", err)
		return c.String(http.StatusBadRequest, replyBadRequest)
	}

	if slices.Contains(h.sendBlocklist, req.Source) {
		h.log.Warn("Source may not use the send endpoint", "source", req.Source)
		return c.String(http.StatusBadRequest, replyBadRequest)
	}

	if req.MessageID == "" {
		req.MessageID = message.NewUID()
		body[message.FieldUID] = req.MessageID
		h.log.Debug("No UID provided, generated one", "uid", req.MessageID)
	}

	routingKey := broker.SourceRoutingKey(req.Source)
	if err := h.publisher.Publish(c.Request().Context(), routingKey, body, nil); err != nil {
		h.log.Error("Failed to queue send request", "uid", req.MessageID, "routing_key", routingKey, "error", err)
		return c.String(http.StatusInternalServerError, replyServerError)
	}

	h.log.Info("Send request queued", "uid", req.MessageID, "routing_key", routingKey)
	return c.String(http.StatusOK, replyOK)
}

// HandleCallback receives every message posted in the group. Bot posts are
// ignored; everything else may be a command and is audited.
func (h *IntakeHandler) HandleCallback(c echo.Context) error {
	body, err := decodeObject(c)
	if err != nil {
		h.log.Warn("Callback body is not a JSON object", "error", err)
		return c.String(http.StatusOK, replyOK)
	}

	if message.StringField(body, "sender_type") == senderTypeBot {
		return c.String(http.StatusOK, replyOK)
	}

	ctx := c.Request().Context()
	text := message.StringField(body, "text")
	uid := message.StringField(body, "source_guid")
	h.log.Info("GroupMe callback received", "uid", uid, "sender", message.StringField(body, "name"))

	if h.commands != nil {
		if _, err := h.commands.Handle(ctx, text); err != nil {
			h.log.Error("Command reply failed", "uid", uid, "error", err)
		}
	}

	h.audit.Record(ctx, audit.Record{
		Payload: body,
		Source:  string(message.SourceCallback),
		Code:    http.StatusOK,
		Kind:    audit.KindCallback,
		UID:     uid,
	})

	return c.String(http.StatusOK, replyOK)
}

// decodeObject reads a bounded JSON object from the request body.
func decodeObject(c echo.Context) (map[string]any, error) {
	var body map[string]any
	if err := json.NewDecoder(io.LimitReader(c.Request().Body, maxBodyBytes)).Decode(&body); err != nil {
		return nil, err
	}
	if body == nil {
		return nil, errors.New("body is null")
	}
	return body, nil
}

func (h *IntakeHandler) authorized(password string) bool {
	if strings.TrimSpace(h.password) == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(password), []byte(h.password)) == 1
}
