// Package groupme talks to the GroupMe bot and image APIs.
package groupme

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"wborgroupme/pkg/audit"
	"wborgroupme/pkg/config"
)

const (
	defaultTimeout = 10 * time.Second
	// errorBodyLimit bounds how much of a failed response is kept for logs.
	errorBodyLimit = 512
)

// Payload is the body posted to the bot endpoint. Text is always sent, even
// when empty, because image posts carry an empty caption.
type Payload struct {
	Text       string `json:"text"`
	PictureURL string `json:"picture_url,omitempty"`
	BotID      string `json:"bot_id"`
}

// TextPayload builds a text message.
func TextPayload(text string) Payload {
	return Payload{Text: text}
}

// ImagePayload builds an image message referencing an uploaded picture.
func ImagePayload(pictureURL string) Payload {
	return Payload{PictureURL: pictureURL}
}

// Fields flattens the payload for audit records.
func (p Payload) Fields() map[string]any {
	fields := map[string]any{"text": p.Text, "bot_id": p.BotID}
	if p.PictureURL != "" {
		fields["picture_url"] = p.PictureURL
	}
	return fields
}

// Client posts messages and images to GroupMe. It holds no mutable state and
// is safe for concurrent use.
type Client struct {
	cfg    config.GroupMeConfig
	http   *http.Client
	audit  audit.Recorder
	log    *slog.Logger
	images map[string]struct{}
}

// NewClient builds a client. recorder receives one record per platform call.
func NewClient(cfg config.GroupMeConfig, recorder audit.Recorder, log *slog.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if recorder == nil {
		recorder = audit.Discard{}
	}
	if log == nil {
		log = slog.Default()
	}

	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: timeout},
		audit:  recorder,
		log:    log.With("component", "groupme.client"),
		images: allowedImageTypes(),
	}
}

// Deliver posts one prepared payload to the bot endpoint and audits the call.
//
// A 200 or 202 response is success. Any other status, or a network fault,
// returns an error wrapping ErrDelivery. A network fault is audited with a
// synthetic 500.
func (c *Client) Deliver(ctx context.Context, payload Payload, source string, uid string) error {
	payload.BotID = c.cfg.BotID

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: encode payload: %v", ErrDelivery, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrDelivery, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Error("Exception occurred while sending message", "uid", uid, "source", source, "error", err)
		c.record(ctx, payload.Fields(), source, http.StatusInternalServerError, audit.KindMessage, uid)
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	defer resp.Body.Close()

	c.record(ctx, payload.Fields(), source, resp.StatusCode, audit.KindMessage, uid)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		snippet := readSnippet(resp.Body)
		c.log.Error("Failed to send message", "uid", uid, "status", resp.StatusCode, "response", snippet)
		return fmt.Errorf("%w: %w", ErrDelivery, &StatusError{Op: "post message", Status: resp.StatusCode, Body: snippet})
	}

	switch {
	case payload.Text != "":
		c.log.Info("Message sent successfully", "group", c.cfg.GroupName, "uid", uid, "text", payload.Text)
	case payload.PictureURL != "":
		c.log.Info("Image sent successfully", "uid", uid, "picture_url", payload.PictureURL)
	}

	return nil
}

func (c *Client) record(ctx context.Context, payload map[string]any, source string, code int, kind audit.Kind, uid string) {
	c.audit.Record(ctx, audit.Record{
		Payload: payload,
		Source:  source,
		Code:    code,
		Kind:    kind,
		UID:     uid,
	})
}

func readSnippet(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, errorBodyLimit))
	return strings.TrimSpace(string(data))
}
