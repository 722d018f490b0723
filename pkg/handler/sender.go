// Package handler holds the per-source delivery strategies and the shared
// engine that segments, uploads, and paces calls to the chat platform.
package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"wborgroupme/pkg/audit"
	"wborgroupme/pkg/config"
	"wborgroupme/pkg/groupme"
	"wborgroupme/pkg/message"
	"wborgroupme/pkg/segment"
)

// Platform is the chat API surface the handlers need.
type Platform interface {
	Deliver(ctx context.Context, payload groupme.Payload, source string, uid string) error
	UploadImage(ctx context.Context, imageURL string, source string, uid string) (*groupme.MediaHandle, error)
}

var _ Platform = (*groupme.Client)(nil)

// Result summarizes one Send call.
type Result struct {
	Segments    int
	Images      int
	Unsupported int
}

// Sender is the delivery engine shared by every handler.
type Sender struct {
	platform Platform
	audit    audit.Recorder
	limit    int
	interval time.Duration
	log      *slog.Logger
}

func NewSender(cfg config.GroupMeConfig, platform Platform, recorder audit.Recorder, log *slog.Logger) *Sender {
	if recorder == nil {
		recorder = audit.Discard{}
	}
	if log == nil {
		log = slog.Default()
	}

	limit := cfg.CharacterLimit
	if limit <= 0 {
		limit = config.DefaultCharacterLimit
	}

	return &Sender{
		platform: platform,
		audit:    recorder,
		limit:    limit,
		interval: cfg.SendInterval,
		log:      log.With("component", "handler.sender"),
	}
}

// pacer spaces successive platform calls for one message. The first call
// goes out immediately.
func (s *Sender) pacer() *rate.Limiter {
	if s.interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(s.interval), 1)
}

// NoticeFunc renders the text sent after a message whose media could not
// all be delivered.
type NoticeFunc func(uid string) string

// Send delivers the body segments, then every image, then the notice when an
// image was skipped and notice is non-nil. It stops at the first delivery
// error. Images that cannot be fetched or uploaded are skipped and counted
// as unsupported.
//
// When alreadySent is set nothing goes over the wire: each rendered segment
// is only audited.
func (s *Sender) Send(ctx context.Context, msg *message.Message, source string, alreadySent bool, notice NoticeFunc) (Result, error) {
	var result Result

	segments := s.segments(msg)
	if alreadySent {
		for _, seg := range segments {
			payload := groupme.TextPayload(segment.Render(seg, msg.ID))
			s.audit.Record(ctx, audit.Record{
				Payload: payload.Fields(),
				Source:  source,
				Code:    http.StatusOK,
				Kind:    audit.KindMessage,
				UID:     msg.ID,
			})
			result.Segments++
		}
		s.log.Debug("Message already sent, audited only", "uid", msg.ID, "segments", result.Segments)
		return result, nil
	}

	pacer := s.pacer()

	for _, seg := range segments {
		if err := pacer.Wait(ctx); err != nil {
			return result, err
		}
		if err := s.platform.Deliver(ctx, groupme.TextPayload(segment.Render(seg, msg.ID)), source, msg.ID); err != nil {
			return result, fmt.Errorf("deliver segment %d/%d: %w", seg.Index, seg.Total, err)
		}
		result.Segments++
	}

	for _, imageURL := range msg.Images {
		handle, err := s.platform.UploadImage(ctx, imageURL, source, msg.ID)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return result, err
			}
			s.log.Warn("Skipping media item", "uid", msg.ID, "url", imageURL, "status", groupme.StatusCode(err), "error", err)
			result.Unsupported++
			continue
		}

		pictureURL := handle.URL
		if pictureURL == "" {
			pictureURL = handle.PictureURL
		}

		if err := pacer.Wait(ctx); err != nil {
			return result, err
		}
		if err := s.platform.Deliver(ctx, groupme.ImagePayload(pictureURL), source, msg.ID); err != nil {
			return result, fmt.Errorf("deliver image: %w", err)
		}
		result.Images++
	}

	if result.Unsupported > 0 && notice != nil {
		if err := pacer.Wait(ctx); err != nil {
			return result, err
		}
		if err := s.platform.Deliver(ctx, groupme.TextPayload(notice(msg.ID)), source, msg.ID); err != nil {
			return result, fmt.Errorf("deliver unsupported media notice: %w", err)
		}
	}

	return result, nil
}

// segments splits the body. An empty body sends no text at all.
func (s *Sender) segments(msg *message.Message) []segment.Segment {
	if msg.Body == "" {
		return nil
	}

	return segment.Split(msg.Body, s.limit)
}
