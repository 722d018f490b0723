package groupme

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"wborgroupme/pkg/audit"
)

// maxImageBytes caps how much of a remote image is buffered for re-upload.
const maxImageBytes = 20 << 20

// MediaHandle references an image staged on the platform's image service.
type MediaHandle struct {
	URL        string `json:"url"`
	PictureURL string `json:"picture_url"`
}

type uploadResponse struct {
	Payload MediaHandle `json:"payload"`
}

func allowedImageTypes() map[string]struct{} {
	return map[string]struct{}{
		"image/gif":  {},
		"image/jpeg": {},
		"image/png":  {},
	}
}

// UploadImage fetches imageURL and re-uploads the bytes to the image service.
//
// Every failure is returned as an error and never retried: a non-2xx fetch
// wraps ErrMediaFetch, a content type outside gif/jpeg/png wraps
// ErrUnsupportedMedia, and a refused upload wraps ErrMediaUpload. Callers
// skip the attachment on any error. The upload attempt itself is audited
// whatever its outcome.
func (c *Client) UploadImage(ctx context.Context, imageURL string, source string, uid string) (*MediaHandle, error) {
	data, contentType, err := c.fetchImage(ctx, imageURL)
	if err != nil {
		c.log.Warn("Failed to fetch media", "url", imageURL, "uid", uid, "error", err)
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ImageAPIURL, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrMediaUpload, err)
	}
	req.Header.Set("X-Access-Token", c.cfg.AccessToken)
	req.Header.Set("Content-Type", contentType)

	auditPayload := map[string]any{
		"image_url":    imageURL,
		"content_type": contentType,
		"size":         len(data),
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Error("Exception occurred while uploading image", "url", imageURL, "uid", uid, "error", err)
		c.record(ctx, auditPayload, source, http.StatusInternalServerError, audit.KindImage, uid)
		return nil, fmt.Errorf("%w: %v", ErrMediaUpload, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet := readSnippet(resp.Body)
		c.log.Warn("Image upload failed", "url", imageURL, "uid", uid, "status", resp.StatusCode, "response", snippet)
		c.record(ctx, auditPayload, source, resp.StatusCode, audit.KindImage, uid)
		return nil, fmt.Errorf("%w: %w", ErrMediaUpload, &StatusError{Op: "upload image", Status: resp.StatusCode, Body: snippet})
	}

	var parsed uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		c.record(ctx, auditPayload, source, resp.StatusCode, audit.KindImage, uid)
		return nil, fmt.Errorf("%w: decode response: %v", ErrMediaUpload, err)
	}

	auditPayload["picture_url"] = parsed.Payload.PictureURL
	c.record(ctx, auditPayload, source, resp.StatusCode, audit.KindImage, uid)

	if parsed.Payload.URL == "" && parsed.Payload.PictureURL == "" {
		return nil, fmt.Errorf("%w: response carried no image url", ErrMediaUpload)
	}

	c.log.Debug("Image upload successful", "url", imageURL, "uid", uid, "picture_url", parsed.Payload.PictureURL)
	return &parsed.Payload, nil
}

// fetchImage downloads the remote image and returns its bytes and lower-cased
// media type.
func (c *Client) fetchImage(ctx context.Context, imageURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: build request: %v", ErrMediaFetch, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrMediaFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("%w: %w", ErrMediaFetch, &StatusError{Op: "fetch image", Status: resp.StatusCode})
	}

	contentType := mediaType(resp.Header.Get("Content-Type"))
	if _, ok := c.images[contentType]; !ok {
		return nil, "", fmt.Errorf("%w: %q (must be one of image/gif, image/jpeg, image/png)", ErrUnsupportedMedia, contentType)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("%w: read body: %v", ErrMediaFetch, err)
	}
	if len(data) > maxImageBytes {
		return nil, "", fmt.Errorf("%w: image larger than %d bytes", ErrMediaFetch, maxImageBytes)
	}

	return data, contentType, nil
}

// mediaType lower-cases a Content-Type header and drops its parameters.
func mediaType(header string) string {
	header = strings.ToLower(strings.TrimSpace(header))
	if parsed, _, err := mime.ParseMediaType(header); err == nil {
		return parsed
	}

	return header
}
