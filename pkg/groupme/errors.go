package groupme

import (
	"errors"
	"fmt"
)

var (
	// ErrDelivery marks a failed post to the chat endpoint.
	ErrDelivery = errors.New("groupme delivery failed")
	// ErrUnsupportedMedia is returned for content types outside the allow-list.
	ErrUnsupportedMedia = errors.New("unsupported media type")
	// ErrMediaFetch is returned when the source image cannot be downloaded.
	ErrMediaFetch = errors.New("media fetch failed")
	// ErrMediaUpload is returned when the image service refuses the upload.
	ErrMediaUpload = errors.New("media upload failed")
)

// StatusError carries the unexpected HTTP status of a platform call.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e == nil {
		return ""
	}
	if e.Body == "" {
		return fmt.Sprintf("%s: status %d", e.Op, e.Status)
	}

	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Body)
}

// StatusCode returns the HTTP status behind err, or 0.
func StatusCode(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status
	}

	return 0
}
