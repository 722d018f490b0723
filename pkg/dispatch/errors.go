package dispatch

import (
	"errors"
	"fmt"
)

const (
	ErrorMalformed         = "malformed"
	ErrorBlocklisted       = "blocklisted"
	ErrorMissingFields     = "missing_fields"
	ErrorUnsupportedSource = "unsupported_source"
	ErrorBanned            = "banned"
	ErrorNoHandler         = "no_handler"
	ErrorDeliveryFailed    = "delivery_failed"
)

// Error is a categorized reason for rejecting a message. Every category is
// terminal for the message: nothing is requeued.
type Error struct {
	Category string
	Detail   string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Detail == "" {
		return e.Category
	}

	return fmt.Sprintf("%s: %s", e.Category, e.Detail)
}

// NewError creates a categorized dispatch error.
func NewError(category string, detail string) error {
	return &Error{Category: category, Detail: detail}
}

// CategoryFromError returns the stable category for an error when available.
func CategoryFromError(err error) string {
	if err == nil {
		return ""
	}

	var categorized *Error
	if errors.As(err, &categorized) {
		return categorized.Category
	}

	return ErrorMalformed
}
