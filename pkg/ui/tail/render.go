// Package tail renders audit records for the terminal.
package tail

import (
	"fmt"
	"strings"
	"time"
)

const maxTextWidth = 80

// Renderer turns audit bodies into one styled line each.
type Renderer struct {
	theme theme
	now   func() time.Time
}

func NewRenderer() *Renderer {
	return &Renderer{theme: defaultTheme(), now: time.Now}
}

// Banner is printed once before the stream starts.
func (r *Renderer) Banner(pattern string) string {
	return r.theme.header.Render("wbor-groupme audit tail") + " " + r.theme.hint.Render("bound to "+pattern+", Ctrl+C to stop")
}

// Line renders one audit body published on routingKey.
func (r *Renderer) Line(routingKey string, body map[string]any) string {
	kind := stringValue(body, "type")
	if kind == "" {
		kind = strings.TrimPrefix(routingKey, "source.")
	}

	code := codeValue(body["code"])
	codeStyle := r.theme.okCode
	if code < 200 || code >= 300 {
		codeStyle = r.theme.failCode
	}

	parts := []string{
		r.theme.timestamp.Render(r.now().Format(time.TimeOnly)),
		r.theme.kind.Render(kind),
		codeStyle.Render(fmt.Sprintf("%d", code)),
		r.theme.uid.Render(displayOrNA(stringValue(body, "uid"))),
		r.theme.source.Render(displayOrNA(stringValue(body, "source"))),
	}

	if text := summary(body); text != "" {
		parts = append(parts, r.theme.text.Render(text))
	}

	return strings.Join(parts, " ")
}

// summary picks the most telling field of the payload.
func summary(body map[string]any) string {
	for _, key := range []string{"text", "picture_url", "image_url"} {
		if value := stringValue(body, key); value != "" {
			return truncate(strings.ReplaceAll(value, "\n", " "), maxTextWidth)
		}
	}
	return ""
}

func truncate(value string, width int) string {
	runes := []rune(value)
	if len(runes) <= width {
		return value
	}
	return string(runes[:width-3]) + "..."
}

func stringValue(body map[string]any, key string) string {
	value, _ := body[key].(string)
	return value
}

// codeValue reads a JSON-decoded status code.
func codeValue(value any) int {
	switch v := value.(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func displayOrNA(value string) string {
	if strings.TrimSpace(value) == "" {
		return "n/a"
	}
	return value
}
