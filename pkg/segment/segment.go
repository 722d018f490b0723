// Package segment splits message text to fit the chat platform's per-message
// character limit and decorates each piece for the reader.
package segment

import (
	"fmt"

	"wborgroupme/pkg/message"
)

// Segment is one bounded slice of a message body.
type Segment struct {
	Index int
	Total int
	Text  string
}

// Split cuts body into consecutive slices of at most limit characters.
// Characters are runes, so multi-byte text is never cut mid-character. An
// empty body yields one empty segment. A non-positive limit disables
// splitting.
func Split(body string, limit int) []Segment {
	runes := []rune(body)
	if limit <= 0 || len(runes) <= limit {
		return []Segment{{Index: 1, Total: 1, Text: body}}
	}

	total := (len(runes) + limit - 1) / limit
	segments := make([]Segment, 0, total)
	for start := 0; start < len(runes); start += limit {
		end := min(start+limit, len(runes))
		segments = append(segments, Segment{
			Index: len(segments) + 1,
			Total: total,
			Text:  string(runes[start:end]),
		})
	}

	return segments
}

// Render decorates a segment for delivery. Multi-part messages get an
// "(i/n):" label; the final segment carries the UID marker.
func Render(seg Segment, uid string) string {
	label := ""
	if seg.Total > 1 {
		label = fmt.Sprintf("(%d/%d):\n", seg.Index, seg.Total)
	}

	marker := ""
	if seg.Index == seg.Total {
		marker = EndMarker(uid)
	}

	return label + `"` + seg.Text + `"` + marker
}

// EndMarker is the trailer appended to the last segment of a message.
func EndMarker(uid string) string {
	return "\n---UID---\n" + message.UIDPrefix(uid) + "\n---------"
}
