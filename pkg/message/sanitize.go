package message

import (
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// Replacement stands in for characters the chat platform cannot render.
const Replacement = '\uFFFD'

// Sanitize replaces unprintable characters with Replacement. Newlines and
// tabs are kept and non-breaking spaces become plain spaces. The result is a
// fixed point: Sanitize(Sanitize(s)) == Sanitize(s).
func Sanitize(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	for _, r := range text {
		switch {
		case r == '\u00A0':
			b.WriteRune(' ')
		case r == '\n' || r == '\t':
			b.WriteRune(r)
		case unicode.IsPrint(r) || isEmojiPart(r):
			b.WriteRune(r)
		default:
			b.WriteRune(Replacement)
		}
	}

	return b.String()
}

// isEmojiPart keeps the zero-width joiner that glues emoji sequences.
func isEmojiPart(r rune) bool {
	return r == '\u200D'
}

// NewUID returns a fresh message identifier.
func NewUID() string {
	return uuid.NewString()
}

// UIDPrefix is the identifier text before the first hyphen, shown to readers.
func UIDPrefix(uid string) string {
	prefix, _, _ := strings.Cut(uid, "-")
	return prefix
}
