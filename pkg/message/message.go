package message

import (
	"fmt"
	"strings"
)

// Source identifies the producer of a message.
type Source string

const (
	SourceTwilio        Source = "twilio"
	SourceStandard      Source = "standard"
	SourceCommandParser Source = "command_parser"
	SourceCallback      Source = "groupme.callback"
)

const (
	// RoutingPrefix is the leading segment of every producer routing key.
	RoutingPrefix = "source."

	FieldUID    = "wbor_message_id"
	FieldSource = "source"
	FieldImages = "images"

	// maxMediaFields is how many MediaUrlN fields Twilio attaches at most.
	maxMediaFields = 10
)

// Fields names the payload keys one producer uses for sender identity and text.
// PerSender is set when the sender field names an individual (a phone number)
// rather than the producer itself.
type Fields struct {
	Sender    string
	Body      string
	PerSender bool
}

// FieldTable maps each producer to its field naming convention. Twilio
// forwards its webhook payload verbatim, so its keys are capitalized.
var FieldTable = map[Source]Fields{
	SourceTwilio:   {Sender: "From", Body: "Body", PerSender: true},
	SourceStandard: {Sender: FieldSource, Body: "body"},
}

// IdentifiesSender reports whether messages from s carry a per-sender
// identity that can be banned or counted.
func (s Source) IdentifiesSender() bool {
	return FieldTable[s].PerSender
}

// Message is one unit of work flowing through the pipeline.
type Message struct {
	ID          string
	Source      Source
	Sender      string
	Body        string
	Images      []string
	AlreadySent bool
	RoutingKey  string
	Subkey      string

	// Raw is the decoded payload; Body and ID are written back into it.
	Raw    map[string]any
	fields Fields
}

// HasSenderOrBody reports whether any known sender or body field is present
// and non-empty in raw, across every producer convention.
func HasSenderOrBody(raw map[string]any) bool {
	for _, fields := range FieldTable {
		if StringField(raw, fields.Sender) != "" || StringField(raw, fields.Body) != "" {
			return true
		}
	}

	return false
}

// FromPayload builds a Message for a validated producer.
func FromPayload(source Source, raw map[string]any) (*Message, error) {
	fields, ok := FieldTable[source]
	if !ok {
		return nil, fmt.Errorf("no field mapping for source %q", source)
	}

	msg := &Message{
		ID:     StringField(raw, FieldUID),
		Source: source,
		Sender: StringField(raw, fields.Sender),
		Body:   StringField(raw, fields.Body),
		Images: imageURLs(raw),
		Raw:    raw,
		fields: fields,
	}

	return msg, nil
}

// HasBodyField reports whether the producer's body key is present at all.
func (m *Message) HasBodyField() bool {
	_, ok := m.Raw[m.fields.Body]
	return ok
}

// SetBody replaces the text and writes it back into the raw payload.
func (m *Message) SetBody(body string) {
	m.Body = body
	if m.Raw != nil {
		m.Raw[m.fields.Body] = body
	}
}

// SetID assigns the identifier and writes it back into the raw payload.
func (m *Message) SetID(id string) {
	m.ID = id
	if m.Raw != nil {
		m.Raw[FieldUID] = id
	}
}

// StringField returns raw[key] when it is a string, else "".
func StringField(raw map[string]any, key string) string {
	if raw == nil || key == "" {
		return ""
	}
	value, _ := raw[key].(string)
	return value
}

// SplitRoutingKey turns "source.<S>.<rest...>" into its handler key and subkey.
func SplitRoutingKey(routingKey string) (string, string, error) {
	parts := strings.Split(routingKey, ".")
	if len(parts) < 2 || parts[0]+"." != RoutingPrefix || parts[1] == "" {
		return "", "", fmt.Errorf("routing key %q is not of the form source.<source>[.<subkey>]", routingKey)
	}

	return parts[1], strings.Join(parts[2:], "."), nil
}

// StripRoutingPrefix removes the leading "source." from a routing key.
func StripRoutingPrefix(routingKey string) string {
	return strings.TrimPrefix(routingKey, RoutingPrefix)
}

// imageURLs collects the generic images list followed by Twilio MediaUrlN fields.
func imageURLs(raw map[string]any) []string {
	var urls []string

	switch images := raw[FieldImages].(type) {
	case []any:
		for _, item := range images {
			if url, ok := item.(string); ok && strings.TrimSpace(url) != "" {
				urls = append(urls, url)
			}
		}
	case []string:
		for _, url := range images {
			if strings.TrimSpace(url) != "" {
				urls = append(urls, url)
			}
		}
	}

	for i := range maxMediaFields {
		if url := StringField(raw, fmt.Sprintf("MediaUrl%d", i)); url != "" {
			urls = append(urls, url)
		}
	}

	return urls
}
