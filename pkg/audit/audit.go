// Package audit defines the record published for every chat API call.
package audit

import (
	"context"
	"maps"
)

// Kind distinguishes message-service calls from image-service calls.
type Kind string

const (
	KindMessage  Kind = "groupme.msg"
	KindImage    Kind = "groupme.img"
	KindCallback Kind = "groupme.callback"
)

// Record describes one delivery attempt.
type Record struct {
	Payload map[string]any
	Source  string
	Code    int
	Kind    Kind
	UID     string
}

// Body merges the payload with the audit fields. Audit fields win on collision.
func (r Record) Body() map[string]any {
	body := make(map[string]any, len(r.Payload)+4)
	maps.Copy(body, r.Payload)
	body["source"] = r.Source
	body["code"] = r.Code
	body["type"] = string(r.Kind)
	body["uid"] = r.UID
	return body
}

// RoutingKey is where the record is published on the source exchange.
func (r Record) RoutingKey() string {
	return "source." + string(r.Kind)
}

// Recorder accepts audit records. Implementations must not block the caller
// on I/O and must swallow (log) their own failures.
type Recorder interface {
	Record(ctx context.Context, rec Record)
}

// Discard drops every record.
type Discard struct{}

func (Discard) Record(context.Context, Record) {}
