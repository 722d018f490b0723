package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wborgroupme/pkg/audit"
	"wborgroupme/pkg/config"
	"wborgroupme/pkg/dispatch"
	"wborgroupme/pkg/groupme"
	"wborgroupme/pkg/message"
)

type call struct {
	payload groupme.Payload
	source  string
	uid     string
	at      time.Time
}

type fakePlatform struct {
	mu         sync.Mutex
	calls      []call
	uploads    []string
	deliverErr error
	uploadErr  map[string]error
}

func (f *fakePlatform) Deliver(_ context.Context, payload groupme.Payload, source string, uid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{payload: payload, source: source, uid: uid, at: time.Now()})
	return f.deliverErr
}

func (f *fakePlatform) UploadImage(_ context.Context, imageURL string, _ string, _ string) (*groupme.MediaHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, imageURL)
	if err := f.uploadErr[imageURL]; err != nil {
		return nil, err
	}
	return &groupme.MediaHandle{URL: "https://i.groupme.com/" + strings.TrimPrefix(imageURL, "https://cdn.example/")}, nil
}

func (f *fakePlatform) snapshot() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

type recordingAuditor struct {
	mu      sync.Mutex
	records []audit.Record
}

func (a *recordingAuditor) Record(_ context.Context, rec audit.Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
}

func (a *recordingAuditor) snapshot() []audit.Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]audit.Record(nil), a.records...)
}

func newSender(platform Platform, recorder audit.Recorder, limit int, interval time.Duration) *Sender {
	return NewSender(config.GroupMeConfig{CharacterLimit: limit, SendInterval: interval}, platform, recorder, nil)
}

func testMessage(body string, images ...string) *message.Message {
	return &message.Message{ID: "abc-123", Source: message.SourceStandard, Sender: "standard", Body: body, Images: images}
}

func TestSendSplitsAndPacesSegments(t *testing.T) {
	platform := &fakePlatform{}
	sender := newSender(platform, nil, 10, 20*time.Millisecond)

	body := strings.Repeat("a", 10) + strings.Repeat("b", 10) + "ccccc"
	result, err := sender.Send(context.Background(), testMessage(body), "standard", false, nil)
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if result.Segments != 3 {
		t.Fatalf("segments = %d, want 3", result.Segments)
	}

	calls := platform.snapshot()
	if len(calls) != 3 {
		t.Fatalf("deliver calls = %d, want 3", len(calls))
	}
	if !strings.HasPrefix(calls[0].payload.Text, "(1/3):\n\"aaaaaaaaaa\"") {
		t.Fatalf("first segment = %q", calls[0].payload.Text)
	}
	if !strings.HasPrefix(calls[1].payload.Text, "(2/3):\n\"bbbbbbbbbb\"") || strings.Contains(calls[1].payload.Text, "---UID---") {
		t.Fatalf("second segment = %q", calls[1].payload.Text)
	}
	if want := "(3/3):\n\"ccccc\"\n---UID---\nabc\n---------"; calls[2].payload.Text != want {
		t.Fatalf("third segment = %q, want %q", calls[2].payload.Text, want)
	}

	for i := 1; i < len(calls); i++ {
		if gap := calls[i].at.Sub(calls[i-1].at); gap < 15*time.Millisecond {
			t.Fatalf("calls %d and %d only %s apart", i-1, i, gap)
		}
	}
}

func TestSendDeliversImagesAfterText(t *testing.T) {
	platform := &fakePlatform{}
	sender := newSender(platform, nil, 900, 0)

	result, err := sender.Send(context.Background(), testMessage("look", "https://cdn.example/one.png"), "standard", false, nil)
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if result.Segments != 1 || result.Images != 1 {
		t.Fatalf("result = %+v", result)
	}

	calls := platform.snapshot()
	if len(calls) != 2 {
		t.Fatalf("deliver calls = %d, want 2", len(calls))
	}
	if calls[1].payload.PictureURL != "https://i.groupme.com/one.png" || calls[1].payload.Text != "" {
		t.Fatalf("image payload = %+v", calls[1].payload)
	}
}

func TestSendImageOnlyMessageSkipsText(t *testing.T) {
	platform := &fakePlatform{}
	sender := newSender(platform, nil, 900, 0)

	if _, err := sender.Send(context.Background(), testMessage("", "https://cdn.example/a.gif"), "standard", false, nil); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}

	calls := platform.snapshot()
	if len(calls) != 1 || calls[0].payload.PictureURL == "" {
		t.Fatalf("calls = %+v", calls)
	}
}

func TestSendEmptyBodySendsNothing(t *testing.T) {
	platform := &fakePlatform{}
	recorder := &recordingAuditor{}
	sender := newSender(platform, recorder, 900, 0)

	result, err := sender.Send(context.Background(), testMessage(""), "standard", false, nil)
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if calls := platform.snapshot(); len(calls) != 0 {
		t.Fatalf("deliver calls = %d, want 0", len(calls))
	}
	if result.Segments != 0 {
		t.Fatalf("segments = %d, want 0", result.Segments)
	}

	if _, err := sender.Send(context.Background(), testMessage(""), "standard", true, nil); err != nil {
		t.Fatalf("Send already sent returned error: %v", err)
	}
	if records := recorder.snapshot(); len(records) != 0 {
		t.Fatalf("audit records = %d, want 0", len(records))
	}
}

func TestSendStopsAtFirstDeliveryError(t *testing.T) {
	platform := &fakePlatform{deliverErr: groupme.ErrDelivery}
	sender := newSender(platform, nil, 5, 0)

	_, err := sender.Send(context.Background(), testMessage(strings.Repeat("x", 12)), "standard", false, nil)
	if !errors.Is(err, groupme.ErrDelivery) {
		t.Fatalf("err = %v, want ErrDelivery", err)
	}
	if calls := platform.snapshot(); len(calls) != 1 {
		t.Fatalf("deliver calls = %d, want 1", len(calls))
	}
}

func TestSendSkipsUnsupportedMediaAndSendsNotice(t *testing.T) {
	platform := &fakePlatform{uploadErr: map[string]error{
		"https://cdn.example/page.html": groupme.ErrUnsupportedMedia,
	}}
	sender := newSender(platform, nil, 900, 0)

	msg := testMessage("hi", "https://cdn.example/page.html", "https://cdn.example/ok.jpg")
	result, err := sender.Send(context.Background(), msg, "twilio", false, UnsupportedMediaNotice)
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if result.Unsupported != 1 || result.Images != 1 {
		t.Fatalf("result = %+v", result)
	}

	calls := platform.snapshot()
	if len(calls) != 3 {
		t.Fatalf("deliver calls = %d, want 3", len(calls))
	}
	if !strings.Contains(calls[2].payload.Text, "unsupported format") || !strings.Contains(calls[2].payload.Text, "abc-123") {
		t.Fatalf("notice = %q", calls[2].payload.Text)
	}
}

func TestSendAlreadySentOnlyAudits(t *testing.T) {
	platform := &fakePlatform{}
	recorder := &recordingAuditor{}
	sender := newSender(platform, recorder, 4, 0)

	result, err := sender.Send(context.Background(), testMessage("12345678", "https://cdn.example/x.png"), "standard", true, nil)
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if result.Segments != 2 {
		t.Fatalf("segments = %d, want 2", result.Segments)
	}
	if len(platform.snapshot()) != 0 || len(platform.uploads) != 0 {
		t.Fatal("already-sent message must not reach the platform")
	}

	records := recorder.snapshot()
	if len(records) != 2 {
		t.Fatalf("audit records = %d, want 2", len(records))
	}
	for _, rec := range records {
		if rec.Kind != audit.KindMessage || rec.Code != http.StatusOK || rec.UID != "abc-123" {
			t.Fatalf("unexpected record %+v", rec)
		}
	}
}

func TestTwilioIgnoresOtherSubkeys(t *testing.T) {
	platform := &fakePlatform{}
	h := NewTwilio(newSender(platform, nil, 900, 0), "twilio", nil)

	if !h.Process(context.Background(), testMessage("hi"), "call-events", false) {
		t.Fatal("expected non-SMS twilio events to be accepted")
	}
	if len(platform.snapshot()) != 0 {
		t.Fatal("non-SMS twilio events must not be delivered")
	}
}

func TestHandlersReportDeliveryFailure(t *testing.T) {
	platform := &fakePlatform{deliverErr: groupme.ErrDelivery}
	sender := newSender(platform, nil, 900, 0)

	if NewStandard(sender, nil).Process(context.Background(), testMessage("hi"), "", false) {
		t.Fatal("standard handler should report failure")
	}
	if NewTwilio(sender, "twilio", nil).Process(context.Background(), testMessage("hi"), SubkeyIncomingSMS, false) {
		t.Fatal("twilio handler should report failure")
	}
}

// pipeline wires the real dispatcher, handlers, and chat client against a
// fake chat endpoint.
type pipeline struct {
	dispatcher *dispatch.Dispatcher
	recorder   *recordingAuditor
	mu         sync.Mutex
	posts      []map[string]any
}

func newPipeline(t *testing.T, limit int) *pipeline {
	t.Helper()

	p := &pipeline{recorder: &recordingAuditor{}}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		p.mu.Lock()
		p.posts = append(p.posts, body)
		p.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(server.Close)

	gmCfg := config.GroupMeConfig{
		BotID:          "bot-42",
		AccessToken:    "token",
		CharacterLimit: limit,
		APIURL:         server.URL,
		ImageAPIURL:    server.URL,
		RequestTimeout: 2 * time.Second,
		SendInterval:   10 * time.Millisecond,
	}
	client := groupme.NewClient(gmCfg, p.recorder, nil)
	sender := NewSender(gmCfg, client, p.recorder, nil)

	routing := config.RoutingConfig{
		TwilioSource:    "twilio",
		GlobalBlocklist: []string{"twilio.sms.outgoing"},
	}
	d, err := dispatch.New(routing, Table(sender, routing.TwilioSource, nil), nil, nil)
	require.NoError(t, err)
	p.dispatcher = d

	return p
}

func (p *pipeline) snapshot() []map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]map[string]any(nil), p.posts...)
}

func TestPipelineStandardMessage(t *testing.T) {
	p := newPipeline(t, 900)

	msg, err := p.dispatcher.Dispatch(context.Background(), "source.standard.sms.incoming", map[string]any{
		"source":          "standard",
		"body":            "hello",
		"wbor_message_id": "abc-123",
	}, false)
	require.NoError(t, err)
	require.Equal(t, "abc-123", msg.ID)

	posts := p.snapshot()
	require.Len(t, posts, 1)
	require.Equal(t, "bot-42", posts[0]["bot_id"])
	require.True(t, strings.HasPrefix(posts[0]["text"].(string), `"hello"`))

	records := p.recorder.snapshot()
	require.Len(t, records, 1)
	require.Equal(t, audit.KindMessage, records[0].Kind)
	require.Equal(t, "abc-123", records[0].UID)
	require.Equal(t, http.StatusAccepted, records[0].Code)
}

func TestPipelineOversizedMessage(t *testing.T) {
	const limit = 20
	p := newPipeline(t, limit)

	body := strings.Repeat("z", 2*limit+5)
	_, err := p.dispatcher.Dispatch(context.Background(), "source.standard", map[string]any{
		"source": "standard",
		"body":   body,
	}, false)
	require.NoError(t, err)

	posts := p.snapshot()
	require.Len(t, posts, 3)
	require.True(t, strings.HasPrefix(posts[0]["text"].(string), "(1/3):\n"))
	require.True(t, strings.HasPrefix(posts[1]["text"].(string), "(2/3):\n"))
	require.Contains(t, posts[2]["text"], "---UID---")
	require.NotContains(t, posts[0]["text"], "---UID---")
}

func TestPipelineRejectsMissingSource(t *testing.T) {
	p := newPipeline(t, 900)

	_, err := p.dispatcher.Dispatch(context.Background(), "source.standard", map[string]any{
		"body": "no source here",
	}, false)
	require.Equal(t, dispatch.ErrorUnsupportedSource, dispatch.CategoryFromError(err))
	require.Empty(t, p.snapshot())
	require.Empty(t, p.recorder.snapshot())
}

func TestPipelineEmptyStandardBodyPostsNothing(t *testing.T) {
	p := newPipeline(t, 900)

	_, err := p.dispatcher.Dispatch(context.Background(), "source.standard", map[string]any{
		"source": "standard",
		"body":   "",
	}, false)
	require.NoError(t, err)
	require.Empty(t, p.snapshot())
	require.Empty(t, p.recorder.snapshot())
}

func TestPipelineTwilioSMS(t *testing.T) {
	p := newPipeline(t, 900)

	_, err := p.dispatcher.Dispatch(context.Background(), "source.twilio.sms.incoming", map[string]any{
		"source": "twilio",
		"From":   "+12075550100",
		"Body":   "request: more cowbell",
	}, false)
	require.NoError(t, err)

	posts := p.snapshot()
	require.Len(t, posts, 1)
	require.Contains(t, posts[0]["text"], "more cowbell")
}
