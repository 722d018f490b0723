package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"wborgroupme/pkg/audit"
)

type publishedMessage struct {
	routingKey string
	body       map[string]any
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []publishedMessage
	err      error
}

func (f *fakePublisher) Publish(_ context.Context, routingKey string, body any, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	payload, _ := body.(map[string]any)
	f.messages = append(f.messages, publishedMessage{routingKey: routingKey, body: payload})
	return nil
}

type fakeCommands struct {
	texts []string
}

func (f *fakeCommands) Handle(_ context.Context, text string) (bool, error) {
	f.texts = append(f.texts, text)
	return strings.HasPrefix(text, "!"), nil
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

type intakeFixture struct {
	echo      *echo.Echo
	publisher *fakePublisher
	commands  *fakeCommands
	recorder  *recordingAuditor
}

func newIntakeFixture() *intakeFixture {
	f := &intakeFixture{
		echo:      echo.New(),
		publisher: &fakePublisher{},
		commands:  &fakeCommands{},
		recorder:  &recordingAuditor{},
	}
	NewIntakeHandler(f.publisher, f.commands, f.recorder, "hunter2", []string{"twilio"}, nil).Register(f.echo)
	return f
}

func (f *intakeFixture) post(path string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)
	return rec
}

func TestIndexIsOnline(t *testing.T) {
	f := newIntakeFixture()

	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "<h1>wbor-groupme is online!</h1>", rec.Body.String())
}

func TestSendQueuesMessage(t *testing.T) {
	f := newIntakeFixture()

	rec := f.post("/send", `{"password":"hunter2","body":"Package delivered","source":"standard","images":["https://cdn.example/box.png"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "OK", rec.Body.String())

	require.Len(t, f.publisher.messages, 1)
	msg := f.publisher.messages[0]
	require.Equal(t, "source.standard", msg.routingKey)
	require.NotContains(t, msg.body, "password")
	require.NotEmpty(t, msg.body["wbor_message_id"])
	require.Equal(t, "Package delivered", msg.body["body"])
}

func TestSendKeepsProducerUID(t *testing.T) {
	f := newIntakeFixture()

	rec := f.post("/send", `{"password":"hunter2","body":"hi","source":"standard","wbor_message_id":"abc-123"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "abc-123", f.publisher.messages[0].body["wbor_message_id"])
}

func TestSendRejections(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		status int
		reply  string
	}{
		{name: "wrong password", body: `{"password":"nope","body":"hi","source":"standard"}`, status: http.StatusUnauthorized, reply: "Unauthorized"},
		{name: "missing password", body: `{"body":"hi","source":"standard"}`, status: http.StatusUnauthorized, reply: "Unauthorized"},
		{name: "missing body", body: `{"password":"hunter2","source":"standard"}`, status: http.StatusBadRequest, reply: "Bad Request"},
		{name: "missing source", body: `{"password":"hunter2","body":"hi"}`, status: http.StatusBadRequest, reply: "Bad Request"},
		{name: "unexpected field", body: `{"password":"hunter2","body":"hi","source":"standard","priority":1}`, status: http.StatusBadRequest, reply: "Bad Request"},
		{name: "blocklisted source", body: `{"password":"hunter2","body":"hi","source":"twilio"}`, status: http.StatusBadRequest, reply: "Bad Request"},
		{name: "bad image url", body: `{"password":"hunter2","body":"hi","source":"standard","images":["not a url"]}`, status: http.StatusBadRequest, reply: "Bad Request"},
		{name: "not json", body: `hello`, status: http.StatusBadRequest, reply: "Bad Request"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newIntakeFixture()
			rec := f.post("/send", tc.body)
			require.Equal(t, tc.status, rec.Code)
			require.Equal(t, tc.reply, rec.Body.String())
			require.Empty(t, f.publisher.messages)
		})
	}
}

func TestSendPublishFailure(t *testing.T) {
	f := newIntakeFixture()
	f.publisher.err = errors.New("broker unreachable")

	rec := f.post("/send", `{"password":"hunter2","body":"hi","source":"standard"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "Internal Server Error", rec.Body.String())
}

func TestCallbackRunsCommandsAndAudits(t *testing.T) {
	f := newIntakeFixture()

	rec := f.post("/callback", `{"sender_type":"user","name":"Station Manager","text":"!ping","source_guid":"guid-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"!ping"}, f.commands.texts)

	require.Len(t, f.recorder.records, 1)
	got := f.recorder.records[0]
	require.Equal(t, audit.KindCallback, got.Kind)
	require.Equal(t, "groupme.callback", got.Source)
	require.Equal(t, "guid-1", got.UID)
	require.Equal(t, http.StatusOK, got.Code)
}

func TestCallbackIgnoresBotPosts(t *testing.T) {
	f := newIntakeFixture()

	rec := f.post("/callback", `{"sender_type":"bot","text":"!help"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, f.commands.texts)
	require.Empty(t, f.recorder.records)
}
