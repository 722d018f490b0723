package message

import (
	"strings"
	"testing"
)

func TestSanitizeReplacesUnprintable(t *testing.T) {
	got := Sanitize("hi\x00there\u00a0friend\u200b\n\tok \U0001F44D\u200d")
	want := "hi\uFFFDthere friend\uFFFD\n\tok \U0001F44D\u200d"
	if got != want {
		t.Fatalf("Sanitize = %q, want %q", got, want)
	}
}

func TestSanitizeIsIdempotent(t *testing.T) {
	inputs := []string{
		"",
		"plain text",
		"\x01\x02\x7f",
		"bad utf8 \xff\xfe",
		"nbsp and\u00a0separators\u2028",
		"emoji \U0001F1FA\U0001F1F8 \U0001F469\u200d\U0001F4BB \u2764\ufe0f",
		strings.Repeat("\u200e", 4),
	}

	for _, input := range inputs {
		once := Sanitize(input)
		if twice := Sanitize(once); twice != once {
			t.Fatalf("Sanitize not idempotent for %q: %q != %q", input, twice, once)
		}
	}
}

func TestUIDPrefix(t *testing.T) {
	cases := map[string]string{
		"abc-123":     "abc",
		"nohyphen":    "nohyphen",
		"":            "",
		"-leading":    "",
		"a-b-c-d-e-f": "a",
	}
	for uid, want := range cases {
		if got := UIDPrefix(uid); got != want {
			t.Fatalf("UIDPrefix(%q) = %q, want %q", uid, got, want)
		}
	}
}

func TestNewUIDIsUnique(t *testing.T) {
	a, b := NewUID(), NewUID()
	if a == "" || a == b {
		t.Fatalf("NewUID returned %q and %q", a, b)
	}
}

func TestSplitRoutingKey(t *testing.T) {
	key, subkey, err := SplitRoutingKey("source.twilio.sms.incoming")
	if err != nil {
		t.Fatalf("SplitRoutingKey error: %v", err)
	}
	if key != "twilio" || subkey != "sms.incoming" {
		t.Fatalf("SplitRoutingKey = (%q, %q), want (twilio, sms.incoming)", key, subkey)
	}

	key, subkey, err = SplitRoutingKey("source.standard")
	if err != nil {
		t.Fatalf("SplitRoutingKey error: %v", err)
	}
	if key != "standard" || subkey != "" {
		t.Fatalf("SplitRoutingKey = (%q, %q), want (standard, \"\")", key, subkey)
	}

	for _, bad := range []string{"", "source", "source.", "groupme.msg"} {
		if _, _, err := SplitRoutingKey(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestHasSenderOrBody(t *testing.T) {
	if HasSenderOrBody(map[string]any{"images": []any{"x"}}) {
		t.Fatal("expected false without sender and body")
	}
	if !HasSenderOrBody(map[string]any{"From": "+15555550100"}) {
		t.Fatal("expected true with twilio sender")
	}
	if !HasSenderOrBody(map[string]any{"body": "hello"}) {
		t.Fatal("expected true with standard body")
	}
	if HasSenderOrBody(map[string]any{"source": 12}) {
		t.Fatal("expected non-string sender to be ignored")
	}
}

func TestFromPayloadUsesFieldTable(t *testing.T) {
	raw := map[string]any{
		"From":            "+15555550100",
		"Body":            "hi",
		"source":          "twilio",
		"MediaUrl0":       "https://example.com/a.png",
		"MediaUrl3":       "https://example.com/b.png",
		"images":          []any{"https://example.com/c.gif", 7, ""},
		"wbor_message_id": "uid-1",
	}

	msg, err := FromPayload(SourceTwilio, raw)
	if err != nil {
		t.Fatalf("FromPayload error: %v", err)
	}
	if msg.Sender != "+15555550100" || msg.Body != "hi" || msg.ID != "uid-1" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	want := []string{"https://example.com/c.gif", "https://example.com/a.png", "https://example.com/b.png"}
	if strings.Join(msg.Images, ",") != strings.Join(want, ",") {
		t.Fatalf("images = %v, want %v", msg.Images, want)
	}

	msg.SetBody("HI")
	msg.SetID("uid-2")
	if raw["Body"] != "HI" || raw["wbor_message_id"] != "uid-2" {
		t.Fatalf("raw payload not updated: %v", raw)
	}

	if _, err := FromPayload(SourceCommandParser, raw); err == nil {
		t.Fatal("expected error for source without field mapping")
	}
}
