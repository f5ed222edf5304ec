package wire

import (
	"strings"
	"testing"
	"time"
)

func TestRoundTrip(t *testing.T) {
	m := NewChat("sess-1", "user-1", "hello there")
	data, err := Encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != TypeChat {
		t.Errorf("type = %q, want %q", got.Type, TypeChat)
	}
	if got.SessionID != "sess-1" || got.UserID != "user-1" {
		t.Errorf("identity = %q/%q", got.SessionID, got.UserID)
	}
	if got.Text() != "hello there" {
		t.Errorf("text = %q, want %q", got.Text(), "hello there")
	}
	if got.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}

func TestDecodeUnknownType(t *testing.T) {
	raw := `{"message_type":"telemetry","data":{"x":1},"timestamp":"2026-01-02T15:04:05Z"}`
	m, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("unknown type should decode: %v", err)
	}
	if m.Type.Known() {
		t.Errorf("type %q reported as known", m.Type)
	}
}

func TestDecodeMissingType(t *testing.T) {
	if _, err := Decode([]byte(`{"data":"x"}`)); err == nil {
		t.Fatal("expected error for envelope without message_type")
	}
}

func TestDecodeMalformed(t *testing.T) {
	if _, err := Decode([]byte(`{not json`)); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestFieldNames(t *testing.T) {
	m := NewPing("s", "u")
	m.Timestamp = time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	data, err := Encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	s := string(data)
	for _, field := range []string{`"message_type":"Ping"`, `"session_id":"s"`, `"user_id":"u"`, `"timestamp"`} {
		if !strings.Contains(s, field) {
			t.Errorf("encoded envelope missing %s: %s", field, s)
		}
	}
}

func TestDecodeDataPayload(t *testing.T) {
	m, err := New(TypeStatusUpdate, "", "", Status{State: "thinking", Message: "working on it"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	data, _ := Encode(m)
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	var st Status
	if err := got.DecodeData(&st); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if st.State != "thinking" || st.Message != "working on it" {
		t.Errorf("status = %+v", st)
	}
}

func TestTextOnNonString(t *testing.T) {
	m, _ := New(TypeError, "", "", ErrorInfo{Code: "X", Message: "y"})
	if got := m.Text(); got != "" {
		t.Errorf("Text() on object payload = %q, want empty", got)
	}
}

func TestKnownTypes(t *testing.T) {
	for _, mt := range []MessageType{TypeChat, TypeVoiceData, TypeStatusUpdate, TypeError, TypePing, TypePong} {
		if !mt.Known() {
			t.Errorf("%q should be known", mt)
		}
	}
	if MessageType("bogus").Known() {
		t.Error("bogus type should not be known")
	}
}
