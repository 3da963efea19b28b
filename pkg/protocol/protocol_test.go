package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseEnvelopeKnownTypes(t *testing.T) {
	for _, typ := range []MessageType{TypePing, TypeLogCommand, TypeSuggest, TypeSearch, TypeStatus} {
		raw, err := Encode(typ, nil)
		if err != nil {
			t.Fatal(err)
		}
		env, err := ParseEnvelope(raw)
		if err != nil {
			t.Errorf("ParseEnvelope(%s): %v", typ, err)
			continue
		}
		if env.Type != typ {
			t.Errorf("type = %s, want %s", env.Type, typ)
		}
	}
}

func TestParseEnvelopeRejectsUnknownType(t *testing.T) {
	_, err := ParseEnvelope([]byte(`{"type":"EXPLODE"}`))
	if err == nil || !strings.Contains(err.Error(), "unknown message type") {
		t.Errorf("expected unknown type error, got %v", err)
	}
}

func TestParseEnvelopeRejectsMissingType(t *testing.T) {
	_, err := ParseEnvelope([]byte(`{"data":{}}`))
	if err == nil || !strings.Contains(err.Error(), "missing message type") {
		t.Errorf("expected missing type error, got %v", err)
	}
}

func TestParseEnvelopeRejectsMalformedJSON(t *testing.T) {
	if _, err := ParseEnvelope([]byte("{nope")); err == nil {
		t.Error("expected error for malformed JSON")
	}
}

func TestDecodePayload(t *testing.T) {
	raw, err := Encode(TypeLogCommand, LogCommandRequest{
		Command:   "git push",
		Cwd:       "/repo",
		SessionID: "s1",
	})
	if err != nil {
		t.Fatal(err)
	}
	env, err := ParseEnvelope(raw)
	if err != nil {
		t.Fatal(err)
	}
	var req LogCommandRequest
	if err := env.Decode(&req); err != nil {
		t.Fatal(err)
	}
	if req.Command != "git push" || req.Cwd != "/repo" || req.SessionID != "s1" {
		t.Errorf("decoded %+v", req)
	}
}

func TestDecodeEmptyPayload(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"type":"SUGGEST"}`))
	if err != nil {
		t.Fatal(err)
	}
	var req SuggestRequest
	if err := env.Decode(&req); err != nil {
		t.Errorf("empty payload must decode to zero value, got %v", err)
	}
}

func TestDecodeInvalidPayload(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"type":"SUGGEST","data":{"limit":"not a number"}}`))
	if err != nil {
		t.Fatal(err)
	}
	var req SuggestRequest
	if err := env.Decode(&req); err == nil {
		t.Error("expected error for mistyped payload field")
	}
}

func TestErrorResponseShape(t *testing.T) {
	data, err := json.Marshal(NewError(KindPolicy, "excluded by pattern"))
	if err != nil {
		t.Fatal(err)
	}
	want := `{"error":{"kind":"policy","message":"excluded by pattern"}}`
	if string(data) != want {
		t.Errorf("error response = %s, want %s", data, want)
	}
}

func TestWireFieldNames(t *testing.T) {
	data, err := json.Marshal(Suggestion{
		Command:    "git status",
		Confidence: 0.9,
		Source:     "exact",
		Safety:     SafetyVerdict{Level: "safe"},
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, field := range []string{`"command"`, `"confidence"`, `"source"`, `"safety"`, `"level"`} {
		if !strings.Contains(string(data), field) {
			t.Errorf("missing %s in %s", field, data)
		}
	}

	data, err = json.Marshal(LogCommandRequest{Command: "ls", Cwd: "/", SessionID: "s"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"session_id"`) {
		t.Errorf("expected snake_case session_id in %s", data)
	}
}
