package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseFrameType(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
		err  bool
	}{
		{"request", `{"type":"request","id":"1","method":"health"}`, FrameTypeRequest, false},
		{"response", `{"type":"response","id":"1","ok":true}`, FrameTypeResponse, false},
		{"event", `{"type":"event","event":"message.sent"}`, FrameTypeEvent, false},
		{"extra fields ignored", `{"type":"event","whatever":[1,2]}`, FrameTypeEvent, false},
		{"missing type", `{"id":"1"}`, "", true},
		{"empty type", `{"type":""}`, "", true},
		{"garbage", `not json`, "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseFrameType([]byte(tc.raw))
			if tc.err {
				if err == nil {
					t.Fatalf("ParseFrameType(%q) = %q, want error", tc.raw, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseFrameType(%q): %v", tc.raw, err)
			}
			if got != tc.want {
				t.Errorf("type = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRequestFrame_ParamsStayRaw(t *testing.T) {
	raw := `{"type":"request","id":"42","method":"subscribe","params":{"events":["message.sent"]}}`

	var req RequestFrame
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		t.Fatal(err)
	}
	if req.Method != "subscribe" || req.ID != "42" {
		t.Errorf("frame = %+v", req)
	}

	// Params decode lazily, per method.
	var params struct {
		Events []string `json:"events"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		t.Fatal(err)
	}
	if len(params.Events) != 1 || params.Events[0] != "message.sent" {
		t.Errorf("events = %v", params.Events)
	}
}

func TestNewResponseWire(t *testing.T) {
	data, err := json.Marshal(NewResponse("7", map[string]interface{}{"status": "ok"}))
	if err != nil {
		t.Fatal(err)
	}
	s := string(data)
	if !strings.Contains(s, `"type":"response"`) || !strings.Contains(s, `"ok":true`) {
		t.Errorf("wire = %s", s)
	}
	if strings.Contains(s, `"error"`) {
		t.Errorf("success response must omit error: %s", s)
	}
}

func TestNewErrorResponseWire(t *testing.T) {
	data, err := json.Marshal(NewErrorResponse("7", ErrUnauthorized, "invalid API key"))
	if err != nil {
		t.Fatal(err)
	}

	var resp ResponseFrame
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.OK {
		t.Error("error response must have ok=false")
	}
	if resp.Error == nil || resp.Error.Code != ErrUnauthorized || resp.Error.Message != "invalid API key" {
		t.Errorf("error shape = %+v", resp.Error)
	}
}

func TestNewEventWire(t *testing.T) {
	data, err := json.Marshal(NewEvent(EventMessageSent, map[string]interface{}{"id": "m1"}))
	if err != nil {
		t.Fatal(err)
	}

	typ, err := ParseFrameType(data)
	if err != nil || typ != FrameTypeEvent {
		t.Fatalf("round-trip type = %q, %v", typ, err)
	}

	var ev EventFrame
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Event != EventMessageSent {
		t.Errorf("event = %q, want %q", ev.Event, EventMessageSent)
	}

	// Nil payloads stay off the wire.
	data, _ = json.Marshal(NewEvent(EventShutdown, nil))
	if strings.Contains(string(data), "payload") {
		t.Errorf("nil payload serialized: %s", data)
	}
}
