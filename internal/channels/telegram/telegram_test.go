package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/omnigate/internal/config"
	"github.com/nextlevelbuilder/omnigate/internal/message"
)

const testToken = "123456:TEST-TOKEN_abcDEF0123456789abcdefgh"

func newTestChannel(t *testing.T, handler http.HandlerFunc) (*Channel, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	ch, err := New(config.TelegramConfig{Token: testToken, APIServer: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ch, srv
}

func testMessage(target string) *message.Message {
	return message.New(message.ChannelTelegram, "hello *world*", target)
}

func TestSendSuccess(t *testing.T) {
	var got map[string]interface{}
	ch, _ := newTestChannel(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":42,"date":1,"chat":{"id":99,"type":"private"}}}`)
	})

	res, err := ch.Send(context.Background(), testMessage("123456789"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !res.Success {
		t.Fatalf("Send failed: %s", res.Error)
	}
	if got["text"] != "hello *world*" {
		t.Errorf("text = %v, want %q", got["text"], "hello *world*")
	}
	if got["chat_id"] != float64(123456789) {
		t.Errorf("chat_id = %v, want 123456789", got["chat_id"])
	}
	if got["parse_mode"] != "Markdown" {
		t.Errorf("parse_mode = %v, want Markdown", got["parse_mode"])
	}
	if res.Response["message_id"] != 42 {
		t.Errorf("response message_id = %v, want 42", res.Response["message_id"])
	}
}

func TestSendParseModeOverride(t *testing.T) {
	var got map[string]interface{}
	ch, _ := newTestChannel(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":1,"date":1,"chat":{"id":1,"type":"private"}}}`)
	})

	m := testMessage("42")
	m.Metadata = map[string]interface{}{"parse_mode": "HTML"}
	if _, err := ch.Send(context.Background(), m); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got["parse_mode"] != "HTML" {
		t.Errorf("parse_mode = %v, want HTML", got["parse_mode"])
	}
}

func TestSendUsernameTarget(t *testing.T) {
	var got map[string]interface{}
	ch, _ := newTestChannel(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":1,"date":1,"chat":{"id":1,"type":"channel"}}}`)
	})

	if _, err := ch.Send(context.Background(), testMessage("@announcements")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got["chat_id"] != "@announcements" {
		t.Errorf("chat_id = %v, want @announcements", got["chat_id"])
	}
}

func TestSendAPIError(t *testing.T) {
	ch, _ := newTestChannel(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`)
	})

	res, err := ch.Send(context.Background(), testMessage("1"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Success {
		t.Fatal("Send should report failure on ok:false")
	}
	if !strings.Contains(res.Error, "chat not found") {
		t.Errorf("error %q should carry the API description", res.Error)
	}
}

func TestSendNotConfigured(t *testing.T) {
	ch, err := New(config.TelegramConfig{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if ch.Enabled() {
		t.Error("channel without token should be disabled")
	}

	res, err := ch.Send(context.Background(), testMessage("1"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Success || res.Error != "Telegram not configured: missing token" {
		t.Errorf("got %q, want not-configured failure", res.Error)
	}
}

func TestSendInvalidChatID(t *testing.T) {
	ch, _ := newTestChannel(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for an invalid chat id")
	})

	res, err := ch.Send(context.Background(), testMessage("not-a-chat"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Success || !strings.Contains(res.Error, "invalid Telegram chat id") {
		t.Errorf("got %q, want invalid chat id failure", res.Error)
	}
}

func TestValidate(t *testing.T) {
	ch, _ := newTestChannel(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/getMe") {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		fmt.Fprint(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"omni","username":"omni_bot"}}`)
	})

	if err := ch.Validate(context.Background()); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidateNoToken(t *testing.T) {
	ch, _ := New(config.TelegramConfig{})
	if err := ch.Validate(context.Background()); err == nil {
		t.Error("Validate should fail without a token")
	}
}
