package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nextlevelbuilder/omnigate/internal/config"
	"github.com/nextlevelbuilder/omnigate/internal/message"
)

func newTestChannel(t *testing.T, handler http.HandlerFunc) *Channel {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return New(config.WhatsAppConfig{
		Token:   "wa-token",
		PhoneID: "10001",
		BaseURL: srv.URL,
	})
}

func TestSendText(t *testing.T) {
	var got map[string]interface{}
	var auth, path string
	ch := newTestChannel(t, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"messaging_product":"whatsapp","messages":[{"id":"wamid.X"}]}`)
	})

	m := message.New(message.ChannelWhatsApp, "order shipped", "15551234567")
	res, err := ch.Send(context.Background(), m)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !res.Success {
		t.Fatalf("Send failed: %s", res.Error)
	}

	if auth != "Bearer wa-token" {
		t.Errorf("Authorization = %q, want Bearer wa-token", auth)
	}
	if path != "/v19.0/10001/messages" {
		t.Errorf("path = %q, want /v19.0/10001/messages", path)
	}
	if got["to"] != "15551234567" || got["type"] != "text" {
		t.Errorf("payload to/type = %v/%v", got["to"], got["type"])
	}
	text, _ := got["text"].(map[string]interface{})
	if text["body"] != "order shipped" {
		t.Errorf("text body = %v, want %q", text["body"], "order shipped")
	}
	if _, ok := res.Response["messages"]; !ok {
		t.Error("result response should carry the API body")
	}
}

func TestSendTemplate(t *testing.T) {
	var got map[string]interface{}
	ch := newTestChannel(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"messages":[{"id":"wamid.Y"}]}`)
	})

	m := message.New(message.ChannelWhatsApp, "ignored", "15550000000")
	m.Metadata = map[string]interface{}{
		"wa_template": map[string]interface{}{
			"name":     "order_update",
			"language": map[string]interface{}{"code": "en_US"},
		},
	}

	res, err := ch.Send(context.Background(), m)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !res.Success {
		t.Fatalf("Send failed: %s", res.Error)
	}
	if got["type"] != "template" {
		t.Errorf("type = %v, want template", got["type"])
	}
	tpl, _ := got["template"].(map[string]interface{})
	if tpl["name"] != "order_update" {
		t.Errorf("template name = %v, want order_update", tpl["name"])
	}
	if _, ok := got["text"]; ok {
		t.Error("template payload should not carry a text block")
	}
}

func TestSendAPIError(t *testing.T) {
	ch := newTestChannel(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"(#131030) Recipient phone number not in allowed list","code":131030}}`)
	})

	m := message.New(message.ChannelWhatsApp, "hi", "1")
	res, err := ch.Send(context.Background(), m)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Success {
		t.Fatal("Send should fail without a messages key")
	}
	if res.Error != "(#131030) Recipient phone number not in allowed list" {
		t.Errorf("error = %q, want the API error message", res.Error)
	}
}

func TestSendErrorWithoutMessage(t *testing.T) {
	ch := newTestChannel(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"weird"}`)
	})

	m := message.New(message.ChannelWhatsApp, "hi", "1")
	res, _ := ch.Send(context.Background(), m)
	if res.Success || res.Error != "Unknown error" {
		t.Errorf("error = %q, want Unknown error", res.Error)
	}
}

func TestSendNotConfigured(t *testing.T) {
	ch := New(config.WhatsAppConfig{Token: "token-only"})
	if ch.Enabled() {
		t.Error("channel without phone_id should be disabled")
	}

	m := message.New(message.ChannelWhatsApp, "hi", "1")
	res, err := ch.Send(context.Background(), m)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Success || res.Error != "WhatsApp not configured: missing token or phone_id" {
		t.Errorf("got %q, want not-configured failure", res.Error)
	}
	if err := ch.Validate(context.Background()); err == nil {
		t.Error("Validate should fail when not configured")
	}
}

func TestDefaults(t *testing.T) {
	ch := New(config.WhatsAppConfig{Token: "t", PhoneID: "p"})
	if ch.cfg.APIVersion != "v19.0" {
		t.Errorf("APIVersion = %q, want v19.0", ch.cfg.APIVersion)
	}
	if ch.cfg.BaseURL != "https://graph.facebook.com" {
		t.Errorf("BaseURL = %q, want the Graph API host", ch.cfg.BaseURL)
	}
	if err := ch.Validate(context.Background()); err != nil {
		t.Errorf("Validate: %v", err)
	}
}
