package email

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/smtp"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/omnigate/internal/config"
	"github.com/nextlevelbuilder/omnigate/internal/message"
)

type capturedMail struct {
	addr string
	from string
	to   []string
	raw  []byte
}

func newTestChannel(captured *capturedMail) *Channel {
	ch := New(config.EmailConfig{
		SMTPHost: "smtp.example.com",
		Username: "notifier@example.com",
		Password: "hunter2",
	})
	ch.send = func(addr string, _ smtp.Auth, from string, to []string, raw []byte) error {
		captured.addr = addr
		captured.from = from
		captured.to = append([]string(nil), to...)
		captured.raw = append([]byte(nil), raw...)
		return nil
	}
	return ch
}

func TestSendPlainText(t *testing.T) {
	var got capturedMail
	ch := newTestChannel(&got)

	m := message.New(message.ChannelEmail, "backup completed", "ops@example.com")
	res, err := ch.Send(context.Background(), m)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !res.Success {
		t.Fatalf("Send failed: %s", res.Error)
	}

	if got.addr != "smtp.example.com:587" {
		t.Errorf("addr = %q, want default port 587", got.addr)
	}
	if got.from != "notifier@example.com" {
		t.Errorf("from = %q, want the username fallback", got.from)
	}
	if len(got.to) != 1 || got.to[0] != "ops@example.com" {
		t.Errorf("to = %v, want the message target", got.to)
	}

	raw := string(got.raw)
	if !strings.Contains(raw, "Subject: OmniMessage Notification\r\n") {
		t.Error("default subject missing")
	}
	if !strings.Contains(raw, "Content-Type: text/plain") {
		t.Error("plain text content type missing")
	}
	if !strings.Contains(raw, "backup completed") {
		t.Error("body missing")
	}
}

func TestSendHTMLWithSubject(t *testing.T) {
	var got capturedMail
	ch := newTestChannel(&got)

	m := message.New(message.ChannelEmail, "<b>done</b>", "ops@example.com")
	m.Metadata = map[string]interface{}{"subject": "Nightly report", "html": true}

	if _, err := ch.Send(context.Background(), m); err != nil {
		t.Fatalf("Send: %v", err)
	}
	raw := string(got.raw)
	if !strings.Contains(raw, "Subject: Nightly report\r\n") {
		t.Error("subject override missing")
	}
	if !strings.Contains(raw, "Content-Type: text/html") {
		t.Error("html content type missing")
	}
}

func TestSendAttachment(t *testing.T) {
	var got capturedMail
	ch := newTestChannel(&got)

	data := bytes.Repeat([]byte("omnigate"), 32)
	m := message.New(message.ChannelEmail, "see attachment", "ops@example.com")
	m.Attachments = []message.Attachment{{Filename: "report.bin", Data: data}}

	res, err := ch.Send(context.Background(), m)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !res.Success {
		t.Fatalf("Send failed: %s", res.Error)
	}

	raw := string(got.raw)
	headerEnd := strings.Index(raw, "\r\n\r\n")
	if headerEnd < 0 {
		t.Fatal("no header/body separator")
	}

	var contentType string
	for _, line := range strings.Split(raw[:headerEnd], "\r\n") {
		if strings.HasPrefix(line, "Content-Type: ") {
			contentType = strings.TrimPrefix(line, "Content-Type: ")
		}
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		t.Fatalf("parse content type: %v", err)
	}
	if mediaType != "multipart/mixed" {
		t.Fatalf("media type = %q, want multipart/mixed", mediaType)
	}

	mr := multipart.NewReader(strings.NewReader(raw[headerEnd+4:]), params["boundary"])

	text, err := mr.NextPart()
	if err != nil {
		t.Fatalf("text part: %v", err)
	}
	body, _ := io.ReadAll(text)
	if !strings.Contains(string(body), "see attachment") {
		t.Error("text part body missing")
	}

	att, err := mr.NextPart()
	if err != nil {
		t.Fatalf("attachment part: %v", err)
	}
	if cd := att.Header.Get("Content-Disposition"); !strings.Contains(cd, "report.bin") {
		t.Errorf("Content-Disposition = %q, want the filename", cd)
	}
	encoded, _ := io.ReadAll(att)
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(string(encoded), "\r\n", ""))
	if err != nil {
		t.Fatalf("decode attachment: %v", err)
	}
	if !bytes.Equal(decoded, data) {
		t.Error("attachment payload does not round-trip")
	}
}

func TestSendNotConfigured(t *testing.T) {
	ch := New(config.EmailConfig{SMTPHost: "smtp.example.com"})
	if ch.Enabled() {
		t.Error("channel without username should be disabled")
	}

	m := message.New(message.ChannelEmail, "hi", "ops@example.com")
	res, err := ch.Send(context.Background(), m)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Success || res.Error != "Email not configured: missing SMTP settings" {
		t.Errorf("got %q, want not-configured failure", res.Error)
	}
	if err := ch.Validate(context.Background()); err == nil {
		t.Error("Validate should fail when not configured")
	}
}

func TestSendSMTPFailure(t *testing.T) {
	ch := New(config.EmailConfig{SMTPHost: "smtp.example.com", Username: "u"})
	ch.send = func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("550 mailbox unavailable")
	}

	m := message.New(message.ChannelEmail, "hi", "nobody@example.com")
	res, err := ch.Send(context.Background(), m)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Success || !strings.Contains(res.Error, "550") {
		t.Errorf("got %q, want the SMTP error", res.Error)
	}
}
