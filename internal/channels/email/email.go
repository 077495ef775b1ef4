// Package email delivers messages over SMTP.
package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"

	"github.com/nextlevelbuilder/omnigate/internal/config"
	"github.com/nextlevelbuilder/omnigate/internal/message"
)

const defaultSubject = "OmniMessage Notification"

// sendFunc matches smtp.SendMail so tests can intercept delivery.
type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Channel sends plain-text or HTML mail, with attachments as base64
// multipart sections.
type Channel struct {
	cfg  config.EmailConfig
	send sendFunc
}

// New creates the email channel from config, defaulting the port to 587.
func New(cfg config.EmailConfig) *Channel {
	if cfg.SMTPPort == 0 {
		cfg.SMTPPort = 587
	}
	c := &Channel{cfg: cfg}
	c.send = c.sendSMTP
	return c
}

func (c *Channel) Name() message.Channel { return message.ChannelEmail }

func (c *Channel) Enabled() bool { return c.cfg.SMTPHost != "" && c.cfg.Username != "" }

// Send builds the MIME message and hands it to the SMTP sender. Metadata
// keys: "subject" (default "OmniMessage Notification") and "html" to switch
// the body part to text/html.
func (c *Channel) Send(ctx context.Context, msg *message.Message) (*message.SendResult, error) {
	if !c.Enabled() {
		return message.Failure(msg, "Email not configured: missing SMTP settings"), nil
	}

	from := c.cfg.From
	if from == "" {
		from = c.cfg.Username
	}

	raw, err := buildMIME(from, msg)
	if err != nil {
		return message.Failure(msg, err.Error()), nil
	}

	var auth smtp.Auth
	if c.cfg.Username != "" && c.cfg.Password != "" {
		auth = smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.SMTPHost)
	}

	addr := fmt.Sprintf("%s:%d", c.cfg.SMTPHost, c.cfg.SMTPPort)
	if err := c.send(addr, auth, from, []string{msg.Target}, raw); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return message.Failure(msg, err.Error()), nil
	}

	return &message.SendResult{
		Success:   true,
		MessageID: msg.ID,
		Channel:   message.ChannelEmail,
	}, nil
}

// Validate only checks configuration; probing an SMTP relay from a health
// check tends to trip its abuse counters.
func (c *Channel) Validate(_ context.Context) error {
	if !c.Enabled() {
		return errors.New("email: SMTP host or username not set")
	}
	return nil
}

// sendSMTP is the real sender. Unlike smtp.SendMail it honors the use_tls
// flag instead of upgrading opportunistically.
func (c *Channel) sendSMTP(addr string, auth smtp.Auth, from string, to []string, raw []byte) error {
	client, err := smtp.Dial(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	if c.cfg.TLSEnabled() {
		host, _, splitErr := net.SplitHostPort(addr)
		if splitErr != nil {
			host = c.cfg.SMTPHost
		}
		if err := client.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return err
		}
	}
	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return err
		}
	}
	if err := client.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(raw); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}

// buildMIME renders the full message: a bare text part when there are no
// attachments, multipart/mixed otherwise.
func buildMIME(from string, msg *message.Message) ([]byte, error) {
	subject := msg.MetaString("subject")
	if subject == "" {
		subject = defaultSubject
	}
	contentType := "text/plain"
	if msg.MetaBool("html") {
		contentType = "text/html"
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", msg.Target)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")

	if len(msg.Attachments) == 0 {
		fmt.Fprintf(&b, "Content-Type: %s; charset=\"utf-8\"\r\n\r\n", contentType)
		b.WriteString(msg.Content)
		b.WriteString("\r\n")
		return b.Bytes(), nil
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	text, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type": {contentType + `; charset="utf-8"`},
	})
	if err != nil {
		return nil, err
	}
	if _, err := text.Write([]byte(msg.Content)); err != nil {
		return nil, err
	}

	for _, att := range msg.Attachments {
		if len(att.Data) == 0 {
			continue
		}
		h := textproto.MIMEHeader{}
		h.Set("Content-Type", "application/octet-stream")
		h.Set("Content-Transfer-Encoding", "base64")
		h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", att.Filename))
		part, err := mw.CreatePart(h)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(wrapBase64(att.Data)); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	fmt.Fprintf(&b, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", mw.Boundary())
	b.Write(body.Bytes())
	return b.Bytes(), nil
}

// wrapBase64 encodes data with the RFC 2045 76-column line limit.
func wrapBase64(data []byte) []byte {
	enc := base64.StdEncoding.EncodeToString(data)
	var b bytes.Buffer
	for len(enc) > 76 {
		b.WriteString(enc[:76])
		b.WriteString("\r\n")
		enc = enc[76:]
	}
	b.WriteString(enc)
	return b.Bytes()
}
