package email

import (
	"context"
	"errors"
	"time"

	"github.com/wneessen/go-mail"
)

type SMTPConfig struct {
	Host string
	Port int
	User string
	Pass string
	From string
}

func (c SMTPConfig) Enabled() bool { return c.Host != "" && c.From != "" }

type Message struct {
	To      string
	ReplyTo string
	Subject string
	Body    string
}

var ErrNotConfigured = errors.New("smtp is not configured")

// NewMsg renders a plain-text message. ReplyTo is optional.
func NewMsg(from string, m Message) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(from); err != nil {
		return nil, err
	}
	if err := msg.To(m.To); err != nil {
		return nil, err
	}
	if m.ReplyTo != "" {
		if err := msg.ReplyTo(m.ReplyTo); err != nil {
			return nil, err
		}
	}
	msg.Subject(m.Subject)
	msg.SetDate()
	msg.SetBodyString(mail.TypeTextPlain, m.Body)
	return msg, nil
}

func newClient(cfg SMTPConfig) (*mail.Client, error) {
	port := cfg.Port
	if port == 0 {
		port = 587
	}
	opts := []mail.Option{
		mail.WithPort(port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
		mail.WithTimeout(15 * time.Second),
	}
	if cfg.User != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.User),
			mail.WithPassword(cfg.Pass),
		)
	}
	return mail.NewClient(cfg.Host, opts...)
}

func Send(ctx context.Context, cfg SMTPConfig, m Message) error {
	if !cfg.Enabled() {
		return ErrNotConfigured
	}
	msg, err := NewMsg(cfg.From, m)
	if err != nil {
		return err
	}
	client, err := newClient(cfg)
	if err != nil {
		return err
	}
	return client.DialAndSendWithContext(ctx, msg)
}

func SendText(ctx context.Context, cfg SMTPConfig, to, subject, body string) error {
	return Send(ctx, cfg, Message{To: to, Subject: subject, Body: body})
}
