package jobs

import (
	"bytes"
	"context"
	"embed"
	"text/template"

	"gopkg.in/gomail.v2"
)

//go:embed templates/*.tmpl
var mailTemplates embed.FS

var templates = template.Must(template.ParseFS(mailTemplates, "templates/*.tmpl"))

// Message is a plain text email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Mailer delivers messages.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPConfig configures SMTPMailer.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPMailer delivers through an SMTP relay.
type SMTPMailer struct {
	dialer *gomail.Dialer
	from   string
}

// NewSMTPMailer constructs an SMTPMailer.
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	return &SMTPMailer{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   cfg.From,
	}
}

// Send implements Mailer.
func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	out := gomail.NewMessage()
	out.SetHeader("From", m.from)
	out.SetHeader("To", msg.To)
	out.SetHeader("Subject", msg.Subject)
	out.SetBody("text/plain", msg.Body)
	return m.dialer.DialAndSend(out)
}

func render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// ActivationMessage renders the activation email.
func ActivationMessage(p ActivationPayload) (Message, error) {
	body, err := render("activation.tmpl", p)
	if err != nil {
		return Message{}, err
	}
	return Message{To: p.Email, Subject: "Activate your account", Body: body}, nil
}

// ResetMessage renders the password reset email.
func ResetMessage(p ResetPayload) (Message, error) {
	body, err := render("reset.tmpl", p)
	if err != nil {
		return Message{}, err
	}
	return Message{To: p.Email, Subject: "Password reset", Body: body}, nil
}
