package chat

import (
	"context"
	"fmt"

	"github.com/wneessen/go-mail"
)

// MailSender abstracts the SMTP client so providers can be tested without a
// live server. *mail.Client satisfies it.
type MailSender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// MailProvider delivers messages as plain-text email. Addresses are the
// recipient email addresses from user settings.
type MailProvider struct {
	sender  MailSender
	from    string
	subject string
}

// NewMailProvider creates a MailProvider. subject is used for every message;
// if empty a generic default is applied.
func NewMailProvider(sender MailSender, from, subject string) *MailProvider {
	if subject == "" {
		subject = "Message from your companion"
	}
	return &MailProvider{sender: sender, from: from, subject: subject}
}

// NewSMTPClient builds a go-mail client with PLAIN auth, suitable for
// MailProvider. Credentials may be empty for unauthenticated relays.
func NewSMTPClient(host string, port int, username, password string) (*mail.Client, error) {
	opts := []mail.Option{mail.WithPort(port)}
	if username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(username),
			mail.WithPassword(password),
		)
	}
	client, err := mail.NewClient(host, opts...)
	if err != nil {
		return nil, fmt.Errorf("mail: create client: %w", err)
	}
	return client, nil
}

func (p *MailProvider) Send(ctx context.Context, to, text string) (*SendResult, error) {
	msg := mail.NewMsg()
	if err := msg.From(p.from); err != nil {
		return nil, fmt.Errorf("mail: invalid sender %q: %w", p.from, err)
	}
	if err := msg.To(to); err != nil {
		return nil, fmt.Errorf("mail: invalid recipient %q: %w", to, err)
	}
	msg.Subject(p.subject)
	msg.SetBodyString(mail.TypeTextPlain, text)
	msg.SetMessageID()

	if err := p.sender.DialAndSendWithContext(ctx, msg); err != nil {
		return nil, fmt.Errorf("mail: send: %w", err)
	}

	return &SendResult{
		MessageID: msg.GetMessageID(),
		Status:    "sent",
	}, nil
}
