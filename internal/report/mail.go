package report

import (
	"context"
	"fmt"

	gomail "github.com/wneessen/go-mail"

	"github.com/Dominican809/humano-watcher/internal/config"
)

// MailSink sends reports over SMTP.
type MailSink struct {
	client *gomail.Client
	from   string
	to     []string
}

func NewMailSink(cfg config.ReportConfig) (*MailSink, error) {
	opts := []gomail.Option{
		gomail.WithPort(cfg.SMTPPort),
		gomail.WithTLSPortPolicy(gomail.TLSMandatory),
	}
	if cfg.User != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(cfg.User),
			gomail.WithPassword(cfg.Password),
		)
	}
	client, err := gomail.NewClient(cfg.SMTPHost, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	return &MailSink{client: client, from: cfg.From, to: cfg.To}, nil
}

func (s *MailSink) Send(ctx context.Context, r *Report) error {
	body, err := RenderHTML(r)
	if err != nil {
		return err
	}
	m := gomail.NewMsg()
	if err := m.From(s.from); err != nil {
		return err
	}
	if err := m.To(s.to...); err != nil {
		return err
	}
	m.Subject(Subject(r))
	m.SetBodyString(gomail.TypeTextHTML, body)
	if err := s.client.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("send report %s: %w", r.SessionID, err)
	}
	return nil
}
