package mail

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/gofiber/fiber/v2/log"
)

type SMTPOptions struct {
	Host     string
	Port     string
	Username string
	Password string
	Sender   string
}

// SMTPSender sends emails via SMTP
type SMTPSender struct {
	opts SMTPOptions
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPSender(opts SMTPOptions) *SMTPSender {
	if opts.Sender == "" {
		opts.Sender = "no-reply@localhost"
		log.Warnf("[Mail] MAIL_SENDER not set, using default sender: %s", opts.Sender)
	}
	return &SMTPSender{opts: opts, send: smtp.SendMail}
}

func (s *SMTPSender) Send(ctx context.Context, email Email) error {
	if err := email.validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if s.opts.Username != "" && s.opts.Password != "" {
		auth = smtp.PlainAuth("", s.opts.Username, s.opts.Password, s.opts.Host)
	}
	addr := fmt.Sprintf("%s:%s", s.opts.Host, s.opts.Port)

	err := s.send(addr, auth, s.opts.Sender, email.To, buildMessage(s.opts.Sender, email))
	if err != nil {
		log.Errorf("[Mail] SMTP send error: %v", err)
		return err
	}
	log.Infof("[Mail] Email %q sent to %s via %s", email.Tag, strings.Join(email.To, ","), addr)
	return nil
}

func buildMessage(sender string, email Email) []byte {
	body := email.HTMLBody
	contentType := "text/html"
	if body == "" {
		body = email.TextBody
		contentType = "text/plain"
	}
	return []byte(
		fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n", sender, strings.Join(email.To, ", "), email.Subject) +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: " + contentType + "; charset=UTF-8\r\n\r\n" +
			body,
	)
}
