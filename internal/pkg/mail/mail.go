package mail

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/SubSync/internal/pkg/config"
)

var (
	ErrInvalidConfig = errors.New("mail: invalid configuration")
	ErrNoRecipients  = errors.New("mail: no recipients")
)

// Email is one rendered message.
type Email struct {
	To       []string
	Subject  string
	HTMLBody string
	TextBody string
	// Tag groups messages in the provider's dashboard.
	Tag string
}

func (e Email) validate() error {
	if len(e.To) == 0 {
		return ErrNoRecipients
	}
	if strings.TrimSpace(e.Subject) == "" {
		return fmt.Errorf("%w: empty subject", ErrInvalidConfig)
	}
	return nil
}

// Sender delivers rendered emails.
type Sender interface {
	Send(ctx context.Context, email Email) error
}

// NewSender picks the sender configured by MAIL_DRIVER.
func NewSender(cfg config.MailConfig) (Sender, error) {
	switch cfg.Driver {
	case "postmark":
		return NewPostmarkSender(cfg.PostmarkServer, cfg.PostmarkAcct, cfg.Sender, cfg.ReplyTo)
	case "log":
		return LogSender{}, nil
	default:
		return NewSMTPSender(SMTPOptions{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			Sender:   cfg.Sender,
		}), nil
	}
}

// LogSender only logs; used in development.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, email Email) error {
	if err := email.validate(); err != nil {
		return err
	}
	log.Infof("[Mail] (log driver) to=%s subject=%q tag=%s", strings.Join(email.To, ","), email.Subject, email.Tag)
	return nil
}
