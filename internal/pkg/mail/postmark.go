package mail

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mrz1836/postmark"
)

var ErrSendFailed = errors.New("mail: failed to send email")

// PostmarkSender sends through Postmark's transactional API.
type PostmarkSender struct {
	client  *postmark.Client
	sender  string
	replyTo string
}

func NewPostmarkSender(serverToken, accountToken, sender, replyTo string) (*PostmarkSender, error) {
	if serverToken == "" {
		return nil, fmt.Errorf("%w: POSTMARK_SERVER_TOKEN is required", ErrInvalidConfig)
	}
	if sender == "" {
		return nil, fmt.Errorf("%w: MAIL_SENDER is required", ErrInvalidConfig)
	}
	return &PostmarkSender{
		client:  postmark.NewClient(serverToken, accountToken),
		sender:  sender,
		replyTo: replyTo,
	}, nil
}

func (p *PostmarkSender) Send(ctx context.Context, email Email) error {
	if err := email.validate(); err != nil {
		return err
	}

	resp, err := p.client.SendEmail(ctx, postmark.Email{
		From:       p.sender,
		ReplyTo:    p.replyTo,
		To:         strings.Join(email.To, ","),
		Subject:    email.Subject,
		Tag:        email.Tag,
		HTMLBody:   email.HTMLBody,
		TextBody:   email.TextBody,
		TrackOpens: false,
	})
	if err != nil {
		return errors.Join(ErrSendFailed, err)
	}
	if resp.ErrorCode > 0 {
		return errors.Join(ErrSendFailed, fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message))
	}
	return nil
}
