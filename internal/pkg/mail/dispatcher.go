package mail

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/SubSync/internal/pkg/billing"
)

type messageTemplate struct {
	subject string
	body    *template.Template
}

func mustTemplate(name, body string) *template.Template {
	return template.Must(template.New(name).Option("missingkey=zero").Parse(body))
}

var templates = map[string]messageTemplate{
	billing.TemplateSubscriptionStarted: {
		subject: "Your subscription is active",
		body: mustTemplate(billing.TemplateSubscriptionStarted,
			`<p>Thanks for subscribing! Your subscription via {{.provider}} is now active.</p>`+
				`{{if .expires_at}}<p>Current period ends {{.expires_at}}.</p>{{end}}`),
	},
	billing.TemplateSubscriptionExpired: {
		subject: "Your subscription has ended",
		body: mustTemplate(billing.TemplateSubscriptionExpired,
			`<p>Your subscription has ended and premium features are no longer available.</p>`+
				`<p>You can renew at any time from the app.</p>`),
	},
	billing.TemplateTrialEnded: {
		subject: "Your free trial has ended",
		body: mustTemplate(billing.TemplateTrialEnded,
			`<p>Your free trial has ended. Subscribe to keep using premium features.</p>`),
	},
	billing.TemplatePaymentPastDue: {
		subject: "We could not process your payment",
		body: mustTemplate(billing.TemplatePaymentPastDue,
			`<p>Your last payment via {{.provider}} failed. Please update your payment method to keep your subscription.</p>`),
	},
}

// Dispatcher renders billing notifications and hands them to a Sender.
type Dispatcher struct {
	sender Sender
	// bcc receives a copy of every alert, e.g. a support inbox.
	bcc []string
}

func NewDispatcher(sender Sender, bcc []string) *Dispatcher {
	return &Dispatcher{sender: sender, bcc: bcc}
}

// Notify implements billing.Notifier.
func (d *Dispatcher) Notify(ctx context.Context, msg billing.Message) error {
	email, err := Render(msg)
	if err != nil {
		return err
	}
	email.To = append(email.To, d.bcc...)
	if err := d.sender.Send(ctx, email); err != nil {
		log.Errorf("[Mail] Failed to send %s to user %d: %v", msg.Template, msg.UserID, err)
		return err
	}
	return nil
}

// Render turns a notification into an email.
func Render(msg billing.Message) (Email, error) {
	tpl, ok := templates[msg.Template]
	if !ok {
		return Email{}, fmt.Errorf("mail: unknown template %q", msg.Template)
	}

	to := make([]string, 0, len(msg.Recipients))
	for _, r := range msg.Recipients {
		if r = strings.TrimSpace(r); r != "" {
			to = append(to, r)
		}
	}
	if len(to) == 0 {
		return Email{}, ErrNoRecipients
	}

	tokens := msg.Tokens
	if tokens == nil {
		tokens = map[string]string{}
	}
	var buf bytes.Buffer
	if err := tpl.body.Execute(&buf, tokens); err != nil {
		return Email{}, fmt.Errorf("render %s: %w", msg.Template, err)
	}
	return Email{
		To:       to,
		Subject:  tpl.subject,
		HTMLBody: buf.String(),
		Tag:      msg.Template,
	}, nil
}
