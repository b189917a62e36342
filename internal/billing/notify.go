package billing

import (
	"context"
	"fmt"

	"github.com/matcornic/hermes/v2"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"controlplane/internal/model"
)

// Notifier renders and delivers the transactional emails the billing
// scheduler emits for low-credit warnings, grace-period reminders, and
// suspension notices.
type Notifier interface {
	LowCredit(ctx context.Context, user *model.User, sub *model.Subscription, daysUntilBilling int) error
	GracePeriodStarted(ctx context.Context, user *model.User, sub *model.Subscription) error
	GracePeriodReminder(ctx context.Context, user *model.User, sub *model.Subscription, daysLeft int) error
	Suspended(ctx context.Context, user *model.User, sub *model.Subscription) error
	Expired(ctx context.Context, user *model.User, sub *model.Subscription) error
}

// NoopNotifier discards every notification; selected when no SendGrid key
// is configured so the scheduler still runs without an email provider.
type NoopNotifier struct{}

func (NoopNotifier) LowCredit(context.Context, *model.User, *model.Subscription, int) error { return nil }
func (NoopNotifier) GracePeriodStarted(context.Context, *model.User, *model.Subscription) error {
	return nil
}
func (NoopNotifier) GracePeriodReminder(context.Context, *model.User, *model.Subscription, int) error {
	return nil
}
func (NoopNotifier) Suspended(context.Context, *model.User, *model.Subscription) error { return nil }
func (NoopNotifier) Expired(context.Context, *model.User, *model.Subscription) error   { return nil }

// EmailNotifier delivers notifications via SendGrid, with bodies rendered
// by hermes into a consistent transactional-email layout.
type EmailNotifier struct {
	client    *sendgrid.Client
	fromEmail string
	fromName  string
	generator hermes.Hermes
}

// NewEmailNotifier constructs an EmailNotifier. Every send goes through
// the SendGrid API; there is no log-only mode for an empty apiKey.
func NewEmailNotifier(apiKey, fromEmail, fromName string) *EmailNotifier {
	return &EmailNotifier{
		client:    sendgrid.NewSendClient(apiKey),
		fromEmail: fromEmail,
		fromName:  fromName,
		generator: hermes.Hermes{
			Product: hermes.Product{
				Name:        fromName,
				Copyright:   "",
				TroubleText: "If the button above doesn't work, contact support.",
			},
		},
	}
}

func (n *EmailNotifier) render(subject, intro string, dictionary [][]hermes.Entry, outro string) (string, string, error) {
	email := hermes.Email{
		Body: hermes.Body{
			Intros:     []string{intro},
			Dictionary: nil,
			Outros:     []string{outro},
		},
	}
	if len(dictionary) > 0 {
		email.Body.Dictionary = dictionary[0]
	}

	html, err := n.generator.GenerateHTML(email)
	if err != nil {
		return "", "", fmt.Errorf("billing.render: generating html: %w", err)
	}
	plain, err := n.generator.GeneratePlainText(email)
	if err != nil {
		return "", "", fmt.Errorf("billing.render: generating plain text: %w", err)
	}
	return html, plain, nil
}

func (n *EmailNotifier) send(ctx context.Context, to, subject, intro string, dictionary []hermes.Entry, outro string) error {
	html, plain, err := n.render(subject, intro, [][]hermes.Entry{dictionary}, outro)
	if err != nil {
		return err
	}

	from := mail.NewEmail(n.fromName, n.fromEmail)
	m := mail.NewV3Mail()
	m.SetFrom(from)
	m.Subject = subject
	personalization := mail.NewPersonalization()
	personalization.AddTos(mail.NewEmail("", to))
	m.AddPersonalizations(personalization)
	m.AddContent(mail.NewContent("text/plain", plain))
	m.AddContent(mail.NewContent("text/html", html))

	resp, err := n.client.SendWithContext(ctx, m)
	if err != nil {
		return fmt.Errorf("billing.send: sendgrid request failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("billing.send: sendgrid returned status %d: %s", resp.StatusCode, resp.Body)
	}
	return nil
}

// LowCredit warns that the upcoming renewal will likely fail for lack of credit.
func (n *EmailNotifier) LowCredit(ctx context.Context, user *model.User, sub *model.Subscription, daysUntilBilling int) error {
	return n.send(ctx, user.Email, "Your balance may not cover your next renewal",
		fmt.Sprintf("Your subscription renews in %d day(s) and your current balance may not cover it.", daysUntilBilling),
		[]hermes.Entry{
			{Key: "Renewal amount", Value: fmt.Sprintf("%d", sub.MonthlyPrice)},
			{Key: "Current balance", Value: fmt.Sprintf("%d", user.CreditBalance)},
		},
		"Top up your balance to avoid a service interruption.")
}

// GracePeriodStarted notifies the user that a renewal failed and the
// subscription is now in its grace window.
func (n *EmailNotifier) GracePeriodStarted(ctx context.Context, user *model.User, sub *model.Subscription) error {
	deadline := ""
	if sub.GracePeriodEnd != nil {
		deadline = sub.GracePeriodEnd.Format("2006-01-02")
	}
	return n.send(ctx, user.Email, "Renewal failed — grace period started",
		"We couldn't renew your subscription because of insufficient credit.",
		[]hermes.Entry{{Key: "Resolve by", Value: deadline}},
		"Add credit before the deadline to avoid suspension.")
}

// GracePeriodReminder is sent daily while a subscription sits in its grace window.
func (n *EmailNotifier) GracePeriodReminder(ctx context.Context, user *model.User, sub *model.Subscription, daysLeft int) error {
	return n.send(ctx, user.Email, "Reminder: your subscription is still unpaid",
		fmt.Sprintf("%d day(s) remain before your subscription is suspended.", daysLeft),
		nil,
		"Add credit now to keep your service running without interruption.")
}

// Suspended notifies that the subscription has been suspended and its instance stopped.
func (n *EmailNotifier) Suspended(ctx context.Context, user *model.User, sub *model.Subscription) error {
	return n.send(ctx, user.Email, "Subscription suspended",
		"Your subscription has been suspended because its grace period ended without payment.",
		nil,
		"Your instance has been stopped but its data is retained. Add credit to resume service.")
}

// Expired notifies that the subscription has expired and its instance terminated.
func (n *EmailNotifier) Expired(ctx context.Context, user *model.User, sub *model.Subscription) error {
	return n.send(ctx, user.Email, "Subscription expired",
		"Your subscription has expired and its instance has been terminated.",
		nil,
		"Subscribe again from the catalog to provision a new instance.")
}
