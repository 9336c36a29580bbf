// Package notify sends shop e-mail: temporary passwords to workers and stock
// change summaries to the admin and owner.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"time"

	"stockroom/config"
	"stockroom/logging"
)

var (
	ErrDisabled      = errors.New("email notifications are disabled")
	ErrNotConfigured = errors.New("email is not configured")
	ErrNoRecipients  = errors.New("no recipients configured")
)

// Message is one HTML e-mail to a single recipient.
type Message struct {
	From     string
	To       string
	Subject  string
	HTMLBody string
	Date     time.Time
}

// Sender delivers messages. The SMTP implementation is the default.
type Sender interface {
	Send(ctx context.Context, msg Message) error
	Ping(ctx context.Context) error
}

// Change is one stock movement reported to the admin and owner.
type Change struct {
	ItemID      string
	Name        string
	OldQuantity int
	NewQuantity int
}

type Notifier struct {
	cfg     config.SMTP
	appName string
	sender  Sender
	log     logging.Logger
	now     func() time.Time
}

type Option func(*Notifier)

func WithSender(s Sender) Option {
	return func(n *Notifier) { n.sender = s }
}

func WithClock(now func() time.Time) Option {
	return func(n *Notifier) { n.now = now }
}

func New(cfg config.SMTP, appName string, log logging.Logger, opts ...Option) *Notifier {
	n := &Notifier{
		cfg:     cfg,
		appName: appName,
		log:     log,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.sender == nil {
		n.sender = NewSMTPSender(cfg)
	}
	return n
}

func (n *Notifier) ready() error {
	if !n.cfg.Enabled {
		return ErrDisabled
	}
	if !n.cfg.Configured() {
		return ErrNotConfigured
	}
	return nil
}

// Enabled reports whether messages will actually be sent.
func (n *Notifier) Enabled() bool {
	return n.ready() == nil
}

var passwordTmpl = template.Must(template.New("password").Parse(`<html>
<body>
<h2>Account Information</h2>
<p>Hello {{.FullName}},</p>
<p>Your {{.AppName}} account has been created or reset.</p>
<p><b>Username:</b> {{.Username}}</p>
<p><b>Temporary Password:</b> <code>{{.TempPassword}}</code></p>
<p>Log in with the username and temporary password above. You will be asked to choose a new password immediately.</p>
<p><b>Important:</b> Do not share this password with anyone.</p>
<hr>
<p><small>This is an automated message from {{.AppName}}</small></p>
</body>
</html>`))

var changesTmpl = template.Must(template.New("changes").Parse(`<html>
<body>
<h2>Inventory Update Notification</h2>
<p>Changes were made to the {{.AppName}} inventory:</p>
<ul>
{{- range .Changes}}
<li>{{if .Name}}{{.Name}} ({{.ItemID}}){{else}}Item ID: {{.ItemID}}{{end}}: {{.OldQuantity}} &rarr; {{.NewQuantity}}</li>
{{- end}}
</ul>
<p><b>Changed by:</b> {{.ChangedBy}}</p>
<p><b>Time:</b> {{.Time}}</p>
<hr>
<p><small>This is an automated notification from {{.AppName}}</small></p>
</body>
</html>`))

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering %s email: %w", t.Name(), err)
	}
	return buf.String(), nil
}

// NotifyPasswordIssued mails a new or reset temporary password to a worker.
func (n *Notifier) NotifyPasswordIssued(ctx context.Context, email, fullName, username, tempPassword string) error {
	if err := n.ready(); err != nil {
		return err
	}
	if email == "" {
		return ErrNoRecipients
	}

	body, err := render(passwordTmpl, map[string]string{
		"AppName":      n.appName,
		"FullName":     fullName,
		"Username":     username,
		"TempPassword": tempPassword,
	})
	if err != nil {
		return err
	}
	return n.send(ctx, email, fmt.Sprintf("Your %s Account Password", n.appName), body)
}

// NotifyInventoryChange mails a summary of stock changes to the admin and
// owner addresses. Every recipient is attempted.
func (n *Notifier) NotifyInventoryChange(ctx context.Context, changes []Change, changedBy string) error {
	if err := n.ready(); err != nil {
		return err
	}
	var recipients []string
	for _, addr := range []string{n.cfg.AdminEmail, n.cfg.OwnerEmail} {
		if addr != "" {
			recipients = append(recipients, addr)
		}
	}
	if len(recipients) == 0 {
		return ErrNoRecipients
	}

	now := n.now()
	body, err := render(changesTmpl, map[string]any{
		"AppName":   n.appName,
		"Changes":   changes,
		"ChangedBy": changedBy,
		"Time":      now.Format("2006-01-02 15:04:05"),
	})
	if err != nil {
		return err
	}
	subject := fmt.Sprintf("%s - Inventory Changes - %s", n.appName, now.Format("2006-01-02 15:04"))

	var errs []error
	for _, to := range recipients {
		if err := n.send(ctx, to, subject, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// TestConnection logs in to the SMTP server without sending anything.
func (n *Notifier) TestConnection(ctx context.Context) error {
	if n.cfg.Server == "" || n.cfg.SenderEmail == "" || n.cfg.SenderPassword == "" {
		return ErrNotConfigured
	}
	return n.sender.Ping(ctx)
}

func (n *Notifier) send(ctx context.Context, to, subject, body string) error {
	err := n.sender.Send(ctx, Message{
		From:     n.cfg.SenderEmail,
		To:       to,
		Subject:  subject,
		HTMLBody: body,
		Date:     n.now(),
	})
	if err != nil {
		n.log.Error(ctx, "email delivery failed", "to", to, "error", err)
		return fmt.Errorf("sending email to %s: %w", to, err)
	}
	n.log.Info(ctx, "email sent", "to", to, "subject", subject)
	return nil
}
