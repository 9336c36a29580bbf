package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockroom/config"
	"stockroom/logging"
)

type fakeSender struct {
	mu      sync.Mutex
	sent    []Message
	fail    map[string]error
	pingErr error
	pinged  int
}

func (f *fakeSender) Send(_ context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[msg.To]; err != nil {
		return err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) Ping(context.Context) error {
	f.pinged++
	return f.pingErr
}

var testNow = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

func enabledSMTP() config.SMTP {
	return config.SMTP{
		Enabled:        true,
		Server:         "smtp.example.com",
		Port:           587,
		SenderEmail:    "shop@example.com",
		SenderPassword: "app-password",
		AdminEmail:     "admin@example.com",
		OwnerEmail:     "owner@example.com",
	}
}

func newTestNotifier(cfg config.SMTP) (*Notifier, *fakeSender) {
	fs := &fakeSender{}
	n := New(cfg, "Kika's Shop", logging.Nop(), WithSender(fs), WithClock(func() time.Time { return testNow }))
	return n, fs
}

func TestNotifyPasswordIssued(t *testing.T) {
	n, fs := newTestNotifier(enabledSMTP())

	err := n.NotifyPasswordIssued(context.Background(), "w1@example.com", "Worker <One>", "w1", "Tmp-Pass_01")
	require.NoError(t, err)
	require.Len(t, fs.sent, 1)

	msg := fs.sent[0]
	assert.Equal(t, "w1@example.com", msg.To)
	assert.Equal(t, "shop@example.com", msg.From)
	assert.Equal(t, "Your Kika's Shop Account Password", msg.Subject)
	assert.Contains(t, msg.HTMLBody, "<code>Tmp-Pass_01</code>")
	assert.Contains(t, msg.HTMLBody, "Worker &lt;One&gt;")
	assert.NotContains(t, msg.HTMLBody, "<One>")
}

func TestNotifyInventoryChange(t *testing.T) {
	n, fs := newTestNotifier(enabledSMTP())

	changes := []Change{
		{ItemID: "id-1", Name: "Linen shirt", OldQuantity: 4, NewQuantity: 1},
		{ItemID: "id-2", OldQuantity: 0, NewQuantity: 7},
	}
	require.NoError(t, n.NotifyInventoryChange(context.Background(), changes, "w1"))
	require.Len(t, fs.sent, 2)

	assert.Equal(t, "admin@example.com", fs.sent[0].To)
	assert.Equal(t, "owner@example.com", fs.sent[1].To)
	body := fs.sent[0].HTMLBody
	assert.Contains(t, body, "Linen shirt (id-1): 4")
	assert.Contains(t, body, "Item ID: id-2: 0")
	assert.Contains(t, body, "<b>Changed by:</b> w1")
	assert.Contains(t, body, "2025-03-14 09:30:00")
	assert.Equal(t, "Kika's Shop - Inventory Changes - 2025-03-14 09:30", fs.sent[0].Subject)
}

func TestNotifyInventoryChange_PartialFailure(t *testing.T) {
	n, fs := newTestNotifier(enabledSMTP())
	boom := errors.New("mailbox unavailable")
	fs.fail = map[string]error{"admin@example.com": boom}

	err := n.NotifyInventoryChange(context.Background(), []Change{{ItemID: "x", NewQuantity: 1}}, "owner")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	require.Len(t, fs.sent, 1, "the owner must still be notified")
	assert.Equal(t, "owner@example.com", fs.sent[0].To)
}

func TestNotifierGuards(t *testing.T) {
	disabled := enabledSMTP()
	disabled.Enabled = false
	n, fs := newTestNotifier(disabled)
	assert.ErrorIs(t, n.NotifyPasswordIssued(context.Background(), "a@b.c", "A", "a", "p"), ErrDisabled)
	assert.False(t, n.Enabled())

	unconfigured := enabledSMTP()
	unconfigured.SenderPassword = ""
	n, _ = newTestNotifier(unconfigured)
	assert.ErrorIs(t, n.NotifyInventoryChange(context.Background(), nil, "x"), ErrNotConfigured)

	noRecipients := enabledSMTP()
	noRecipients.AdminEmail, noRecipients.OwnerEmail = "", ""
	n, _ = newTestNotifier(noRecipients)
	assert.ErrorIs(t, n.NotifyInventoryChange(context.Background(), nil, "x"), ErrNoRecipients)
	assert.ErrorIs(t, n.NotifyPasswordIssued(context.Background(), "", "A", "a", "p"), ErrNoRecipients)

	assert.Empty(t, fs.sent)
}

func TestTestConnection(t *testing.T) {
	cfg := enabledSMTP()
	cfg.Enabled = false
	n, fs := newTestNotifier(cfg)

	require.NoError(t, n.TestConnection(context.Background()), "testing works while notifications are off")
	assert.Equal(t, 1, fs.pinged)

	fs.pingErr = errors.New("535 auth failed")
	assert.Error(t, n.TestConnection(context.Background()))

	n, _ = newTestNotifier(config.SMTP{})
	assert.ErrorIs(t, n.TestConnection(context.Background()), ErrNotConfigured)
}

func TestFormatMessage(t *testing.T) {
	raw := string(formatMessage(Message{
		From:     "shop@example.com",
		To:       "w1@example.com",
		Subject:  "Café stock",
		HTMLBody: "<p>hi</p>",
		Date:     testNow,
	}))

	head, body, ok := strings.Cut(raw, "\r\n\r\n")
	require.True(t, ok)
	assert.Equal(t, "<p>hi</p>", body)
	assert.Contains(t, head, "To: w1@example.com\r\n")
	assert.Contains(t, head, "Subject: =?utf-8?q?Caf=C3=A9_stock?=")
	assert.Contains(t, head, "Content-Type: text/html; charset=UTF-8")
	assert.Contains(t, head, "Date: Fri, 14 Mar 2025 09:30:00 +0000")
}
