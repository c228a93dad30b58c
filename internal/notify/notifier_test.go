package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/storefront-payments/internal/model"
)

type stubSender struct {
	err      error
	sent     []Message
	deadline bool
}

func (s *stubSender) Send(ctx context.Context, msg Message) error {
	_, s.deadline = ctx.Deadline()
	s.sent = append(s.sent, msg)
	return s.err
}

func testConfirmation() Confirmation {
	return Confirmation{
		SessionID: "sess_1",
		Email:     "a@x.com",
		Name:      "Alice",
		Items:     []model.Item{{Name: "Print <A3>", Quantity: 2, UnitPrice: 2500}},
		Total:     5000,
		Currency:  "eur",
		ShippingAddress: &model.Address{
			Name:       "Alice",
			Line1:      "Main 1",
			City:       "Berlin",
			PostalCode: "10115",
			Country:    "DE",
		},
	}
}

func TestSendOrderConfirmation_NoSender(t *testing.T) {
	n := NewNotifier(nil, 0, zap.NewNop())
	assert.True(t, n.SendOrderConfirmation(context.Background(), testConfirmation()))

	var nilNotifier *Notifier
	assert.True(t, nilNotifier.SendOrderConfirmation(context.Background(), testConfirmation()))
}

func TestSendOrderConfirmation_Success(t *testing.T) {
	sender := &stubSender{}
	n := NewNotifier(sender, time.Second, zap.NewNop())

	ok := n.SendOrderConfirmation(context.Background(), testConfirmation())
	require.True(t, ok)
	require.Len(t, sender.sent, 1)
	assert.True(t, sender.deadline, "send must run under a deadline")
	assert.Equal(t, "a@x.com", sender.sent[0].To)
}

func TestSendOrderConfirmation_FailureIsSwallowed(t *testing.T) {
	sender := &stubSender{err: errors.New("unexpected status: 500")}
	n := NewNotifier(sender, time.Second, zap.NewNop())

	assert.False(t, n.SendOrderConfirmation(context.Background(), testConfirmation()))
}

func TestCompose(t *testing.T) {
	msg, err := Compose(testConfirmation())
	require.NoError(t, err)

	assert.Equal(t, "a@x.com", msg.To)
	assert.NotEmpty(t, msg.Subject)
	assert.Contains(t, msg.HTML, "Print &lt;A3&gt;")
	assert.Contains(t, msg.HTML, "50.00 EUR")
	assert.Contains(t, msg.Text, "2 x Print <A3>  25.00 EUR")
	assert.Contains(t, msg.Text, "10115 Berlin")

	again, err := Compose(testConfirmation())
	require.NoError(t, err)
	assert.Equal(t, msg.IdempotencyKey, again.IdempotencyKey)
	assert.True(t, strings.Count(msg.IdempotencyKey, "-") == 4)
}

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		minor    int64
		currency string
		want     string
	}{
		{minor: 5000, currency: "eur", want: "50.00 EUR"},
		{minor: 199, currency: "USD", want: "1.99 USD"},
		{minor: 5, currency: "usd", want: "0.05 USD"},
		{minor: 1500, currency: "jpy", want: "1500 JPY"},
		{minor: 1234, currency: "", want: "12.34"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatAmount(tt.minor, tt.currency))
		})
	}
}
