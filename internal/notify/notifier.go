package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/storefront-payments/internal/model"
)

// DefaultTimeout ограничивает время одной отправки уведомления.
const DefaultTimeout = 10 * time.Second

// Пространство имён для детерминированных ключей идемпотентности писем.
var confirmationNamespace = uuid.MustParse("6f1c8a3e-4b57-4e0e-9a55-2d6c1f0b7e41")

// Confirmation содержит данные для письма о подтверждении заказа.
type Confirmation struct {
	SessionID       string
	Email           string
	Name            string
	Items           []model.Item
	Total           int64
	Currency        string
	ShippingAddress *model.Address
}

// Notifier формирует и отправляет подтверждения заказов.
// Ошибки доставки только логируются и никогда не возвращаются вызывающему коду.
type Notifier struct {
	sender  Sender
	timeout time.Duration
	logger  *zap.Logger
}

// NewNotifier создаёт Notifier. При sender == nil отправка становится пустой операцией.
func NewNotifier(sender Sender, timeout time.Duration, logger *zap.Logger) *Notifier {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Notifier{
		sender:  sender,
		timeout: timeout,
		logger:  logger,
	}
}

// SendOrderConfirmation отправляет письмо о подтверждении заказа и сообщает, удалась ли отправка.
func (n *Notifier) SendOrderConfirmation(ctx context.Context, c Confirmation) bool {
	if n == nil || n.sender == nil {
		return true
	}

	msg, err := Compose(c)
	if err != nil {
		n.logger.Error("compose order confirmation error", zap.Error(err), zap.String("session_id", c.SessionID))
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	if err := n.sender.Send(ctx, msg); err != nil {
		n.logger.Error("send order confirmation error",
			zap.Error(err),
			zap.String("session_id", c.SessionID),
			zap.String("email", c.Email),
		)
		return false
	}

	n.logger.Info("order confirmation sent", zap.String("session_id", c.SessionID))
	return true
}

var confirmationTemplate = template.Must(template.New("confirmation").Parse(`<!DOCTYPE html>
<html>
<body>
<h1>Thank you for your order{{if .Name}}, {{.Name}}{{end}}!</h1>
<p>Order reference: {{.SessionID}}</p>
{{if .Items}}<table>
<tr><th>Item</th><th>Qty</th><th>Price</th></tr>
{{range .Items}}<tr><td>{{.Name}}</td><td>{{.Quantity}}</td><td>{{.Price}}</td></tr>
{{end}}</table>{{end}}
<p><strong>Total: {{.Total}}</strong></p>
{{with .Address}}<p>Shipping to:<br>{{range .}}{{.}}<br>{{end}}</p>{{end}}
</body>
</html>
`))

type confirmationView struct {
	Name      string
	SessionID string
	Items     []itemView
	Total     string
	Address   []string
}

type itemView struct {
	Name     string
	Quantity int64
	Price    string
}

// Compose собирает письмо о подтверждении заказа.
func Compose(c Confirmation) (Message, error) {
	view := confirmationView{
		Name:      c.Name,
		SessionID: c.SessionID,
		Total:     FormatAmount(c.Total, c.Currency),
		Address:   addressLines(c.ShippingAddress),
	}
	for _, it := range c.Items {
		view.Items = append(view.Items, itemView{
			Name:     it.Name,
			Quantity: it.Quantity,
			Price:    FormatAmount(it.UnitPrice, c.Currency),
		})
	}

	var html bytes.Buffer
	if err := confirmationTemplate.Execute(&html, view); err != nil {
		return Message{}, fmt.Errorf("render template: %w", err)
	}

	var text strings.Builder
	fmt.Fprintf(&text, "Thank you for your order!\nOrder reference: %s\n\n", c.SessionID)
	for _, it := range view.Items {
		fmt.Fprintf(&text, "%d x %s  %s\n", it.Quantity, it.Name, it.Price)
	}
	fmt.Fprintf(&text, "\nTotal: %s\n", view.Total)
	if len(view.Address) > 0 {
		fmt.Fprintf(&text, "\nShipping to:\n%s\n", strings.Join(view.Address, "\n"))
	}

	return Message{
		To:             c.Email,
		Subject:        "Your order confirmation",
		HTML:           html.String(),
		Text:           text.String(),
		IdempotencyKey: uuid.NewSHA1(confirmationNamespace, []byte(c.SessionID)).String(),
	}, nil
}

func addressLines(a *model.Address) []string {
	if a == nil {
		return nil
	}

	var lines []string
	for _, l := range []string{a.Name, a.Line1, a.Line2, strings.TrimSpace(a.PostalCode + " " + a.City), a.State, a.Country} {
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}
