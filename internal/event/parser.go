// Package event разбирает проверенные уведомления платёжной системы в доменные события.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"

	"github.com/mmeshcher/storefront-payments/internal/model"
	"github.com/mmeshcher/storefront-payments/internal/validation"
)

// ErrMalformedPayload возвращается, если в уведомлении нет обязательных полей или оно не является JSON.
var ErrMalformedPayload = errors.New("malformed event payload")

// ItemsMetadataKey ключ метаданных сессии, в котором при создании сессии сохраняется список позиций.
const ItemsMetadataKey = "items"

var kinds = map[stripe.EventType]model.EventKind{
	"checkout.session.completed":               model.EventKindCompleted,
	"checkout.session.async_payment_succeeded": model.EventKindCompleted,
	"checkout.session.expired":                 model.EventKindExpired,
	"checkout.session.async_payment_failed":    model.EventKindFailed,
	"payment_intent.payment_failed":            model.EventKindFailed,
}

type addressObject struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

type shippingObject struct {
	Name    string         `json:"name"`
	Address *addressObject `json:"address"`
}

type customerDetails struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// sessionObject покрывает поля checkout.session и payment_intent, нужные конвейеру.
type sessionObject struct {
	ID                   string           `json:"id"`
	AmountTotal          *int64           `json:"amount_total"`
	Amount               *int64           `json:"amount"`
	Currency             string           `json:"currency"`
	PaymentStatus        string           `json:"payment_status"`
	CustomerEmail        string           `json:"customer_email"`
	ReceiptEmail         string           `json:"receipt_email"`
	CustomerDetails      *customerDetails `json:"customer_details"`
	ShippingDetails      *shippingObject  `json:"shipping_details"`
	CollectedInformation *struct {
		ShippingDetails *shippingObject `json:"shipping_details"`
	} `json:"collected_information"`
	Metadata map[string]any `json:"metadata"`
}

// Parse разбирает тело уведомления. Неизвестные типы событий разбираются в EventKindOther.
// Повреждённый список позиций в метаданных не считается ошибкой: событие получает пустой список.
func Parse(payload []byte) (*model.PaymentEvent, error) {
	var raw stripe.Event
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	if raw.Type == "" {
		return nil, fmt.Errorf("%w: event type is empty", ErrMalformedPayload)
	}
	if raw.Data == nil || len(raw.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: data.object is missing", ErrMalformedPayload)
	}

	kind, ok := kinds[raw.Type]
	if !ok {
		kind = model.EventKindOther
	}

	// Объекты неизвестных событий могут не иметь id и иметь другую форму: такие события не отклоняются.
	var obj sessionObject
	if err := json.Unmarshal(raw.Data.Raw, &obj); err != nil {
		if kind != model.EventKindOther {
			return nil, fmt.Errorf("%w: decode data.object: %v", ErrMalformedPayload, err)
		}
		obj = sessionObject{}
	}
	if obj.ID == "" && kind != model.EventKindOther {
		return nil, fmt.Errorf("%w: data.object.id is empty", ErrMalformedPayload)
	}

	ev := &model.PaymentEvent{
		ID:              raw.ID,
		Kind:            kind,
		Type:            string(raw.Type),
		SessionID:       obj.ID,
		CustomerEmail:   validation.NormalizeEmail(customerEmail(&obj)),
		CustomerName:    customerName(&obj),
		AmountTotal:     amount(&obj),
		Currency:        strings.ToLower(obj.Currency),
		PaymentStatus:   obj.PaymentStatus,
		ShippingAddress: shippingAddress(&obj),
		Items:           []model.Item{},
		Tags:            map[string]string{},
	}
	if raw.Created > 0 {
		ev.CreatedAt = time.Unix(raw.Created, 0).UTC()
	}

	for k, v := range obj.Metadata {
		if k == ItemsMetadataKey {
			ev.Items = ParseItems(v)
			continue
		}
		ev.Tags[k] = metadataString(v)
	}

	return ev, nil
}

// ParseItems разбирает список позиций из значения метаданных.
// Значение может быть JSON-строкой или уже разобранным массивом; при любой ошибке возвращается пустой список.
func ParseItems(v any) []model.Item {
	var data []byte
	switch val := v.(type) {
	case string:
		data = []byte(val)
	case []any:
		b, err := json.Marshal(val)
		if err != nil {
			return []model.Item{}
		}
		data = b
	default:
		return []model.Item{}
	}

	var items []model.Item
	if err := json.Unmarshal(data, &items); err != nil || items == nil {
		return []model.Item{}
	}

	return items
}

func customerEmail(obj *sessionObject) string {
	if obj.CustomerDetails != nil && strings.TrimSpace(obj.CustomerDetails.Email) != "" {
		return obj.CustomerDetails.Email
	}
	if obj.CustomerEmail != "" {
		return obj.CustomerEmail
	}
	return obj.ReceiptEmail
}

func customerName(obj *sessionObject) string {
	if obj.CustomerDetails != nil && strings.TrimSpace(obj.CustomerDetails.Name) != "" {
		return strings.TrimSpace(obj.CustomerDetails.Name)
	}
	if s := shipping(obj); s != nil {
		return strings.TrimSpace(s.Name)
	}
	return ""
}

func amount(obj *sessionObject) int64 {
	switch {
	case obj.AmountTotal != nil:
		return *obj.AmountTotal
	case obj.Amount != nil:
		return *obj.Amount
	default:
		return 0
	}
}

func shipping(obj *sessionObject) *shippingObject {
	if obj.CollectedInformation != nil && obj.CollectedInformation.ShippingDetails != nil {
		return obj.CollectedInformation.ShippingDetails
	}
	return obj.ShippingDetails
}

func shippingAddress(obj *sessionObject) *model.Address {
	s := shipping(obj)
	if s == nil || s.Address == nil {
		return nil
	}

	addr := model.Address{
		Name:       strings.TrimSpace(s.Name),
		Line1:      strings.TrimSpace(s.Address.Line1),
		Line2:      strings.TrimSpace(s.Address.Line2),
		City:       strings.TrimSpace(s.Address.City),
		State:      strings.TrimSpace(s.Address.State),
		PostalCode: strings.TrimSpace(s.Address.PostalCode),
		Country:    strings.ToUpper(strings.TrimSpace(s.Address.Country)),
	}
	if addr.IsZero() {
		return nil
	}

	return &addr
}

func metadataString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}
