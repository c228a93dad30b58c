package event

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/storefront-payments/internal/model"
)

const completedPayload = `{
  "id": "evt_1",
  "object": "event",
  "type": "checkout.session.completed",
  "created": 1700000000,
  "data": {
    "object": {
      "id": "sess_1",
      "object": "checkout.session",
      "amount_total": 5000,
      "currency": "EUR",
      "payment_status": "paid",
      "customer_details": {"email": " A@X.com ", "name": "Alice"},
      "collected_information": {
        "shipping_details": {
          "name": "Alice",
          "address": {"line1": "Main 1", "line2": null, "city": "Berlin", "state": null, "postal_code": "10115", "country": "de"}
        }
      },
      "metadata": {
        "items": "[{\"name\":\"X\",\"quantity\":1,\"unitPrice\":5000,\"productType\":\"print\"}]",
        "source": "web"
      }
    }
  }
}`

func TestParse_Completed(t *testing.T) {
	ev, err := Parse([]byte(completedPayload))
	require.NoError(t, err)

	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, model.EventKindCompleted, ev.Kind)
	assert.Equal(t, "sess_1", ev.SessionID)
	assert.Equal(t, "a@x.com", ev.CustomerEmail)
	assert.Equal(t, "Alice", ev.CustomerName)
	assert.Equal(t, int64(5000), ev.AmountTotal)
	assert.Equal(t, "eur", ev.Currency)
	assert.Equal(t, "paid", ev.PaymentStatus)
	assert.Equal(t, int64(1700000000), ev.CreatedAt.Unix())

	require.Len(t, ev.Items, 1)
	assert.Equal(t, model.Item{Name: "X", Quantity: 1, UnitPrice: 5000, ProductType: "print"}, ev.Items[0])

	require.NotNil(t, ev.ShippingAddress)
	assert.Equal(t, model.Address{
		Name:       "Alice",
		Line1:      "Main 1",
		City:       "Berlin",
		PostalCode: "10115",
		Country:    "DE",
	}, *ev.ShippingAddress)

	assert.Equal(t, map[string]string{"source": "web"}, ev.Tags)
}

func TestParse_Kinds(t *testing.T) {
	tests := []struct {
		eventType string
		want      model.EventKind
	}{
		{eventType: "checkout.session.completed", want: model.EventKindCompleted},
		{eventType: "checkout.session.async_payment_succeeded", want: model.EventKindCompleted},
		{eventType: "checkout.session.expired", want: model.EventKindExpired},
		{eventType: "checkout.session.async_payment_failed", want: model.EventKindFailed},
		{eventType: "payment_intent.payment_failed", want: model.EventKindFailed},
		{eventType: "invoice.paid", want: model.EventKindOther},
		{eventType: "some.future.event", want: model.EventKindOther},
	}

	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			payload := `{"id":"evt_k","type":"` + tt.eventType + `","data":{"object":{"id":"obj_1"}}}`

			ev, err := Parse([]byte(payload))
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev.Kind)
			assert.Equal(t, tt.eventType, ev.Type)
		})
	}
}

func TestParse_OptionalFieldsAbsent(t *testing.T) {
	payload := `{"id":"evt_2","type":"checkout.session.completed","data":{"object":{"id":"sess_2","amount_total":3000,"currency":"eur"}}}`

	ev, err := Parse([]byte(payload))
	require.NoError(t, err)

	assert.Empty(t, ev.CustomerEmail)
	assert.Empty(t, ev.CustomerName)
	assert.Nil(t, ev.ShippingAddress)
	assert.NotNil(t, ev.Items)
	assert.Empty(t, ev.Items)
	assert.Empty(t, ev.Tags)
}

func TestParse_MalformedItemsDegrade(t *testing.T) {
	payload := `{"id":"evt_3","type":"checkout.session.completed","data":{"object":{
		"id":"sess_3","amount_total":1200,"currency":"eur","customer_email":"b@x.com",
		"metadata":{"items":"[{\"name\":\"X\",\"quantity\":"}}}}`

	ev, err := Parse([]byte(payload))
	require.NoError(t, err)

	assert.Equal(t, "sess_3", ev.SessionID)
	assert.Equal(t, "b@x.com", ev.CustomerEmail)
	assert.Empty(t, ev.Items)
}

func TestParse_LegacyShippingDetails(t *testing.T) {
	payload := `{"id":"evt_4","type":"checkout.session.completed","data":{"object":{
		"id":"sess_4","amount_total":100,"currency":"usd",
		"shipping_details":{"name":"Bob","address":{"line1":"Elm 2","city":"Austin","country":"US"}}}}}`

	ev, err := Parse([]byte(payload))
	require.NoError(t, err)

	require.NotNil(t, ev.ShippingAddress)
	assert.Equal(t, "Elm 2", ev.ShippingAddress.Line1)
	assert.Equal(t, "Bob", ev.CustomerName)
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{name: "not json", payload: `not json`},
		{name: "missing type", payload: `{"id":"evt","data":{"object":{"id":"sess"}}}`},
		{name: "missing data", payload: `{"id":"evt","type":"checkout.session.completed"}`},
		{name: "missing session id", payload: `{"id":"evt","type":"checkout.session.completed","data":{"object":{"amount_total":1}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.payload))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedPayload), "got %v", err)
		})
	}
}

func TestParse_UnknownTypeWithoutObjectID(t *testing.T) {
	payload := `{"id":"evt_9","type":"balance.available","data":{"object":{
		"object":"balance","livemode":false,
		"available":[{"amount":1000,"currency":"eur","source_types":{"card":1000}}],
		"pending":[{"amount":0,"currency":"eur"}]}}}`

	ev, err := Parse([]byte(payload))
	require.NoError(t, err)

	assert.Equal(t, model.EventKindOther, ev.Kind)
	assert.Equal(t, "balance.available", ev.Type)
	assert.Equal(t, "evt_9", ev.ID)
	assert.Empty(t, ev.SessionID)
}

func TestParse_SessionKindsRequireObjectID(t *testing.T) {
	for _, typ := range []string{"checkout.session.completed", "checkout.session.expired", "payment_intent.payment_failed"} {
		t.Run(typ, func(t *testing.T) {
			payload := `{"id":"evt","type":"` + typ + `","data":{"object":{"object":"balance"}}}`

			_, err := Parse([]byte(payload))
			assert.ErrorIs(t, err, ErrMalformedPayload)
		})
	}
}

func TestParseItems(t *testing.T) {
	assert.Empty(t, ParseItems(nil))
	assert.Empty(t, ParseItems(42))
	assert.Empty(t, ParseItems("null"))
	assert.Len(t, ParseItems([]any{map[string]any{"name": "Y", "quantity": 2}}), 1)
}
