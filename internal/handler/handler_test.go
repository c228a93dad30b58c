package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"

	"github.com/mmeshcher/storefront-payments/internal/middleware"
	"github.com/mmeshcher/storefront-payments/internal/model"
	"github.com/mmeshcher/storefront-payments/internal/signature"
)

const testSecret = "whsec_test"

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
      "currency": "eur",
      "customer_details": {"email": "a@x.com", "name": "Alice"},
      "metadata": {"items": "not json"}
    }
  }
}`

type stubService struct {
	outcome model.Outcome
	err     error
	calls   []*model.PaymentEvent
	block   bool
}

func (s *stubService) Dispatch(ctx context.Context, ev *model.PaymentEvent) (model.Outcome, error) {
	s.calls = append(s.calls, ev)
	if s.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return s.outcome, s.err
}

type stubPinger struct {
	err error
}

func (p *stubPinger) Ping(ctx context.Context) error { return p.err }

func newTestRouter(t *testing.T, svc Service, p Pinger, timeout time.Duration) http.Handler {
	t.Helper()

	v, err := signature.NewVerifier(testSecret, signature.DefaultTolerance)
	require.NoError(t, err)

	h := NewHandler(svc, p, zap.NewNop(), middleware.NewSignatureMiddleware(v, zap.NewNop()), timeout)
	return h.SetupRouter()
}

func signedRequest(payload string) *http.Request {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testSecret,
		Timestamp: time.Now(),
	})

	r := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader([]byte(payload)))
	r.Header.Set(middleware.SignatureHeader, signed.Header)
	r.Header.Set("Content-Type", "application/json")
	return r
}

func TestStripeWebhook(t *testing.T) {
	type want struct {
		code   int
		status model.Outcome
		calls  int
	}

	tests := []struct {
		name    string
		payload string
		svc     *stubService
		unsign  bool
		want    want
	}{
		{
			name:    "recorded",
			payload: completedPayload,
			svc:     &stubService{outcome: model.OutcomeRecorded},
			want:    want{code: http.StatusOK, status: model.OutcomeRecorded, calls: 1},
		},
		{
			name:    "duplicate",
			payload: completedPayload,
			svc:     &stubService{outcome: model.OutcomeDuplicate},
			want:    want{code: http.StatusOK, status: model.OutcomeDuplicate, calls: 1},
		},
		{
			name:    "storage failure",
			payload: completedPayload,
			svc:     &stubService{err: errors.New("db down")},
			want:    want{code: http.StatusInternalServerError, calls: 1},
		},
		{
			name:    "malformed payload",
			payload: `{"id":"evt_1","type":"checkout.session.completed","data":{}}`,
			svc:     &stubService{},
			want:    want{code: http.StatusBadRequest, calls: 0},
		},
		{
			name:    "not json",
			payload: `not json`,
			svc:     &stubService{},
			want:    want{code: http.StatusBadRequest, calls: 0},
		},
		{
			name:    "invalid signature",
			payload: completedPayload,
			svc:     &stubService{outcome: model.OutcomeRecorded},
			unsign:  true,
			want:    want{code: http.StatusBadRequest, calls: 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(t, tt.svc, nil, time.Second)

			r := signedRequest(tt.payload)
			if tt.unsign {
				r.Header.Set(middleware.SignatureHeader, "t=1,v1=deadbeef")
			}
			w := httptest.NewRecorder()

			router.ServeHTTP(w, r)

			assert.Equal(t, tt.want.code, w.Code)
			assert.Len(t, tt.svc.calls, tt.want.calls)

			if tt.want.code == http.StatusOK {
				var resp webhookResponse
				require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
				assert.True(t, resp.Received)
				assert.Equal(t, tt.want.status, resp.Status)
			}
		})
	}
}

func TestStripeWebhook_PassesParsedEvent(t *testing.T) {
	svc := &stubService{outcome: model.OutcomeRecorded}
	router := newTestRouter(t, svc, nil, time.Second)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, signedRequest(completedPayload))

	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, svc.calls, 1)

	ev := svc.calls[0]
	assert.Equal(t, "sess_1", ev.SessionID)
	assert.Equal(t, "a@x.com", ev.CustomerEmail)
	assert.Equal(t, int64(5000), ev.AmountTotal)
	assert.Empty(t, ev.Items, "unparsable items degrade to an empty list")
}

func TestStripeWebhook_ProcessTimeout(t *testing.T) {
	svc := &stubService{block: true}
	router := newTestRouter(t, svc, nil, 20*time.Millisecond)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, signedRequest(completedPayload))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHealthz(t *testing.T) {
	tests := []struct {
		name   string
		pinger Pinger
		want   int
	}{
		{name: "no database check", pinger: nil, want: http.StatusOK},
		{name: "database up", pinger: &stubPinger{}, want: http.StatusOK},
		{name: "database down", pinger: &stubPinger{err: errors.New("refused")}, want: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(t, &stubService{}, tt.pinger, time.Second)

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestRouter_MethodNotAllowed(t *testing.T) {
	router := newTestRouter(t, &stubService{}, nil, time.Second)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/webhooks/stripe", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
