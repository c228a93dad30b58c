// Package middleware содержит HTTP middleware сервиса приёма платёжных событий.
package middleware

import (
	"context"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"
)

type contextKey string

const payloadKey contextKey = "payload"

const (
	// SignatureHeader заголовок, в котором платёжная система передаёт подпись события.
	SignatureHeader = "Stripe-Signature"
	// MaxPayloadBytes ограничивает размер тела события.
	MaxPayloadBytes = 1 << 20
)

// PayloadVerifier проверяет подпись тела запроса.
type PayloadVerifier interface {
	Verify(payload []byte, header string) error
}

// SignatureMiddleware пропускает дальше только запросы с корректной подписью.
type SignatureMiddleware struct {
	verifier PayloadVerifier
	logger   *zap.Logger
}

// NewSignatureMiddleware создаёт middleware проверки подписи.
func NewSignatureMiddleware(v PayloadVerifier, logger *zap.Logger) *SignatureMiddleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SignatureMiddleware{verifier: v, logger: logger}
}

// Middleware читает тело запроса целиком, проверяет подпись и кладёт проверенные байты в контекст.
// Обработчик должен брать тело из контекста, а не из r.Body.
func (m *SignatureMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxPayloadBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}

		if err := m.verifier.Verify(payload, r.Header.Get(SignatureHeader)); err != nil {
			m.logger.Warn("webhook signature rejected",
				zap.Error(err),
				zap.String("remote_addr", r.RemoteAddr),
			)
			http.Error(w, "Webhook Error: invalid signature", http.StatusBadRequest)
			return
		}

		ctx := context.WithValue(r.Context(), payloadKey, payload)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetPayloadFromContext извлекает проверенное тело события из контекста запроса.
func GetPayloadFromContext(ctx context.Context) ([]byte, bool) {
	payload, ok := ctx.Value(payloadKey).([]byte)
	return payload, ok
}
