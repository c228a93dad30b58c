// Package signature проверяет подлинность уведомлений платёжной системы.
package signature

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"
)

// DefaultTolerance допустимое расхождение между меткой времени подписи и текущим временем.
const DefaultTolerance = webhook.DefaultTolerance

var (
	// ErrMissingSignature возвращается, если заголовок подписи отсутствует.
	ErrMissingSignature = errors.New("missing signature header")
	// ErrInvalidSignature возвращается, если подпись не совпала или устарела.
	ErrInvalidSignature = errors.New("invalid signature")
)

// Verifier проверяет подпись тела запроса общим секретом.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// NewVerifier создаёт Verifier. Нулевой tolerance заменяется на DefaultTolerance.
func NewVerifier(secret string, tolerance time.Duration) (*Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("webhook secret is empty")
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}

	return &Verifier{
		secret:    secret,
		tolerance: tolerance,
	}, nil
}

// Verify проверяет подпись payload по значению заголовка.
// payload должен быть телом запроса в исходном виде, без повторной сериализации.
func (v *Verifier) Verify(payload []byte, header string) error {
	if strings.TrimSpace(header) == "" {
		return ErrMissingSignature
	}

	if err := webhook.ValidatePayloadWithTolerance(payload, header, v.secret, v.tolerance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	return nil
}
