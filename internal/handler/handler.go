// Package handler содержит HTTP-обработчики сервиса приёма платёжных событий.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/storefront-payments/internal/event"
	"github.com/mmeshcher/storefront-payments/internal/middleware"
	"github.com/mmeshcher/storefront-payments/internal/model"
)

// DefaultProcessTimeout ограничивает обработку одного события.
const DefaultProcessTimeout = 20 * time.Second

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Dispatch(ctx context.Context, ev *model.PaymentEvent) (model.Outcome, error)
}

// Pinger проверяет доступность хранилища.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler реализует HTTP-обработчики сервиса.
type Handler struct {
	service        Service
	pinger         Pinger
	logger         *zap.Logger
	signature      *middleware.SignatureMiddleware
	processTimeout time.Duration
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, p Pinger, logger *zap.Logger, sig *middleware.SignatureMiddleware, processTimeout time.Duration) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if processTimeout <= 0 {
		processTimeout = DefaultProcessTimeout
	}

	return &Handler{
		service:        s,
		pinger:         p,
		logger:         logger,
		signature:      sig,
		processTimeout: processTimeout,
	}
}

type webhookResponse struct {
	Received bool          `json:"received"`
	Status   model.Outcome `json:"status"`
}

// StripeWebhook разбирает проверенное событие и передаёт его в обработку.
// 400 означает, что повторная доставка бессмысленна, 500 просит платёжную систему повторить.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, ok := middleware.GetPayloadFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	ev, err := event.Parse(payload)
	if err != nil {
		h.logger.Warn("malformed webhook payload", zap.Error(err))
		http.Error(w, "Webhook Error: malformed payload", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.processTimeout)
	defer cancel()

	outcome, err := h.service.Dispatch(ctx, ev)
	if err != nil {
		h.logger.Error("dispatch event error",
			zap.Error(err),
			zap.String("event_id", ev.ID),
			zap.String("session_id", ev.SessionID),
			zap.Bool("timeout", errors.Is(err, context.DeadlineExceeded)),
		)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(webhookResponse{Received: true, Status: outcome}); err != nil {
		h.logger.Error("encode webhook response error", zap.Error(err))
	}
}

// Healthz сообщает о доступности базы данных.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := h.pinger.Ping(ctx); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
}
