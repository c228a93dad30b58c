// Package service реализует обработку платёжных событий: запись заказа, учёт покупателя и уведомление.
package service

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/storefront-payments/internal/model"
	"github.com/mmeshcher/storefront-payments/internal/notify"
)

const (
	// DefaultSweepGrace время, после которого неучтённый заказ подхватывается фоновой сверкой.
	DefaultSweepGrace = 2 * time.Minute
	sweepBatchSize    = 100
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateOrder(ctx context.Context, o *model.Order) (bool, error)
	GetOrder(ctx context.Context, sessionID string) (*model.Order, error)
	ReconcileCustomer(ctx context.Context, e model.LedgerEntry) (bool, error)
	RecordUnattributed(ctx context.Context, ev *model.PaymentEvent) error
	GetUnreconciled(ctx context.Context, before time.Time, limit int) ([]model.LedgerEntry, error)
}

// Notifier отправляет подтверждение заказа и сообщает об успехе отправки.
type Notifier interface {
	SendOrderConfirmation(ctx context.Context, c notify.Confirmation) bool
}

// Publisher публикует события о записанных заказах.
type Publisher interface {
	PublishOrderRecorded(ctx context.Context, o *model.Order) error
}

// DeliveryCache запоминает успешно обработанные доставки.
type DeliveryCache interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

// Service содержит логику обработки платёжных событий.
type Service struct {
	repo       Repository
	notifier   Notifier
	publisher  Publisher
	cache      DeliveryCache
	logger     *zap.Logger
	sweepEvery time.Duration
	sweepGrace time.Duration
	now        func() time.Time
}

// Option настраивает Service.
type Option func(*Service)

// WithPublisher подключает публикацию событий о заказах.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithDeliveryCache подключает кэш обработанных доставок.
func WithDeliveryCache(c DeliveryCache) Option {
	return func(s *Service) { s.cache = c }
}

// WithLedgerSweep задаёт период фоновой сверки покупателей. Нулевой период отключает сверку.
func WithLedgerSweep(every time.Duration) Option {
	return func(s *Service) { s.sweepEvery = every }
}

// NewService создаёт новый сервис с указанным репозиторием и отправителем уведомлений.
func NewService(repo Repository, notifier Notifier, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		repo:       repo,
		notifier:   notifier,
		logger:     logger,
		sweepGrace: DefaultSweepGrace,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// Dispatch обрабатывает проверенное событие в зависимости от его типа.
// Ошибка возвращается только при сбое записи заказа: в этом случае платёжная система должна повторить доставку.
// Сбои учёта покупателя, уведомления и публикации логируются и не влияют на результат.
func (s *Service) Dispatch(ctx context.Context, ev *model.PaymentEvent) (model.Outcome, error) {
	log := s.logger.With(
		zap.String("event_id", ev.ID),
		zap.String("event_type", ev.Type),
		zap.String("session_id", ev.SessionID),
	)

	if s.cache != nil && ev.ID != "" {
		seen, err := s.cache.Seen(ctx, ev.ID)
		if err != nil {
			log.Warn("delivery cache lookup error", zap.Error(err))
		} else if seen {
			log.Info("event already delivered")
			return model.OutcomeAlreadyDelivered, nil
		}
	}

	var (
		outcome model.Outcome
		err     error
	)

	switch ev.Kind {
	case model.EventKindCompleted:
		outcome, err = s.handleCompleted(ctx, ev, log)
	case model.EventKindExpired:
		log.Info("checkout session expired")
		outcome = model.OutcomeObserved
	case model.EventKindFailed:
		log.Warn("payment failed", zap.String("email", ev.CustomerEmail))
		outcome = model.OutcomeObserved
	default:
		log.Debug("unhandled event type")
		outcome = model.OutcomeIgnored
	}

	if err != nil {
		return outcome, err
	}

	if s.cache != nil && ev.ID != "" {
		if err := s.cache.Mark(ctx, ev.ID); err != nil {
			log.Warn("delivery cache mark error", zap.Error(err))
		}
	}

	return outcome, nil
}

func (s *Service) handleCompleted(ctx context.Context, ev *model.PaymentEvent, log *zap.Logger) (model.Outcome, error) {
	if ev.CustomerEmail == "" {
		log.Warn("completed event without customer email, order not recorded",
			zap.Int64("amount_total", ev.AmountTotal),
			zap.String("currency", ev.Currency),
		)
		if err := s.repo.RecordUnattributed(ctx, ev); err != nil {
			log.Error("record unattributed payment error", zap.Error(err))
		}
		return model.OutcomeSkippedNoEmail, nil
	}

	order := NewOrder(ev, s.now())

	created, err := s.repo.CreateOrder(ctx, order)
	if err != nil {
		return "", fmt.Errorf("record order %s: %w", ev.SessionID, err)
	}
	if !created {
		log.Info("order already recorded")
		s.reconcileRecorded(ctx, ev.SessionID, log)
		return model.OutcomeDuplicate, nil
	}

	entry := LedgerEntryFor(order)
	if _, err := s.repo.ReconcileCustomer(ctx, entry); err != nil {
		log.Error("reconcile customer error", zap.Error(err), zap.String("email", entry.Email))
	}

	if s.notifier != nil {
		s.notifier.SendOrderConfirmation(ctx, notify.Confirmation{
			SessionID:       order.SessionID,
			Email:           order.CustomerEmail,
			Name:            order.CustomerName,
			Items:           order.Items,
			Total:           order.Total,
			Currency:        order.Currency,
			ShippingAddress: order.ShippingAddress,
		})
	}

	if s.publisher != nil {
		if err := s.publisher.PublishOrderRecorded(ctx, order); err != nil {
			log.Error("publish order event error", zap.Error(err))
		}
	}

	log.Info("order recorded", zap.Int64("total", order.Total), zap.String("currency", order.Currency))
	return model.OutcomeRecorded, nil
}

// reconcileRecorded доучитывает уже записанный заказ, если при первой доставке сверка покупателя не прошла.
// Данные берутся из сохранённого заказа, а не из повторного события.
func (s *Service) reconcileRecorded(ctx context.Context, sessionID string, log *zap.Logger) {
	stored, err := s.repo.GetOrder(ctx, sessionID)
	if err != nil {
		log.Error("load recorded order error", zap.Error(err))
		return
	}
	if stored.ReconciledAt != nil {
		return
	}

	applied, err := s.repo.ReconcileCustomer(ctx, LedgerEntryFor(stored))
	if err != nil {
		log.Error("reconcile customer error", zap.Error(err), zap.String("email", stored.CustomerEmail))
		return
	}
	if applied {
		log.Info("customer reconciled on redelivery", zap.String("email", stored.CustomerEmail))
	}
}

// NewOrder строит заказ из события. Позиции копируются: заказ хранит снимок на момент оплаты.
func NewOrder(ev *model.PaymentEvent, now time.Time) *model.Order {
	var address *model.Address
	if ev.ShippingAddress != nil {
		a := *ev.ShippingAddress
		address = &a
	}

	items := slices.Clone(ev.Items)
	if items == nil {
		items = []model.Item{}
	}

	return &model.Order{
		SessionID:       ev.SessionID,
		CustomerEmail:   ev.CustomerEmail,
		CustomerName:    ev.CustomerName,
		Items:           items,
		Total:           ev.AmountTotal,
		Currency:        ev.Currency,
		Status:          model.OrderStatusConfirmed,
		ShippingAddress: address,
		Tags:            maps.Clone(ev.Tags),
		CreatedAt:       now.UTC(),
	}
}

// LedgerEntryFor возвращает вклад заказа в данные покупателя.
func LedgerEntryFor(o *model.Order) model.LedgerEntry {
	return model.LedgerEntry{
		SessionID: o.SessionID,
		Email:     o.CustomerEmail,
		Name:      o.CustomerName,
		Amount:    o.Total,
		Address:   o.ShippingAddress,
		OrderedAt: o.CreatedAt,
	}
}

// RunLedgerSweep учитывает заказы, сверка которых не завершилась при приёме события.
// Блокируется до отмены ctx; при нулевом периоде сразу возвращается.
func (s *Service) RunLedgerSweep(ctx context.Context) error {
	if s.sweepEvery <= 0 {
		return nil
	}

	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweepLedger(ctx)
		}
	}
}

func (s *Service) sweepLedger(ctx context.Context) int {
	entries, err := s.repo.GetUnreconciled(ctx, s.now().Add(-s.sweepGrace), sweepBatchSize)
	if err != nil {
		s.logger.Error("select unreconciled orders error", zap.Error(err))
		return 0
	}

	applied := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}

		ok, err := s.repo.ReconcileCustomer(ctx, e)
		if err != nil {
			s.logger.Error("sweep reconcile error", zap.Error(err), zap.String("session_id", e.SessionID))
			continue
		}
		if ok {
			applied++
		}
	}

	if applied > 0 {
		s.logger.Info("ledger sweep applied orders", zap.Int("count", applied))
	}
	return applied
}
