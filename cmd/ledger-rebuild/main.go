// Package main пересчитывает данные покупателей по сохранённым заказам.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/mmeshcher/storefront-payments/internal/model"
	"github.com/mmeshcher/storefront-payments/internal/repository"
	"github.com/mmeshcher/storefront-payments/internal/validation"
)

type rebuilder interface {
	ListCustomerEmails(ctx context.Context) ([]string, error)
	RebuildCustomer(ctx context.Context, email string) (*model.Customer, error)
}

func main() {
	var (
		dsn   string
		email string
		all   bool
	)

	flag.StringVar(&dsn, "d", os.Getenv("DATABASE_URI"), "database URI")
	flag.StringVar(&email, "email", "", "rebuild a single customer")
	flag.BoolVar(&all, "all", false, "rebuild every customer that has orders")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	if dsn == "" {
		sugar.Fatal("database URI is required (-d or DATABASE_URI)")
	}
	if (email == "") == !all {
		sugar.Fatal("exactly one of -email or -all must be given")
	}
	if email != "" && !validation.IsValidEmail(validation.NormalizeEmail(email)) {
		sugar.Fatalw("invalid email", "email", email)
	}

	repo, err := repository.NewPostgresRepository(dsn)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var emails []string
	if email != "" {
		emails = []string{email}
	}

	failed, err := rebuild(ctx, repo, emails, logger)
	if err != nil {
		sugar.Fatalw("rebuild error", "error", err.Error())
	}
	if failed > 0 {
		sugar.Fatalw("rebuild finished with failures", "failed", failed)
	}
}

// rebuild пересчитывает указанных покупателей или всех, если список пуст.
// Возвращает число покупателей, которых не удалось пересчитать.
func rebuild(ctx context.Context, repo rebuilder, emails []string, logger *zap.Logger) (int, error) {
	if len(emails) == 0 {
		var err error
		emails, err = repo.ListCustomerEmails(ctx)
		if err != nil {
			return 0, fmt.Errorf("list customers: %w", err)
		}
	}

	failed := 0
	for _, e := range emails {
		if err := ctx.Err(); err != nil {
			return failed, err
		}

		e = validation.NormalizeEmail(e)
		c, err := repo.RebuildCustomer(ctx, e)
		if err != nil {
			if errors.Is(err, repository.ErrCustomerNotFound) {
				logger.Warn("customer has no orders", zap.String("email", e))
			} else {
				logger.Error("rebuild customer error", zap.String("email", e), zap.Error(err))
			}
			failed++
			continue
		}

		logger.Info("customer rebuilt",
			zap.String("email", c.Email),
			zap.Int64("total_orders", c.TotalOrders),
			zap.Int64("total_spent", c.TotalSpent),
			zap.Int("addresses", len(c.ShippingAddresses)),
		)
	}

	return failed, nil
}
