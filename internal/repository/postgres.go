// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/storefront-payments/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrOrderNotFound возвращается, если заказ с указанным идентификатором сессии не найден.
var (
	ErrOrderNotFound = errors.New("order not found")
	// ErrCustomerNotFound возвращается, если покупатель не найден или по нему нет заказов.
	ErrCustomerNotFound = errors.New("customer not found")
)

// pool описывает подмножество методов pgxpool.Pool, используемых репозиторием.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresRepository предоставляет доступ к заказам и покупателям в PostgreSQL.
type PostgresRepository struct {
	pool   pool
	delays []time.Duration
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(ctx, p); err != nil {
		p.Close()
		return nil, err
	}

	return newRepository(p), nil
}

func newRepository(p pool) *PostgresRepository {
	return &PostgresRepository{
		pool:   p,
		delays: []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second},
	}
}

func runMigrations(ctx context.Context, p *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(p)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error

	for i := 0; i <= len(r.delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !isRetryable(err) || i == len(r.delays) {
			break
		}

		timer := time.NewTimer(r.delays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure ||
			pgErr.Code == pgerrcode.DeadlockDetected ||
			pgerrcode.IsConnectionException(pgErr.Code)
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// Ping проверяет доступность БД.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// CreateOrder записывает заказ, если заказа с таким идентификатором сессии ещё нет.
// Возвращает true, если заказ создан этим вызовом, и false, если он уже существовал.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o *model.Order) (bool, error) {
	items, err := json.Marshal(nonNilItems(o.Items))
	if err != nil {
		return false, fmt.Errorf("marshal items: %w", err)
	}
	tags, err := json.Marshal(nonNilTags(o.Tags))
	if err != nil {
		return false, fmt.Errorf("marshal tags: %w", err)
	}
	address, err := marshalAddress(o.ShippingAddress)
	if err != nil {
		return false, err
	}

	var created bool
	err = r.withRetry(ctx, func() error {
		cmdTag, err := r.pool.Exec(ctx,
			`INSERT INTO orders (session_id, customer_email, customer_name, items, total, currency, status, shipping_address, tags, created_at)
			 VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8::jsonb, $9::jsonb, $10)
			 ON CONFLICT (session_id) DO NOTHING`,
			o.SessionID, o.CustomerEmail, o.CustomerName, items, o.Total, o.Currency,
			string(o.Status), address, tags, o.CreatedAt,
		)
		if err != nil {
			return err
		}
		created = cmdTag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("insert order: %w", err)
	}

	return created, nil
}

// GetOrder возвращает заказ по идентификатору сессии оплаты.
func (r *PostgresRepository) GetOrder(ctx context.Context, sessionID string) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT session_id, customer_email, customer_name, items, total, currency, status,
		        shipping_address, tags, created_at, reconciled_at
		 FROM orders
		 WHERE session_id = $1`,
		sessionID,
	)

	var (
		o                    model.Order
		status               string
		items, tags, address []byte
	)
	err := row.Scan(&o.SessionID, &o.CustomerEmail, &o.CustomerName, &items, &o.Total, &o.Currency,
		&status, &address, &tags, &o.CreatedAt, &o.ReconciledAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	o.Status = model.OrderStatus(status)
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("unmarshal items: %w", err)
	}
	if err := json.Unmarshal(tags, &o.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	if o.ShippingAddress, err = unmarshalAddress(address); err != nil {
		return nil, err
	}

	return &o, nil
}

// RecordUnattributed сохраняет оплату без адреса покупателя для ручной сверки.
func (r *PostgresRepository) RecordUnattributed(ctx context.Context, ev *model.PaymentEvent) error {
	items, err := json.Marshal(nonNilItems(ev.Items))
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}
	tags, err := json.Marshal(nonNilTags(ev.Tags))
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	err = r.withRetry(ctx, func() error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO unattributed_payments (session_id, event_id, event_type, amount, currency, items, tags)
			 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb)
			 ON CONFLICT (session_id) DO NOTHING`,
			ev.SessionID, ev.ID, ev.Type, ev.AmountTotal, ev.Currency, items, tags,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert unattributed payment: %w", err)
	}

	return nil
}

const upsertCustomerSQL = `INSERT INTO customers (email, name, total_orders, total_spent, first_order_at, last_order_at, shipping_addresses, updated_at)
VALUES ($1, $2, 1, $3, $4, $4, $5::jsonb, now())
ON CONFLICT (email) DO UPDATE SET
	name = COALESCE(NULLIF(EXCLUDED.name, ''), customers.name),
	total_orders = customers.total_orders + 1,
	total_spent = customers.total_spent + EXCLUDED.total_spent,
	last_order_at = GREATEST(customers.last_order_at, EXCLUDED.last_order_at),
	shipping_addresses = CASE
		WHEN jsonb_array_length(EXCLUDED.shipping_addresses) = 0 THEN customers.shipping_addresses
		WHEN EXISTS (
			SELECT 1 FROM jsonb_array_elements(customers.shipping_addresses) AS known(addr)
			WHERE known.addr = EXCLUDED.shipping_addresses -> 0
		) THEN customers.shipping_addresses
		ELSE customers.shipping_addresses || EXCLUDED.shipping_addresses
	END,
	updated_at = now()`

// ReconcileCustomer применяет заказ к данным покупателя.
// Заказ применяется не более одного раза: в той же транзакции он помечается как учтённый.
// Возвращает false, если заказ уже был учтён ранее.
func (r *PostgresRepository) ReconcileCustomer(ctx context.Context, e model.LedgerEntry) (bool, error) {
	addresses := []model.Address{}
	if e.Address != nil {
		addresses = append(addresses, *e.Address)
	}
	addressesJSON, err := json.Marshal(addresses)
	if err != nil {
		return false, fmt.Errorf("marshal addresses: %w", err)
	}

	var applied bool
	err = r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		// Сериализуем изменения одного покупателя, включая первую вставку.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, e.Email); err != nil {
			return fmt.Errorf("lock customer: %w", err)
		}

		cmdTag, err := tx.Exec(ctx,
			`UPDATE orders SET reconciled_at = now() WHERE session_id = $1 AND reconciled_at IS NULL`,
			e.SessionID,
		)
		if err != nil {
			return fmt.Errorf("claim order: %w", err)
		}

		if cmdTag.RowsAffected() == 0 {
			applied = false
			return tx.Commit(ctx)
		}

		if _, err := tx.Exec(ctx, upsertCustomerSQL, e.Email, e.Name, e.Amount, e.OrderedAt, addressesJSON); err != nil {
			return fmt.Errorf("upsert customer: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}

	return applied, nil
}

// GetCustomer возвращает покупателя по адресу электронной почты.
func (r *PostgresRepository) GetCustomer(ctx context.Context, email string) (*model.Customer, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT email, name, total_orders, total_spent, first_order_at, last_order_at, shipping_addresses, updated_at
		 FROM customers
		 WHERE email = $1`,
		email,
	)

	var (
		c         model.Customer
		addresses []byte
	)
	err := row.Scan(&c.Email, &c.Name, &c.TotalOrders, &c.TotalSpent, &c.FirstOrderAt, &c.LastOrderAt, &addresses, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCustomerNotFound
		}
		return nil, fmt.Errorf("get customer: %w", err)
	}

	if err := json.Unmarshal(addresses, &c.ShippingAddresses); err != nil {
		return nil, fmt.Errorf("unmarshal addresses: %w", err)
	}

	return &c, nil
}

// GetUnreconciled возвращает заказы, созданные раньше before и ещё не учтённые в данных покупателей.
func (r *PostgresRepository) GetUnreconciled(ctx context.Context, before time.Time, limit int) ([]model.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT session_id, customer_email, customer_name, total, shipping_address, created_at
		 FROM orders
		 WHERE reconciled_at IS NULL AND created_at < $1
		 ORDER BY created_at
		 LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select unreconciled orders: %w", err)
	}
	defer rows.Close()

	var res []model.LedgerEntry
	for rows.Next() {
		var (
			e       model.LedgerEntry
			address []byte
		)
		if err := rows.Scan(&e.SessionID, &e.Email, &e.Name, &e.Amount, &address, &e.OrderedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		if e.Address, err = unmarshalAddress(address); err != nil {
			return nil, err
		}
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListCustomerEmails возвращает адреса всех покупателей, по которым есть заказы.
func (r *PostgresRepository) ListCustomerEmails(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT customer_email FROM orders ORDER BY customer_email`)
	if err != nil {
		return nil, fmt.Errorf("select customer emails: %w", err)
	}
	defer rows.Close()

	var res []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("scan email: %w", err)
		}
		res = append(res, email)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// RebuildCustomer пересчитывает данные покупателя по всем его заказам и помечает заказы учтёнными.
func (r *PostgresRepository) RebuildCustomer(ctx context.Context, email string) (*model.Customer, error) {
	var customer *model.Customer

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, email); err != nil {
			return fmt.Errorf("lock customer: %w", err)
		}

		entries, err := selectLedgerEntries(ctx, tx, email)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return ErrCustomerNotFound
		}

		c := Replay(email, entries)

		addresses, err := json.Marshal(c.ShippingAddresses)
		if err != nil {
			return fmt.Errorf("marshal addresses: %w", err)
		}

		err = tx.QueryRow(ctx,
			`INSERT INTO customers (email, name, total_orders, total_spent, first_order_at, last_order_at, shipping_addresses, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, now())
			 ON CONFLICT (email) DO UPDATE SET
			 	name = EXCLUDED.name,
			 	total_orders = EXCLUDED.total_orders,
			 	total_spent = EXCLUDED.total_spent,
			 	first_order_at = EXCLUDED.first_order_at,
			 	last_order_at = EXCLUDED.last_order_at,
			 	shipping_addresses = EXCLUDED.shipping_addresses,
			 	updated_at = now()
			 RETURNING updated_at`,
			c.Email, c.Name, c.TotalOrders, c.TotalSpent, c.FirstOrderAt, c.LastOrderAt, addresses,
		).Scan(&c.UpdatedAt)
		if err != nil {
			return fmt.Errorf("upsert customer: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE orders SET reconciled_at = now() WHERE customer_email = $1 AND reconciled_at IS NULL`,
			email,
		); err != nil {
			return fmt.Errorf("mark orders reconciled: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		customer = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	return customer, nil
}

func selectLedgerEntries(ctx context.Context, tx pgx.Tx, email string) ([]model.LedgerEntry, error) {
	rows, err := tx.Query(ctx,
		`SELECT session_id, customer_email, customer_name, total, shipping_address, created_at
		 FROM orders
		 WHERE customer_email = $1
		 ORDER BY created_at, session_id`,
		email,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var res []model.LedgerEntry
	for rows.Next() {
		var (
			e       model.LedgerEntry
			address []byte
		)
		if err := rows.Scan(&e.SessionID, &e.Email, &e.Name, &e.Amount, &address, &e.OrderedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		if e.Address, err = unmarshalAddress(address); err != nil {
			return nil, err
		}
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// Replay вычисляет данные покупателя по его заказам в порядке их создания.
func Replay(email string, entries []model.LedgerEntry) *model.Customer {
	c := &model.Customer{
		Email:             email,
		ShippingAddresses: []model.Address{},
	}

	for i, e := range entries {
		if i == 0 {
			c.FirstOrderAt = e.OrderedAt
		}
		c.TotalOrders++
		c.TotalSpent += e.Amount
		if e.OrderedAt.After(c.LastOrderAt) {
			c.LastOrderAt = e.OrderedAt
		}
		if e.Name != "" {
			c.Name = e.Name
		}
		c.ShippingAddresses = AppendAddress(c.ShippingAddresses, e.Address)
	}

	return c
}

// AppendAddress добавляет адрес в историю, если он задан и не совпадает полностью ни с одним из сохранённых.
func AppendAddress(history []model.Address, addr *model.Address) []model.Address {
	if addr == nil {
		return history
	}
	for _, known := range history {
		if known == *addr {
			return history
		}
	}
	return append(history, *addr)
}

func marshalAddress(a *model.Address) ([]byte, error) {
	if a == nil {
		return nil, nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal address: %w", err)
	}
	return b, nil
}

func unmarshalAddress(b []byte) (*model.Address, error) {
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}
	var a model.Address
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, fmt.Errorf("unmarshal address: %w", err)
	}
	return &a, nil
}

func nonNilItems(items []model.Item) []model.Item {
	if items == nil {
		return []model.Item{}
	}
	return items
}

func nonNilTags(tags map[string]string) map[string]string {
	if tags == nil {
		return map[string]string{}
	}
	return tags
}
