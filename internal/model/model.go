// Package model содержит доменные сущности сервиса приёма платёжных событий.
package model

import "time"

// EventKind описывает тип платёжного события после разбора.
type EventKind string

const (
	EventKindCompleted EventKind = "completed"
	EventKindExpired   EventKind = "expired"
	EventKindFailed    EventKind = "failed"
	EventKindOther     EventKind = "other"
)

// Item описывает позицию заказа в том виде, в каком она была передана при создании сессии оплаты.
type Item struct {
	Name        string `json:"name"`
	Quantity    int64  `json:"quantity"`
	UnitPrice   int64  `json:"unitPrice"`
	ProductType string `json:"productType"`
}

// Address описывает почтовый адрес доставки.
// Все поля сериализуются без omitempty: сравнение адресов в хранилище выполняется по полному совпадению JSON.
type Address struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
}

// IsZero сообщает, что адрес не содержит ни одного заполненного поля.
func (a Address) IsZero() bool {
	return a == Address{}
}

// PaymentEvent описывает проверенное событие платёжной системы.
type PaymentEvent struct {
	ID              string
	Kind            EventKind
	Type            string
	SessionID       string
	CustomerEmail   string
	CustomerName    string
	AmountTotal     int64
	Currency        string
	PaymentStatus   string
	Items           []Item
	ShippingAddress *Address
	Tags            map[string]string
	CreatedAt       time.Time
}

// OrderStatus описывает статус заказа.
type OrderStatus string

const (
	OrderStatusConfirmed OrderStatus = "confirmed"
	// Статусы ниже выставляет сервис исполнения заказов.
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusRefunded   OrderStatus = "refunded"
)

// Order описывает оплаченный заказ, записанный по идентификатору сессии оплаты.
type Order struct {
	SessionID       string
	CustomerEmail   string
	CustomerName    string
	Items           []Item
	Total           int64
	Currency        string
	Status          OrderStatus
	ShippingAddress *Address
	Tags            map[string]string
	CreatedAt       time.Time
	ReconciledAt    *time.Time
}

// Customer содержит накопленные данные покупателя, вычисляемые из потока заказов.
type Customer struct {
	Email             string
	Name              string
	TotalOrders       int64
	TotalSpent        int64
	FirstOrderAt      time.Time
	LastOrderAt       time.Time
	ShippingAddresses []Address
	UpdatedAt         time.Time
}

// LedgerEntry описывает вклад одного заказа в данные покупателя.
type LedgerEntry struct {
	SessionID string
	Email     string
	Name      string
	Amount    int64
	Address   *Address
	OrderedAt time.Time
}

// Outcome описывает результат обработки события, возвращаемый платёжной системе.
type Outcome string

const (
	OutcomeRecorded         Outcome = "recorded"
	OutcomeDuplicate        Outcome = "duplicate"
	OutcomeSkippedNoEmail   Outcome = "skipped_no_email"
	OutcomeObserved         Outcome = "observed"
	OutcomeIgnored          Outcome = "ignored"
	OutcomeAlreadyDelivered Outcome = "already_delivered"
)
