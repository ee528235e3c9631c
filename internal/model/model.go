// Package model содержит доменные сущности сервиса заказов бота.
package model

import (
	"encoding/json"
	"time"
)

// User представляет пользователя бота. Создаётся при первом обращении и никогда не удаляется.
type User struct {
	ID        int64
	Username  string
	CreatedAt time.Time
}

// BasketEntry описывает одну запись корзины: одно нажатие «добавить».
// Записи с одинаковым названием блюда не объединяются при записи.
type BasketEntry struct {
	ID        int64
	UserID    int64
	ItemName  string
	UnitPrice Money
	Quantity  int
	AddedAt   time.Time
}

// BasketLine описывает агрегированную строку корзины по названию блюда.
type BasketLine struct {
	ItemName   string `json:"item_name"`
	Quantity   int    `json:"quantity"`
	TotalPrice Money  `json:"total_price"`
}

// BasketView содержит агрегированную корзину и её итоговую сумму.
type BasketView struct {
	Lines []BasketLine `json:"lines"`
	Total Money        `json:"total"`
}

// OrderStatus описывает статус заказа.
type OrderStatus string

const (
	OrderStatusPending  OrderStatus = "PENDING"
	OrderStatusReceived OrderStatus = "RECEIVED"
	OrderStatusFailed   OrderStatus = "FAILED"
)

// HoldsKey сообщает, занимает ли заказ в этом статусе свой ключ идемпотентности.
// PENDING означает, что заказ создан, но ещё не оплачен.
func (s OrderStatus) HoldsKey() bool {
	return s == OrderStatusPending || s == OrderStatusReceived
}

// Order описывает заголовок заказа. Сумма равна сумме цен его строк на момент создания.
type Order struct {
	ID             int64
	UserID         int64
	Total          Money
	Status         OrderStatus
	IdempotencyKey string
	CreatedAt      time.Time
}

// OrderLine описывает строку заказа, принадлежащую ровно одному заказу.
type OrderLine struct {
	OrderID   int64
	ItemName  string
	Quantity  int
	UnitPrice Money
}

// OrderDetail объединяет заказ и его строки.
type OrderDetail struct {
	Order Order
	Lines []OrderLine
}

// CheckoutOutcome задаёт вариант результата оформления заказа.
type CheckoutOutcome string

const (
	CheckoutCommitted         CheckoutOutcome = "COMMITTED"
	CheckoutReplayed          CheckoutOutcome = "REPLAYED"
	CheckoutInsufficientFunds CheckoutOutcome = "INSUFFICIENT_FUNDS"
	CheckoutInProgress        CheckoutOutcome = "IN_PROGRESS"
	CheckoutEmptyBasket       CheckoutOutcome = "EMPTY_BASKET"
)

// CheckoutResult описывает итог оформления заказа.
// Order заполнен для COMMITTED и REPLAYED, Required содержит сумму корзины для INSUFFICIENT_FUNDS.
type CheckoutResult struct {
	Outcome  CheckoutOutcome
	Order    *OrderDetail
	Balance  Money
	Required Money
}

// OutboxRecord хранит событие, ожидающее публикации во внешнюю шину.
type OutboxRecord struct {
	ID        int64
	EventID   string
	Topic     string
	Key       string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// OrderCommittedEvent публикуется после фиксации заказа.
type OrderCommittedEvent struct {
	EventID     string          `json:"event_id"`
	OrderID     int64           `json:"order_id"`
	UserID      int64           `json:"user_id"`
	Total       Money           `json:"total"`
	Lines       []OrderLineView `json:"lines"`
	CommittedAt time.Time       `json:"committed_at"`
}

// OrderLineView представляет строку заказа в событиях и ответах API.
type OrderLineView struct {
	ItemName  string `json:"item_name"`
	Quantity  int    `json:"quantity"`
	UnitPrice Money  `json:"unit_price"`
}

// LineViews преобразует строки заказа в их внешнее представление.
func LineViews(lines []OrderLine) []OrderLineView {
	res := make([]OrderLineView, 0, len(lines))
	for _, l := range lines {
		res = append(res, OrderLineView{
			ItemName:  l.ItemName,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice,
		})
	}
	return res
}
