// Package memory содержит хранилище в памяти процесса для разработки без PostgreSQL.
//
// Корзина, кошельки и заказы защищены отдельными блокировками и не образуют общей
// транзакции, поэтому оформление заказа поверх Store идёт по протоколу компенсаций.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mmeshcher/foodbot/internal/model"
)

// Store реализует хранилище пользователей, корзин, кошельков и заказов в памяти.
type Store struct {
	usersMu sync.RWMutex
	users   map[int64]model.User

	basketMu     sync.Mutex
	baskets      map[int64][]model.BasketEntry
	nextBasketID int64

	walletMu sync.Mutex
	wallets  map[int64]model.Money

	ordersMu    sync.RWMutex
	orders      map[int64]model.Order
	lines       map[int64][]model.OrderLine
	nextOrderID int64

	now func() time.Time
}

// NewStore создаёт пустое хранилище.
func NewStore() *Store {
	return &Store{
		users:   make(map[int64]model.User),
		baskets: make(map[int64][]model.BasketEntry),
		wallets: make(map[int64]model.Money),
		orders:  make(map[int64]model.Order),
		lines:   make(map[int64][]model.OrderLine),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Close ничего не освобождает и нужен для совместимости с PostgreSQL-хранилищем.
func (s *Store) Close() error {
	return nil
}

// CreateUser сохраняет пользователя, если его ещё нет.
func (s *Store) CreateUser(_ context.Context, userID int64, username string) (bool, error) {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()

	if _, ok := s.users[userID]; ok {
		return false, nil
	}
	s.users[userID] = model.User{ID: userID, Username: username, CreatedAt: s.now()}
	return true, nil
}

// GetUser возвращает пользователя.
func (s *Store) GetUser(_ context.Context, userID int64) (*model.User, error) {
	s.usersMu.RLock()
	defer s.usersMu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, model.ErrUserNotFound
	}
	return &u, nil
}

func (s *Store) userExists(userID int64) bool {
	s.usersMu.RLock()
	defer s.usersMu.RUnlock()
	_, ok := s.users[userID]
	return ok
}

// AddBasketEntry добавляет запись в корзину.
func (s *Store) AddBasketEntry(_ context.Context, userID int64, itemName string, unitPrice model.Money, quantity int) (model.BasketEntry, error) {
	if !s.userExists(userID) {
		return model.BasketEntry{}, model.ErrUserNotFound
	}

	s.basketMu.Lock()
	defer s.basketMu.Unlock()

	s.nextBasketID++
	e := model.BasketEntry{
		ID:        s.nextBasketID,
		UserID:    userID,
		ItemName:  itemName,
		UnitPrice: unitPrice,
		Quantity:  quantity,
		AddedAt:   s.now(),
	}
	s.baskets[userID] = append(s.baskets[userID], e)
	return e, nil
}

// GetBasketEntries возвращает копию записей корзины в порядке добавления.
func (s *Store) GetBasketEntries(_ context.Context, userID int64) ([]model.BasketEntry, error) {
	s.basketMu.Lock()
	defer s.basketMu.Unlock()

	entries := s.baskets[userID]
	if len(entries) == 0 {
		return nil, nil
	}
	res := make([]model.BasketEntry, len(entries))
	copy(res, entries)
	return res, nil
}

// GetAggregatedBasket возвращает корзину, агрегированную по названию блюда.
func (s *Store) GetAggregatedBasket(ctx context.Context, userID int64) (map[string]model.BasketLine, error) {
	entries, err := s.GetBasketEntries(ctx, userID)
	if err != nil {
		return nil, err
	}
	return model.AggregateBasket(entries)
}

// ClearBasket удаляет все записи корзины и возвращает их количество.
func (s *Store) ClearBasket(_ context.Context, userID int64) (int64, error) {
	s.basketMu.Lock()
	defer s.basketMu.Unlock()

	n := int64(len(s.baskets[userID]))
	delete(s.baskets, userID)
	return n, nil
}

// RestoreBasket возвращает удалённые записи, пропуская уже присутствующие.
func (s *Store) RestoreBasket(_ context.Context, userID int64, entries []model.BasketEntry) error {
	s.basketMu.Lock()
	defer s.basketMu.Unlock()

	current := s.baskets[userID]
	present := make(map[int64]struct{}, len(current))
	for _, e := range current {
		present[e.ID] = struct{}{}
	}
	for _, e := range entries {
		if _, ok := present[e.ID]; ok {
			continue
		}
		current = append(current, e)
	}
	sort.Slice(current, func(i, j int) bool { return current[i].ID < current[j].ID })
	s.baskets[userID] = current
	return nil
}

// OpenWallet открывает кошелёк, если его ещё нет.
func (s *Store) OpenWallet(_ context.Context, userID int64, initial model.Money) error {
	if !s.userExists(userID) {
		return model.ErrUserNotFound
	}

	s.walletMu.Lock()
	defer s.walletMu.Unlock()

	if _, ok := s.wallets[userID]; !ok {
		s.wallets[userID] = initial
	}
	return nil
}

// GetBalance возвращает баланс кошелька.
func (s *Store) GetBalance(_ context.Context, userID int64) (model.Money, error) {
	s.walletMu.Lock()
	defer s.walletMu.Unlock()

	balance, ok := s.wallets[userID]
	if !ok {
		return 0, model.ErrAccountNotFound
	}
	return balance, nil
}

// Debit проверяет достаточность средств и списывает сумму под одной блокировкой.
func (s *Store) Debit(_ context.Context, userID int64, amount model.Money) (model.Money, error) {
	if amount < 0 {
		return 0, model.ErrInvalidAmount
	}

	s.walletMu.Lock()
	defer s.walletMu.Unlock()

	balance, ok := s.wallets[userID]
	if !ok {
		return 0, model.ErrAccountNotFound
	}
	if balance < amount {
		return 0, model.ErrInsufficientFunds
	}
	balance -= amount
	s.wallets[userID] = balance
	return balance, nil
}

// Credit пополняет кошелёк. Баланс, который не помещается в Money, не меняется.
func (s *Store) Credit(_ context.Context, userID int64, amount model.Money) (model.Money, error) {
	if amount < 0 {
		return 0, model.ErrInvalidAmount
	}

	s.walletMu.Lock()
	defer s.walletMu.Unlock()

	balance, ok := s.wallets[userID]
	if !ok {
		return 0, model.ErrAccountNotFound
	}
	balance, err := balance.Add(amount)
	if err != nil {
		return 0, err
	}
	s.wallets[userID] = balance
	return balance, nil
}

// CreateOrder создаёт заказ в статусе PENDING. Ключ идемпотентности уникален среди незавершённых
// и принятых заказов пользователя.
func (s *Store) CreateOrder(_ context.Context, userID int64, total model.Money, idempotencyKey string) (int64, error) {
	if !s.userExists(userID) {
		return 0, model.ErrUserNotFound
	}

	s.ordersMu.Lock()
	defer s.ordersMu.Unlock()

	for _, o := range s.orders {
		if o.UserID == userID && o.IdempotencyKey == idempotencyKey && o.Status.HoldsKey() {
			return 0, model.ErrOrderExists
		}
	}

	s.nextOrderID++
	s.orders[s.nextOrderID] = model.Order{
		ID:             s.nextOrderID,
		UserID:         userID,
		Total:          total,
		Status:         model.OrderStatusPending,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      s.now(),
	}
	return s.nextOrderID, nil
}

// AddOrderLines добавляет строки заказа целиком.
func (s *Store) AddOrderLines(_ context.Context, orderID int64, lines []model.OrderLine) error {
	s.ordersMu.Lock()
	defer s.ordersMu.Unlock()

	if _, ok := s.orders[orderID]; !ok {
		return model.ErrOrderNotFound
	}
	for _, l := range lines {
		l.OrderID = orderID
		s.lines[orderID] = append(s.lines[orderID], l)
	}
	return nil
}

// ConfirmOrder переводит оплаченный заказ из PENDING в RECEIVED. Для принятого заказа ничего не меняет.
func (s *Store) ConfirmOrder(_ context.Context, orderID int64) error {
	s.ordersMu.Lock()
	defer s.ordersMu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return model.ErrOrderNotFound
	}
	switch o.Status {
	case model.OrderStatusReceived:
		return nil
	case model.OrderStatusPending:
		o.Status = model.OrderStatusReceived
		s.orders[orderID] = o
		return nil
	default:
		return fmt.Errorf("confirm order %d: status %s", orderID, o.Status)
	}
}

// MarkOrderFailed переводит заказ в статус FAILED.
func (s *Store) MarkOrderFailed(_ context.Context, orderID int64) error {
	s.ordersMu.Lock()
	defer s.ordersMu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return model.ErrOrderNotFound
	}
	o.Status = model.OrderStatusFailed
	s.orders[orderID] = o
	return nil
}

// GetOrdersByUser возвращает заказы пользователя в порядке создания.
func (s *Store) GetOrdersByUser(_ context.Context, userID int64) ([]model.Order, error) {
	s.ordersMu.RLock()
	defer s.ordersMu.RUnlock()

	var res []model.Order
	for _, o := range s.orders {
		if o.UserID == userID {
			res = append(res, o)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

// GetOrder возвращает заказ по идентификатору.
func (s *Store) GetOrder(_ context.Context, orderID int64) (*model.Order, error) {
	s.ordersMu.RLock()
	defer s.ordersMu.RUnlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, model.ErrOrderNotFound
	}
	return &o, nil
}

// FindOrderByKey ищет заказ, занимающий ключ идемпотентности: принятый или незавершённый.
func (s *Store) FindOrderByKey(_ context.Context, userID int64, idempotencyKey string) (*model.Order, error) {
	s.ordersMu.RLock()
	defer s.ordersMu.RUnlock()

	for _, o := range s.orders {
		if o.UserID == userID && o.IdempotencyKey == idempotencyKey && o.Status.HoldsKey() {
			return &o, nil
		}
	}
	return nil, nil
}

// GetOrderLines возвращает строки заказа.
func (s *Store) GetOrderLines(_ context.Context, orderID int64) ([]model.OrderLine, error) {
	s.ordersMu.RLock()
	defer s.ordersMu.RUnlock()

	lines := s.lines[orderID]
	res := make([]model.OrderLine, len(lines))
	copy(res, lines)
	return res, nil
}
