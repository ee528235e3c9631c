package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mmeshcher/foodbot/internal/model"
)

var errTransient = errors.New("connection reset by peer")

type fakeEvent struct {
	eventID string
	topic   string
	key     string
	payload any
}

type fakeState struct {
	users       map[int64]string
	baskets     map[int64][]model.BasketEntry
	wallets     map[int64]model.Money
	orders      map[int64]model.Order
	lines       map[int64][]model.OrderLine
	outbox      []fakeEvent
	nextEntryID int64
	nextOrderID int64
}

func (st *fakeState) clone() *fakeState {
	c := &fakeState{
		users:       make(map[int64]string, len(st.users)),
		baskets:     make(map[int64][]model.BasketEntry, len(st.baskets)),
		wallets:     make(map[int64]model.Money, len(st.wallets)),
		orders:      make(map[int64]model.Order, len(st.orders)),
		lines:       make(map[int64][]model.OrderLine, len(st.lines)),
		outbox:      append([]fakeEvent(nil), st.outbox...),
		nextEntryID: st.nextEntryID,
		nextOrderID: st.nextOrderID,
	}
	for k, v := range st.users {
		c.users[k] = v
	}
	for k, v := range st.baskets {
		c.baskets[k] = append([]model.BasketEntry(nil), v...)
	}
	for k, v := range st.wallets {
		c.wallets[k] = v
	}
	for k, v := range st.orders {
		c.orders[k] = v
	}
	for k, v := range st.lines {
		c.lines[k] = append([]model.OrderLine(nil), v...)
	}
	return c
}

// fakeRepo хранит данные в памяти с транзакциями через снимок состояния и внедрением сбоев.
//
// failures[method]: сколько ближайших вызовов метода вернут errTransient без изменений.
// lostAcks[method]: сколько ближайших вызовов применят изменения, но вернут errTransient.
type fakeRepo struct {
	txMu sync.Mutex

	mu        sync.Mutex
	st        *fakeState
	failures  map[string]int
	lostAcks  map[string]int
	calls     map[string]int
	commitErr int

	// onDebit вызывается перед списанием, чтобы тест мог вмешаться в ход оформления.
	onDebit func()
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		st:       (&fakeState{}).clone(),
		failures: make(map[string]int),
		lostAcks: make(map[string]int),
		calls:    make(map[string]int),
	}
}

// seed регистрирует пользователя с кошельком и корзиной.
func (r *fakeRepo) seed(userID int64, balance model.Money, entries ...model.BasketEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.st.users[userID] = "user"
	r.st.wallets[userID] = balance
	for _, e := range entries {
		r.st.nextEntryID++
		e.ID = r.st.nextEntryID
		e.UserID = userID
		if e.Quantity == 0 {
			e.Quantity = 1
		}
		r.st.baskets[userID] = append(r.st.baskets[userID], e)
	}
}

func (r *fakeRepo) failNext(method string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[method] = n
}

func (r *fakeRepo) loseAck(method string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lostAcks[method] = n
}

func (r *fakeRepo) callCount(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[method]
}

// enter вызывается под r.mu; возвращает ошибку, если вызов должен сорваться до изменений.
func (r *fakeRepo) enter(method string) error {
	r.calls[method]++
	if r.failures[method] > 0 {
		r.failures[method]--
		return errTransient
	}
	return nil
}

// leave вызывается под r.mu после изменений; может «потерять» подтверждение.
func (r *fakeRepo) leave(method string) error {
	if r.lostAcks[method] > 0 {
		r.lostAcks[method]--
		return errTransient
	}
	return nil
}

func (r *fakeRepo) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()

	r.mu.Lock()
	snapshot := r.st.clone()
	r.mu.Unlock()

	if err := fn(ctx); err != nil {
		r.mu.Lock()
		r.st = snapshot
		r.mu.Unlock()
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls["Commit"]++
	if r.commitErr > 0 {
		r.commitErr--
		return errTransient
	}
	return nil
}

func (r *fakeRepo) Close() error { return nil }

func (r *fakeRepo) CreateUser(_ context.Context, userID int64, username string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("CreateUser"); err != nil {
		return false, err
	}
	if _, ok := r.st.users[userID]; ok {
		return false, nil
	}
	r.st.users[userID] = username
	return true, nil
}

func (r *fakeRepo) GetUser(_ context.Context, userID int64) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name, ok := r.st.users[userID]
	if !ok {
		return nil, model.ErrUserNotFound
	}
	return &model.User{ID: userID, Username: name}, nil
}

func (r *fakeRepo) AddBasketEntry(_ context.Context, userID int64, itemName string, unitPrice model.Money, quantity int) (model.BasketEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("AddBasketEntry"); err != nil {
		return model.BasketEntry{}, err
	}
	if _, ok := r.st.users[userID]; !ok {
		return model.BasketEntry{}, model.ErrUserNotFound
	}
	r.st.nextEntryID++
	e := model.BasketEntry{
		ID:        r.st.nextEntryID,
		UserID:    userID,
		ItemName:  itemName,
		UnitPrice: unitPrice,
		Quantity:  quantity,
		AddedAt:   time.Now(),
	}
	r.st.baskets[userID] = append(r.st.baskets[userID], e)
	return e, nil
}

func (r *fakeRepo) GetBasketEntries(_ context.Context, userID int64) ([]model.BasketEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("GetBasketEntries"); err != nil {
		return nil, err
	}
	return append([]model.BasketEntry(nil), r.st.baskets[userID]...), nil
}

func (r *fakeRepo) GetAggregatedBasket(ctx context.Context, userID int64) (map[string]model.BasketLine, error) {
	entries, err := r.GetBasketEntries(ctx, userID)
	if err != nil {
		return nil, err
	}
	return model.AggregateBasket(entries)
}

func (r *fakeRepo) ClearBasket(_ context.Context, userID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("ClearBasket"); err != nil {
		return 0, err
	}
	n := int64(len(r.st.baskets[userID]))
	delete(r.st.baskets, userID)
	if err := r.leave("ClearBasket"); err != nil {
		return 0, err
	}
	return n, nil
}

func (r *fakeRepo) RestoreBasket(_ context.Context, userID int64, entries []model.BasketEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("RestoreBasket"); err != nil {
		return err
	}
	current := r.st.baskets[userID]
	present := make(map[int64]bool, len(current))
	for _, e := range current {
		present[e.ID] = true
	}
	for _, e := range entries {
		if !present[e.ID] {
			current = append(current, e)
		}
	}
	sort.Slice(current, func(i, j int) bool { return current[i].ID < current[j].ID })
	r.st.baskets[userID] = current
	return nil
}

func (r *fakeRepo) OpenWallet(_ context.Context, userID int64, initial model.Money) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("OpenWallet"); err != nil {
		return err
	}
	if _, ok := r.st.wallets[userID]; !ok {
		r.st.wallets[userID] = initial
	}
	return nil
}

func (r *fakeRepo) GetBalance(_ context.Context, userID int64) (model.Money, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("GetBalance"); err != nil {
		return 0, err
	}
	b, ok := r.st.wallets[userID]
	if !ok {
		return 0, model.ErrAccountNotFound
	}
	return b, nil
}

func (r *fakeRepo) Debit(_ context.Context, userID int64, amount model.Money) (model.Money, error) {
	if r.onDebit != nil {
		r.onDebit()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("Debit"); err != nil {
		return 0, err
	}
	if amount < 0 {
		return 0, model.ErrInvalidAmount
	}
	b, ok := r.st.wallets[userID]
	if !ok {
		return 0, model.ErrAccountNotFound
	}
	if b < amount {
		return 0, model.ErrInsufficientFunds
	}
	r.st.wallets[userID] = b - amount
	return b - amount, nil
}

func (r *fakeRepo) Credit(_ context.Context, userID int64, amount model.Money) (model.Money, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("Credit"); err != nil {
		return 0, err
	}
	b, ok := r.st.wallets[userID]
	if !ok {
		return 0, model.ErrAccountNotFound
	}
	b, err := b.Add(amount)
	if err != nil {
		return 0, err
	}
	r.st.wallets[userID] = b
	return b, nil
}

func (r *fakeRepo) CreateOrder(_ context.Context, userID int64, total model.Money, idempotencyKey string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("CreateOrder"); err != nil {
		return 0, err
	}
	for _, o := range r.st.orders {
		if o.UserID == userID && o.IdempotencyKey == idempotencyKey && o.Status.HoldsKey() {
			return 0, model.ErrOrderExists
		}
	}
	r.st.nextOrderID++
	id := r.st.nextOrderID
	r.st.orders[id] = model.Order{
		ID:             id,
		UserID:         userID,
		Total:          total,
		Status:         model.OrderStatusPending,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      time.Now(),
	}
	if err := r.leave("CreateOrder"); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *fakeRepo) AddOrderLines(_ context.Context, orderID int64, lines []model.OrderLine) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("AddOrderLines"); err != nil {
		return err
	}
	for _, l := range lines {
		l.OrderID = orderID
		r.st.lines[orderID] = append(r.st.lines[orderID], l)
	}
	return nil
}

func (r *fakeRepo) ConfirmOrder(_ context.Context, orderID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("ConfirmOrder"); err != nil {
		return err
	}
	o, ok := r.st.orders[orderID]
	if !ok {
		return model.ErrOrderNotFound
	}
	if o.Status == model.OrderStatusPending {
		o.Status = model.OrderStatusReceived
		r.st.orders[orderID] = o
	}
	return nil
}

func (r *fakeRepo) MarkOrderFailed(_ context.Context, orderID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("MarkOrderFailed"); err != nil {
		return err
	}
	o, ok := r.st.orders[orderID]
	if !ok {
		return model.ErrOrderNotFound
	}
	o.Status = model.OrderStatusFailed
	r.st.orders[orderID] = o
	return nil
}

func (r *fakeRepo) GetOrdersByUser(_ context.Context, userID int64) ([]model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []model.Order
	for _, o := range r.st.orders {
		if o.UserID == userID {
			res = append(res, o)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (r *fakeRepo) GetOrder(_ context.Context, orderID int64) (*model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.st.orders[orderID]
	if !ok {
		return nil, model.ErrOrderNotFound
	}
	return &o, nil
}

func (r *fakeRepo) FindOrderByKey(_ context.Context, userID int64, idempotencyKey string) (*model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("FindOrderByKey"); err != nil {
		return nil, err
	}
	for _, o := range r.st.orders {
		if o.UserID == userID && o.IdempotencyKey == idempotencyKey && o.Status.HoldsKey() {
			return &o, nil
		}
	}
	return nil, nil
}

func (r *fakeRepo) GetOrderLines(_ context.Context, orderID int64) ([]model.OrderLine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.OrderLine(nil), r.st.lines[orderID]...), nil
}

func (r *fakeRepo) InsertOutbox(_ context.Context, eventID, topic, key string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("InsertOutbox"); err != nil {
		return err
	}
	r.st.outbox = append(r.st.outbox, fakeEvent{eventID: eventID, topic: topic, key: key, payload: payload})
	return nil
}

func (r *fakeRepo) balance(userID int64) model.Money {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st.wallets[userID]
}

func (r *fakeRepo) basket(userID int64) []model.BasketEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.BasketEntry(nil), r.st.baskets[userID]...)
}

func (r *fakeRepo) ordersWithStatus(userID int64, status model.OrderStatus) []model.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []model.Order
	for _, o := range r.st.orders {
		if o.UserID == userID && o.Status == status {
			res = append(res, o)
		}
	}
	return res
}

func (r *fakeRepo) events() []fakeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]fakeEvent(nil), r.st.outbox...)
}

// sagaRepo скрывает WithTx и InsertOutbox, чтобы сервис выбрал оформление с компенсациями.
type sagaRepo struct {
	Repository
}
