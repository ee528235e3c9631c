// Package service реализует бизнес-логику сервиса заказов бота: корзину, кошелёк и оформление заказа.
package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/foodbot/internal/metrics"
	"github.com/mmeshcher/foodbot/internal/model"
	"github.com/mmeshcher/foodbot/internal/validation"
)

// UserStore хранит пользователей бота.
type UserStore interface {
	CreateUser(ctx context.Context, userID int64, username string) (bool, error)
	GetUser(ctx context.Context, userID int64) (*model.User, error)
}

// BasketStore хранит записи корзин.
type BasketStore interface {
	AddBasketEntry(ctx context.Context, userID int64, itemName string, unitPrice model.Money, quantity int) (model.BasketEntry, error)
	GetBasketEntries(ctx context.Context, userID int64) ([]model.BasketEntry, error)
	GetAggregatedBasket(ctx context.Context, userID int64) (map[string]model.BasketLine, error)
	ClearBasket(ctx context.Context, userID int64) (int64, error)
	RestoreBasket(ctx context.Context, userID int64, entries []model.BasketEntry) error
}

// WalletLedger хранит балансы кошельков. Debit обязан проверять и списывать атомарно.
type WalletLedger interface {
	OpenWallet(ctx context.Context, userID int64, initial model.Money) error
	GetBalance(ctx context.Context, userID int64) (model.Money, error)
	Debit(ctx context.Context, userID int64, amount model.Money) (model.Money, error)
	Credit(ctx context.Context, userID int64, amount model.Money) (model.Money, error)
}

// OrderStore хранит заказы и их строки.
type OrderStore interface {
	CreateOrder(ctx context.Context, userID int64, total model.Money, idempotencyKey string) (int64, error)
	AddOrderLines(ctx context.Context, orderID int64, lines []model.OrderLine) error
	ConfirmOrder(ctx context.Context, orderID int64) error
	MarkOrderFailed(ctx context.Context, orderID int64) error
	GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)
	GetOrder(ctx context.Context, orderID int64) (*model.Order, error)
	FindOrderByKey(ctx context.Context, userID int64, idempotencyKey string) (*model.Order, error)
	GetOrderLines(ctx context.Context, orderID int64) ([]model.OrderLine, error)
}

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	UserStore
	BasketStore
	WalletLedger
	OrderStore
}

// Transactor реализуется хранилищами, способными выполнить несколько записей атомарно.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// EventRecorder реализуется хранилищами с таблицей исходящих событий.
type EventRecorder interface {
	InsertOutbox(ctx context.Context, eventID, topic, key string, payload any) error
}

// Options задаёт параметры сервиса.
type Options struct {
	// InitialBalance задаёт стартовый баланс нового кошелька.
	InitialBalance model.Money
	// MaxAttempts ограничивает число попыток одного шага оформления при сбоях хранилища.
	MaxAttempts int
	// RetryBaseDelay задаёт начальную паузу экспоненциальной задержки между попытками.
	RetryBaseDelay time.Duration
	// LockWait определяет, сколько ждать завершения чужого оформления заказа того же пользователя.
	LockWait time.Duration
	// OrderEventsTopic задаёт топик событий о принятых заказах; пустое значение отключает запись событий.
	OrderEventsTopic string
}

// DefaultOptions возвращает параметры по умолчанию.
func DefaultOptions() Options {
	return Options{
		InitialBalance: 1000000,
		MaxAttempts:    3,
		RetryBaseDelay: 100 * time.Millisecond,
		LockWait:       5 * time.Second,
	}
}

// Service содержит бизнес-логику сервиса заказов.
type Service struct {
	repo    Repository
	tx      Transactor
	events  EventRecorder
	locks   *userLocks
	logger  *zap.Logger
	metrics *metrics.Metrics
	opts    Options
	now     func() time.Time
}

// NewService создаёт сервис поверх repo. Если repo реализует Transactor, оформление заказа выполняется
// одной транзакцией, иначе последовательностью шагов с компенсациями.
func NewService(repo Repository, logger *zap.Logger, m *metrics.Metrics, opts Options) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = DefaultOptions().RetryBaseDelay
	}

	s := &Service{
		repo:    repo,
		locks:   newUserLocks(),
		logger:  logger,
		metrics: m,
		opts:    opts,
		now:     func() time.Time { return time.Now().UTC() },
	}
	if tx, ok := repo.(Transactor); ok {
		s.tx = tx
	}
	if ev, ok := repo.(EventRecorder); ok && opts.OrderEventsTopic != "" {
		s.events = ev
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

// Register сохраняет пользователя при первом обращении и открывает ему кошелёк.
// Возвращает true, если пользователь создан впервые.
func (s *Service) Register(ctx context.Context, userID int64, username string) (bool, error) {
	created, err := s.repo.CreateUser(ctx, userID, username)
	if err != nil {
		return false, err
	}
	if err := s.repo.OpenWallet(ctx, userID, s.opts.InitialBalance); err != nil {
		return false, err
	}
	return created, nil
}

// GetProfile возвращает зарегистрированного пользователя.
func (s *Service) GetProfile(ctx context.Context, userID int64) (model.User, error) {
	u, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return model.User{}, err
	}
	return *u, nil
}

// AddToBasket добавляет блюдо в корзину. Пока идёт оформление заказа пользователя, вызов ждёт его завершения.
func (s *Service) AddToBasket(ctx context.Context, userID int64, itemName string, unitPrice model.Money, quantity int) (model.BasketEntry, error) {
	if err := validation.ValidateBasketItem(itemName, unitPrice, quantity); err != nil {
		return model.BasketEntry{}, err
	}

	unlock, err := s.locks.acquire(ctx, userID, s.opts.LockWait)
	if err != nil {
		return model.BasketEntry{}, err
	}
	defer unlock()

	return s.repo.AddBasketEntry(ctx, userID, validation.NormalizeItemName(itemName), unitPrice, quantity)
}

// GetBasketView возвращает агрегированную корзину пользователя.
func (s *Service) GetBasketView(ctx context.Context, userID int64) (model.BasketView, error) {
	aggregated, err := s.repo.GetAggregatedBasket(ctx, userID)
	if err != nil {
		return model.BasketView{}, err
	}
	return model.NewBasketView(aggregated)
}

// ClearBasket очищает корзину пользователя.
func (s *Service) ClearBasket(ctx context.Context, userID int64) error {
	unlock, err := s.locks.acquire(ctx, userID, s.opts.LockWait)
	if err != nil {
		return err
	}
	defer unlock()

	_, err = s.repo.ClearBasket(ctx, userID)
	return err
}

// GetWalletBalance возвращает баланс кошелька пользователя.
func (s *Service) GetWalletBalance(ctx context.Context, userID int64) (model.Money, error) {
	return s.repo.GetBalance(ctx, userID)
}

// TopUp пополняет кошелёк. Не ждёт блокировки оформления: атомарность обеспечивает само хранилище.
func (s *Service) TopUp(ctx context.Context, userID int64, amount model.Money) (model.Money, error) {
	if err := validation.ValidateAmount(amount); err != nil {
		return 0, err
	}
	return s.repo.Credit(ctx, userID, amount)
}

// ListOrders возвращает заказы пользователя.
func (s *Service) ListOrders(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.repo.GetOrdersByUser(ctx, userID)
}

// GetOrderDetail возвращает заказ пользователя вместе со строками.
func (s *Service) GetOrderDetail(ctx context.Context, userID, orderID int64) (model.OrderDetail, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return model.OrderDetail{}, err
	}
	if order.UserID != userID {
		return model.OrderDetail{}, model.ErrOrderNotFound
	}
	lines, err := s.repo.GetOrderLines(ctx, orderID)
	if err != nil {
		return model.OrderDetail{}, err
	}
	return model.OrderDetail{Order: *order, Lines: lines}, nil
}
