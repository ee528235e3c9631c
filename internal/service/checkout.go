package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/foodbot/internal/model"
)

// checkoutStep обозначает шаг оформления заказа и используется в логах и в PersistenceError.Step.
type checkoutStep string

const (
	stepReplay          checkoutStep = "replay"
	stepSnapshotted     checkoutStep = "snapshotted"
	stepFundsVerified   checkoutStep = "funds_verified"
	stepOrderCreated    checkoutStep = "order_created"
	stepLinesPersisted  checkoutStep = "lines_persisted"
	stepBasketCleared   checkoutStep = "basket_cleared"
	stepDebited         checkoutStep = "debited"
	stepConfirmed       checkoutStep = "confirmed"
	stepCommitted       checkoutStep = "committed"
	stepRefund          checkoutStep = "refund"
	stepRestoreBasket   checkoutStep = "restore_basket"
	stepMarkOrderFailed checkoutStep = "mark_order_failed"
)

const compensationTimeout = 10 * time.Second

// checkoutSnapshot хранит зафиксированное состояние корзины, из которого строится заказ.
type checkoutSnapshot struct {
	userID  int64
	key     string
	entries []model.BasketEntry
	lines   []model.OrderLine
	total   model.Money
}

// Checkout превращает корзину пользователя в принятый заказ и списание с кошелька.
//
// Одновременно для пользователя выполняется не больше одного оформления; второе ждёт до LockWait
// и затем возвращает исход IN_PROGRESS. Средства проверяются до любой записи, поэтому при нехватке
// корзина не меняется и заказ не создаётся. Повтор с тем же ключом идемпотентности возвращает уже
// принятый заказ вместо создания второго. Пустой ключ заменяется сгенерированным.
func (s *Service) Checkout(ctx context.Context, userID int64, idempotencyKey string) (model.CheckoutResult, error) {
	started := time.Now()
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}

	res, err := s.checkoutLocked(ctx, userID, idempotencyKey)
	s.metrics.ObserveCheckout(outcomeLabel(res, err), time.Since(started))
	return res, err
}

func (s *Service) checkoutLocked(ctx context.Context, userID int64, key string) (model.CheckoutResult, error) {
	unlock, err := s.locks.acquire(ctx, userID, s.opts.LockWait)
	if err != nil {
		if errors.Is(err, model.ErrCheckoutInProgress) {
			return model.CheckoutResult{Outcome: model.CheckoutInProgress}, nil
		}
		return model.CheckoutResult{}, err
	}
	defer unlock()

	return s.checkout(ctx, userID, key)
}

func (s *Service) checkout(ctx context.Context, userID int64, key string) (model.CheckoutResult, error) {
	if res, ok, err := s.replay(ctx, userID, key); err != nil || ok {
		return res, err
	}

	var entries []model.BasketEntry
	err := s.withRetry(ctx, userID, string(stepSnapshotted), func(ctx context.Context) error {
		var err error
		entries, err = s.repo.GetBasketEntries(ctx, userID)
		return err
	})
	if err != nil {
		return model.CheckoutResult{}, err
	}
	if len(entries) == 0 {
		return model.CheckoutResult{Outcome: model.CheckoutEmptyBasket}, nil
	}

	snap, err := newCheckoutSnapshot(userID, key, entries)
	if err != nil {
		s.logger.Warn("checkout rejected: basket total out of range", zap.Int64("userID", userID), zap.Error(err))
		return model.CheckoutResult{}, err
	}

	var balance model.Money
	err = s.withRetry(ctx, userID, string(stepFundsVerified), func(ctx context.Context) error {
		var err error
		balance, err = s.repo.GetBalance(ctx, userID)
		return err
	})
	if err != nil {
		return model.CheckoutResult{}, err
	}
	if balance < snap.total {
		s.logger.Info("checkout aborted: insufficient funds",
			zap.Int64("userID", userID),
			zap.Stringer("balance", balance),
			zap.Stringer("required", snap.total),
		)
		return model.CheckoutResult{
			Outcome:  model.CheckoutInsufficientFunds,
			Balance:  balance,
			Required: snap.total,
		}, nil
	}

	if s.tx != nil {
		return s.commitAtomic(ctx, snap)
	}
	return s.commitWithCompensation(ctx, snap)
}

func newCheckoutSnapshot(userID int64, key string, entries []model.BasketEntry) (checkoutSnapshot, error) {
	aggregated, err := model.AggregateBasket(entries)
	if err != nil {
		return checkoutSnapshot{}, err
	}
	view, err := model.NewBasketView(aggregated)
	if err != nil {
		return checkoutSnapshot{}, err
	}
	lines := model.OrderLinesFromView(view)
	total, err := model.LinesTotal(lines)
	if err != nil {
		return checkoutSnapshot{}, err
	}
	return checkoutSnapshot{
		userID:  userID,
		key:     key,
		entries: entries,
		lines:   lines,
		total:   total,
	}, nil
}

// replay возвращает уже принятый заказ с ключом key, если он есть.
// Заказ в PENDING под блокировкой пользователя означает оформление, которое прервалось вместе
// с компенсацией; его оплата неизвестна, поэтому повтор с этим ключом отклоняется.
func (s *Service) replay(ctx context.Context, userID int64, key string) (model.CheckoutResult, bool, error) {
	var order *model.Order
	err := s.withRetry(ctx, userID, string(stepReplay), func(ctx context.Context) error {
		var err error
		order, err = s.repo.FindOrderByKey(ctx, userID, key)
		return err
	})
	if err != nil || order == nil {
		return model.CheckoutResult{}, false, err
	}
	if order.Status != model.OrderStatusReceived {
		s.logger.Error("checkout replay found incomplete order",
			zap.Int64("userID", userID),
			zap.Int64("orderID", order.ID),
			zap.String("status", string(order.Status)),
		)
		return model.CheckoutResult{}, false, model.ErrCheckoutIncomplete
	}

	res, err := s.committedResult(ctx, *order, model.CheckoutReplayed)
	if err != nil {
		return model.CheckoutResult{}, false, err
	}
	return res, true, nil
}

func (s *Service) committedResult(ctx context.Context, order model.Order, outcome model.CheckoutOutcome) (model.CheckoutResult, error) {
	var (
		lines   []model.OrderLine
		balance model.Money
	)
	err := s.withRetry(ctx, order.UserID, string(stepReplay), func(ctx context.Context) error {
		var err error
		if lines, err = s.repo.GetOrderLines(ctx, order.ID); err != nil {
			return err
		}
		balance, err = s.repo.GetBalance(ctx, order.UserID)
		return err
	})
	if err != nil {
		return model.CheckoutResult{}, err
	}
	return model.CheckoutResult{
		Outcome: outcome,
		Order:   &model.OrderDetail{Order: order, Lines: lines},
		Balance: balance,
	}, nil
}

// replayConflict обрабатывает заказ с тем же ключом, созданный параллельно другим процессом.
func (s *Service) replayConflict(ctx context.Context, c checkoutSnapshot, cause error) (model.CheckoutResult, error) {
	res, ok, err := s.replay(ctx, c.userID, c.key)
	if err != nil {
		return model.CheckoutResult{}, err
	}
	if !ok {
		return model.CheckoutResult{}, cause
	}
	return res, nil
}

// commitAtomic выполняет создание заказа, строк, очистку корзины и списание одной транзакцией.
// Транзакция повторяется целиком с тем же ключом; каждая повторная попытка сначала ищет заказ,
// который предыдущая могла зафиксировать, не успев об этом сообщить.
func (s *Service) commitAtomic(ctx context.Context, c checkoutSnapshot) (model.CheckoutResult, error) {
	var (
		orderID  int64
		balance  model.Money
		existing *model.Order
		attempt  int
	)

	err := s.withRetry(ctx, c.userID, string(stepCommitted), func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			found, err := s.repo.FindOrderByKey(ctx, c.userID, c.key)
			if err != nil {
				return err
			}
			if found != nil && found.Status == model.OrderStatusReceived {
				existing = found
				return nil
			}
		}

		var (
			txOrderID int64
			txBalance model.Money
		)
		err := s.tx.WithTx(ctx, func(ctx context.Context) error {
			// Блокирует строку кошелька до конца транзакции.
			if _, err := s.repo.GetBalance(ctx, c.userID); err != nil {
				return err
			}

			id, err := s.repo.CreateOrder(ctx, c.userID, c.total, c.key)
			if err != nil {
				return err
			}
			if err := s.repo.AddOrderLines(ctx, id, c.lines); err != nil {
				return err
			}

			removed, err := s.repo.ClearBasket(ctx, c.userID)
			if err != nil {
				return err
			}
			if removed != int64(len(c.entries)) {
				return model.ErrBasketChanged
			}

			bal, err := s.repo.Debit(ctx, c.userID, c.total)
			if err != nil {
				return err
			}
			if err := s.repo.ConfirmOrder(ctx, id); err != nil {
				return err
			}

			if s.events != nil {
				event := s.newCommittedEvent(id, c)
				if err := s.events.InsertOutbox(ctx, event.EventID, s.opts.OrderEventsTopic, strconv.FormatInt(c.userID, 10), event); err != nil {
					return err
				}
			}

			txOrderID, txBalance = id, bal
			return nil
		})
		if err != nil {
			return err
		}
		orderID, balance = txOrderID, txBalance
		return nil
	})

	if errors.Is(err, model.ErrOrderExists) {
		return s.replayConflict(ctx, c, err)
	}
	if errors.Is(err, model.ErrInsufficientFunds) {
		// Баланс уменьшился после проверки; транзакция откатилась целиком.
		current, _ := s.repo.GetBalance(ctx, c.userID)
		s.logger.Info("checkout aborted: insufficient funds at debit", zap.Int64("userID", c.userID))
		return model.CheckoutResult{
			Outcome:  model.CheckoutInsufficientFunds,
			Balance:  current,
			Required: c.total,
		}, nil
	}
	if err != nil {
		return model.CheckoutResult{}, err
	}

	if existing != nil {
		return s.committedResult(ctx, *existing, model.CheckoutCommitted)
	}

	return s.committed(orderID, balance, c), nil
}

// commitWithCompensation выполняет шаги по одному для хранилищ без транзакций.
// Заказ создаётся в PENDING и становится RECEIVED только после списания. Если шаг после создания
// заказа не удался, списание возвращается, корзина восстанавливается, а заказ помечается FAILED.
func (s *Service) commitWithCompensation(ctx context.Context, c checkoutSnapshot) (model.CheckoutResult, error) {
	var (
		orderID int64
		attempt int
	)
	err := s.withRetry(ctx, c.userID, string(stepOrderCreated), func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			found, err := s.repo.FindOrderByKey(ctx, c.userID, c.key)
			if err != nil {
				return err
			}
			if found != nil {
				orderID = found.ID
				return nil
			}
		}
		id, err := s.repo.CreateOrder(ctx, c.userID, c.total, c.key)
		if err != nil {
			return err
		}
		orderID = id
		return nil
	})
	if errors.Is(err, model.ErrOrderExists) {
		return s.replayConflict(ctx, c, err)
	}
	if err != nil {
		return model.CheckoutResult{}, err
	}

	err = s.withRetry(ctx, c.userID, string(stepLinesPersisted), func(ctx context.Context) error {
		return s.repo.AddOrderLines(ctx, orderID, c.lines)
	})
	if err != nil {
		return s.compensate(ctx, c, orderID, compensation{}, err)
	}

	// Корзину пользователя меняют только под его блокировкой, поэтому она совпадает со снимком.
	err = s.withRetry(ctx, c.userID, string(stepBasketCleared), func(ctx context.Context) error {
		_, err := s.repo.ClearBasket(ctx, c.userID)
		return err
	})
	if err != nil {
		return s.compensate(ctx, c, orderID, compensation{basketCleared: true}, err)
	}

	// Списание не идемпотентно, поэтому выполняется одной попыткой.
	var balance model.Money
	err = s.withRetryN(ctx, c.userID, string(stepDebited), 1, func(ctx context.Context) error {
		var err error
		balance, err = s.repo.Debit(ctx, c.userID, c.total)
		return err
	})
	if err != nil {
		return s.compensate(ctx, c, orderID, compensation{basketCleared: true}, err)
	}

	err = s.withRetry(ctx, c.userID, string(stepConfirmed), func(ctx context.Context) error {
		return s.repo.ConfirmOrder(ctx, orderID)
	})
	if err != nil {
		return s.compensate(ctx, c, orderID, compensation{basketCleared: true, debited: true}, err)
	}

	return s.committed(orderID, balance, c), nil
}

// compensation перечисляет шаги, которые успели выполниться и должны быть отменены.
type compensation struct {
	basketCleared bool
	debited       bool
}

// compensate отменяет уже выполненные шаги в обратном порядке.
func (s *Service) compensate(ctx context.Context, c checkoutSnapshot, orderID int64, done compensation, cause error) (model.CheckoutResult, error) {
	s.metrics.IncCompensations()
	s.logger.Warn("checkout compensating",
		zap.Int64("userID", c.userID),
		zap.Int64("orderID", orderID),
		zap.Bool("basketCleared", done.basketCleared),
		zap.Bool("debited", done.debited),
		zap.Error(cause),
	)

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	var errs []error
	if done.debited {
		// Пополнение, как и списание, не идемпотентно.
		err := s.withRetryN(cctx, c.userID, string(stepRefund), 1, func(ctx context.Context) error {
			_, err := s.repo.Credit(ctx, c.userID, c.total)
			return err
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	if done.basketCleared {
		err := s.withRetry(cctx, c.userID, string(stepRestoreBasket), func(ctx context.Context) error {
			return s.repo.RestoreBasket(ctx, c.userID, c.entries)
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	err := s.withRetry(cctx, c.userID, string(stepMarkOrderFailed), func(ctx context.Context) error {
		return s.repo.MarkOrderFailed(ctx, orderID)
	})
	if err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		s.logger.Error("checkout compensation failed",
			zap.Int64("userID", c.userID),
			zap.Int64("orderID", orderID),
			zap.Errors("errors", errs),
		)
		return model.CheckoutResult{}, errors.Join(append([]error{cause}, errs...)...)
	}

	if errors.Is(cause, model.ErrInsufficientFunds) {
		current, _ := s.repo.GetBalance(cctx, c.userID)
		return model.CheckoutResult{
			Outcome:  model.CheckoutInsufficientFunds,
			Balance:  current,
			Required: c.total,
		}, nil
	}
	return model.CheckoutResult{}, cause
}

func (s *Service) committed(orderID int64, balance model.Money, c checkoutSnapshot) model.CheckoutResult {
	lines := make([]model.OrderLine, 0, len(c.lines))
	for _, l := range c.lines {
		l.OrderID = orderID
		lines = append(lines, l)
	}

	s.logger.Info("checkout committed",
		zap.Int64("userID", c.userID),
		zap.Int64("orderID", orderID),
		zap.Stringer("total", c.total),
		zap.Stringer("balance", balance),
	)

	return model.CheckoutResult{
		Outcome: model.CheckoutCommitted,
		Order: &model.OrderDetail{
			Order: model.Order{
				ID:             orderID,
				UserID:         c.userID,
				Total:          c.total,
				Status:         model.OrderStatusReceived,
				IdempotencyKey: c.key,
				CreatedAt:      s.now(),
			},
			Lines: lines,
		},
		Balance: balance,
	}
}

func (s *Service) newCommittedEvent(orderID int64, c checkoutSnapshot) model.OrderCommittedEvent {
	return model.OrderCommittedEvent{
		EventID:     uuid.NewString(),
		OrderID:     orderID,
		UserID:      c.userID,
		Total:       c.total,
		Lines:       model.LineViews(c.lines),
		CommittedAt: s.now(),
	}
}

func outcomeLabel(res model.CheckoutResult, err error) string {
	if err != nil {
		var perr *model.PersistenceError
		if errors.As(err, &perr) {
			return "PERSISTENCE_ERROR"
		}
		return "ERROR"
	}
	return string(res.Outcome)
}
