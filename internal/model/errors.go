package model

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientFunds возвращается, если баланса кошелька не хватает для списания.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrAccountNotFound возвращается, если кошелёк пользователя не открыт.
	ErrAccountNotFound = errors.New("wallet account not found")
	// ErrCheckoutInProgress возвращается, если для пользователя уже выполняется оформление заказа.
	ErrCheckoutInProgress = errors.New("checkout already in progress")
	// ErrUserNotFound возвращается, если пользователь не зарегистрирован.
	ErrUserNotFound = errors.New("user not found")
	// ErrOrderNotFound возвращается, если заказ не найден или принадлежит другому пользователю.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderExists возвращается при повторном создании заказа с тем же ключом идемпотентности.
	ErrOrderExists = errors.New("order with this idempotency key already exists")
	// ErrBasketChanged возвращается, если корзина изменилась между снимком и очисткой.
	ErrBasketChanged = errors.New("basket changed during checkout")
	// ErrInvalidItem возвращается при некорректных параметрах позиции корзины.
	ErrInvalidItem = errors.New("invalid basket item")
	// ErrInvalidAmount возвращается при неположительной или слишком большой сумме пополнения и при отрицательном списании.
	ErrInvalidAmount = errors.New("amount must be positive and within limit")
	// ErrAmountOutOfRange возвращается, если сумма или результат арифметики выходят за допустимый диапазон.
	ErrAmountOutOfRange = errors.New("amount out of range")
	// ErrCheckoutIncomplete возвращается при повторе ключа, оформление по которому прервалось и не было откачено.
	ErrCheckoutIncomplete = errors.New("previous checkout with this idempotency key did not complete")
)

// PersistenceError описывает сбой хранилища, оставшийся после исчерпания повторных попыток.
type PersistenceError struct {
	Step     string
	Attempts int
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error at %s after %d attempt(s): %v", e.Step, e.Attempts, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsBusinessError сообщает, является ли ошибка штатным бизнес-исходом, который не повторяют.
func IsBusinessError(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrOrderNotFound) ||
		errors.Is(err, ErrOrderExists) ||
		errors.Is(err, ErrBasketChanged) ||
		errors.Is(err, ErrInvalidItem) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrAmountOutOfRange) ||
		errors.Is(err, ErrCheckoutIncomplete)
}
