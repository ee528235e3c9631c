// Package validation содержит функции валидации входных данных.
package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/mmeshcher/foodbot/internal/model"
)

const (
	// MaxItemNameLen задаёт максимальную длину названия блюда в символах.
	MaxItemNameLen = 128
	// MaxIdempotencyKeyLen задаёт максимальную длину ключа идемпотентности.
	MaxIdempotencyKeyLen = 128
)

// NormalizeItemName убирает пробелы по краям названия блюда.
func NormalizeItemName(name string) string {
	return strings.TrimSpace(name)
}

// ValidateBasketItem проверяет параметры позиции корзины. Ошибка оборачивает model.ErrInvalidItem.
func ValidateBasketItem(name string, unitPrice model.Money, quantity int) error {
	name = NormalizeItemName(name)
	switch {
	case name == "":
		return fmt.Errorf("%w: empty item name", model.ErrInvalidItem)
	case !utf8.ValidString(name):
		return fmt.Errorf("%w: item name is not valid UTF-8", model.ErrInvalidItem)
	case utf8.RuneCountInString(name) > MaxItemNameLen:
		return fmt.Errorf("%w: item name longer than %d characters", model.ErrInvalidItem, MaxItemNameLen)
	case unitPrice < 0:
		return fmt.Errorf("%w: negative price", model.ErrInvalidItem)
	case unitPrice > model.MaxAmount:
		return fmt.Errorf("%w: price above %s", model.ErrInvalidItem, model.MaxAmount)
	case quantity <= 0:
		return fmt.Errorf("%w: quantity must be positive", model.ErrInvalidItem)
	}
	return nil
}

// IsValidIdempotencyKey проверяет ключ идемпотентности: от 1 до 128 печатных ASCII-символов.
func IsValidIdempotencyKey(key string) bool {
	if key == "" || len(key) > MaxIdempotencyKeyLen {
		return false
	}
	for i := 0; i < len(key); i++ {
		if key[i] < 0x21 || key[i] > 0x7e {
			return false
		}
	}
	return true
}

// ValidateAmount проверяет сумму пополнения: положительная и не больше model.MaxAmount.
func ValidateAmount(amount model.Money) error {
	if amount <= 0 || amount > model.MaxAmount {
		return fmt.Errorf("%w: %s", model.ErrInvalidAmount, amount)
	}
	return nil
}
