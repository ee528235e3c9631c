package model

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Money хранит сумму в минимальных единицах валюты (тиынах, 1/100 тенге).
type Money int64

const minorUnitsExp = 2

// MaxAmount ограничивает одну сумму, приходящую извне: цену блюда, пополнение, начальный баланс.
// Это один миллиард тенге.
const MaxAmount Money = 100_000_000_000

// ParseMoney разбирает сумму в основных единицах, например "2500" или "12.50".
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse money %q: %w", s, err)
	}
	return MoneyFromDecimal(d)
}

// MoneyFromDecimal переводит сумму в основных единицах в минимальные.
// Суммы с более чем двумя знаками после запятой отклоняются, суммы больше MaxAmount по модулю
// возвращают ErrAmountOutOfRange.
func MoneyFromDecimal(d decimal.Decimal) (Money, error) {
	minor := d.Shift(minorUnitsExp)
	if !minor.IsInteger() {
		return 0, fmt.Errorf("money %s has more than %d fractional digits", d.String(), minorUnitsExp)
	}
	if minor.Abs().GreaterThan(decimal.NewFromInt(int64(MaxAmount))) {
		return 0, fmt.Errorf("%w: %s", ErrAmountOutOfRange, d.String())
	}
	return Money(minor.IntPart()), nil
}

// Add складывает суммы с проверкой переполнения.
func (m Money) Add(o Money) (Money, error) {
	if (o > 0 && m > math.MaxInt64-o) || (o < 0 && m < math.MinInt64-o) {
		return 0, fmt.Errorf("%w: %d + %d", ErrAmountOutOfRange, int64(m), int64(o))
	}
	return m + o, nil
}

// Decimal возвращает сумму в основных единицах.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -minorUnitsExp)
}

func (m Money) String() string {
	return m.Decimal().StringFixed(minorUnitsExp)
}

// MarshalJSON кодирует сумму числом с двумя знаками после запятой.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalJSON принимает сумму как числом, так и строкой.
func (m *Money) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("decode money: %w", err)
	}
	v, err := MoneyFromDecimal(d)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// UnmarshalText позволяет хранить суммы в конфигурации.
func (m *Money) UnmarshalText(text []byte) error {
	v, err := ParseMoney(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}
