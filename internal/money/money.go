package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency is an ISO-4217 currency code.
type Currency string

var (
	ErrCurrencyMismatch  = errors.New("currency mismatch")
	ErrInvalidPercentage = errors.New("percentage must be between 0 and 100")
	ErrInvalidAmount     = errors.New("invalid amount")
)

var exponents = map[Currency]int32{
	"BHD": 3,
	"JPY": 0,
	"KRW": 0,
	"KWD": 3,
	"OMR": 3,
	"UGX": 0,
}

// Exponent returns the number of minor-unit digits for the currency.
func (c Currency) Exponent() int32 {
	if exp, ok := exponents[c]; ok {
		return exp
	}
	return 2
}

// Money is an immutable amount in minor units tagged with its currency.
type Money struct {
	amount   int64
	currency Currency
}

func New(amount int64, currency Currency) Money {
	return Money{amount: amount, currency: Currency(strings.ToUpper(string(currency)))}
}

func Zero(currency Currency) Money {
	return New(0, currency)
}

func (m Money) Amount() int64 {
	return m.amount
}

func (m Money) Currency() Currency {
	return m.currency
}

func (m Money) IsZero() bool {
	return m.amount == 0
}

func (m Money) IsNegative() bool {
	return m.amount < 0
}

func (m Money) sameCurrency(o Money) error {
	if m.currency != o.currency {
		return fmt.Errorf("%w: %s and %s", ErrCurrencyMismatch, m.currency, o.currency)
	}
	return nil
}

func (m Money) Add(o Money) (Money, error) {
	if err := m.sameCurrency(o); err != nil {
		return Money{}, err
	}
	return Money{amount: m.amount + o.amount, currency: m.currency}, nil
}

func (m Money) Sub(o Money) (Money, error) {
	if err := m.sameCurrency(o); err != nil {
		return Money{}, err
	}
	return Money{amount: m.amount - o.amount, currency: m.currency}, nil
}

// Cmp returns -1, 0 or +1 comparing m to o.
func (m Money) Cmp(o Money) (int, error) {
	if err := m.sameCurrency(o); err != nil {
		return 0, err
	}
	switch {
	case m.amount < o.amount:
		return -1, nil
	case m.amount > o.amount:
		return 1, nil
	}
	return 0, nil
}

// MulPercentage returns pct percent of m rounded half up to the nearest minor unit.
func (m Money) MulPercentage(pct int) (Money, error) {
	if pct < 0 || pct > 100 {
		return Money{}, ErrInvalidPercentage
	}
	v := decimal.NewFromInt(m.amount).
		Mul(decimal.NewFromInt(int64(pct))).
		Div(decimal.NewFromInt(100)).
		Round(0)
	return Money{amount: v.IntPart(), currency: m.currency}, nil
}

// PercentageOf returns m as a truncated integer percentage of total. A zero total yields 0.
func (m Money) PercentageOf(total Money) (int, error) {
	if err := m.sameCurrency(total); err != nil {
		return 0, err
	}
	if total.amount == 0 {
		return 0, nil
	}
	return int(m.amount * 100 / total.amount), nil
}

// Decimal returns the amount in major units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.amount, -m.currency.Exponent())
}

func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.currency, m.Decimal().StringFixed(m.currency.Exponent()))
}

// FromDecimal converts a major-unit value into Money. Sub-minor-unit precision is rejected.
func FromDecimal(d decimal.Decimal, currency Currency) (Money, error) {
	c := Currency(strings.ToUpper(string(currency)))
	minor := d.Shift(c.Exponent())
	if !minor.Equal(minor.Truncate(0)) {
		return Money{}, fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidAmount, d, c.Exponent())
	}
	if minor.GreaterThan(maxMinor) || minor.LessThan(minMinor) {
		return Money{}, fmt.Errorf("%w: %s is out of range", ErrInvalidAmount, d)
	}
	return New(minor.IntPart(), c), nil
}

var (
	maxMinor = decimal.NewFromInt(math.MaxInt64)
	minMinor = decimal.NewFromInt(math.MinInt64)
)

// Parse reads a major-unit decimal string such as "100.50".
func Parse(s string, currency Currency) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return FromDecimal(d, currency)
}

type moneyJSON struct {
	Amount    int64    `json:"amount"`
	Currency  Currency `json:"currency"`
	Formatted string   `json:"formatted,omitempty"`
}

func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(moneyJSON{Amount: m.amount, Currency: m.currency, Formatted: m.String()})
}

func (m *Money) UnmarshalJSON(data []byte) error {
	var v moneyJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*m = New(v.Amount, v.Currency)
	return nil
}
