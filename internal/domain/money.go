package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Money сумма в минимальных единицах валюты (центы, для JPY иены) и ISO 4217 код в нижнем регистре.
type Money struct {
	Amount   int64  `json:"amount" db:"amount"`
	Currency string `json:"currency" db:"currency"`
}

// NewMoney нормализует код валюты
func NewMoney(amount int64, currency string) Money {
	return Money{Amount: amount, Currency: strings.ToLower(strings.TrimSpace(currency))}
}

// IsPositive true, если сумма больше нуля
func (m Money) IsPositive() bool {
	return m.Amount > 0
}

// Equal сравнивает сумму и валюту
func (m Money) Equal(other Money) bool {
	return m.Amount == other.Amount && strings.EqualFold(m.Currency, other.Currency)
}

func (m Money) String() string {
	exp := m.Exponent()
	return decimal.New(m.Amount, -exp).StringFixed(exp) + " " + strings.ToUpper(m.Currency)
}

// Exponent число знаков минимальной единицы валюты
func (m Money) Exponent() int32 {
	return CurrencyExponent(m.Currency)
}

// Major сумма в основных единицах валюты
func (m Money) Major() decimal.Decimal {
	return decimal.New(m.Amount, -m.Exponent())
}

// валюты без дробной части и с тремя знаками по ISO 4217, остальные двухзнаковые
var currencyExponents = map[string]int32{
	"bif": 0, "clp": 0, "djf": 0, "gnf": 0, "isk": 0, "jpy": 0, "kmf": 0, "krw": 0,
	"pyg": 0, "rwf": 0, "ugx": 0, "vnd": 0, "vuv": 0, "xaf": 0, "xof": 0, "xpf": 0,
	"bhd": 3, "jod": 3, "kwd": 3, "omr": 3, "tnd": 3,
}

// CurrencyExponent число знаков после запятой в минимальной единице валюты
func CurrencyExponent(currency string) int32 {
	if exp, ok := currencyExponents[strings.ToLower(strings.TrimSpace(currency))]; ok {
		return exp
	}
	return 2
}
