package domain

import (
	"fmt"
	"time"
)

// Provider платежный провайдер
type Provider string

const (
	// ProviderCardNetwork карточный процессинг (Stripe)
	ProviderCardNetwork Provider = "CARD_NETWORK"
	// ProviderWallet кошелек (PayPal)
	ProviderWallet Provider = "WALLET"
)

// Valid проверяет, что провайдер известен
func (p Provider) Valid() bool {
	return p == ProviderCardNetwork || p == ProviderWallet
}

// ParseProvider разбирает значение из запроса или URL
func ParseProvider(s string) (Provider, error) {
	switch s {
	case string(ProviderCardNetwork), "card", "stripe":
		return ProviderCardNetwork, nil
	case string(ProviderWallet), "wallet", "paypal":
		return ProviderWallet, nil
	}
	return "", fmt.Errorf("%w: unknown provider %q", ErrInvalidInput, s)
}

// Interval периодичность списаний
type Interval string

const (
	IntervalMonthly Interval = "MONTHLY"
	IntervalYearly  Interval = "YEARLY"
)

// Valid проверяет интервал
func (i Interval) Valid() bool {
	return i == IntervalMonthly || i == IntervalYearly
}

// Next возвращает конец периода, начинающегося в from.
// Для цепочки периодов нужен PeriodEnd с исходной датой привязки.
func (i Interval) Next(from time.Time) time.Time {
	return i.PeriodEnd(from, from)
}

// PeriodEnd конец периода, начинающегося в from, для подписки с датой привязки anchor.
// День привязки ограничивается последним днем месяца: 31 января, 28 февраля, 31 марта.
func (i Interval) PeriodEnd(anchor, from time.Time) time.Time {
	if anchor.IsZero() {
		anchor = from
	}
	anchor = anchor.In(from.Location())

	year, month := from.Year(), from.Month()
	if i == IntervalYearly {
		year++
	} else {
		month++
	}
	// time.Date нормализует 13-й месяц в январь следующего года
	first := time.Date(year, month, 1, 0, 0, 0, 0, from.Location())
	day := anchor.Day()
	if last := daysIn(first.Year(), first.Month()); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day,
		anchor.Hour(), anchor.Minute(), anchor.Second(), anchor.Nanosecond(), from.Location())
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
