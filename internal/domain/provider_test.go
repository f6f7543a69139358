package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 9, 30, 0, 0, time.UTC)
}

func TestIntervalPeriodEnd(t *testing.T) {
	tests := []struct {
		name     string
		interval Interval
		anchor   time.Time
		from     time.Time
		want     time.Time
	}{
		{"monthly from 31st clamps to february", IntervalMonthly, date(2025, 1, 31), date(2025, 1, 31), date(2025, 2, 28)},
		{"monthly returns to anchor day after short month", IntervalMonthly, date(2025, 1, 31), date(2025, 2, 28), date(2025, 3, 31)},
		{"monthly clamps to 30 day month", IntervalMonthly, date(2025, 1, 31), date(2025, 3, 31), date(2025, 4, 30)},
		{"monthly leap february", IntervalMonthly, date(2024, 1, 31), date(2024, 1, 31), date(2024, 2, 29)},
		{"monthly from leap day", IntervalMonthly, date(2024, 2, 29), date(2024, 2, 29), date(2024, 3, 29)},
		{"monthly across year end", IntervalMonthly, date(2024, 12, 15), date(2024, 12, 15), date(2025, 1, 15)},
		{"yearly from leap day clamps", IntervalYearly, date(2024, 2, 29), date(2024, 2, 29), date(2025, 2, 28)},
		{"yearly returns to leap day", IntervalYearly, date(2024, 2, 29), date(2027, 2, 28), date(2028, 2, 29)},
		{"yearly plain", IntervalYearly, date(2025, 6, 10), date(2025, 6, 10), date(2026, 6, 10)},
		{"zero anchor uses from", IntervalMonthly, time.Time{}, date(2025, 5, 20), date(2025, 6, 20)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.interval.PeriodEnd(tt.anchor, tt.from))
		})
	}
}

func TestIntervalNextClamps(t *testing.T) {
	assert.Equal(t, date(2025, 2, 28), IntervalMonthly.Next(date(2025, 1, 31)))
	assert.Equal(t, date(2024, 2, 29), IntervalMonthly.Next(date(2024, 1, 31)))
	assert.Equal(t, date(2025, 2, 28), IntervalYearly.Next(date(2024, 2, 29)))
}

func TestSubscriptionNextPeriodEndKeepsAnchor(t *testing.T) {
	sub := &Subscription{
		Interval:           IntervalMonthly,
		BillingAnchor:      date(2025, 1, 31),
		CurrentPeriodStart: date(2025, 1, 31),
		CurrentPeriodEnd:   date(2025, 2, 28),
	}

	var ends []time.Time
	for i := 0; i < 4; i++ {
		next := sub.NextPeriodEnd()
		ends = append(ends, next)
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd = sub.CurrentPeriodEnd, next
	}

	assert.Equal(t, []time.Time{date(2025, 3, 31), date(2025, 4, 30), date(2025, 5, 31), date(2025, 6, 30)}, ends)
}

func TestSubscriptionNextPeriodEndFallsBackToPeriodStart(t *testing.T) {
	sub := &Subscription{
		Interval:           IntervalMonthly,
		CurrentPeriodStart: date(2025, 1, 31),
		CurrentPeriodEnd:   date(2025, 2, 28),
	}
	assert.Equal(t, date(2025, 3, 31), sub.NextPeriodEnd())
}
