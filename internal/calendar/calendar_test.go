package calendar_test

import (
	"context"
	"testing"

	"github.com/prometheus-v2/daily-engine/internal/calendar"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWeekdayCalendar_SkipsWeekends(t *testing.T) {
	cal := calendar.NewWeekdayCalendar()
	saturday := calendar.NewDate(2026, 1, 17)
	ok, err := cal.IsTradingDay(context.Background(), "US", saturday)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWeekdayCalendar_SkipsConfiguredHoliday(t *testing.T) {
	holiday := calendar.NewDate(2026, 1, 19)
	cal := &calendar.WeekdayCalendar{Holidays: map[string]map[calendar.Date]bool{
		"US": {holiday: true},
	}}
	ok, err := cal.IsTradingDay(context.Background(), "US", holiday)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWeekdayCalendar_NextTradingDaySkipsWeekend(t *testing.T) {
	cal := calendar.NewWeekdayCalendar()
	friday := calendar.NewDate(2026, 1, 16)
	next, err := cal.NextTradingDay(context.Background(), "US", friday)
	require.NoError(t, err)
	assert.Equal(t, calendar.NewDate(2026, 1, 19), next)
}

func TestTradingDatesInRange_ExcludesWeekends(t *testing.T) {
	cal := calendar.NewWeekdayCalendar()
	start := calendar.NewDate(2026, 1, 15)
	end := calendar.NewDate(2026, 1, 20)
	dates, err := calendar.TradingDatesInRange(context.Background(), cal, "US", start, end)
	require.NoError(t, err)
	assert.Len(t, dates, 4)
	for _, d := range dates {
		assert.NotEqual(t, "Saturday", d.Weekday().String())
		assert.NotEqual(t, "Sunday", d.Weekday().String())
	}
}

func TestDate_ParseAndStringRoundTrip(t *testing.T) {
	d, err := calendar.ParseDate("2026-02-28")
	require.NoError(t, err)
	assert.Equal(t, "2026-02-28", d.String())
}

func TestDate_BeforeAfterEqual(t *testing.T) {
	a := calendar.NewDate(2026, 1, 1)
	b := calendar.NewDate(2026, 1, 2)
	assert.True(t, a.Before(b))
	assert.True(t, b.After(a))
	assert.True(t, a.Equal(calendar.NewDate(2026, 1, 1)))
}
