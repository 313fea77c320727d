package clock

import (
	"testing"
	"time"

	"github.com/algomatic/ingestor/internal/model"
)

func TestAlignSliceEnd(t *testing.T) {
	now := time.Date(2026, 3, 15, 13, 47, 22, 0, time.UTC)

	cases := []struct {
		tf   model.Timeframe
		want time.Time
	}{
		{model.TimeframeM15, time.Date(2026, 3, 15, 13, 45, 0, 0, time.UTC)},
		{model.TimeframeH1, time.Date(2026, 3, 15, 13, 0, 0, 0, time.UTC)},
		{model.TimeframeH4, time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)},
		{model.TimeframeD1, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)},
		{model.TimeframeW1, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)}, // most recent Monday
	}
	for _, c := range cases {
		got := AlignSliceEnd(now, c.tf)
		if !got.Equal(c.want) {
			t.Errorf("AlignSliceEnd(%v, %s) = %v, want %v", now, c.tf, got, c.want)
		}
	}
}

func TestIsToday_IsPastET_IsFutureET(t *testing.T) {
	fixed := time.Date(2026, 3, 15, 18, 0, 0, 0, time.UTC) // 14:00 ET
	clk := NewAt(fixed)

	sameDay := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC) // 08:00 ET, same ET calendar day
	if !clk.IsToday(sameDay) {
		t.Error("IsToday() = false for a timestamp on the same ET calendar day")
	}
	if clk.IsPastET(sameDay) {
		t.Error("IsPastET() = true for a timestamp on today's ET calendar day")
	}

	yesterday := fixed.AddDate(0, 0, -1)
	if !clk.IsPastET(yesterday) {
		t.Error("IsPastET() = false for yesterday")
	}
	if clk.IsToday(yesterday) {
		t.Error("IsToday() = true for yesterday")
	}

	tomorrow := fixed.AddDate(0, 0, 1)
	if !clk.IsFutureET(tomorrow) {
		t.Error("IsFutureET() = false for tomorrow")
	}
}

func TestIsMarketHours(t *testing.T) {
	clk := New(nil)

	cases := []struct {
		name string
		t    time.Time
		want bool
	}{
		{"weekday mid-session", time.Date(2026, 3, 16, 15, 0, 0, 0, time.UTC), true}, // 11:00 ET Monday
		{"weekday before open", time.Date(2026, 3, 16, 13, 0, 0, 0, time.UTC), false},
		{"weekday after close", time.Date(2026, 3, 16, 22, 0, 0, 0, time.UTC), false},
		{"saturday", time.Date(2026, 3, 21, 15, 0, 0, 0, time.UTC), false},
	}
	for _, c := range cases {
		if got := clk.IsMarketHours(c.t); got != c.want {
			t.Errorf("%s: IsMarketHours(%v) = %v, want %v", c.name, c.t, got, c.want)
		}
	}
}
