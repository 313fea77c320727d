package alpaca

import (
	"testing"
	"time"

	"github.com/algomatic/ingestor/internal/clock"
	"github.com/algomatic/ingestor/internal/model"
)

func TestConvertBars_TodaysIntradayBarIsFlaggedIntraday(t *testing.T) {
	now := time.Date(2026, 7, 31, 18, 0, 0, 0, time.UTC)
	clk := clock.NewAt(now)
	raw := []rawBar{{Timestamp: time.Date(2026, 7, 31, 14, 30, 0, 0, time.UTC), Close: 100}}

	bars, err := convertBars(raw, "AAPL", model.TimeframeM15, clk)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bars[0].IsIntraday {
		t.Error("IsIntraday = false, want true for an m15 bar dated today")
	}
}

func TestConvertBars_StaleIntradayBarIsNotFlaggedIntraday(t *testing.T) {
	now := time.Date(2026, 7, 31, 18, 0, 0, 0, time.UTC)
	clk := clock.NewAt(now)
	raw := []rawBar{{Timestamp: time.Date(2026, 6, 1, 14, 30, 0, 0, time.UTC), Close: 100}}

	bars, err := convertBars(raw, "AAPL", model.TimeframeM15, clk)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bars[0].IsIntraday {
		t.Error("IsIntraday = true, want false for an m15 bar from a prior trading day (would make the stale-data check a no-op)")
	}
}

func TestConvertBars_DailyTimeframeNeverFlaggedIntraday(t *testing.T) {
	now := time.Date(2026, 7, 31, 18, 0, 0, 0, time.UTC)
	clk := clock.NewAt(now)
	raw := []rawBar{{Timestamp: now, Close: 100}}

	bars, err := convertBars(raw, "AAPL", model.TimeframeD1, clk)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bars[0].IsIntraday {
		t.Error("IsIntraday = true, want false for a d1 bar even when dated today")
	}
}
