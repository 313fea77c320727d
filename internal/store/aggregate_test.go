package store

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/algomatic/ingestor/internal/model"
)

func m15Bar(ts string, open, high, low, close float64, volume int64) model.Bar {
	t, err := time.Parse("2006-01-02T15:04", ts)
	if err != nil {
		panic(err)
	}
	return model.Bar{
		SymbolID:  1,
		Symbol:    "AAPL",
		Timeframe: model.TimeframeM15,
		Timestamp: t,
		Open:      decimal.NewFromFloat(open),
		High:      decimal.NewFromFloat(high),
		Low:       decimal.NewFromFloat(low),
		Close:     decimal.NewFromFloat(close),
		Volume:    volume,
		Provider:  model.ProviderAlpaca,
	}
}

func TestAggregate_H1_Complete(t *testing.T) {
	bars := []model.Bar{
		m15Bar("2026-01-05T09:00", 100, 102, 99, 101, 1000),
		m15Bar("2026-01-05T09:15", 101, 103, 100, 102, 1100),
		m15Bar("2026-01-05T09:30", 102, 105, 101, 104, 1200),
		m15Bar("2026-01-05T09:45", 104, 104, 98, 99, 900),
	}

	result, err := aggregate(bars, model.TimeframeH1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("expected 1 aggregated bar, got %d", len(result))
	}

	b := result[0]
	assertDecimal(t, "open", 100, b.Open)
	assertDecimal(t, "high", 105, b.High)
	assertDecimal(t, "low", 98, b.Low)
	assertDecimal(t, "close", 99, b.Close)
	if b.Volume != 4200 {
		t.Errorf("volume = %d, want 4200", b.Volume)
	}
	if b.Timeframe != model.TimeframeH1 {
		t.Errorf("timeframe = %s, want h1", b.Timeframe)
	}
}

func TestAggregate_IncompletePeriodDropped(t *testing.T) {
	bars := []model.Bar{
		m15Bar("2026-01-05T09:00", 100, 102, 99, 101, 1000),
		m15Bar("2026-01-05T09:15", 101, 103, 100, 102, 1100),
		m15Bar("2026-01-05T09:30", 102, 105, 101, 104, 1200),
	}

	result, err := aggregate(bars, model.TimeframeH1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 0 {
		t.Fatalf("expected 0 bars (incomplete trailing bucket dropped), got %d", len(result))
	}
}

func TestAggregate_EmptyInput(t *testing.T) {
	result, err := aggregate(nil, model.TimeframeH1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil result for empty input, got %d bars", len(result))
	}
}

func TestAggregate_UnsupportedTarget(t *testing.T) {
	bars := []model.Bar{m15Bar("2026-01-05T09:00", 100, 102, 99, 101, 1000)}
	if _, err := aggregate(bars, model.TimeframeD1); err == nil {
		t.Fatal("expected error aggregating m15 directly into d1")
	}
}

func TestAggregate_H4_SumsFourHourBuckets(t *testing.T) {
	var bars []model.Bar
	base, _ := time.Parse("2006-01-02T15:04", "2026-01-05T08:00")
	for i := 0; i < 16; i++ { // 16 x 15min = one complete 4h bucket
		ts := base.Add(time.Duration(i) * 15 * time.Minute)
		bars = append(bars, model.Bar{
			SymbolID:  1,
			Timeframe: model.TimeframeM15,
			Timestamp: ts,
			Open:      decimal.NewFromInt(int64(100 + i)),
			High:      decimal.NewFromInt(int64(110 + i)),
			Low:       decimal.NewFromInt(90),
			Close:     decimal.NewFromInt(int64(105 + i)),
			Volume:    100,
			Provider:  model.ProviderAlpaca,
		})
	}
	// One bar in the next bucket confirms the first bucket is complete.
	bars = append(bars, model.Bar{
		SymbolID:  1,
		Timeframe: model.TimeframeM15,
		Timestamp: base.Add(4 * time.Hour),
		Open:      decimal.NewFromInt(200),
		High:      decimal.NewFromInt(210),
		Low:       decimal.NewFromInt(190),
		Close:     decimal.NewFromInt(205),
		Volume:    100,
		Provider:  model.ProviderAlpaca,
	})

	result, err := aggregate(bars, model.TimeframeH4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("expected 1 aggregated bar, got %d", len(result))
	}
	if result[0].Volume != 1600 {
		t.Errorf("volume = %d, want 1600", result[0].Volume)
	}
}

func assertDecimal(t *testing.T, name string, expected float64, actual decimal.Decimal) {
	t.Helper()
	want := decimal.NewFromFloat(expected)
	if !want.Equal(actual) {
		t.Errorf("%s = %s, want %s", name, actual, want)
	}
}
