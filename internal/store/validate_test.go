package store

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/algomatic/ingestor/internal/clock"
	"github.com/algomatic/ingestor/internal/model"
)

func testStore() *Store {
	return New(nil, clock.New(nil), nil)
}

func baseBar() model.Bar {
	return model.Bar{
		SymbolID:  1,
		Symbol:    "AAPL",
		Timeframe: model.TimeframeD1,
		Timestamp: time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC),
		Open:      decimal.NewFromInt(100),
		High:      decimal.NewFromInt(101),
		Low:       decimal.NewFromInt(99),
		Close:     decimal.NewFromInt(100),
		Volume:    1000,
		Provider:  model.ProviderAlpaca,
	}
}

func TestValidateRow_HistoricalBarPastDayOK(t *testing.T) {
	s := testStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := baseBar()

	if err := s.ValidateRow(b, now); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateRow_AlpacaForecastFlagRejected(t *testing.T) {
	s := testStore()
	b := baseBar()
	b.IsForecast = true

	if err := s.ValidateRow(b, time.Now()); err == nil {
		t.Error("expected a validation error for an alpaca bar marked is_forecast")
	}
}

func TestValidateRow_TradierRequiresIntraday(t *testing.T) {
	s := testStore()
	b := baseBar()
	b.Provider = model.ProviderTradier
	b.IsIntraday = false

	if err := s.ValidateRow(b, time.Now()); err == nil {
		t.Error("expected a validation error for a non-intraday tradier bar")
	}
}

func TestValidateRow_MLForecastRequiresBands(t *testing.T) {
	s := testStore()
	b := baseBar()
	b.Provider = model.ProviderMLForecast
	b.IsForecast = true
	b.IsIntraday = false
	b.Timestamp = time.Now().Add(48 * time.Hour)

	if err := s.ValidateRow(b, time.Now()); err == nil {
		t.Error("expected a validation error for an ml_forecast bar missing confidence bands")
	}

	upper := decimal.NewFromInt(105)
	lower := decimal.NewFromInt(95)
	b.UpperBand = &upper
	b.LowerBand = &lower
	if err := s.ValidateRow(b, time.Now()); err != nil {
		t.Errorf("unexpected error once bands are present: %v", err)
	}
}

func TestValidateRow_NegativeVolumeRejected(t *testing.T) {
	s := testStore()
	b := baseBar()
	b.Volume = -1

	if err := s.ValidateRow(b, time.Now()); err == nil {
		t.Error("expected a validation error for negative volume")
	}
}

func TestValidateRow_UnknownProviderRejected(t *testing.T) {
	s := testStore()
	b := baseBar()
	b.Provider = model.Provider("bogus")

	if err := s.ValidateRow(b, time.Now()); err == nil {
		t.Error("expected a validation error for an unrecognized provider")
	}
}
