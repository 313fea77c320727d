// Package clock is the ingestion orchestrator's single source of "now" and
// market-calendar classification (C1). The store, coverage ledger,
// orchestrator slicing and API handlers take the current time from a
// Clock; fetch and event timestamps, rate-bucket accounting, the worker's
// pre-upsert validation and latency timing call time.Now() directly.
package clock

import (
	"log/slog"
	"time"

	"github.com/algomatic/ingestor/internal/model"
)

// fallbackET is used if the runtime has no IANA tzdata installed. It is
// wrong for half the year (no DST) but keeps the process serving instead
// of panicking on every call.
var fallbackET = time.FixedZone("ET-fallback", -5*60*60)

// Clock provides UTC time and America/New_York calendar classification.
type Clock struct {
	loc *time.Location
	now func() time.Time // overridable for tests
}

// New loads America/New_York once at construction and logs a warning,
// rather than failing per-call, if tzdata is unavailable.
func New(logger *slog.Logger) *Clock {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		if logger != nil {
			logger.Warn("America/New_York tzdata unavailable, using fixed UTC-5 fallback", "error", err)
		}
		loc = fallbackET
	}
	return &Clock{loc: loc, now: time.Now}
}

// NewAt is the test constructor: now is pinned, never advances.
func NewAt(fixed time.Time) *Clock {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = fallbackET
	}
	return &Clock{loc: loc, now: func() time.Time { return fixed }}
}

// NowUTC returns the current instant in UTC.
func (c *Clock) NowUTC() time.Time {
	return c.now().UTC()
}

// MarketDayET returns the America/New_York calendar date for t, truncated
// to midnight in that zone.
func (c *Clock) MarketDayET(t time.Time) time.Time {
	et := t.In(c.loc)
	y, m, d := et.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, c.loc)
}

// IsToday reports whether t falls on the same America/New_York calendar
// day as "now" (or the reference instant passed to NewAt).
func (c *Clock) IsToday(t time.Time) bool {
	return c.MarketDayET(t).Equal(c.MarketDayET(c.now()))
}

// IsPastET reports whether t's ET calendar day is strictly before today's.
func (c *Clock) IsPastET(t time.Time) bool {
	return c.MarketDayET(t).Before(c.MarketDayET(c.now()))
}

// IsFutureET reports whether t's ET calendar day is strictly after today's.
func (c *Clock) IsFutureET(t time.Time) bool {
	return c.MarketDayET(t).After(c.MarketDayET(c.now()))
}

// IsMarketHours reports whether t (any zone) falls inside the regular
// 9:30-16:00 America/New_York equity session on a weekday. It does not
// consult a holiday calendar; that refinement is left to the deployment's
// calendar data, which is out of this core's scope.
func (c *Clock) IsMarketHours(t time.Time) bool {
	et := t.In(c.loc)
	if et.Weekday() == time.Saturday || et.Weekday() == time.Sunday {
		return false
	}
	open := time.Date(et.Year(), et.Month(), et.Day(), 9, 30, 0, 0, c.loc)
	close := time.Date(et.Year(), et.Month(), et.Day(), 16, 0, 0, 0, c.loc)
	return !et.Before(open) && et.Before(close)
}

// AlignSliceEnd floors now to the most recent boundary of timeframe:
// m15 -> 15-minute boundary, h1 -> top of hour, h4 -> 00/04/08/12/16/20 UTC,
// d1/w1 -> UTC midnight (w1 further floored to the most recent Monday).
func AlignSliceEnd(now time.Time, tf model.Timeframe) time.Time {
	u := now.UTC()
	switch tf {
	case model.TimeframeM15:
		return u.Truncate(15 * time.Minute)
	case model.TimeframeH1:
		return u.Truncate(time.Hour)
	case model.TimeframeH4:
		h := (u.Hour() / 4) * 4
		return time.Date(u.Year(), u.Month(), u.Day(), h, 0, 0, 0, time.UTC)
	case model.TimeframeD1:
		return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	case model.TimeframeW1:
		midnight := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(midnight.Weekday()) + 6) % 7 // days since Monday
		return midnight.AddDate(0, 0, -offset)
	default:
		return u
	}
}
