package store

import (
	"fmt"
	"sort"
	"time"

	"github.com/algomatic/ingestor/internal/model"
)

// aggregatableDurations maps the two timeframes the chart-read aggregator
// can derive from m15 bars to their bucket span.
var aggregatableDurations = map[model.Timeframe]time.Duration{
	model.TimeframeH1: time.Hour,
	model.TimeframeH4: 4 * time.Hour,
}

// aggregate buckets m15 bars (already sorted by caller or not) into the
// target timeframe: open of the first bucket member by time, max(high),
// min(low), close of the last member, sum volume. A trailing bucket is
// dropped unless at least one member sits within one bar-duration of the
// bucket's own end, mirroring the reference corpus aggregator's "don't
// emit a bar for a period that hasn't finished yet" heuristic, generalized
// from 1-minute source bars to m15 source bars.
func aggregate(bars []model.Bar, target model.Timeframe) ([]model.Bar, error) {
	if len(bars) == 0 {
		return nil, nil
	}
	bucketSpan, ok := aggregatableDurations[target]
	if !ok {
		return nil, fmt.Errorf("aggregate: timeframe %q cannot be derived from m15", target)
	}

	sorted := make([]model.Bar, len(bars))
	copy(sorted, bars)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	groups := make(map[time.Time][]model.Bar)
	var order []time.Time
	for _, b := range sorted {
		bucket := b.Timestamp.UTC().Truncate(bucketSpan)
		if _, seen := groups[bucket]; !seen {
			order = append(order, bucket)
		}
		groups[bucket] = append(groups[bucket], b)
	}

	sourceSpan := model.TimeframeM15.Duration()
	now := sorted[len(sorted)-1].Timestamp

	result := make([]model.Bar, 0, len(order))
	for _, bucket := range order {
		members := groups[bucket]
		bucketEnd := bucket.Add(bucketSpan)
		lastMember := members[len(members)-1].Timestamp
		if bucketEnd.Sub(lastMember) > sourceSpan && now.Before(bucketEnd) {
			continue // incomplete trailing bucket
		}
		result = append(result, aggregateGroup(members, bucket, target))
	}
	return result, nil
}

func aggregateGroup(members []model.Bar, bucket time.Time, target model.Timeframe) model.Bar {
	first := members[0]
	agg := model.Bar{
		SymbolID:   first.SymbolID,
		Symbol:     first.Symbol,
		Timeframe:  target,
		Timestamp:  bucket,
		Open:       first.Open,
		High:       first.High,
		Low:        first.Low,
		Close:      members[len(members)-1].Close,
		Provider:   first.Provider,
		IsIntraday: first.IsIntraday,
		IsForecast: false,
		DataStatus: first.DataStatus,
		FetchedAt:  first.FetchedAt,
	}
	var volume int64
	for _, m := range members {
		if m.High.GreaterThan(agg.High) {
			agg.High = m.High
		}
		if m.Low.LessThan(agg.Low) {
			agg.Low = m.Low
		}
		volume += m.Volume
	}
	agg.Volume = volume
	return agg
}
