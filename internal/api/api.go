// Package api is the external HTTP surface (C10): an orchestrator trigger,
// symbol-sync, chart-read/health handlers, and the ambient health/metrics/
// queue-status surfaces. Routing follows the reference corpus's handlers
// package: a Server struct holding dependencies, a RegisterRoutes method
// wiring Go 1.22+ method+path patterns onto a *http.ServeMux, and small
// per-endpoint response structs rather than a router library.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/algomatic/ingestor/internal/catalog"
	"github.com/algomatic/ingestor/internal/clock"
	"github.com/algomatic/ingestor/internal/coverage"
	"github.com/algomatic/ingestor/internal/db"
	"github.com/algomatic/ingestor/internal/metrics"
	"github.com/algomatic/ingestor/internal/model"
	"github.com/algomatic/ingestor/internal/orchestrator"
	"github.com/algomatic/ingestor/internal/queue"
	"github.com/algomatic/ingestor/internal/ratelimit"
	"github.com/algomatic/ingestor/internal/store"
)

// eventBusPinger is the subset of eventbus.Bus the readiness handler needs.
type eventBusPinger interface {
	HealthCheck(ctx context.Context) error
}

// Server holds dependencies for the API handlers.
type Server struct {
	DB           *db.Client
	Events       eventBusPinger
	Catalog      *catalog.Catalog
	Coverage     *coverage.Ledger
	Queue        *queue.Queue
	Store        *store.Store
	Limiter      *ratelimit.Limiter
	Orchestrator *orchestrator.Orchestrator
	Clock        *clock.Clock
	Metrics      *metrics.IngestionMetrics
	Logger       *slog.Logger
}

// NewServer constructs a Server.
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{Logger: logger.With("component", "api")}
}

// RegisterRoutes registers all API routes on the provided mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /orchestrator/tick", s.HandleTick)
	mux.HandleFunc("POST /orchestrator/sweep-stuck", s.HandleSweepStuck)
	mux.HandleFunc("POST /sync-user-symbols", s.HandleSyncUserSymbols)
	mux.HandleFunc("POST /chart-read", s.HandleChartRead)
	mux.HandleFunc("GET /chart-health", s.HandleChartHealth)

	mux.HandleFunc("GET /healthz", s.HandleHealthz)
	mux.HandleFunc("GET /readyz", s.HandleReadyz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.Metrics.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /queue-status", s.HandleQueueStatus)
}

// ---------------------------------------------------------------------------
// Response types
// ---------------------------------------------------------------------------

type errorResponse struct {
	Error string `json:"error"`
}

type tickResponse struct {
	DefsScanned       int `json:"defs_scanned"`
	SlicesEnqueued    int `json:"slices_enqueued"`
	WorkersDispatched int `json:"workers_dispatched"`
	StuckRunsSwept    int `json:"stuck_runs_swept"`
}

type sweepStuckResponse struct {
	RunsSwept int `json:"runs_swept"`
}

type syncSymbolsRequest struct {
	Symbols    []string `json:"symbols"`
	Source     string   `json:"source"`
	Timeframes []string `json:"timeframes"`
}

type syncSymbolsResponse struct {
	Success          bool   `json:"success"`
	SymbolsTracked   int    `json:"symbols_tracked"`
	SymbolsRequested int    `json:"symbols_requested"`
	Timeframes       int    `json:"timeframes"`
	JobsUpdated      int    `json:"jobs_updated"`
	Priority         int    `json:"priority"`
	Source           string `json:"source"`
}

type chartReadRequest struct {
	Symbol        string `json:"symbol"`
	Timeframe     string `json:"timeframe"`
	Days          int    `json:"days"`
	IncludeMLData bool   `json:"includeMLData"`
}

type chartBar struct {
	TS         string   `json:"ts"`
	Open       string   `json:"open"`
	High       string   `json:"high"`
	Low        string   `json:"low"`
	Close      string   `json:"close"`
	Volume     int64    `json:"volume"`
	UpperBand  *string  `json:"upper_band,omitempty"`
	LowerBand  *string  `json:"lower_band,omitempty"`
	Confidence *float64 `json:"confidence_score,omitempty"`
}

type chartMetadata struct {
	TotalBars     int `json:"total_bars"`
	RequestedDays int `json:"requested_days"`
	MaxBars       int `json:"max_bars"`
}

type dataQuality struct {
	DataAgeHours        float64 `json:"dataAgeHours"`
	IsStale             bool    `json:"isStale"`
	HasRecentData       bool    `json:"hasRecentData"`
	HistoricalDepthDays float64 `json:"historicalDepthDays"`
	SufficientForML     bool    `json:"sufficientForML"`
	BarCount            int     `json:"barCount"`
}

type refreshOutcome struct {
	Attempted          bool     `json:"attempted"`
	EnqueuedTimeframes []string `json:"enqueuedTimeframes"`
	InsertedSlices     int      `json:"insertedSlices"`
	Error              string   `json:"error,omitempty"`
}

type chartReadResponse struct {
	Symbol      string         `json:"symbol"`
	Timeframe   string         `json:"timeframe"`
	Bars        []chartBar     `json:"bars"`
	Metadata    chartMetadata  `json:"metadata"`
	DataQuality dataQuality    `json:"dataQuality"`
	Refresh     refreshOutcome `json:"refresh"`
}

type chartHealthEntry struct {
	Timeframe   string  `json:"timeframe"`
	NewestBarTS *string `json:"newest_bar_ts"`
	AgeSeconds  float64 `json:"age_seconds"`
}

type chartHealthResponse struct {
	Symbol     string             `json:"symbol"`
	Timeframes []chartHealthEntry `json:"timeframes"`
}

type readyzResponse struct {
	Status string `json:"status"`
	DB     string `json:"db"`
	Redis  string `json:"redis"`
}

type queueStatusResponse struct {
	CountsByStatus   map[string]int             `json:"counts_by_status"`
	OldestQueuedSecs float64                    `json:"oldest_queued_age_seconds"`
	Buckets          map[string]ratelimit.Status `json:"rate_buckets"`
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// HandleTick triggers one orchestrator tick synchronously.
func (s *Server) HandleTick(w http.ResponseWriter, r *http.Request) {
	summary, err := s.Orchestrator.Tick(r.Context())
	if err != nil {
		s.Logger.Error("tick failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tickResponse{
		DefsScanned:       summary.DefsScanned,
		SlicesEnqueued:    summary.SlicesEnqueued,
		WorkersDispatched: summary.WorkersDispatched,
		StuckRunsSwept:    summary.StuckRunsSwept,
	})
}

// HandleSweepStuck runs the administrative stuck-run sweep on demand,
// outside the normal once-per-tick schedule.
func (s *Server) HandleSweepStuck(w http.ResponseWriter, r *http.Request) {
	swept, err := s.Orchestrator.SweepStuck(r.Context())
	if err != nil {
		s.Logger.Error("manual stuck-run sweep failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sweepStuckResponse{RunsSwept: swept})
}

// HandleSyncUserSymbols upserts JobDefinitions for a batch of symbols at
// the priority implied by the subscription source.
func (s *Server) HandleSyncUserSymbols(w http.ResponseWriter, r *http.Request) {
	var req syncSymbolsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Symbols) == 0 || len(req.Timeframes) == 0 {
		writeError(w, http.StatusBadRequest, "symbols and timeframes are required")
		return
	}

	priority := model.PriorityFor(model.Source(req.Source))
	ctx := r.Context()

	tracked := 0
	jobsUpdated := 0
	for _, symbol := range req.Symbols {
		symbolID, err := s.DB.GetOrCreateSymbol(ctx, symbol, "equity")
		if err != nil {
			s.Logger.Error("resolving symbol failed", "symbol", symbol, "error", err)
			continue
		}
		tracked++
		for _, tfStr := range req.Timeframes {
			tf := model.Timeframe(tfStr)
			if !tf.Valid() {
				continue
			}
			kind := model.KindFetchHistorical
			if tf == model.TimeframeM15 {
				kind = model.KindFetchIntraday
			}
			if _, _, err := s.Catalog.UpsertDefinition(ctx, symbol, symbolID, tf, kind, 60, priority); err != nil {
				s.Logger.Error("upserting job definition failed", "symbol", symbol, "timeframe", tf, "error", err)
				continue
			}
			jobsUpdated++
		}
	}

	writeJSON(w, http.StatusOK, syncSymbolsResponse{
		Success:          true,
		SymbolsTracked:   tracked,
		SymbolsRequested: len(req.Symbols),
		Timeframes:       len(req.Timeframes),
		JobsUpdated:      jobsUpdated,
		Priority:         priority,
		Source:           req.Source,
	})
}

const maxChartBars = 2000

// HandleChartRead serves chart bars directly from the bar store, attaching
// the dataQuality projection and attempting an opportunistic refresh
// trigger when the data looks stale.
func (s *Server) HandleChartRead(w http.ResponseWriter, r *http.Request) {
	var req chartReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	tf := model.Timeframe(req.Timeframe)
	if req.Symbol == "" || !tf.Valid() {
		writeError(w, http.StatusBadRequest, "symbol and a valid timeframe are required")
		return
	}
	if req.Days <= 0 {
		req.Days = 60
	}

	ctx := r.Context()
	symbolID, err := s.DB.GetOrCreateSymbol(ctx, req.Symbol, "equity")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	maxBars := req.Days * barsPerDay(tf)
	if maxBars > maxChartBars {
		maxBars = maxChartBars
	}
	bars, err := s.Store.ReadChart(ctx, symbolID, tf, maxBars, req.IncludeMLData)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := chartReadResponse{
		Symbol:    req.Symbol,
		Timeframe: req.Timeframe,
		Bars:      toChartBars(bars),
		Metadata: chartMetadata{
			TotalBars:     len(bars),
			RequestedDays: req.Days,
			MaxBars:       maxBars,
		},
		DataQuality: s.dataQualityFor(bars, tf),
	}
	resp.Refresh = s.maybeRefresh(ctx, req.Symbol, symbolID, tf, resp.DataQuality)

	writeJSON(w, http.StatusOK, resp)
}

func barsPerDay(tf model.Timeframe) int {
	d := tf.Duration()
	if d <= 0 {
		return 1
	}
	perDay := int((24 * time.Hour) / d)
	if perDay < 1 {
		return 1
	}
	return perDay
}

func toChartBars(bars []model.Bar) []chartBar {
	out := make([]chartBar, 0, len(bars))
	for _, b := range bars {
		cb := chartBar{
			TS:     b.Timestamp.UTC().Format(time.RFC3339Nano),
			Open:   b.Open.String(),
			High:   b.High.String(),
			Low:    b.Low.String(),
			Close:  b.Close.String(),
			Volume: b.Volume,
		}
		if b.UpperBand != nil {
			v := b.UpperBand.String()
			cb.UpperBand = &v
		}
		if b.LowerBand != nil {
			v := b.LowerBand.String()
			cb.LowerBand = &v
		}
		if b.Confidence != nil {
			f, _ := b.Confidence.Float64()
			cb.Confidence = &f
		}
		out = append(out, cb)
	}
	return out
}

// maxStaleAge returns the maximum tolerated bar age before a timeframe is
// considered stale, extended by an overnight allowance outside market
// hours.
func maxStaleAge(tf model.Timeframe, withinMarketHours bool) time.Duration {
	base := map[model.Timeframe]time.Duration{
		model.TimeframeM15: 30 * time.Minute,
		model.TimeframeH1:  2 * time.Hour,
		model.TimeframeH4:  8 * time.Hour,
		model.TimeframeD1:  48 * time.Hour,
		model.TimeframeW1:  9 * 24 * time.Hour,
	}[tf]
	if base == 0 {
		base = 24 * time.Hour
	}
	if withinMarketHours {
		return base
	}
	return base + 16*time.Hour
}

func (s *Server) dataQualityFor(bars []model.Bar, tf model.Timeframe) dataQuality {
	if len(bars) == 0 {
		return dataQuality{IsStale: true, SufficientForML: false}
	}
	newest := bars[len(bars)-1].Timestamp
	oldest := bars[0].Timestamp
	now := s.Clock.NowUTC()
	age := now.Sub(newest)
	depthDays := now.Sub(oldest).Hours() / 24

	stale := age > maxStaleAge(tf, s.Clock.IsMarketHours(now))
	return dataQuality{
		DataAgeHours:        age.Hours(),
		IsStale:             stale,
		HasRecentData:       !stale,
		HistoricalDepthDays: depthDays,
		SufficientForML:     len(bars) >= 30 && depthDays >= 30,
		BarCount:            len(bars),
	}
}

// maybeRefresh enqueues a gap-fill slice when the just-computed dataQuality
// looks stale, so the next scheduler tick (or an impatient client polling
// chart-read repeatedly) picks up fresh data without waiting a full
// lookback window. It never blocks on a provider fetch itself.
func (s *Server) maybeRefresh(ctx context.Context, symbol string, symbolID int64, tf model.Timeframe, dq dataQuality) refreshOutcome {
	if !dq.IsStale {
		return refreshOutcome{Attempted: false}
	}

	kind := model.KindFetchHistorical
	if tf == model.TimeframeM15 {
		kind = model.KindFetchIntraday
	}
	defID, _, err := s.Catalog.UpsertDefinition(ctx, symbol, symbolID, tf, kind, 60, model.PriorityFor(model.SourceChartView))
	if err != nil {
		return refreshOutcome{Attempted: true, Error: err.Error()}
	}

	now := s.Clock.NowUTC()
	slice := queue.Slice{From: now.Add(-tf.Duration() * 8), To: now}
	inserted, err := s.Queue.EnqueueSlices(ctx, defID, symbol, tf, kind, []queue.Slice{slice}, model.SourceChartView)
	if err != nil {
		return refreshOutcome{Attempted: true, Error: err.Error()}
	}
	return refreshOutcome{Attempted: true, EnqueuedTimeframes: []string{string(tf)}, InsertedSlices: inserted}
}

// HandleChartHealth reports, for each of the five timeframes, the end of
// the symbol's coverage interval (to_ts) as the newest bar time, with its
// age; a timeframe with no coverage is listed with a null newest_bar_ts.
func (s *Server) HandleChartHealth(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol query parameter is required")
		return
	}

	ctx := r.Context()
	now := s.Clock.NowUTC()
	var entries []chartHealthEntry
	for _, tf := range []model.Timeframe{model.TimeframeM15, model.TimeframeH1, model.TimeframeH4, model.TimeframeD1, model.TimeframeW1} {
		ci, ok, err := s.Coverage.Get(ctx, symbol, tf)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		entry := chartHealthEntry{Timeframe: string(tf)}
		if ok {
			ts := ci.ToTS.UTC().Format(time.RFC3339)
			entry.NewestBarTS = &ts
			entry.AgeSeconds = now.Sub(ci.ToTS).Seconds()
		}
		entries = append(entries, entry)
	}

	writeJSON(w, http.StatusOK, chartHealthResponse{Symbol: symbol, Timeframes: entries})
}

// HandleHealthz is the liveness probe: process up, no dependency checks.
func (s *Server) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReadyz checks the DB pool and event bus before reporting ready.
func (s *Server) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	resp := readyzResponse{Status: "ok", DB: "ok", Redis: "ok"}
	ready := true

	if err := s.DB.HealthCheck(r.Context()); err != nil {
		resp.DB = err.Error()
		ready = false
	}
	if err := s.Events.HealthCheck(r.Context()); err != nil {
		resp.Redis = err.Error()
		ready = false
	}

	if !ready {
		resp.Status = "unavailable"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleQueueStatus is the operator-facing surface backing `ingestorctl
// status`: counts by run status, oldest queued age, and a per-provider
// rate bucket snapshot.
func (s *Server) HandleQueueStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	counts := make(map[string]int)
	var oldestQueuedAge float64
	rows, err := s.DB.Pool.Query(ctx, `SELECT status, count(*) FROM job_runs GROUP BY status`)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		counts[status] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.Metrics != nil {
		for status, n := range counts {
			s.Metrics.UpdateQueueDepth(status, n)
		}
	}

	var oldestCreatedAt time.Time
	err = s.DB.Pool.QueryRow(ctx, `SELECT min(created_at) FROM job_runs WHERE status = 'queued'`).Scan(&oldestCreatedAt)
	if err == nil && !oldestCreatedAt.IsZero() {
		oldestQueuedAge = s.Clock.NowUTC().Sub(oldestCreatedAt).Seconds()
	}

	buckets := make(map[string]ratelimit.Status)
	for provider := range ratelimit.Defaults {
		status, err := s.Limiter.GetStatus(ctx, provider)
		if err != nil {
			s.Logger.Warn("reading rate bucket status failed", "provider", provider, "error", err)
			continue
		}
		buckets[string(provider)] = status
		if s.Metrics != nil {
			s.Metrics.UpdateRateBucket(string(provider), status.ProjectedTokens)
		}
	}

	writeJSON(w, http.StatusOK, queueStatusResponse{
		CountsByStatus:   counts,
		OldestQueuedSecs: oldestQueuedAge,
		Buckets:          buckets,
	})
}
