package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	tm, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parsing %q: %v", s, err)
	}
	return tm
}

func TestSplitSpan_ExactMultiple(t *testing.T) {
	from := mustParse(t, "2026-01-01T00:00:00Z")
	to := mustParse(t, "2026-01-03T00:00:00Z")

	slices := splitSpan(from, to, 24*time.Hour)

	if len(slices) != 2 {
		t.Fatalf("expected 2 slices, got %d: %+v", len(slices), slices)
	}
	if !slices[0].From.Equal(from) || !slices[0].To.Equal(from.Add(24*time.Hour)) {
		t.Errorf("first slice = %+v, want [%v, %v]", slices[0], from, from.Add(24*time.Hour))
	}
	if !slices[1].To.Equal(to) {
		t.Errorf("last slice must end at %v, got %v", to, slices[1].To)
	}
}

func TestSplitSpan_RemainderTrailingSlice(t *testing.T) {
	from := mustParse(t, "2026-01-01T00:00:00Z")
	to := mustParse(t, "2026-01-01T10:00:00Z")

	slices := splitSpan(from, to, 24*time.Hour)

	if len(slices) != 1 {
		t.Fatalf("expected 1 slice for a span shorter than the chunk size, got %d", len(slices))
	}
	if !slices[0].To.Equal(to) {
		t.Errorf("slice must be capped at %v, got %v", to, slices[0].To)
	}
}

func TestSplitSpan_ZeroSpanReturnsOneSlice(t *testing.T) {
	from := mustParse(t, "2026-01-01T00:00:00Z")
	to := mustParse(t, "2026-01-05T00:00:00Z")

	slices := splitSpan(from, to, 0)

	if len(slices) != 1 {
		t.Fatalf("expected exactly one unsplit slice, got %d", len(slices))
	}
	if !slices[0].From.Equal(from) || !slices[0].To.Equal(to) {
		t.Errorf("slice = %+v, want [%v, %v]", slices[0], from, to)
	}
}

// stubDispatcher implements Dispatcher, counting claims and optionally
// failing them.
type stubDispatcher struct {
	claims int
	claim  bool
	err    error
}

func (s *stubDispatcher) ClaimAndExecute(ctx context.Context) (bool, error) {
	s.claims++
	return s.claim, s.err
}

func (s *stubDispatcher) SweepStuck(ctx context.Context, timeout time.Duration) (int, error) {
	return 0, nil
}

func TestDispatch_InvokesExactlyMaxConcurrentWorkers(t *testing.T) {
	o := &Orchestrator{maxConcurrent: 4}
	stub := &stubDispatcher{claim: false}
	o.worker = stub
	o.logger = discardLogger()

	dispatched := o.dispatch(context.Background())

	if dispatched != 4 {
		t.Errorf("dispatch() = %d, want 4", dispatched)
	}
	if stub.claims != 4 {
		t.Errorf("worker.ClaimAndExecute called %d times, want 4", stub.claims)
	}
}
