package worker

import (
	"errors"
	"fmt"
	"testing"

	"github.com/algomatic/ingestor/internal/apperr"
	"github.com/algomatic/ingestor/internal/model"
	"github.com/algomatic/ingestor/internal/provider"
)

func TestChainFor_IntradayUsesIntradayChain(t *testing.T) {
	w := &Worker{}
	chain := w.chainFor(model.KindFetchIntraday)
	if len(chain) != len(provider.IntradayChain) || chain[0] != provider.IntradayChain[0] {
		t.Errorf("chainFor(fetch_intraday) = %v, want %v", chain, provider.IntradayChain)
	}
}

func TestChainFor_HistoricalUsesHistoricalChain(t *testing.T) {
	w := &Worker{}
	chain := w.chainFor(model.KindFetchHistorical)
	if len(chain) != len(provider.HistoricalChain) || chain[0] != provider.HistoricalChain[0] {
		t.Errorf("chainFor(fetch_historical) = %v, want %v", chain, provider.HistoricalChain)
	}
}

func TestErrKind_NilErrorReturnsEmptyString(t *testing.T) {
	if got := errKind(nil); got != "" {
		t.Errorf("errKind(nil) = %q, want empty string", got)
	}
}

func TestErrKind_ClassifiedErrorReturnsItsKind(t *testing.T) {
	err := apperr.RateLimited(0)
	if got := errKind(err); got != string(apperr.KindRateLimited) {
		t.Errorf("errKind(rate-limited) = %q, want %q", got, apperr.KindRateLimited)
	}
}

func TestErrKind_WrappedClassifiedErrorStillResolves(t *testing.T) {
	err := fmt.Errorf("fetching AAPL: %w", apperr.Transient("upstream 503"))
	if got := errKind(err); got != string(apperr.KindTransient) {
		t.Errorf("errKind(wrapped transient) = %q, want %q", got, apperr.KindTransient)
	}
}

func TestErrKind_UnclassifiedErrorReturnsUnclassified(t *testing.T) {
	if got := errKind(errors.New("plain error")); got != "unclassified" {
		t.Errorf("errKind(plain) = %q, want %q", got, "unclassified")
	}
}
