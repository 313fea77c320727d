package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifyHTTPStatus(t *testing.T) {
	cases := []struct {
		status int
		want   Kind
	}{
		{401, KindAuth},
		{403, KindAuth},
		{404, KindNotFound},
		{400, KindBadRequest},
		{422, KindBadRequest},
		{429, KindRateLimited},
		{500, KindTransient},
		{503, KindTransient},
		{418, KindPermanent},
	}
	for _, c := range cases {
		err := ClassifyHTTPStatus(c.status, "body")
		classified, ok := As(err)
		if !ok {
			t.Fatalf("status %d: ClassifyHTTPStatus did not return a Classified error", c.status)
		}
		if classified.Kind() != c.want {
			t.Errorf("status %d: Kind() = %s, want %s", c.status, classified.Kind(), c.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limited", RateLimited(0), true},
		{"transient", Transient("boom"), true},
		{"auth", AuthError("bad key"), false},
		{"not found", NotFound("no rows"), false},
		{"bad request", BadRequest("malformed"), false},
		{"permanent", Permanent("schema mismatch"), false},
		{"plain error", errors.New("not classified"), false},
	}
	for _, c := range cases {
		if got := Retryable(c.err); got != c.want {
			t.Errorf("%s: Retryable() = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestRetryable_SurvivesWrapping(t *testing.T) {
	wrapped := fmt.Errorf("fetching bars: %w", fmt.Errorf("http call: %w", Transient("upstream 503")))

	if !Retryable(wrapped) {
		t.Fatal("Retryable() = false for a doubly-wrapped Transient error, want true")
	}

	classified, ok := As(wrapped)
	if !ok {
		t.Fatal("As() failed to recover the Classified error through wrapping")
	}
	if classified.Kind() != KindTransient {
		t.Errorf("Kind() = %s, want %s", classified.Kind(), KindTransient)
	}
}

func TestRateLimited_RetryAfter(t *testing.T) {
	noHint := RateLimited(0)
	classified, _ := As(noHint)
	if _, has := classified.RetryAfter(); has {
		t.Error("RetryAfter() reported a hint for a zero-duration RateLimited error")
	}
}
