package resilience

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
)

var errBusy = errors.New("busy")

func retryOnBusy(err error) ErrorClassification {
	if errors.Is(err, errBusy) {
		return Transient
	}
	return Rejected
}

func fastConfig() Config {
	return Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     2 * time.Millisecond,
		RetryMultiplier:     2,
	}
}

func TestExecuteRetriesTransientFailure(t *testing.T) {
	exec := NewExecutor(fastConfig())

	attempts := 0
	err := exec.Execute(context.Background(), "paperless.create_document", func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errBusy
		}
		return nil
	}, retryOnBusy)
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestExecuteDoesNotRetryRejectedFailure(t *testing.T) {
	exec := NewExecutor(fastConfig())

	attempts := 0
	errRejected := errors.New("bad request")
	err := exec.Execute(context.Background(), "paperless.update_document", func(context.Context) error {
		attempts++
		return errRejected
	}, retryOnBusy)
	if !errors.Is(err, errRejected) {
		t.Fatalf("expected rejected error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestExecuteOpensCircuitAfterFailures(t *testing.T) {
	var transitions []string
	cfg := fastConfig()
	cfg.RetryMaxAttempts = 1
	cfg.BreakerEnabled = true
	cfg.BreakerMinRequests = 2
	cfg.BreakerFailureRatio = 0.5
	cfg.BreakerOpenTimeout = time.Minute
	cfg.OnStateChange = func(op string, from, to gobreaker.State) {
		transitions = append(transitions, op+":"+to.String())
	}
	exec := NewExecutor(cfg)

	for i := 0; i < 2; i++ {
		err := exec.Execute(context.Background(), "ollama.chat", func(context.Context) error {
			return errBusy
		}, retryOnBusy)
		if !errors.Is(err, errBusy) {
			t.Fatalf("expected busy error on iteration %d, got %v", i, err)
		}
	}

	err := exec.Execute(context.Background(), "ollama.chat", func(context.Context) error {
		t.Fatalf("circuit should be open and must not call operation")
		return nil
	}, retryOnBusy)
	if !errors.Is(err, gobreaker.ErrOpenState) || !IsCircuitOpen(err) {
		t.Fatalf("expected open state error, got %v", err)
	}
	if exec.State("ollama.chat") != gobreaker.StateOpen {
		t.Fatalf("expected open breaker, got %s", exec.State("ollama.chat"))
	}
	if exec.State("paperless.tags") != gobreaker.StateClosed {
		t.Fatalf("unused operation should report closed")
	}
	if len(transitions) != 1 || transitions[0] != "ollama.chat:open" {
		t.Fatalf("unexpected transitions %v", transitions)
	}
}

func TestRejectedFailuresDoNotTripBreaker(t *testing.T) {
	cfg := fastConfig()
	cfg.RetryMaxAttempts = 1
	cfg.BreakerEnabled = true
	cfg.BreakerMinRequests = 2
	exec := NewExecutor(cfg)

	for i := 0; i < 5; i++ {
		_ = exec.Execute(context.Background(), "paperless.tags", func(context.Context) error {
			return errors.New("not found")
		}, retryOnBusy)
	}
	if exec.State("paperless.tags") != gobreaker.StateClosed {
		t.Fatalf("rejections should keep the breaker closed")
	}
}

func TestExecuteBoundsEachAttemptWithCallTimeout(t *testing.T) {
	cfg := fastConfig()
	cfg.RetryMaxAttempts = 2
	cfg.CallTimeout = 5 * time.Millisecond
	exec := NewExecutor(cfg)

	attempts := 0
	err := exec.Execute(context.Background(), "overlay.render", func(ctx context.Context) error {
		attempts++
		<-ctx.Done()
		return ctx.Err()
	}, func(err error) ErrorClassification {
		return ErrorClassification{Retryable: errors.Is(err, context.DeadlineExceeded), RecordFailure: true}
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 bounded attempts, got %d", attempts)
	}
}

func TestExecuteRetriesAttemptCutByCallTimeout(t *testing.T) {
	cfg := fastConfig()
	cfg.CallTimeout = 20 * time.Millisecond
	exec := NewExecutor(cfg)

	attempts := 0
	err := exec.Execute(context.Background(), "paperless.task", func(ctx context.Context) error {
		attempts++
		if attempts == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}, func(err error) ErrorClassification {
		if class, ok := ClassifyCommon(err); ok {
			return class
		}
		return Broken
	})
	if err != nil {
		t.Fatalf("expected the second attempt to succeed, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestCallTimeoutCountsAgainstBreaker(t *testing.T) {
	cfg := fastConfig()
	cfg.RetryMaxAttempts = 1
	cfg.CallTimeout = 5 * time.Millisecond
	cfg.BreakerEnabled = true
	cfg.BreakerMinRequests = 2
	cfg.BreakerFailureRatio = 0.5
	cfg.BreakerOpenTimeout = time.Minute
	exec := NewExecutor(cfg)

	for i := 0; i < 2; i++ {
		err := exec.Execute(context.Background(), "ollama.chat", func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}, func(error) ErrorClassification { return Rejected })
		if !errors.Is(err, ErrCallTimeout) || !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected a call timeout, got %v", err)
		}
	}
	if exec.State("ollama.chat") != gobreaker.StateOpen {
		t.Fatalf("timeouts should open the breaker, got %s", exec.State("ollama.chat"))
	}
}

func TestCallerDeadlineIsNotRetried(t *testing.T) {
	cfg := fastConfig()
	cfg.CallTimeout = time.Minute
	exec := NewExecutor(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	attempts := 0
	err := exec.Execute(ctx, "overlay.render", func(ctx context.Context) error {
		attempts++
		<-ctx.Done()
		return ctx.Err()
	}, func(err error) ErrorClassification {
		class, _ := ClassifyCommon(err)
		return class
	})
	if errors.Is(err, ErrCallTimeout) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the caller's deadline, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestExecuteStopsRetryingWhenContextEnds(t *testing.T) {
	cfg := fastConfig()
	cfg.RetryInitialBackoff = time.Hour
	cfg.RetryMaxBackoff = time.Hour
	exec := NewExecutor(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := exec.Execute(ctx, "nats.publish", func(context.Context) error {
		attempts++
		cancel()
		return errBusy
	}, retryOnBusy)
	if !errors.Is(err, errBusy) || attempts != 1 {
		t.Fatalf("expected the last failure after one attempt, got %v after %d", err, attempts)
	}
}

func TestBackoff(t *testing.T) {
	exec := NewExecutor(Config{
		RetryInitialBackoff: 100 * time.Millisecond,
		RetryMaxBackoff:     300 * time.Millisecond,
		RetryMultiplier:     2,
		RetryAfterCap:       5 * time.Second,
	})
	cases := []struct {
		attempt int
		class   ErrorClassification
		want    time.Duration
	}{
		{1, Transient, 100 * time.Millisecond},
		{2, Transient, 200 * time.Millisecond},
		{3, Transient, 300 * time.Millisecond},
		{1, ErrorClassification{Retryable: true, RetryAfter: 2 * time.Second}, 2 * time.Second},
		{1, ErrorClassification{Retryable: true, RetryAfter: time.Minute}, 5 * time.Second},
	}
	for _, tc := range cases {
		if got := exec.backoff(tc.attempt, tc.class); got != tc.want {
			t.Fatalf("backoff(%d, %+v) = %s, want %s", tc.attempt, tc.class, got, tc.want)
		}
	}
}

func TestClassifyStatus(t *testing.T) {
	if got := ClassifyStatus(http.StatusTooManyRequests, 3*time.Second); !got.Retryable || got.RetryAfter != 3*time.Second {
		t.Fatalf("429 should retry after the remote delay, got %+v", got)
	}
	if got := ClassifyStatus(http.StatusBadGateway, 3*time.Second); !got.Retryable || got.RetryAfter != 0 {
		t.Fatalf("502 should retry on our own schedule, got %+v", got)
	}
	if got := ClassifyStatus(http.StatusBadRequest, 0); got.Retryable || got.RecordFailure {
		t.Fatalf("400 should be rejected, got %+v", got)
	}
}

func TestClassifyCommon(t *testing.T) {
	if class, ok := ClassifyCommon(context.Canceled); !ok || class.Retryable || class.RecordFailure {
		t.Fatalf("cancellation should neither retry nor count, got %+v %v", class, ok)
	}
	if class, ok := ClassifyCommon(context.DeadlineExceeded); !ok || class.Retryable {
		t.Fatalf("a caller deadline should not retry, got %+v %v", class, ok)
	}
	if class, ok := ClassifyCommon(fmt.Errorf("%w: %w", ErrCallTimeout, context.DeadlineExceeded)); !ok || !class.Retryable || !class.RecordFailure {
		t.Fatalf("a call timeout should be transient, got %+v %v", class, ok)
	}
	if class, ok := ClassifyCommon(gobreaker.ErrOpenState); !ok || !class.Retryable {
		t.Fatalf("open circuit should be transient, got %+v %v", class, ok)
	}
	if _, ok := ClassifyCommon(errors.New("other")); ok {
		t.Fatalf("unknown errors belong to the adapter")
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	cases := map[string]time.Duration{
		"":                              0,
		"7":                             7 * time.Second,
		"-1":                            0,
		"soon":                          0,
		"Mon, 01 Jan 2024 12:00:30 GMT": 30 * time.Second,
		"Mon, 01 Jan 2024 11:00:00 GMT": 0,
	}
	for in, want := range cases {
		if got := ParseRetryAfter(in, now); got != want {
			t.Fatalf("ParseRetryAfter(%q) = %s, want %s", in, got, want)
		}
	}
}
