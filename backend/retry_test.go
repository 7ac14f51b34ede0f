package backend

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/resultkit/broker"
	"github.com/vinayprograms/resultkit/errors"
	"github.com/vinayprograms/resultkit/results"
)

// flakyBroker fails the first failures channel opens.
type flakyBroker struct {
	*broker.MemoryBroker

	mu       sync.Mutex
	failures int
	err      error
	calls    int
}

func (f *flakyBroker) Channel(ctx context.Context) (broker.Channel, error) {
	f.mu.Lock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return nil, f.err
	}
	f.mu.Unlock()
	return f.MemoryBroker.Channel(ctx)
}

func (f *flakyBroker) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newFlaky(failures int, err error) *flakyBroker {
	return &flakyBroker{
		MemoryBroker: broker.NewMemoryBroker(broker.DefaultMemoryConfig()),
		failures:     failures,
		err:          err,
	}
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{IntervalStart: 0, IntervalStep: time.Second, IntervalMax: 3 * time.Second}

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, 0},
		{1, 0},
		{2, time.Second},
		{3, 2 * time.Second},
		{4, 3 * time.Second},
		{10, 3 * time.Second},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("retry %d", tt.retry), func(t *testing.T) {
			if got := p.Delay(tt.retry); got != tt.want {
				t.Errorf("Delay(%d) = %v, want %v", tt.retry, got, tt.want)
			}
		})
	}
}

func TestRetryPolicy_Defaults(t *testing.T) {
	p := DefaultRetryPolicy()
	if p.MaxRetries != 20 || p.IntervalStart != 0 || p.IntervalStep != time.Second || p.IntervalMax != time.Second {
		t.Errorf("unexpected default policy: %+v", p)
	}
	if p.Attempts() != 21 {
		t.Errorf("Attempts() = %d, want 21", p.Attempts())
	}
}

func TestRetryPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetryPolicy
		wantErr bool
	}{
		{"default", DefaultRetryPolicy(), false},
		{"zero", RetryPolicy{}, false},
		{"negative retries", RetryPolicy{MaxRetries: -1}, true},
		{"negative step", RetryPolicy{IntervalStep: -time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func fastRetry(maxRetries int) RetryPolicy {
	return RetryPolicy{
		MaxRetries:   maxRetries,
		IntervalStep: time.Millisecond,
		IntervalMax:  2 * time.Millisecond,
	}
}

func TestStoreResult_RetriesTransientFailures(t *testing.T) {
	fb := newFlaky(2, stderrors.New("connection refused"))
	cfg := DefaultConfig()
	cfg.Retry = fastRetry(5)
	b, err := New(fb, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := b.StoreResult(context.Background(), "t1", "ok", results.StatusSuccess); err != nil {
		t.Fatalf("StoreResult() error = %v", err)
	}
	if fb.Calls() != 3 {
		t.Errorf("expected 3 attempts, got %d", fb.Calls())
	}
}

func TestStoreResult_RetryExhausted(t *testing.T) {
	fb := newFlaky(100, stderrors.New("connection refused"))
	cfg := DefaultConfig()
	cfg.Retry = fastRetry(2)
	b, _ := New(fb, cfg)

	_, err := b.StoreResult(context.Background(), "t1", "ok", results.StatusSuccess)
	if !errors.Is(err, errors.ErrCodeTransport) {
		t.Fatalf("expected TRANSPORT error, got %v", err)
	}
	if errors.TaskID(err) != "t1" {
		t.Errorf("TaskID = %q, want t1", errors.TaskID(err))
	}
	if fb.Calls() != 3 {
		t.Errorf("expected 3 attempts, got %d", fb.Calls())
	}
	if errors.IsRetryable(err) {
		t.Error("exhausted retries should not be retryable")
	}
}

func TestStoreResult_PermanentFailureNotRetried(t *testing.T) {
	fb := newFlaky(100, broker.ErrClosed)
	cfg := DefaultConfig()
	cfg.Retry = fastRetry(5)
	b, _ := New(fb, cfg)

	_, err := b.StoreResult(context.Background(), "t1", "ok", results.StatusSuccess)
	if !errors.Is(err, errors.ErrCodeTransport) {
		t.Fatalf("expected TRANSPORT error, got %v", err)
	}
	if fb.Calls() != 1 {
		t.Errorf("expected a single attempt, got %d", fb.Calls())
	}
	if !stderrors.Is(err, broker.ErrClosed) {
		t.Error("cause should be preserved")
	}
}

func TestStoreResult_CanceledDuringBackoff(t *testing.T) {
	fb := newFlaky(100, stderrors.New("connection refused"))
	cfg := DefaultConfig()
	cfg.Retry = RetryPolicy{MaxRetries: 5, IntervalStart: time.Hour, IntervalMax: time.Hour}
	b, _ := New(fb, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.StoreResult(ctx, "t1", "ok", results.StatusSuccess)
	if !errors.Is(err, errors.ErrCodeCanceled) {
		t.Fatalf("expected CANCELED error, got %v", err)
	}
	if fb.Calls() != 1 {
		t.Errorf("expected 1 attempt before cancellation, got %d", fb.Calls())
	}
}
