package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig(maxAttempts int) Config {
	return Config{
		MaxAttempts:  maxAttempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Factor:       2.0,
	}
}

func TestDo_Success(t *testing.T) {
	calls := 0
	result := Do(context.Background(), fastConfig(3), func(int) error {
		calls++
		return nil
	})

	if result.Err != nil {
		t.Errorf("expected no error, got %v", result.Err)
	}
	if result.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", result.Attempts)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_RetryThenSuccess(t *testing.T) {
	calls := 0
	result := Do(context.Background(), fastConfig(5), func(int) error {
		calls++
		if calls < 3 {
			return errors.New("temporary")
		}
		return nil
	})

	if result.Err != nil {
		t.Errorf("expected no error, got %v", result.Err)
	}
	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.Attempts)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	result := Do(context.Background(), fastConfig(3), func(int) error {
		calls++
		return errors.New("always fails")
	})

	if result.Err == nil {
		t.Error("expected error")
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	result := Do(context.Background(), fastConfig(5), func(int) error {
		calls++
		return Permanent(errors.New("bad credential"))
	})

	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if !IsPermanent(result.Err) {
		t.Errorf("expected permanent error, got %v", result.Err)
	}
}

func TestDo_AttemptNumberPassed(t *testing.T) {
	var seen []int
	Do(context.Background(), fastConfig(3), func(attempt int) error {
		seen = append(seen, attempt)
		return errors.New("fail")
	})

	want := []int{1, 2, 3}
	if len(seen) != len(want) {
		t.Fatalf("expected %d attempts, got %d", len(want), len(seen))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("attempt %d: expected %d, got %d", i, want[i], seen[i])
		}
	}
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := Do(ctx, fastConfig(3), func(int) error {
		t.Error("op should not run with canceled context")
		return nil
	})

	if !errors.Is(result.Err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", result.Err)
	}
}

func TestDoWithValue(t *testing.T) {
	calls := 0
	value, result := DoWithValue(context.Background(), fastConfig(3), func(int) (string, error) {
		calls++
		if calls < 2 {
			return "", errors.New("not yet")
		}
		return "reply", nil
	})

	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if value != "reply" {
		t.Errorf("expected %q, got %q", "reply", value)
	}
}

func TestPermanent_NilStaysNil(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}

func TestPermanent_Unwrap(t *testing.T) {
	inner := errors.New("quota exhausted")
	wrapped := Permanent(inner)
	if !errors.Is(wrapped, inner) {
		t.Error("expected wrapped error to match inner via errors.Is")
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		name    string
		attempt int
		initial time.Duration
		max     time.Duration
		factor  float64
		want    time.Duration
	}{
		{"first attempt", 1, time.Second, 10 * time.Second, 2.0, time.Second},
		{"second attempt", 2, time.Second, 10 * time.Second, 2.0, 2 * time.Second},
		{"fourth attempt", 4, time.Second, 10 * time.Second, 2.0, 8 * time.Second},
		{"capped at max", 5, time.Second, 10 * time.Second, 2.0, 10 * time.Second},
		{"zero attempt clamped", 0, time.Second, 10 * time.Second, 2.0, time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Backoff(tt.attempt, tt.initial, tt.max, tt.factor)
			if got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}
