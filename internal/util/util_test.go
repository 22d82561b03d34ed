package util

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestRetry(t *testing.T) {
	attempts := 0
	targetAttempts := 3

	err := Retry(context.Background(), 5, 0, func() error {
		attempts++
		if attempts < targetAttempts {
			return errors.New("transient error")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Retry returned unexpected error: %v", err)
	}
	if attempts != targetAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, targetAttempts)
	}
}

func TestRetryAllFail(t *testing.T) {
	attempts := 0
	maxAttempts := 3

	err := Retry(context.Background(), maxAttempts, 0, func() error {
		attempts++
		return errors.New("persistent error")
	})

	if err == nil {
		t.Fatal("Retry should return error when all attempts fail")
	}
	if attempts != maxAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, maxAttempts)
	}
}

func TestRetryPermanent(t *testing.T) {
	attempts := 0
	sentinel := errors.New("bad request")

	err := Retry(context.Background(), 5, 0, func() error {
		attempts++
		return Permanent(sentinel)
	})

	if !errors.Is(err, sentinel) {
		t.Fatalf("Retry error = %v, want %v", err, sentinel)
	}
	if attempts != 1 {
		t.Errorf("Retry called fn %d times, want 1", attempts)
	}
}

func TestRetryContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, 3, time.Hour, func() error {
		return errors.New("transient error")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Retry error = %v, want context.Canceled", err)
	}
}

func TestRateLimiterWait(t *testing.T) {
	rl := NewRateLimiter(1000, 1)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := rl.Wait(ctx); err != nil {
			t.Fatalf("Wait returned error: %v", err)
		}
	}
}

func TestRateLimiterCancelled(t *testing.T) {
	rl := NewRateLimiter(0.1, 1)
	if err := rl.Wait(context.Background()); err != nil {
		t.Fatalf("first Wait returned error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := rl.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait error = %v, want DeadlineExceeded", err)
	}
}

func TestRateLimiterBurst(t *testing.T) {
	rl := NewRateLimiter(2, 3)
	now := rl.last
	for i := 0; i < 3; i++ {
		if wait := rl.reserve(now); wait != 0 {
			t.Fatalf("reserve %d wait = %v, want 0", i, wait)
		}
	}
	if wait := rl.reserve(now); wait != 500*time.Millisecond {
		t.Errorf("reserve after burst wait = %v, want 500ms", wait)
	}
	if wait := rl.reserve(now.Add(500 * time.Millisecond)); wait != 0 {
		t.Errorf("reserve after refill wait = %v, want 0", wait)
	}
}

func TestTradingDate(t *testing.T) {
	tests := []struct {
		in   time.Time
		want string
	}{
		{time.Date(2025, 12, 5, 10, 0, 0, 0, Shanghai), "2025-12-05"}, // Friday
		{time.Date(2025, 12, 6, 10, 0, 0, 0, Shanghai), "2025-12-05"}, // Saturday
		{time.Date(2025, 12, 7, 10, 0, 0, 0, Shanghai), "2025-12-05"}, // Sunday
		{time.Date(2025, 12, 7, 20, 0, 0, 0, time.UTC), "2025-12-08"}, // Monday 04:00 CST
	}
	for _, tt := range tests {
		if got := TradingDate(tt.in); got != tt.want {
			t.Errorf("TradingDate(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseDate(t *testing.T) {
	if _, err := ParseDate("2025-01-01"); err != nil {
		t.Errorf("ParseDate valid date returned error: %v", err)
	}
	if _, err := ParseDate("20250101"); err == nil {
		t.Error("ParseDate should reject compact dates")
	}
}

func TestNewLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, "warn", "json")
	log.Info("hidden")
	log.Warn("shown", "code", "000001")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info message logged at warn level: %s", out)
	}
	if !strings.Contains(out, `"code":"000001"`) {
		t.Errorf("warn message missing attrs: %s", out)
	}
	if ParseLevel("nonsense") != slog.LevelInfo {
		t.Error("unknown level should default to info")
	}
}
