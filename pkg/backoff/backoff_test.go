package backoff

import (
	"testing"
	"time"
)

func TestExponentialDelay(t *testing.T) {
	t.Parallel()

	e := NewExponential(30*time.Second, 10*time.Minute)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 30 * time.Second},
		{1, 60 * time.Second},
		{2, 120 * time.Second},
		{3, 240 * time.Second},
		{4, 480 * time.Second},
		{5, 10 * time.Minute}, // 960s 封顶到 600s
		{10, 10 * time.Minute},
		{-1, 30 * time.Second}, // 负数按 0 处理
	}

	for _, tt := range tests {
		if got := e.Delay(tt.attempt); got != tt.want {
			t.Fatalf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponentialDelay_ZeroBase(t *testing.T) {
	t.Parallel()

	e := NewExponential(0, time.Minute)
	if got := e.Delay(3); got != 0 {
		t.Fatalf("Delay with zero base = %v, want 0", got)
	}
}

func TestExponentialDelay_NoMax(t *testing.T) {
	t.Parallel()

	e := NewExponential(time.Second, 0)
	if got := e.Delay(6); got != 64*time.Second {
		t.Fatalf("Delay(6) without max = %v, want 64s", got)
	}
}
