package platform

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRetryAfter(t *testing.T) {
	wait, ok := RetryAfter(&RateLimitError{Wait: 42 * time.Second})
	if !ok {
		t.Fatal("expected rate-limit hint")
	}
	if wait != 42*time.Second {
		t.Errorf("wait = %v, want 42s", wait)
	}
}

func TestRetryAfter_Wrapped(t *testing.T) {
	err := fmt.Errorf("join voice: %w", &RateLimitError{Wait: 5 * time.Second})
	wait, ok := RetryAfter(err)
	if !ok {
		t.Fatal("expected rate-limit hint through wrapping")
	}
	if wait != 5*time.Second {
		t.Errorf("wait = %v, want 5s", wait)
	}
}

func TestRetryAfter_NotRateLimited(t *testing.T) {
	if _, ok := RetryAfter(errors.New("boom")); ok {
		t.Error("unexpected rate-limit hint")
	}
	if _, ok := RetryAfter(nil); ok {
		t.Error("unexpected rate-limit hint for nil")
	}
}

func TestTerminal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"credential invalid", ErrCredentialInvalid, true},
		{"banned", ErrBanned, true},
		{"deactivated", ErrDeactivated, true},
		{"wrapped banned", fmt.Errorf("connect: %w", ErrBanned), true},
		{"lacks rights", ErrLacksRights, false},
		{"call ended", ErrCallEnded, false},
		{"transport", errors.New("connection reset"), false},
		{"rate limited", &RateLimitError{Wait: time.Second}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Terminal(tt.err); got != tt.want {
				t.Errorf("Terminal(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
