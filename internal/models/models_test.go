package models

import (
	"testing"
	"time"
)

func TestTerminalHealth(t *testing.T) {
	tests := []struct {
		health string
		want   bool
	}{
		{HealthAuthorised, false},
		{HealthDisconnected, false},
		{HealthUnauthorised, true},
		{HealthBanned, true},
		{HealthDeactivated, true},
		{"", false},
	}
	for _, tt := range tests {
		if got := TerminalHealth(tt.health); got != tt.want {
			t.Errorf("TerminalHealth(%q) = %v, want %v", tt.health, got, tt.want)
		}
	}
}

func TestAssistantDispatchable(t *testing.T) {
	now := time.Now()
	base := Assistant{
		ID:       "a1",
		IsActive: true,
		Health:   HealthAuthorised,
	}

	t.Run("healthy under cap", func(t *testing.T) {
		a := base
		a.OpenCalls = 4
		if !a.Dispatchable(now, 5) {
			t.Error("expected dispatchable")
		}
	})

	t.Run("at cap", func(t *testing.T) {
		a := base
		a.OpenCalls = 5
		if a.Dispatchable(now, 5) {
			t.Error("expected not dispatchable at cap")
		}
	})

	t.Run("inactive", func(t *testing.T) {
		a := base
		a.IsActive = false
		if a.Dispatchable(now, 5) {
			t.Error("expected not dispatchable when inactive")
		}
	})

	t.Run("disconnected", func(t *testing.T) {
		a := base
		a.Health = HealthDisconnected
		if a.Dispatchable(now, 5) {
			t.Error("expected not dispatchable when disconnected")
		}
	})

	t.Run("cooling down", func(t *testing.T) {
		a := base
		a.CooldownTill = now.Add(time.Minute)
		if a.Dispatchable(now, 5) {
			t.Error("expected not dispatchable during cooldown")
		}
	})

	t.Run("cooldown elapsed", func(t *testing.T) {
		a := base
		a.CooldownTill = now.Add(-time.Minute)
		if !a.Dispatchable(now, 5) {
			t.Error("expected dispatchable after cooldown")
		}
	})
}

func TestBannedUserExpired(t *testing.T) {
	now := time.Now()

	permanent := BannedUser{UserID: "u1"}
	if permanent.Expired(now) {
		t.Error("permanent ban should never expire")
	}

	lapsed := BannedUser{UserID: "u2", ExpiresAt: now.Add(-time.Second)}
	if !lapsed.Expired(now) {
		t.Error("lapsed temporary ban should be expired")
	}

	active := BannedUser{UserID: "u3", ExpiresAt: now.Add(time.Hour)}
	if active.Expired(now) {
		t.Error("active temporary ban should not be expired")
	}
}
