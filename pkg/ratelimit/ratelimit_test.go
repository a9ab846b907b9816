package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestMemoryAllowsUpToLimit(t *testing.T) {
	m := NewMemory(Limit{Max: 3, Window: time.Minute})
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := m.Allow(ctx, "10.0.0.1")
		if err != nil || !ok {
			t.Fatalf("request %d: ok=%v err=%v", i, ok, err)
		}
	}
	if ok, _ := m.Allow(ctx, "10.0.0.1"); ok {
		t.Error("fourth request should be denied")
	}
	if ok, _ := m.Allow(ctx, "10.0.0.2"); !ok {
		t.Error("other clients have their own window")
	}
}

func TestMemoryWindowSlides(t *testing.T) {
	m := NewMemory(Limit{Max: 2, Window: time.Minute})
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	m.Allow(ctx, "k")
	now = now.Add(30 * time.Second)
	m.Allow(ctx, "k")

	if ok, _ := m.Allow(ctx, "k"); ok {
		t.Fatal("window full, request should be denied")
	}

	// First request leaves the window.
	now = now.Add(31 * time.Second)
	if ok, _ := m.Allow(ctx, "k"); !ok {
		t.Error("request should be allowed once the oldest entry expires")
	}
	if ok, _ := m.Allow(ctx, "k"); ok {
		t.Error("window is full again")
	}
}

func TestMemoryDeniedNotRecorded(t *testing.T) {
	m := NewMemory(Limit{Max: 1, Window: time.Minute})
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	m.Allow(ctx, "k")
	for i := 0; i < 5; i++ {
		now = now.Add(10 * time.Second)
		m.Allow(ctx, "k")
	}
	now = now.Add(11 * time.Second)
	if ok, _ := m.Allow(ctx, "k"); !ok {
		t.Error("denied attempts must not extend the window")
	}
}

func TestMemoryZeroLimitDeniesAll(t *testing.T) {
	m := NewMemory(Limit{Max: 0, Window: time.Minute})
	if ok, _ := m.Allow(context.Background(), "k"); ok {
		t.Error("zero limit should deny")
	}
	if m.Len() != 0 {
		t.Errorf("denied key should not be tracked, Len = %d", m.Len())
	}
}

func TestMemoryEmptyKey(t *testing.T) {
	m := NewMemory(PerMinute(10))
	if _, err := m.Allow(context.Background(), ""); err == nil {
		t.Error("expected error for empty key")
	}
}

func TestMemorySweep(t *testing.T) {
	m := NewMemory(PerMinute(10))
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	m.Allow(ctx, "a")
	now = now.Add(45 * time.Second)
	m.Allow(ctx, "b")
	now = now.Add(30 * time.Second)

	m.Sweep()
	if m.Len() != 1 {
		t.Errorf("Len = %d after sweep, want 1", m.Len())
	}
}

func TestPerMinute(t *testing.T) {
	l := PerMinute(30)
	if l.Max != 30 || l.Window != time.Minute {
		t.Errorf("PerMinute(30) = %+v", l)
	}
}
