// Package ratelimit provides sliding-window limiters keyed by client. Memory
// serves a single broker; Redis shares the window across instances.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Limiter reports whether one more request for key fits in the window.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Limit is the maximum number of requests per window.
type Limit struct {
	Max    int
	Window time.Duration
}

// PerMinute returns a limit of n requests per minute.
func PerMinute(n int) Limit {
	return Limit{Max: n, Window: time.Minute}
}

// Memory is an in-process sliding-window limiter.
type Memory struct {
	limit Limit
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string][]int64 // request times in unix ms, oldest first
}

// NewMemory creates an in-memory limiter.
func NewMemory(limit Limit) *Memory {
	return &Memory{
		limit:   limit,
		now:     time.Now,
		buckets: make(map[string][]int64),
	}
}

// Allow records the request when it is admitted. Denied requests are not
// recorded.
func (m *Memory) Allow(_ context.Context, key string) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("rate limit key required")
	}
	nowMs := m.now().UnixMilli()
	windowStart := nowMs - m.limit.Window.Milliseconds()

	m.mu.Lock()
	defer m.mu.Unlock()

	ts := m.buckets[key]
	i := 0
	for i < len(ts) && ts[i] <= windowStart {
		i++
	}
	ts = ts[i:]

	if len(ts) >= m.limit.Max {
		if len(ts) == 0 {
			delete(m.buckets, key)
		} else {
			m.buckets[key] = ts
		}
		return false, nil
	}
	m.buckets[key] = append(ts, nowMs)
	return true, nil
}

// Len returns the number of tracked keys.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

// Sweep drops keys whose requests have all left the window.
func (m *Memory) Sweep() {
	windowStart := m.now().UnixMilli() - m.limit.Window.Milliseconds()
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, ts := range m.buckets {
		if len(ts) == 0 || ts[len(ts)-1] <= windowStart {
			delete(m.buckets, key)
		}
	}
}
