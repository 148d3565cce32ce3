package dispatch

import (
	"strconv"
	"testing"
	"time"

	"github.com/openchlai/ai-sub002/internal/queue"
)

func TestPoolLeases(t *testing.T) {
	p := NewPool(PoolInteractive, 2)
	now := time.Now()

	p.Acquire("a", now)
	p.Acquire("b", now)
	p.Acquire("c", now)

	status := p.Status()
	if status.InUse != 3 {
		t.Errorf("Expected 3 leases in use, got %d", status.InUse)
	}
	if status.Available != 0 {
		t.Errorf("Available must not go negative, got %d", status.Available)
	}
	if status.UtilizationPercent != 150 {
		t.Errorf("Expected 150%% utilization, got %f", status.UtilizationPercent)
	}

	if !p.Release("a") {
		t.Error("Expected release of a held lease")
	}
	if p.Release("a") {
		t.Error("Second release of the same handle must fail")
	}
	if p.Release(queue.Handle("unknown")) {
		t.Error("Release of an unknown handle must fail")
	}

	status = p.Status()
	if status.InUse != 2 || status.TotalProcessed != 1 {
		t.Errorf("Unexpected status after release: %+v", status)
	}
}

func TestPoolExpire(t *testing.T) {
	p := NewPool(PoolBatch, 4)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	p.Acquire("old", base)
	p.Acquire("new", base.Add(time.Minute))

	if n := p.Expire(base.Add(30 * time.Second)); n != 1 {
		t.Fatalf("Expected 1 expired lease, got %d", n)
	}
	status := p.Status()
	if status.InUse != 1 || status.LeasesExpired != 1 || status.TotalProcessed != 0 {
		t.Errorf("Unexpected status after expiry: %+v", status)
	}
	if p.Release("old") {
		t.Error("Expired lease must not be releasable")
	}
}

func TestPoolUtilization(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		leases   int
		want     float64
	}{
		{"empty", 4, 0, 0},
		{"half", 4, 2, 0.5},
		{"full", 4, 4, 1},
		{"no capacity", 0, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPool("test", tt.capacity)
			for i := 0; i < tt.leases; i++ {
				p.Acquire(queue.Handle("job-"+strconv.Itoa(i)), time.Now())
			}
			if got := p.Utilization(); got != tt.want {
				t.Errorf("Utilization() = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestPoolReleaseBeforeAcquire(t *testing.T) {
	p := NewPool(PoolInteractive, 1)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	if p.Release("fast") {
		t.Error("Release before Acquire holds no lease")
	}
	if p.Acquire("fast", base) {
		t.Error("Acquire after an early release must not take a slot")
	}

	status := p.Status()
	if status.InUse != 0 || status.TotalProcessed != 1 {
		t.Errorf("Unexpected status: %+v", status)
	}

	// The early release is consumed once
	if !p.Acquire("fast", base) {
		t.Error("Expected a fresh lease for a reused handle")
	}
}

func TestPoolExpireDropsEarlyReleases(t *testing.T) {
	p := NewPool(PoolBatch, 1)

	p.Release("orphan")
	p.Expire(time.Now().Add(time.Minute))

	if !p.Acquire("orphan", time.Now()) {
		t.Error("Expired early release must not suppress a later lease")
	}
}
