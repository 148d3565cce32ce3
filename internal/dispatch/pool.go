package dispatch

import (
	"sync"
	"time"

	"github.com/openchlai/ai-sub002/internal/queue"
)

// Pool names
const (
	PoolInteractive = "interactive"
	PoolBatch       = "batch"
)

// Pool tracks leased slots of one class of analysis worker. Accounting is
// advisory: Acquire never blocks, so in-use may exceed capacity.
type Pool struct {
	name     string
	capacity int

	leases map[queue.Handle]time.Time
	// early holds handles released before they were acquired, which happens
	// when a completion beats the submitter back from Submit
	early     map[queue.Handle]time.Time
	processed uint64
	expired   uint64

	mu sync.Mutex
}

// PoolStatus is a point-in-time view of a Pool
type PoolStatus struct {
	Name               string  `json:"name"`
	Capacity           int     `json:"capacity"`
	InUse              int     `json:"in_use"`
	Available          int     `json:"available"`
	UtilizationPercent float64 `json:"utilization_percent"`
	TotalProcessed     uint64  `json:"total_processed"`
	LeasesExpired      uint64  `json:"leases_expired"`
}

// NewPool creates a pool with the given slot capacity
func NewPool(name string, capacity int) *Pool {
	return &Pool{
		name:     name,
		capacity: capacity,
		leases:   make(map[queue.Handle]time.Time),
		early:    make(map[queue.Handle]time.Time),
	}
}

// Name returns the pool name
func (p *Pool) Name() string {
	return p.name
}

// Acquire leases a slot for the job identified by handle. It reports
// whether a lease is now held: a job whose completion was already released
// takes no slot.
func (p *Pool) Acquire(handle queue.Handle, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.early[handle]; ok {
		delete(p.early, handle)
		p.processed++
		return false
	}
	p.leases[handle] = now
	return true
}

// Release returns the slot held by handle. It reports whether a lease was
// held; only released leases count as processed. Releasing a handle that
// holds no lease remembers it until it is acquired or expires.
func (p *Pool) Release(handle queue.Handle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.leases[handle]; !ok {
		p.early[handle] = time.Now()
		return false
	}
	delete(p.leases, handle)
	p.processed++
	return true
}

// Expire drops leases acquired before cutoff and returns how many it dropped
func (p *Pool) Expire(cutoff time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for handle, acquired := range p.leases {
		if acquired.Before(cutoff) {
			delete(p.leases, handle)
			n++
		}
	}
	for handle, released := range p.early {
		if released.Before(cutoff) {
			delete(p.early, handle)
		}
	}
	p.expired += uint64(n)
	return n
}

// Utilization returns in-use slots as a fraction of capacity. A pool with no
// capacity is always fully utilized.
func (p *Pool) Utilization() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.utilizationLocked()
}

func (p *Pool) utilizationLocked() float64 {
	if p.capacity <= 0 {
		return 1
	}
	return float64(len(p.leases)) / float64(p.capacity)
}

// Status returns the pool's current accounting
func (p *Pool) Status() PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	inUse := len(p.leases)
	return PoolStatus{
		Name:               p.name,
		Capacity:           p.capacity,
		InUse:              inUse,
		Available:          max(p.capacity-inUse, 0),
		UtilizationPercent: p.utilizationLocked() * 100,
		TotalProcessed:     p.processed,
		LeasesExpired:      p.expired,
	}
}
