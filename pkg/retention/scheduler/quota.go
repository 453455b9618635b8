package scheduler

import (
	"sync"
	"sync/atomic"
)

// TenantQuota limits the number of simultaneous disposal jobs per tenant.
//
// Each tenant gets an independent counting semaphore using atomic
// operations, so one tenant's burst of due records cannot monopolize the
// worker pool. Acquire/Release on a tenant's counter is lock-free; the
// tenant map itself is guarded for first-seen tenants.
type TenantQuota struct {
	limit int64

	mu      sync.RWMutex
	tenants map[string]*int64
}

// NewTenantQuota creates a quota allowing limit concurrent jobs per
// tenant. A limit of zero or less disables the quota.
func NewTenantQuota(limit int) *TenantQuota {
	return &TenantQuota{
		limit:   int64(limit),
		tenants: make(map[string]*int64),
	}
}

func (q *TenantQuota) counter(tenantID string) *int64 {
	q.mu.RLock()
	c := q.tenants[tenantID]
	q.mu.RUnlock()
	if c != nil {
		return c
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if c = q.tenants[tenantID]; c == nil {
		c = new(int64)
		q.tenants[tenantID] = c
	}
	return c
}

// Acquire attempts to take a slot for the tenant. Returns true if
// acquired; the caller MUST call Release with the same tenant when done.
func (q *TenantQuota) Acquire(tenantID string) bool {
	if q.limit <= 0 {
		return true
	}
	c := q.counter(tenantID)
	if atomic.AddInt64(c, 1) > q.limit {
		atomic.AddInt64(c, -1)
		return false
	}
	return true
}

// Release returns a slot for the tenant after a successful Acquire.
func (q *TenantQuota) Release(tenantID string) {
	if q.limit <= 0 {
		return
	}
	atomic.AddInt64(q.counter(tenantID), -1)
}

// Current returns the tenant's in-flight job count.
func (q *TenantQuota) Current(tenantID string) int64 {
	if q.limit <= 0 {
		return 0
	}
	return atomic.LoadInt64(q.counter(tenantID))
}

// Limit returns the per-tenant concurrency limit.
func (q *TenantQuota) Limit() int64 {
	return q.limit
}
