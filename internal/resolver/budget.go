package resolver

import "sync/atomic"

// Budget caps the number of synchronous provider call attempts in one run.
// It is shared by every concurrent resolution in the batch, so acquisition
// must be atomic. A limit of zero or below means unlimited.
type Budget struct {
	remaining int64
	unlimited bool
}

// NewBudget creates a budget allowing at most limit provider attempts.
func NewBudget(limit int) *Budget {
	if limit <= 0 {
		return &Budget{unlimited: true}
	}
	return &Budget{remaining: int64(limit)}
}

// TryAcquire consumes one attempt slot. It returns false once the budget is
// exhausted and never goes negative.
func (b *Budget) TryAcquire() bool {
	if b.unlimited {
		return true
	}
	for {
		cur := atomic.LoadInt64(&b.remaining)
		if cur <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt64(&b.remaining, cur, cur-1) {
			return true
		}
	}
}

// Remaining reports how many attempt slots are left. Unlimited budgets
// report -1.
func (b *Budget) Remaining() int {
	if b.unlimited {
		return -1
	}
	n := atomic.LoadInt64(&b.remaining)
	if n < 0 {
		n = 0
	}
	return int(n)
}
