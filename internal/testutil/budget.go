package testutil

import (
	"math"
	"sync"
)

// Budget is a deterministic remaining-time oracle for tests.
//
// Every call to RemainingTimeMillis consumes a fixed cost from a fixed
// budget, so a walker that checks the oracle once per key yields after a
// predictable number of keys regardless of how fast the machine runs.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Budget struct {
	mu        sync.Mutex
	remaining int64
	cost      int64
	calls     int
}

// NewBudget creates an oracle starting at budgetMillis and losing
// costMillis per call. The first call reports the full budget.
func NewBudget(budgetMillis, costMillis int64) *Budget {
	return &Budget{remaining: budgetMillis, cost: costMillis}
}

// Unlimited returns an oracle that never runs out.
func Unlimited() *Budget {
	return NewBudget(math.MaxInt64, 0)
}

// RemainingTimeMillis returns the remaining budget, then charges the cost.
//
// Implements visitation.RemainingTimer interface.
func (b *Budget) RemainingTimeMillis() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	r := b.remaining
	if b.remaining > math.MinInt64+b.cost {
		b.remaining -= b.cost
	}
	return r
}

// Calls returns how many times the oracle was consulted.
func (b *Budget) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// BudgetFactory returns a constructor of fresh, identical oracles: one per
// invocation, as a host gives each invocation its own time limit.
func BudgetFactory(budgetMillis, costMillis int64) func() *Budget {
	return func() *Budget {
		return NewBudget(budgetMillis, costMillis)
	}
}
