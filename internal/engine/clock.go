package engine

import "sync/atomic"

// Clock stamps the checkpoints of one run. Seq values are strictly
// increasing across all lanes of an execution, so the latest state of a lane
// is the one with the highest seq regardless of wall-clock time.
type Clock struct {
	seq atomic.Int64
}

// NewClockAt returns a clock whose first seq is last+1. A resumed run starts
// it at the execution's highest persisted seq.
func NewClockAt(last int64) *Clock {
	c := &Clock{}
	c.seq.Store(last)
	return c
}

// Next returns the seq of the next checkpoint.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Last returns the most recently issued seq.
func (c *Clock) Last() int64 {
	return c.seq.Load()
}
