// Package zipalign merges N independently paginated, ascending key streams
// into a sequence of aligned rows.
//
// Each call to Next yields a Row whose Min is the smallest key not yet
// reported across all columns. A column whose current key equals Min is
// advanced on the following call; every other column keeps its current
// ("parked") key. A column that has run out reports nil.
//
// For columns [(1,2), (0,2), (0,2,3)] the rows are:
//
//	(0, (1, 0, 0))
//	(1, (1, 2, 2))
//	(2, (2, 2, 2))
//	(3, (-, -, 3))
//
// A Zipalign can be rebuilt from the last Row it produced together with
// columns reopened right after each parked key. The rebuilt instance
// continues with the row after that one, which makes a diff resumable across
// process boundaries.
package zipalign

import (
	"cmp"
	"fmt"
	"strings"
)

// Column produces the keys of one stream in non-decreasing order.
// ok is false once the stream is exhausted.
type Column[K cmp.Ordered] func() (key K, ok bool, err error)

// Row is one aligned step of the merge.
//
// Every non-nil value is >= Min. Min is the smallest non-nil value, or nil
// when every column is exhausted.
type Row[K cmp.Ordered] struct {
	Min    *K   `json:"min"`
	Values []*K `json:"values"`
}

// Terminal reports whether every column of the row is exhausted.
func (r *Row[K]) Terminal() bool {
	return r.Min == nil
}

// Norm returns the row with only the columns at Min showing a value.
// Columns that are parked ahead of Min are reported as nil.
func (r *Row[K]) Norm() []*K {
	out := make([]*K, len(r.Values))
	if r.Min == nil {
		return out
	}
	for i, v := range r.Values {
		if v != nil && *v == *r.Min {
			out[i] = v
		}
	}
	return out
}

// String renders the row as "(min, (v0, v1, ...))" with "-" for nil.
func (r *Row[K]) String() string {
	parts := make([]string, len(r.Values))
	for i, v := range r.Values {
		parts[i] = format(v)
	}
	return fmt.Sprintf("(%s, (%s))", format(r.Min), strings.Join(parts, ", "))
}

func format[K cmp.Ordered](v *K) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprint(*v)
}

// Clone returns a deep copy of the row.
func (r *Row[K]) Clone() *Row[K] {
	out := &Row[K]{Values: make([]*K, len(r.Values))}
	if r.Min != nil {
		m := *r.Min
		out.Min = &m
	}
	for i, v := range r.Values {
		if v != nil {
			c := *v
			out.Values[i] = &c
		}
	}
	return out
}

// OrderError reports a column that produced a key smaller than its previous
// key. It points at a broken listing, never at a transient condition.
type OrderError struct {
	Column   int
	Previous string
	Next     string
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("zipalign: column %d is not ordered: %s followed by %s", e.Column, e.Previous, e.Next)
}

// Zipalign is the merge iterator. It is not safe for concurrent use.
type Zipalign[K cmp.Ordered] struct {
	columns []Column[K]
	row     *Row[K]
	done    bool
	err     error
}

// New builds a merge over columns. If prior is non-nil the merge resumes
// after it: prior.Values are taken as the current keys of each column and the
// columns must continue right after those keys. A nil value in prior marks an
// exhausted column that is never read again.
func New[K cmp.Ordered](columns []Column[K], prior *Row[K]) (*Zipalign[K], error) {
	z := &Zipalign[K]{columns: columns}
	if prior == nil {
		return z, nil
	}
	if len(prior.Values) != len(columns) {
		return nil, fmt.Errorf("zipalign: row has %d values for %d columns", len(prior.Values), len(columns))
	}
	z.row = prior.Clone()
	z.done = z.row.Terminal()
	return z, nil
}

// Next advances to the next row. It returns false when all columns are
// exhausted or an error occurred; check Err afterwards.
func (z *Zipalign[K]) Next() bool {
	if z.done || z.err != nil {
		return false
	}

	var values []*K
	if z.row == nil {
		values = make([]*K, len(z.columns))
		for i := range z.columns {
			v, err := z.pull(i, nil)
			if err != nil {
				z.err = err
				return false
			}
			values[i] = v
		}
	} else {
		values = append([]*K(nil), z.row.Values...)
		for i, v := range values {
			if v == nil || *v != *z.row.Min {
				continue
			}
			next, err := z.pull(i, v)
			if err != nil {
				z.err = err
				return false
			}
			values[i] = next
		}
	}

	var lowest *K
	for _, v := range values {
		if v != nil && (lowest == nil || *v < *lowest) {
			lowest = v
		}
	}

	row := &Row[K]{Values: values}
	if lowest != nil {
		m := *lowest
		row.Min = &m
	}
	z.row = row
	if row.Terminal() {
		z.done = true
		return false
	}
	return true
}

func (z *Zipalign[K]) pull(i int, prev *K) (*K, error) {
	k, ok, err := z.columns[i]()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	if prev != nil && k < *prev {
		return nil, &OrderError{Column: i, Previous: fmt.Sprint(*prev), Next: fmt.Sprint(k)}
	}
	return &k, nil
}

// Row returns the current row. It is only valid after Next returned true, or
// after exhaustion where it is the terminal row. The returned row must not be
// modified.
func (z *Zipalign[K]) Row() *Row[K] {
	return z.row
}

// Err returns the first error encountered by Next.
func (z *Zipalign[K]) Err() error {
	return z.err
}

// Slice returns a column over a fixed list of keys.
func Slice[K cmp.Ordered](keys ...K) Column[K] {
	i := 0
	return func() (K, bool, error) {
		if i >= len(keys) {
			var zero K
			return zero, false, nil
		}
		k := keys[i]
		i++
		return k, true, nil
	}
}

// Empty returns an exhausted column.
func Empty[K cmp.Ordered]() Column[K] {
	return Slice[K]()
}
