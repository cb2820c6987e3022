package harness

import (
	"cmp"
	"encoding/json"
	"fmt"
	"slices"
)

// TraceEvent is one checkpointed invocation of a run.
type TraceEvent struct {
	Seq    int64  `json:"seq"`
	Lane   int    `json:"lane"`
	Step   string `json:"step"`
	Status string `json:"status"`
	WorkID string `json:"work_id,omitempty"`
}

// String renders the event without its seq, which interleaves
// nondeterministically across lanes.
func (e TraceEvent) String() string {
	if e.WorkID == "" {
		return fmt.Sprintf("%s %s", e.Step, e.Status)
	}
	return fmt.Sprintf("%s %s %s", e.Step, e.Status, e.WorkID)
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if all assertions hold.
	Pass bool `json:"pass"`

	// Execution is the name of the execution the scenario started.
	Execution string `json:"execution"`

	// Status is the terminal execution status.
	Status string `json:"status"`

	// WorkResult is the aggregated job result, nil for failed executions.
	WorkResult json.RawMessage `json:"work_result,omitempty"`

	// Error is the failure cause of a failed execution.
	Error string `json:"error,omitempty"`

	// Invocations counts the checkpointed invocations.
	Invocations int64 `json:"invocations"`

	// Trace contains every checkpoint in seq order.
	Trace []TraceEvent `json:"trace"`

	// IndexDocuments counts index documents per replica.
	IndexDocuments map[string]int `json:"index_documents"`

	// Errors contains assertion failures.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:           true,
		Trace:          []TraceEvent{},
		IndexDocuments: make(map[string]int),
		Errors:         []string{},
	}
}

// AddError adds an assertion failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Lanes groups the trace by lane in ascending lane order; the job lane
// comes first.
func (r *Result) Lanes() []LaneTrace {
	byLane := map[int]int{}
	var lanes []LaneTrace
	for _, e := range r.Trace {
		idx, ok := byLane[e.Lane]
		if !ok {
			idx = len(lanes)
			byLane[e.Lane] = idx
			lanes = append(lanes, LaneTrace{Lane: e.Lane, Events: []string{}})
		}
		lanes[idx].Events = append(lanes[idx].Events, e.String())
	}
	slices.SortFunc(lanes, func(a, b LaneTrace) int {
		return cmp.Compare(a.Lane, b.Lane)
	})
	return lanes
}

// LaneTrace is the ordered events of one lane.
type LaneTrace struct {
	Lane   int      `json:"lane"`
	Events []string `json:"events"`
}
