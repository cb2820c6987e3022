package harness

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] lane %d: %s\n", event.Seq, event.Lane, event)
		}
	}

	return buf.String()
}

func assertStatus(result *Result, a Assertion) error {
	if result.Status == a.Status {
		return nil
	}
	actual := result.Status
	if result.Error != "" {
		actual += " (" + result.Error + ")"
	}
	return &AssertionError{Type: AssertStatus, Expected: a.Status, Actual: actual, Trace: result.Trace}
}

// assertWorkResult checks that the work result contains every expected
// field. Extra fields are ignored at every level.
func assertWorkResult(result *Result, a Assertion) error {
	var actual any
	if len(result.WorkResult) > 0 {
		if err := json.Unmarshal(result.WorkResult, &actual); err != nil {
			return fmt.Errorf("work_result: %w", err)
		}
	}
	expected := map[string]any(a.Expect)
	if matchSubset(expected, actual) {
		return nil
	}
	want, _ := json.Marshal(a.Expect)
	return &AssertionError{
		Type:     AssertWorkResult,
		Expected: "subset " + string(want),
		Actual:   string(result.WorkResult),
	}
}

func assertIndexCount(result *Result, a Assertion) error {
	got, ok := result.IndexDocuments[a.Replica]
	if !ok {
		return fmt.Errorf("index_count: unknown replica %q", a.Replica)
	}
	if got == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertIndexCount,
		Expected: fmt.Sprintf("%d index document(s) in %s", a.Count, a.Replica),
		Actual:   fmt.Sprintf("%d", got),
	}
}

func assertStepCount(result *Result, a Assertion) error {
	got := 0
	for _, e := range result.Trace {
		if e.Step == a.Step {
			got++
		}
	}
	if got == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertStepCount,
		Expected: fmt.Sprintf("%s checkpointed %d time(s)", a.Step, a.Count),
		Actual:   fmt.Sprintf("%d", got),
		Trace:    result.Trace,
	}
}

// matchSubset reports whether actual contains expected. Maps match when
// every expected key matches; slices match element-wise; numbers match by
// value regardless of their Go type.
func matchSubset(expected, actual any) bool {
	switch exp := expected.(type) {
	case nil:
		return actual == nil
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			return false
		}
		for key, ev := range exp {
			av, exists := act[key]
			if !exists || !matchSubset(ev, av) {
				return false
			}
		}
		return true
	case []any:
		act, ok := actual.([]any)
		if !ok || len(act) != len(exp) {
			return false
		}
		for i := range exp {
			if !matchSubset(exp[i], act[i]) {
				return false
			}
		}
		return true
	}

	if en, ok := number(expected); ok {
		an, ok := number(actual)
		return ok && en == an
	}
	return reflect.DeepEqual(expected, actual)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertStatus:
			err = assertStatus(result, assertion)
		case AssertWorkResult:
			err = assertWorkResult(result, assertion)
		case AssertIndexCount:
			err = assertIndexCount(result, assertion)
		case AssertStepCount:
			err = assertStepCount(result, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
