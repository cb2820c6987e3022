package harness

import (
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/dss/internal/cas"
)

// Snapshot captures the deterministic outcome of a scenario execution.
// It is serialized as canonical JSON for byte-exact comparison.
type Snapshot struct {
	ScenarioName   string          `json:"scenario_name"`
	Status         string          `json:"status"`
	WorkResult     json.RawMessage `json:"work_result"`
	Invocations    int64           `json:"invocations"`
	IndexDocuments map[string]int  `json:"index_documents"`
	Lanes          []LaneTrace     `json:"lanes"`
}

// NewSnapshot builds the snapshot of a result.
func NewSnapshot(name string, result *Result) Snapshot {
	work := result.WorkResult
	if len(work) == 0 {
		work = json.RawMessage("null")
	}
	return Snapshot{
		ScenarioName:   name,
		Status:         result.Status,
		WorkResult:     work,
		Invocations:    result.Invocations,
		IndexDocuments: result.IndexDocuments,
		Lanes:          result.Lanes(),
	}
}

// RunWithGolden executes a scenario and compares its snapshot against a
// golden file stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if the snapshot doesn't match.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares the given result's snapshot against a golden file
// without re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := cas.Canonical(NewSnapshot(scenarioName, result))
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)

	return nil
}
