package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Scenario defines one visitation run over seeded replicas and the
// assertions its outcome must satisfy.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// PageSize is the listing page size of every replica. Small pages force
	// walkers across page boundaries. Defaults to DefaultPageSize.
	PageSize int `yaml:"page_size,omitempty"`

	// Replicas are seeded into a fresh store before the run.
	Replicas map[string]ReplicaFixture `yaml:"replicas"`

	// Visitation is the execution to start.
	Visitation VisitationStep `yaml:"visitation"`

	// Budget, when set, gives every invocation a fixed remaining-time budget
	// so walks yield deterministically.
	Budget *Budget `yaml:"budget,omitempty"`

	// Assertions validate the outcome.
	// Supported types: status, work_result, index_count, step_count
	Assertions []Assertion `yaml:"assertions"`

	// NameSuffix is the fixed execution-name suffix. Defaults to the
	// testutil.FixedNameGenerator default.
	NameSuffix string `yaml:"name_suffix,omitempty"`
}

// Fixture is a seed file: replicas and their contents.
type Fixture struct {
	Replicas map[string]ReplicaFixture `yaml:"replicas"`
}

// ReplicaFixture is the content of one replica.
type ReplicaFixture struct {
	// Bucket receives every key and bundle of the replica.
	Bucket string `yaml:"bucket"`

	// Keys are stored with an empty JSON object as body.
	Keys []string `yaml:"keys,omitempty"`

	// Bundles are stored as manifests under bundles/{uuid}.{version}.
	Bundles []BundleFixture `yaml:"bundles,omitempty"`
}

// BundleFixture is one bundle manifest.
type BundleFixture struct {
	UUID    string        `yaml:"uuid"`
	Version string        `yaml:"version"`
	Files   []FileFixture `yaml:"files,omitempty"`
}

// FileFixture is one file reference of a bundle manifest.
type FileFixture struct {
	Name        string `yaml:"name"`
	ContentType string `yaml:"content_type,omitempty"`
	Indexed     bool   `yaml:"indexed"`
	Size        int64  `yaml:"size,omitempty"`
}

// VisitationStep names the visitation to start and its job parameters.
type VisitationStep struct {
	Type            string         `yaml:"type"`
	NumberOfWorkers int            `yaml:"number_of_workers"`
	Replica         string         `yaml:"replica,omitempty"`
	Bucket          string         `yaml:"bucket,omitempty"`
	Params          map[string]any `yaml:"params,omitempty"`
}

// Budget is a deterministic remaining-time oracle: every invocation starts
// with Millis and each query costs Cost.
type Budget struct {
	Millis int64 `yaml:"millis"`
	Cost   int64 `yaml:"cost"`
}

// Assertion validates the outcome of a run.
type Assertion struct {
	// Type specifies the assertion type:
	// - "status": the execution status equals Status
	// - "work_result": the work result contains Expect (subset match)
	// - "index_count": Replica holds Count index documents
	// - "step_count": Step was checkpointed exactly Count times
	Type string `yaml:"type"`

	Status string         `yaml:"status,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`

	Replica string `yaml:"replica,omitempty"`
	Step    string `yaml:"step,omitempty"`
	Count   int    `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertStatus     = "status"
	AssertWorkResult = "work_result"
	AssertIndexCount = "index_count"
	AssertStepCount  = "step_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	var scenario Scenario
	if err := decodeFile(path, &scenario); err != nil {
		return nil, err
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", filepath.Base(path), err)
	}
	return &scenario, nil
}

// LoadFixture reads and parses a seed file.
func LoadFixture(path string) (*Fixture, error) {
	var fixture Fixture
	if err := decodeFile(path, &fixture); err != nil {
		return nil, err
	}
	if err := validateReplicas(fixture.Replicas); err != nil {
		return nil, fmt.Errorf("invalid fixture %s: %w", filepath.Base(path), err)
	}
	return &fixture, nil
}

func decodeFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	// Strict decoding catches typos like "assertion:" vs "assertions:".
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("failed to parse YAML %s: %w", path, err)
	}
	return nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.PageSize < 0 {
		return fmt.Errorf("page_size must be non-negative")
	}
	if len(s.Replicas) == 0 {
		return fmt.Errorf("replicas map is required and must be non-empty")
	}
	if err := validateReplicas(s.Replicas); err != nil {
		return err
	}

	if s.Visitation.Type == "" {
		return fmt.Errorf("visitation.type is required")
	}
	if s.Visitation.NumberOfWorkers < 1 {
		return fmt.Errorf("visitation.number_of_workers must be at least 1")
	}

	if s.Budget != nil && (s.Budget.Millis <= 0 || s.Budget.Cost < 0) {
		return fmt.Errorf("budget.millis must be positive and budget.cost non-negative")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateReplicas(replicas map[string]ReplicaFixture) error {
	for name, r := range replicas {
		if r.Bucket == "" {
			return fmt.Errorf("replicas.%s: bucket is required", name)
		}
		for i, b := range r.Bundles {
			if b.UUID == "" || b.Version == "" {
				return fmt.Errorf("replicas.%s.bundles[%d]: uuid and version are required", name, i)
			}
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertStatus:
		if a.Status == "" {
			return fmt.Errorf("assertions[%d]: status is required for status", index)
		}
	case AssertWorkResult:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for work_result", index)
		}
	case AssertIndexCount:
		if a.Replica == "" {
			return fmt.Errorf("assertions[%d]: replica is required for index_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for index_count", index)
		}
	case AssertStepCount:
		if a.Step == "" {
			return fmt.Errorf("assertions[%d]: step is required for step_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for step_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
