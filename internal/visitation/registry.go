package visitation

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// Factory returns a new visitation with every field set to its default.
// It is called once per invocation, so defaults are never shared between
// instances.
type Factory func() Visitation

// Registry maps the class names carried in State to visitation factories.
//
// The workflow engine can only pass plain JSON between invocations, so the
// concrete type is chosen by name. The set of names is fixed when the
// registry is built.
type Registry struct {
	factories map[string]Factory
	names     NameGenerator
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithNameGenerator overrides the generator for execution names.
func WithNameGenerator(g NameGenerator) RegistryOption {
	return func(r *Registry) {
		r.names = g
	}
}

// NewRegistry creates a registry over a fixed set of factories.
// The map is copied.
func NewRegistry(factories map[string]Factory, opts ...RegistryOption) *Registry {
	r := &Registry{
		factories: maps.Clone(factories),
		names:     UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Names returns the registered class names in sorted order.
func (r *Registry) Names() []string {
	return slices.Sorted(maps.Keys(r.factories))
}

// New creates a default-valued visitation of the named type.
func (r *Registry) New(className string) (Visitation, error) {
	f, ok := r.factories[className]
	if !ok {
		return nil, NewUnknownVisitationError(className)
	}
	v := f()
	v.Core().ClassName = className
	return v, nil
}

// Load rebuilds a visitation from state and binds env to it.
func (r *Registry) Load(state State, env Env) (Visitation, error) {
	className, err := state.ClassName()
	if err != nil {
		return nil, err
	}
	v, err := r.New(className)
	if err != nil {
		return nil, err
	}
	if err := Decode(state, v); err != nil {
		return nil, err
	}
	v.Core().ClassName = className
	v.Core().Bind(env)
	return v, nil
}

// Submitter triggers a workflow execution and returns its handle.
type Submitter interface {
	Submit(ctx context.Context, name string, input State) (string, error)
}

// StartParams are the job parameters of a new execution. Extra carries
// type-specific fields; fields the visitation does not declare are dropped.
type StartParams struct {
	Replica         string
	Bucket          string
	NumberOfWorkers int
	Extra           map[string]any
}

// Execution identifies a submitted visitation.
type Execution struct {
	Name   string
	Handle string
	Input  State
}

// Start builds the initial job state for className, names the execution
// "{ClassName}--{uuid}" and hands it to sub.
func (r *Registry) Start(ctx context.Context, sub Submitter, className string, p StartParams) (*Execution, error) {
	if p.NumberOfWorkers < 1 {
		return nil, NewValidationError(className, "number_of_workers must be at least 1, got %d", p.NumberOfWorkers)
	}

	v, err := r.New(className)
	if err != nil {
		return nil, err
	}
	v.Core().Status = StatusInit
	v.Core().NumberOfWorkers = p.NumberOfWorkers

	input, err := Encode(v)
	if err != nil {
		return nil, err
	}
	overlay := map[string]any{}
	for k, val := range p.Extra {
		overlay[k] = val
	}
	if p.Replica != "" {
		overlay["replica"] = p.Replica
	}
	if p.Bucket != "" {
		overlay["bucket"] = p.Bucket
	}
	for k, val := range overlay {
		if err := input.Set(k, val); err != nil {
			return nil, NewValidationError(className, "parameter %s: %v", k, err)
		}
	}

	// Round-trip through the concrete type so only declared, well-typed
	// fields reach the workflow engine.
	if err := Decode(input, v); err != nil {
		return nil, err
	}
	if input, err = Encode(v); err != nil {
		return nil, err
	}

	name := fmt.Sprintf("%s--%s", className, r.names.Generate())
	handle, err := sub.Submit(ctx, name, input)
	if err != nil {
		return nil, fmt.Errorf("submit %s: %w", name, err)
	}
	return &Execution{Name: name, Handle: handle, Input: input}, nil
}

// NameGenerator produces the unique suffix of execution names.
type NameGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 suffixes, so execution
// names sort by submission time.
type UUIDv7Generator struct{}

// Generate returns a hyphenated UUIDv7. It panics if the random source fails.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// SequenceGenerator returns predetermined suffixes in order. It panics once
// they are exhausted, which catches tests that start more executions than
// they expect.
type SequenceGenerator struct {
	mu     sync.Mutex
	values []string
	idx    int
}

// NewSequenceGenerator creates a generator over values.
func NewSequenceGenerator(values ...string) *SequenceGenerator {
	return &SequenceGenerator{values: values}
}

// Generate returns the next value.
func (g *SequenceGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.idx >= len(g.values) {
		panic("SequenceGenerator: all values exhausted")
	}
	v := g.values[g.idx]
	g.idx++
	return v
}

// ParseParams decodes a JSON object of type-specific start parameters.
func ParseParams(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var extra map[string]any
	if err := json.Unmarshal(raw, &extra); err != nil {
		return nil, fmt.Errorf("start parameters: %w", err)
	}
	return extra, nil
}
