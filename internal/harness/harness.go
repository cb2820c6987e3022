package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/dss/internal/backoff"
	"github.com/roach88/dss/internal/driver"
	"github.com/roach88/dss/internal/engine"
	"github.com/roach88/dss/internal/reindex"
	"github.com/roach88/dss/internal/storage"
	"github.com/roach88/dss/internal/store"
	"github.com/roach88/dss/internal/testutil"
	"github.com/roach88/dss/internal/visitation"
)

// DefaultPageSize is the listing page size of scenarios that set none.
const DefaultPageSize = 100

// scenarioPolicy retries without delay so failing scenarios stay fast.
var scenarioPolicy = engine.Policy{
	MaxAttempts:       3,
	InvocationTimeout: time.Minute,
	ShutdownMargin:    0,
	Backoff:           backoff.Constant(0),
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
// Fixed execution names and per-invocation budgets make the trace of
// every lane reproducible.
//
// Execution flow:
// 1. Create fresh in-memory database
// 2. Seed the replicas
// 3. Start the visitation on the local engine and run it to completion
// 4. Collect the trace and index counts
// 5. Evaluate assertions
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	if err := Seed(ctx, st, scenario.Replicas); err != nil {
		return nil, fmt.Errorf("failed to seed replicas: %w", err)
	}

	pageSize := scenario.PageSize
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	names := make([]string, 0, len(scenario.Replicas))
	for name := range scenario.Replicas {
		names = append(names, name)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	deps := reindex.Deps{Replicas: st.Replicas(pageSize, names...), Indexer: st}
	reg := NewRegistry(deps, testutil.NewFixedNameGenerator(scenario.NameSuffix))

	opts := []engine.Option{engine.WithPolicy(scenarioPolicy), engine.WithLogger(logger)}
	if b := scenario.Budget; b != nil {
		opts = append(opts, engine.WithRemaining(func(context.Context) visitation.RemainingTimer {
			return testutil.NewBudget(b.Millis, b.Cost)
		}))
	}
	eng := engine.New(st, driver.New(reg, logger), opts...)

	v := scenario.Visitation
	out, runErr := eng.Start(ctx, v.Type, visitation.StartParams{
		Replica:         v.Replica,
		Bucket:          v.Bucket,
		NumberOfWorkers: v.NumberOfWorkers,
		Extra:           v.Params,
	})
	if out == nil {
		if runErr == nil {
			runErr = errors.New("no outcome")
		}
		return nil, fmt.Errorf("failed to run visitation: %w", runErr)
	}

	result := NewResult()
	result.Execution = out.Name
	result.Status = out.Status
	result.WorkResult = out.Result
	result.Error = out.Error
	result.Invocations = out.Invocations

	if err := collectTrace(ctx, st, out.Name, result); err != nil {
		return nil, err
	}
	for _, name := range names {
		n, err := st.CountIndexDocuments(ctx, name)
		if err != nil {
			return nil, err
		}
		result.IndexDocuments[name] = n
	}

	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(errMsg)
	}
	return result, nil
}

// NewRegistry returns the registry of every visitation type. Storage
// visitations list the same replicas the reindex walks.
func NewRegistry(deps reindex.Deps, names visitation.NameGenerator) *visitation.Registry {
	return visitation.NewRegistry(map[string]visitation.Factory{
		reindex.ClassName: reindex.Factory(deps),
		storage.ClassName: storage.Factory(deps.Replicas),
	}, visitation.WithNameGenerator(names))
}

// Seed stores the keys and bundle manifests of every replica.
func Seed(ctx context.Context, st *store.Store, replicas map[string]ReplicaFixture) error {
	for name, r := range replicas {
		for _, key := range r.Keys {
			if _, err := st.PutObject(ctx, name, r.Bucket, key, []byte("{}")); err != nil {
				return err
			}
		}
		for _, b := range r.Bundles {
			if _, err := st.PutBundle(ctx, name, r.Bucket, b.UUID, b.manifest()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b BundleFixture) manifest() store.BundleManifest {
	files := b.Files
	if len(files) == 0 {
		files = []FileFixture{{Name: "metadata.json", ContentType: "application/json", Indexed: true}}
	}
	m := store.BundleManifest{Format: "0.0.1", Version: b.Version}
	for i, f := range files {
		m.Files = append(m.Files, store.FileRef{
			Name:        f.Name,
			UUID:        fmt.Sprintf("%s-f%d", b.UUID, i),
			Version:     b.Version,
			ContentType: f.ContentType,
			Indexed:     f.Indexed,
			Size:        f.Size,
		})
	}
	return m
}

func collectTrace(ctx context.Context, st *store.Store, execution string, result *Result) error {
	cps, err := st.ReadCheckpoints(ctx, execution)
	if err != nil {
		return err
	}
	for _, cp := range cps {
		var s visitation.State
		if err := json.Unmarshal(cp.State, &s); err != nil {
			return fmt.Errorf("checkpoint %d: %w", cp.Seq, err)
		}
		var workID string
		if _, err := s.Get(visitation.FieldWorkID, &workID); err != nil {
			return fmt.Errorf("checkpoint %d: %w", cp.Seq, err)
		}
		result.Trace = append(result.Trace, TraceEvent{
			Seq:    cp.Seq,
			Lane:   cp.Lane,
			Step:   cp.Step,
			Status: string(s.Status()),
			WorkID: workID,
		})
	}
	return nil
}
