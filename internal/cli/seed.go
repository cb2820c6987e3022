package cli

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/dss/internal/harness"
)

// SeedResult counts the objects a fixture stored per replica.
type SeedResult struct {
	Replicas map[string]SeedCount `json:"replicas"`
}

// SeedCount is the number of raw keys and bundles stored in one replica.
type SeedCount struct {
	Bucket  string `json:"bucket"`
	Keys    int    `json:"keys"`
	Bundles int    `json:"bundles"`
}

func (r SeedResult) String() string {
	var b strings.Builder
	for i, name := range slices.Sorted(maps.Keys(r.Replicas)) {
		if i > 0 {
			b.WriteByte('\n')
		}
		c := r.Replicas[name]
		fmt.Fprintf(&b, "✓ %s/%s: %d bundles, %d keys", name, c.Bucket, c.Bundles, c.Keys)
	}
	return b.String()
}

// NewSeedCommand creates the seed command.
func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed <fixture.yaml>",
		Short: "Store fixture objects in the local replicas",
		Long: `Store the keys and bundle manifests of a YAML fixture.

The fixture uses the replicas section of a scenario file:

  replicas:
    aws:
      bucket: dss-test
      bundles:
        - uuid: 0a1b2c3d-0000-4000-8000-000000000000
          version: 2024-01-01T000000.000000Z
      keys:
        - bundles/not-a-bundle`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			fixture, err := harness.LoadFixture(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load fixture", err)
			}

			a, err := openApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if err := harness.Seed(ctx, a.store, fixture.Replicas); err != nil {
				return WrapExitError(ExitFailure, "failed to seed replicas", err)
			}

			result := SeedResult{Replicas: make(map[string]SeedCount, len(fixture.Replicas))}
			for name, r := range fixture.Replicas {
				result.Replicas[name] = SeedCount{Bucket: r.Bucket, Keys: len(r.Keys), Bundles: len(r.Bundles)}
			}
			a.logger.Debug("fixture seeded", "path", args[0], "replicas", len(result.Replicas))
			return newFormatter(rootOpts, cmd).Success(result)
		},
	}
	return cmd
}
