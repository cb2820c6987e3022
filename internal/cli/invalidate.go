package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// NewInvalidateCommand creates the invalidate command.
func NewInvalidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invalidate <replica> [bucket]",
		Short: "Invalidate the listing tokens of a bucket",
		Long: `Expire every continuation token issued for a bucket listing.

Walkers holding an expired token restart their listing after the last key
they processed. The bucket defaults to the configured bucket of the replica.`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			replica := args[0]
			explicit := ""
			if len(args) == 2 {
				explicit = args[1]
			}
			bucket := a.bucket(replica, explicit)
			if bucket == "" {
				return NewExitError(ExitCommandError, fmt.Sprintf("no bucket given or configured for replica %q", replica))
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if err := a.store.InvalidateListings(ctx, replica, bucket); err != nil {
				return WrapExitError(ExitFailure, "failed to invalidate listings", err)
			}
			return newFormatter(rootOpts, cmd).Success(fmt.Sprintf("✓ listings of %s/%s invalidated", replica, bucket))
		},
	}
	return cmd
}
