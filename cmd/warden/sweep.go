package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mercator-hq/warden/pkg/cli"
)

var sweepFlags struct {
	maxBatches int
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired records now",
	Long: `Run one housekeeper sweep against the configured store.

Records whose expiry has passed are deleted in paced batches, exactly as the
scheduled sweep inside "warden run" does. Safe to run while gateways are
serving.

Examples:
  warden sweep
  warden sweep --max-batches 0   # until the store is clean`,
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := openOffline(cmd)
		if err != nil {
			return err
		}
		defer o.Close()

		hkCfg := o.cfg.Limits.Housekeeper
		if cmd.Flags().Changed("max-batches") {
			hkCfg.MaxBatches = sweepFlags.maxBatches
		}

		hk := newHousekeeper(&hkCfg, o.store, o.metrics, o.tel.Logger())

		deleted, err := hk.SweepNow(cmd.Context())
		if err != nil {
			return cli.NewCommandError("sweep", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Swept %d expired records\n", deleted)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)

	sweepCmd.Flags().IntVar(&sweepFlags.maxBatches, "max-batches", 0, "override limits.housekeeper.max_batches (0 = unlimited)")
}
