package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shelfwise/flyer-pipeline/internal/pipeline"
)

var repairConcurrency int

var repairCmd = &cobra.Command{
	Use:   "repair [item-id]",
	Short: "Normalize legacy extracted-image records to the current schema",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("store"); err != nil {
			return err
		}

		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		r := pipeline.NewRepairer(st, repairConcurrency)

		if len(args) == 1 {
			changed, err := r.RepairItem(ctx, args[0])
			if err != nil {
				return err
			}
			if changed {
				fmt.Printf("repaired %s\n", args[0])
			} else {
				fmt.Printf("%s already in current schema\n", args[0])
			}
			return nil
		}

		count, err := r.RepairAll(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("repaired %d records\n", count)
		return nil
	},
}

func init() {
	repairCmd.Flags().IntVar(&repairConcurrency, "concurrency", 0, "parallel repair workers (default 8)")
	rootCmd.AddCommand(repairCmd)
}
