package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shelfwise/flyer-pipeline/internal/model"
	"github.com/shelfwise/flyer-pipeline/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pipeline progress counts",
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

		fmt.Println("flyers:")
		for _, s := range []model.ProcessingStatus{
			model.ProcessingPending,
			model.ProcessingInProgress,
			model.ProcessingCompleted,
			model.ProcessingFailed,
		} {
			n, err := countFlyers(ctx, st, s)
			if err != nil {
				return err
			}
			fmt.Printf("  %-14s %d\n", s, n)
		}

		fmt.Println("item extraction:")
		for _, s := range []model.ExtractionStatus{
			model.ExtractionPending,
			model.ExtractionInProgress,
			model.ExtractionCompleted,
			model.ExtractionManualReview,
			model.ExtractionFailed,
		} {
			n, err := countItems(ctx, st, store.ItemFilter{ExtractionStatus: s})
			if err != nil {
				return err
			}
			fmt.Printf("  %-14s %d\n", s, n)
		}

		fmt.Println("item matching:")
		for _, s := range []model.MatchingStatus{
			model.MatchingPending,
			model.MatchingInProgress,
			model.MatchingCompleted,
			model.MatchingFailed,
		} {
			n, err := countItems(ctx, st, store.ItemFilter{MatchingStatus: s})
			if err != nil {
				return err
			}
			fmt.Printf("  %-14s %d\n", s, n)
		}

		active := true
		discounted, err := st.ListCatalogProducts(ctx, store.ProductFilter{ActiveDiscount: &active})
		if err != nil {
			return err
		}
		fmt.Printf("products with active discounts: %d\n", len(discounted))
		return nil
	},
}

func countFlyers(ctx context.Context, st store.Store, status model.ProcessingStatus) (int, error) {
	flyers, err := st.ListFlyerImages(ctx, store.FlyerFilter{Status: status})
	if err != nil {
		return 0, err
	}
	return len(flyers), nil
}

func countItems(ctx context.Context, st store.Store, filter store.ItemFilter) (int, error) {
	items, err := st.ListParsedItems(ctx, filter)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
