package main

import (
	"fmt"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shelfwise/flyer-pipeline/internal/monitoring"
)

var applyCmd = &cobra.Command{
	Use:   "apply <item-id> <product-id> <percentage>",
	Short: "Apply a flyer discount to a catalog product",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("store"); err != nil {
			return err
		}

		pct, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			return eris.Wrapf(err, "parse percentage %q", args[2])
		}

		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		product, err := st.ApplyDiscount(ctx, args[0], args[1], pct, false)
		if err != nil {
			return err
		}
		monitoring.DiscountsApplied.WithLabelValues("manual").Inc()

		zap.L().Info("discount applied",
			zap.String("item_id", args[0]),
			zap.String("product_id", args[1]),
			zap.Float64("percentage", pct),
		)
		fmt.Printf("%s: %.2f -> %.2f (%.1f%% off)\n",
			product.ProductID, product.BasePrice(), product.DiscountedPrice, product.DiscountPercentage)
		return nil
	},
}

var applyRemoveCmd = &cobra.Command{
	Use:   "remove <product-id>",
	Short: "Remove a product's active discount and restore its price",
	Args:  cobra.ExactArgs(1),
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

		if err := st.RemoveDiscount(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("discount removed from %s\n", args[0])
		return nil
	},
}

func init() {
	applyCmd.AddCommand(applyRemoveCmd)
	rootCmd.AddCommand(applyCmd)
}
