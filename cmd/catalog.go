package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shelfwise/flyer-pipeline/internal/catalog"
	"github.com/shelfwise/flyer-pipeline/internal/store"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manage the product catalog",
}

var catalogImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import catalog products from an XLSX or YAML file",
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

		n, err := catalog.NewImporter(st).ImportFile(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("upserted %d products\n", n)
		return nil
	},
}

var catalogListCmd = &cobra.Command{
	Use:   "list",
	Short: "List catalog products",
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

		discounted, _ := cmd.Flags().GetBool("discounted")
		filter := store.ProductFilter{}
		if discounted {
			active := true
			filter.ActiveDiscount = &active
		}

		products, err := st.ListCatalogProducts(ctx, filter)
		if err != nil {
			return err
		}
		for _, p := range products {
			if p.HasActiveDiscount {
				fmt.Printf("%-20s %-40s %8.2f -> %.2f (%.1f%%)\n",
					p.ProductID, p.Name, p.BasePrice(), p.DiscountedPrice, p.DiscountPercentage)
				continue
			}
			fmt.Printf("%-20s %-40s %8.2f\n", p.ProductID, p.Name, p.Price)
		}
		return nil
	},
}

func init() {
	catalogListCmd.Flags().Bool("discounted", false, "only products with an active discount")
	catalogCmd.AddCommand(catalogImportCmd)
	catalogCmd.AddCommand(catalogListCmd)
	rootCmd.AddCommand(catalogCmd)
}
