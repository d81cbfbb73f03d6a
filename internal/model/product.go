package model

import (
	"time"
)

// DiscountSourceType tags the provenance of an active discount.
type DiscountSourceType string

const (
	DiscountSourceManual DiscountSourceType = "manual"
	DiscountSourceFlyer  DiscountSourceType = "flyer"
)

// DiscountSource records why and how a catalog product's price was reduced.
// For flyer-sourced discounts, ParsedItemID points at the item whose
// SelectedProductID references this product.
type DiscountSource struct {
	Type          DiscountSourceType `json:"type"`
	ParsedItemID  string             `json:"parsed_item_id,omitempty"`
	OriginalPrice float64            `json:"original_price"`
	AppliedAt     time.Time          `json:"applied_at"`
}

// CatalogProduct is an existing inventory record a parsed item may be
// matched and linked to for discount application.
//
// Invariant: at most one active discount per product, and a flyer-sourced
// discount is referenced by exactly one ParsedItem. All mutations of the
// discount fields go through the store's ApplyDiscount transaction.
type CatalogProduct struct {
	ID                 string          `json:"id"`
	ProductID          string          `json:"product_id"` // external stable key
	Name               string          `json:"name"`
	NameSecondary      string          `json:"name_secondary,omitempty"`
	Category           string          `json:"category,omitempty"`
	Price              float64         `json:"price"`
	DiscountedPrice    float64         `json:"discounted_price,omitempty"`
	DiscountPercentage float64         `json:"discount_percentage,omitempty"`
	HasActiveDiscount  bool            `json:"has_active_discount"`
	DiscountSource     *DiscountSource `json:"discount_source,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// BasePrice returns the price a discount computation must start from. For a
// product with an active discount the recorded original price wins, so that
// re-applying a discount never compounds on an already-reduced price.
func (p *CatalogProduct) BasePrice() float64 {
	if p.HasActiveDiscount && p.DiscountSource != nil && p.DiscountSource.OriginalPrice > 0 {
		return p.DiscountSource.OriginalPrice
	}
	return p.Price
}
