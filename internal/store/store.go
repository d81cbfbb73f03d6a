package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/shelfwise/flyer-pipeline/internal/model"
)

// ErrNotFound is returned when a referenced record does not exist.
var ErrNotFound = eris.New("store: not found")

// ErrConflict is returned when a transaction loses a serialization race and
// should be retried by the caller.
var ErrConflict = eris.New("store: conflict")

// FlyerFilter specifies criteria for listing flyer images.
type FlyerFilter struct {
	Status model.ProcessingStatus `json:"status,omitempty"`
	Limit  int                    `json:"limit,omitempty"`
	Offset int                    `json:"offset,omitempty"`
}

// ItemFilter specifies criteria for listing parsed items.
type ItemFilter struct {
	FlyerImageID     string                 `json:"flyer_image_id,omitempty"`
	ExtractionStatus model.ExtractionStatus `json:"extraction_status,omitempty"`
	MatchingStatus   model.MatchingStatus   `json:"matching_status,omitempty"`
	Limit            int                    `json:"limit,omitempty"`
	Offset           int                    `json:"offset,omitempty"`
}

// ExtractedImageRow pairs an item ID with the raw stored extracted_image
// payload, before any schema normalization.
type ExtractedImageRow struct {
	ItemID string
	Raw    []byte
}

// ProductFilter specifies criteria for listing catalog products.
type ProductFilter struct {
	Category       string `json:"category,omitempty"`
	ActiveDiscount *bool  `json:"active_discount,omitempty"`
	Limit          int    `json:"limit,omitempty"`
	Offset         int    `json:"offset,omitempty"`
}

// Store defines the persistence interface for the flyer pipeline.
type Store interface {
	// Flyer images
	CreateFlyerImage(ctx context.Context, f model.FlyerImage) (*model.FlyerImage, error)
	GetFlyerImage(ctx context.Context, id string) (*model.FlyerImage, error)
	ListFlyerImages(ctx context.Context, filter FlyerFilter) ([]model.FlyerImage, error)
	UpdateFlyerStatus(ctx context.Context, id string, status model.ProcessingStatus, failureReason string) error
	SetFlyerItemCount(ctx context.Context, id string, count int) error

	// Parsed items
	CreateParsedItems(ctx context.Context, items []model.ParsedItem) error
	GetParsedItem(ctx context.Context, id string) (*model.ParsedItem, error)
	ListParsedItems(ctx context.Context, filter ItemFilter) ([]model.ParsedItem, error)
	UpdateItemExtraction(ctx context.Context, id string, status model.ExtractionStatus, img *model.ExtractedImage, extractionErr string) error
	UpdateItemMatches(ctx context.Context, id string, status model.MatchingStatus, matches []model.ProductMatch) error
	UpdateItemExtractedImage(ctx context.Context, id string, img *model.ExtractedImage) error
	SetItemVerified(ctx context.Context, id string, verified bool) error
	ListExtractedImageRows(ctx context.Context) ([]ExtractedImageRow, error)

	// Catalog products
	UpsertCatalogProducts(ctx context.Context, products []model.CatalogProduct) (int64, error)
	GetCatalogProduct(ctx context.Context, productID string) (*model.CatalogProduct, error)
	ListCatalogProducts(ctx context.Context, filter ProductFilter) ([]model.CatalogProduct, error)

	// Discounts
	ApplyDiscount(ctx context.Context, parsedItemID, productID string, percentage float64, auto bool) (*model.CatalogProduct, error)
	RemoveDiscount(ctx context.Context, productID string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
