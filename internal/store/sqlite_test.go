package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfwise/flyer-pipeline/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedFlyerWithItem(t *testing.T, st *SQLiteStore) (flyerID, itemID string) {
	t.Helper()
	ctx := context.Background()

	f, err := st.CreateFlyerImage(ctx, model.FlyerImage{StorageRef: "flyers/week34.jpg", FileName: "week34.jpg"})
	require.NoError(t, err)

	items := []model.ParsedItem{{
		ID:           "item-1",
		FlyerImageID: f.ID,
		Name:         "Whole Milk 1L",
		Price:        4.99,
		RawPriceText: "$4.99",
		Confidence:   0.95,
	}}
	require.NoError(t, st.CreateParsedItems(ctx, items))
	return f.ID, "item-1"
}

func seedProduct(t *testing.T, st *SQLiteStore, productID, name string, price float64) {
	t.Helper()
	_, err := st.UpsertCatalogProducts(context.Background(), []model.CatalogProduct{
		{ProductID: productID, Name: name, Category: "dairy", Price: price},
	})
	require.NoError(t, err)
}

func TestSQLite_FlyerLifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	flyerID, _ := seedFlyerWithItem(t, st)

	f, err := st.GetFlyerImage(ctx, flyerID)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessingPending, f.ProcessingStatus)

	require.NoError(t, st.UpdateFlyerStatus(ctx, flyerID, model.ProcessingInProgress, ""))
	require.NoError(t, st.SetFlyerItemCount(ctx, flyerID, 1))
	require.NoError(t, st.UpdateFlyerStatus(ctx, flyerID, model.ProcessingCompleted, ""))

	f, err = st.GetFlyerImage(ctx, flyerID)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessingCompleted, f.ProcessingStatus)
	assert.Equal(t, 1, f.ItemCount)

	listed, err := st.ListFlyerImages(ctx, FlyerFilter{Status: model.ProcessingCompleted})
	require.NoError(t, err)
	require.Len(t, listed, 1)
}

func TestSQLite_ItemExtractionRoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, itemID := seedFlyerWithItem(t, st)

	img := &model.ExtractedImage{
		CleanImageURL:    "https://cdn/clean/item-1.png",
		Confidence:       0.9,
		QualityScore:     0.8,
		ProcessingMethod: model.MethodDirectGeneration,
	}
	require.NoError(t, st.UpdateItemExtraction(ctx, itemID, model.ExtractionCompleted, img, ""))

	item, err := st.GetParsedItem(ctx, itemID)
	require.NoError(t, err)
	assert.Equal(t, model.ExtractionCompleted, item.ImageExtractionStatus)
	require.NotNil(t, item.ExtractedImage)
	assert.Equal(t, model.MethodDirectGeneration, item.ExtractedImage.ProcessingMethod)
	assert.Equal(t, 0.8, item.ExtractedImage.QualityScore)
}

func TestSQLite_VerifiedItemIsImmutable(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, itemID := seedFlyerWithItem(t, st)
	require.NoError(t, st.SetItemVerified(ctx, itemID, true))

	err := st.UpdateItemExtraction(ctx, itemID, model.ExtractionFailed, nil, "should not land")
	assert.ErrorIs(t, err, ErrNotFound)

	err = st.UpdateItemMatches(ctx, itemID, model.MatchingFailed, nil)
	assert.ErrorIs(t, err, ErrNotFound)

	item, err := st.GetParsedItem(ctx, itemID)
	require.NoError(t, err)
	assert.Equal(t, model.ExtractionPending, item.ImageExtractionStatus)
}

func TestSQLite_CatalogUpsertPreservesDiscount(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, itemID := seedFlyerWithItem(t, st)
	seedProduct(t, st, "prod-1", "Whole Milk 1L", 4.99)

	_, err := st.ApplyDiscount(ctx, itemID, "prod-1", 20, false)
	require.NoError(t, err)

	// Re-import the catalog row; the active discount must survive.
	seedProduct(t, st, "prod-1", "Whole Milk 1L Updated", 5.49)

	p, err := st.GetCatalogProduct(ctx, "prod-1")
	require.NoError(t, err)
	assert.Equal(t, "Whole Milk 1L Updated", p.Name)
	assert.True(t, p.HasActiveDiscount)
	require.NotNil(t, p.DiscountSource)
	assert.Equal(t, itemID, p.DiscountSource.ParsedItemID)
}

func TestSQLite_ApplyDiscount(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, itemID := seedFlyerWithItem(t, st)
	seedProduct(t, st, "prod-1", "Whole Milk 1L", 4.99)

	p, err := st.ApplyDiscount(ctx, itemID, "prod-1", 20, false)
	require.NoError(t, err)
	assert.Equal(t, 3.99, p.DiscountedPrice)
	assert.True(t, p.HasActiveDiscount)

	item, err := st.GetParsedItem(ctx, itemID)
	require.NoError(t, err)
	assert.True(t, item.DiscountApplied)
	assert.False(t, item.AutoDiscountApplied)
	assert.Equal(t, "prod-1", item.SelectedProductID)
}

func TestSQLite_ApplyDiscount_ReapplyDoesNotCompound(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, itemID := seedFlyerWithItem(t, st)
	seedProduct(t, st, "prod-1", "Whole Milk 1L", 10.00)

	_, err := st.ApplyDiscount(ctx, itemID, "prod-1", 50, false)
	require.NoError(t, err)

	// Applying the same discount again must anchor on the original price.
	p, err := st.ApplyDiscount(ctx, itemID, "prod-1", 50, false)
	require.NoError(t, err)
	assert.Equal(t, 5.00, p.DiscountedPrice)
	assert.Equal(t, 10.00, p.DiscountSource.OriginalPrice)
}

func TestSQLite_ApplyDiscount_Reassignment(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, itemID := seedFlyerWithItem(t, st)
	seedProduct(t, st, "prod-a", "Whole Milk 1L", 8.00)
	seedProduct(t, st, "prod-b", "Whole Milk 2L", 12.00)

	_, err := st.ApplyDiscount(ctx, itemID, "prod-a", 10, false)
	require.NoError(t, err)

	pb, err := st.ApplyDiscount(ctx, itemID, "prod-b", 15, false)
	require.NoError(t, err)
	assert.Equal(t, 10.20, pb.DiscountedPrice)

	// The old product is fully restored.
	pa, err := st.GetCatalogProduct(ctx, "prod-a")
	require.NoError(t, err)
	assert.False(t, pa.HasActiveDiscount)
	assert.Equal(t, 8.00, pa.Price)
	assert.Nil(t, pa.DiscountSource)

	item, err := st.GetParsedItem(ctx, itemID)
	require.NoError(t, err)
	assert.Equal(t, "prod-b", item.SelectedProductID)
}

func TestSQLite_ApplyDiscount_TakeoverReleasesPreviousItem(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	f, err := st.CreateFlyerImage(ctx, model.FlyerImage{StorageRef: "flyers/week35.jpg", FileName: "week35.jpg"})
	require.NoError(t, err)
	require.NoError(t, st.CreateParsedItems(ctx, []model.ParsedItem{
		{ID: "item-a", FlyerImageID: f.ID, Name: "Whole Milk 1L", Price: 9.00},
		{ID: "item-b", FlyerImageID: f.ID, Name: "Whole Milk 1 L", Price: 8.00},
	}))
	seedProduct(t, st, "prod-1", "Whole Milk 1L", 10.00)

	_, err = st.ApplyDiscount(ctx, "item-a", "prod-1", 10, true)
	require.NoError(t, err)

	p, err := st.ApplyDiscount(ctx, "item-b", "prod-1", 20, false)
	require.NoError(t, err)
	assert.Equal(t, 8.00, p.DiscountedPrice)
	require.NotNil(t, p.DiscountSource)
	assert.Equal(t, "item-b", p.DiscountSource.ParsedItemID)

	// Only the new item still claims the product's discount.
	a, err := st.GetParsedItem(ctx, "item-a")
	require.NoError(t, err)
	assert.False(t, a.DiscountApplied)
	assert.False(t, a.AutoDiscountApplied)

	b, err := st.GetParsedItem(ctx, "item-b")
	require.NoError(t, err)
	assert.True(t, b.DiscountApplied)
	assert.Equal(t, "prod-1", b.SelectedProductID)
}

func TestSQLite_RemoveDiscount(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, itemID := seedFlyerWithItem(t, st)
	seedProduct(t, st, "prod-1", "Whole Milk 1L", 4.99)

	_, err := st.ApplyDiscount(ctx, itemID, "prod-1", 20, true)
	require.NoError(t, err)

	require.NoError(t, st.RemoveDiscount(ctx, "prod-1"))

	p, err := st.GetCatalogProduct(ctx, "prod-1")
	require.NoError(t, err)
	assert.False(t, p.HasActiveDiscount)
	assert.Equal(t, 4.99, p.Price)

	item, err := st.GetParsedItem(ctx, itemID)
	require.NoError(t, err)
	assert.False(t, item.DiscountApplied)
	assert.False(t, item.AutoDiscountApplied)
}

func TestSQLite_AutoDiscountRejectsVerifiedItem(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, itemID := seedFlyerWithItem(t, st)
	seedProduct(t, st, "prod-1", "Whole Milk 1L", 4.99)
	require.NoError(t, st.SetItemVerified(ctx, itemID, true))

	_, err := st.ApplyDiscount(ctx, itemID, "prod-1", 20, true)
	require.Error(t, err)

	// Manual application is still allowed on verified items.
	_, err = st.ApplyDiscount(ctx, itemID, "prod-1", 20, false)
	require.NoError(t, err)
}

func TestSQLite_ListParsedItemsFilters(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	flyerID, itemID := seedFlyerWithItem(t, st)
	require.NoError(t, st.CreateParsedItems(ctx, []model.ParsedItem{
		{ID: "item-2", FlyerImageID: flyerID, Name: "Fresh Bread", Price: 2.49},
	}))
	require.NoError(t, st.UpdateItemExtraction(ctx, itemID, model.ExtractionCompleted, nil, ""))

	pending, err := st.ListParsedItems(ctx, ItemFilter{ExtractionStatus: model.ExtractionPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "item-2", pending[0].ID)

	byFlyer, err := st.ListParsedItems(ctx, ItemFilter{FlyerImageID: flyerID})
	require.NoError(t, err)
	assert.Len(t, byFlyer, 2)
}
