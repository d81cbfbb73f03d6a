package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfwise/flyer-pipeline/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

// strPtr and f64Ptr return pointers for nullable columns scanned into
// *string / *float64 destinations.
func strPtr(s string) *string   { return &s }
func f64Ptr(f float64) *float64 { return &f }

var productColumns = []string{
	"id", "product_id", "name", "name_secondary", "category",
	"price", "discounted_price", "discount_percentage", "has_active_discount", "discount_source",
	"created_at", "updated_at",
}

func productRow(price float64, active bool, sourceJSON []byte) *pgxmock.Rows {
	now := time.Now().UTC()
	return pgxmock.NewRows(productColumns).
		AddRow("row-1", "prod-1", "Whole Milk 1L", nil, nil, price, nil, nil, active, sourceJSON, now, now)
}

func TestPostgresStore_GetFlyerImage_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM flyer_images WHERE id = \$1`).
		WithArgs("nonexistent").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetFlyerImage(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateFlyerStatus_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE flyer_images SET processing_status`).
		WithArgs("failed", "vision call failed", pgxmock.AnyArg(), "flyer-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateFlyerStatus(context.Background(), "flyer-1", model.ProcessingFailed, "vision call failed")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetCatalogProduct_WithDiscount(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	source := []byte(`{"type":"flyer","parsed_item_id":"item-7","original_price":4.99,"applied_at":"2026-08-01T00:00:00Z"}`)
	mock.ExpectQuery(`SELECT .+ FROM catalog_products WHERE product_id = \$1`).
		WithArgs("prod-1").
		WillReturnRows(productRow(4.99, true, source))

	p, err := s.GetCatalogProduct(context.Background(), "prod-1")
	require.NoError(t, err)
	assert.True(t, p.HasActiveDiscount)
	require.NotNil(t, p.DiscountSource)
	assert.Equal(t, "item-7", p.DiscountSource.ParsedItemID)
	assert.Equal(t, 4.99, p.DiscountSource.OriginalPrice)
	assert.Equal(t, 4.99, p.BasePrice())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateItemExtraction_SkipsVerified(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE parsed_items SET image_extraction_status .+ AND NOT verified`).
		WithArgs("completed", pgxmock.AnyArg(), "", pgxmock.AnyArg(), "item-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	img := &model.ExtractedImage{CleanImageURL: "https://cdn/clean.png", QualityScore: 0.8}
	err := s.UpdateItemExtraction(context.Background(), "item-1", model.ExtractionCompleted, img, "")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ApplyDiscount(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.Serializable})
	mock.ExpectQuery(`SELECT selected_product_id, verified FROM parsed_items WHERE id = \$1 FOR UPDATE`).
		WithArgs("item-1").
		WillReturnRows(pgxmock.NewRows([]string{"selected_product_id", "verified"}).AddRow(nil, false))
	mock.ExpectQuery(`SELECT .+ FROM catalog_products WHERE product_id = \$1 FOR UPDATE`).
		WithArgs("prod-1").
		WillReturnRows(productRow(100.00, false, nil))
	mock.ExpectExec(`UPDATE catalog_products`).
		WithArgs(100.00, 85.00, 15.0, pgxmock.AnyArg(), pgxmock.AnyArg(), "prod-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE parsed_items`).
		WithArgs("prod-1", false, pgxmock.AnyArg(), "item-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	p, err := s.ApplyDiscount(context.Background(), "item-1", "prod-1", 15.0, false)
	require.NoError(t, err)
	assert.Equal(t, 85.00, p.DiscountedPrice)
	assert.Equal(t, 15.0, p.DiscountPercentage)
	assert.True(t, p.HasActiveDiscount)
	require.NotNil(t, p.DiscountSource)
	assert.Equal(t, model.DiscountSourceFlyer, p.DiscountSource.Type)
	assert.Equal(t, 100.00, p.DiscountSource.OriginalPrice)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ApplyDiscount_IdempotentReapply(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	// Product already carries a 50% discount off an original price of 20.00.
	// Re-applying must anchor on 20.00, never on the discounted 10.00.
	source := []byte(`{"type":"flyer","parsed_item_id":"item-1","original_price":20.00,"applied_at":"2026-08-01T00:00:00Z"}`)
	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.Serializable})
	mock.ExpectQuery(`SELECT selected_product_id, verified FROM parsed_items`).
		WithArgs("item-1").
		WillReturnRows(pgxmock.NewRows([]string{"selected_product_id", "verified"}).AddRow(strPtr("prod-1"), false))
	mock.ExpectQuery(`SELECT .+ FROM catalog_products WHERE product_id = \$1 FOR UPDATE`).
		WithArgs("prod-1").
		WillReturnRows(productRow(10.00, true, source))
	mock.ExpectExec(`UPDATE catalog_products`).
		WithArgs(20.00, 10.00, 50.0, pgxmock.AnyArg(), pgxmock.AnyArg(), "prod-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE parsed_items`).
		WithArgs("prod-1", false, pgxmock.AnyArg(), "item-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	p, err := s.ApplyDiscount(context.Background(), "item-1", "prod-1", 50.0, false)
	require.NoError(t, err)
	assert.Equal(t, 10.00, p.DiscountedPrice)
	assert.Equal(t, 20.00, p.DiscountSource.OriginalPrice)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ApplyDiscount_Reassignment(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	// Item was linked to prod-a at 10%; reassigning to prod-b at 15% must
	// restore prod-a and discount prod-b in the same transaction.
	prevSource := []byte(`{"type":"flyer","parsed_item_id":"item-1","original_price":8.00,"applied_at":"2026-08-01T00:00:00Z"}`)
	now := time.Now().UTC()

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.Serializable})
	mock.ExpectQuery(`SELECT selected_product_id, verified FROM parsed_items`).
		WithArgs("item-1").
		WillReturnRows(pgxmock.NewRows([]string{"selected_product_id", "verified"}).AddRow(strPtr("prod-a"), false))
	mock.ExpectQuery(`SELECT .+ FROM catalog_products WHERE product_id = \$1 FOR UPDATE`).
		WithArgs("prod-b").
		WillReturnRows(pgxmock.NewRows(productColumns).
			AddRow("row-b", "prod-b", "Fresh Bread", nil, nil, 5.00, nil, nil, false, nil, now, now))
	mock.ExpectQuery(`SELECT .+ FROM catalog_products WHERE product_id = \$1 FOR UPDATE`).
		WithArgs("prod-a").
		WillReturnRows(pgxmock.NewRows(productColumns).
			AddRow("row-a", "prod-a", "Whole Milk 1L", nil, nil, 7.20, f64Ptr(7.20), f64Ptr(10.0), true, prevSource, now, now))
	mock.ExpectExec(`UPDATE catalog_products`).
		WithArgs(8.00, pgxmock.AnyArg(), "prod-a").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE catalog_products`).
		WithArgs(5.00, 4.25, 15.0, pgxmock.AnyArg(), pgxmock.AnyArg(), "prod-b").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE parsed_items`).
		WithArgs("prod-b", true, pgxmock.AnyArg(), "item-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	p, err := s.ApplyDiscount(context.Background(), "item-1", "prod-b", 15.0, true)
	require.NoError(t, err)
	assert.Equal(t, "prod-b", p.ProductID)
	assert.Equal(t, 4.25, p.DiscountedPrice)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ApplyDiscount_TakeoverReleasesPreviousItem(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	// prod-1 already carries item-7's flyer discount. item-1 taking the
	// product over must clear item-7's link in the same transaction, so the
	// product never has two items claiming its discount.
	source := []byte(`{"type":"flyer","parsed_item_id":"item-7","original_price":10.00,"applied_at":"2026-08-01T00:00:00Z"}`)
	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.Serializable})
	mock.ExpectQuery(`SELECT selected_product_id, verified FROM parsed_items`).
		WithArgs("item-1").
		WillReturnRows(pgxmock.NewRows([]string{"selected_product_id", "verified"}).AddRow(nil, false))
	mock.ExpectQuery(`SELECT .+ FROM catalog_products WHERE product_id = \$1 FOR UPDATE`).
		WithArgs("prod-1").
		WillReturnRows(productRow(9.00, true, source))
	mock.ExpectExec(`UPDATE parsed_items SET discount_applied = FALSE`).
		WithArgs(pgxmock.AnyArg(), "item-7").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE catalog_products`).
		WithArgs(10.00, 8.00, 20.0, pgxmock.AnyArg(), pgxmock.AnyArg(), "prod-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE parsed_items`).
		WithArgs("prod-1", false, pgxmock.AnyArg(), "item-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	p, err := s.ApplyDiscount(context.Background(), "item-1", "prod-1", 20.0, false)
	require.NoError(t, err)
	assert.Equal(t, 8.00, p.DiscountedPrice)
	assert.Equal(t, "item-1", p.DiscountSource.ParsedItemID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ApplyDiscount_SerializationFailure(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.Serializable})
	mock.ExpectQuery(`SELECT selected_product_id, verified FROM parsed_items`).
		WithArgs("item-1").
		WillReturnError(&pgconn.PgError{Code: "40001", Message: "could not serialize access"})

	_, err := s.ApplyDiscount(context.Background(), "item-1", "prod-1", 15.0, false)
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ApplyDiscount_RejectsBadPercentage(t *testing.T) {
	s, _ := newMockPostgresStore(t)

	for _, pct := range []float64{0, -5, 100, 150} {
		_, err := s.ApplyDiscount(context.Background(), "item-1", "prod-1", pct, false)
		require.Error(t, err, "percentage %.0f must be rejected", pct)
	}
}

func TestPostgresStore_ApplyDiscount_ProductNotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.Serializable})
	mock.ExpectQuery(`SELECT selected_product_id, verified FROM parsed_items`).
		WithArgs("item-1").
		WillReturnRows(pgxmock.NewRows([]string{"selected_product_id", "verified"}).AddRow(nil, false))
	mock.ExpectQuery(`SELECT .+ FROM catalog_products WHERE product_id = \$1 FOR UPDATE`).
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.ApplyDiscount(context.Background(), "item-1", "ghost", 15.0, false)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RemoveDiscount_NoActiveDiscount(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.Serializable})
	mock.ExpectQuery(`SELECT .+ FROM catalog_products WHERE product_id = \$1 FOR UPDATE`).
		WithArgs("prod-1").
		WillReturnRows(productRow(4.99, false, nil))
	mock.ExpectCommit()

	err := s.RemoveDiscount(context.Background(), "prod-1")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateParsedItems_Empty(t *testing.T) {
	s, _ := newMockPostgresStore(t)
	assert.NoError(t, s.CreateParsedItems(context.Background(), nil))
}

func TestPostgresStore_UpsertCatalogProducts_Empty(t *testing.T) {
	s, _ := newMockPostgresStore(t)
	n, err := s.UpsertCatalogProducts(context.Background(), nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestWrapTxErr(t *testing.T) {
	assert.NoError(t, wrapTxErr(nil, "ok"))
	assert.ErrorIs(t, wrapTxErr(&pgconn.PgError{Code: "40001"}, "x"), ErrConflict)
	assert.NotErrorIs(t, wrapTxErr(eris.New("boom"), "x"), ErrConflict)
}
