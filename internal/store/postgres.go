package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/shelfwise/flyer-pipeline/internal/db"
	"github.com/shelfwise/flyer-pipeline/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest store operations.
var preparedStatements = map[string]string{
	"get_flyer":           `SELECT id, storage_ref, file_name, content_type, uploaded_by, processing_status, failure_reason, item_count, uploaded_at, updated_at FROM flyer_images WHERE id = $1`,
	"update_flyer_status": `UPDATE flyer_images SET processing_status = $1, failure_reason = $2, updated_at = $3 WHERE id = $4`,
	"get_item":            `SELECT id, flyer_image_id, name, name_secondary, price, raw_price_text, confidence, image_extraction_status, extraction_error, extracted_image, matching_status, matched_products, selected_product_id, discount_applied, auto_discount_applied, verified, created_at, updated_at FROM parsed_items WHERE id = $1`,
	"update_item_extract": `UPDATE parsed_items SET image_extraction_status = $1, extracted_image = $2, extraction_error = $3, updated_at = $4 WHERE id = $5 AND NOT verified`,
	"update_item_matches": `UPDATE parsed_items SET matching_status = $1, matched_products = $2, updated_at = $3 WHERE id = $4 AND NOT verified`,
	"get_product":         `SELECT id, product_id, name, name_secondary, category, price, discounted_price, discount_percentage, has_active_discount, discount_source, created_at, updated_at FROM catalog_products WHERE product_id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool, used by tests and subsystems
// that manage their own connection lifecycle.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool for subsystems that need direct
// query access (e.g., catalog bulk import).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS flyer_images (
	id                TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	storage_ref       TEXT NOT NULL,
	file_name         TEXT,
	content_type      TEXT,
	uploaded_by       TEXT,
	processing_status TEXT NOT NULL DEFAULT 'pending',
	failure_reason    TEXT,
	item_count        INTEGER NOT NULL DEFAULT 0,
	uploaded_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS parsed_items (
	id                      TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	flyer_image_id          TEXT NOT NULL REFERENCES flyer_images(id),
	name                    TEXT NOT NULL,
	name_secondary          TEXT,
	price                   DOUBLE PRECISION NOT NULL,
	raw_price_text          TEXT,
	confidence              DOUBLE PRECISION NOT NULL DEFAULT 0,
	image_extraction_status TEXT NOT NULL DEFAULT 'pending',
	extraction_error        TEXT,
	extracted_image         JSONB,
	matching_status         TEXT NOT NULL DEFAULT 'pending',
	matched_products        JSONB,
	selected_product_id     TEXT,
	discount_applied        BOOLEAN NOT NULL DEFAULT FALSE,
	auto_discount_applied   BOOLEAN NOT NULL DEFAULT FALSE,
	verified                BOOLEAN NOT NULL DEFAULT FALSE,
	created_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at              TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS catalog_products (
	id                  TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	product_id          TEXT NOT NULL UNIQUE,
	name                TEXT NOT NULL,
	name_secondary      TEXT,
	category            TEXT,
	price               DOUBLE PRECISION NOT NULL,
	discounted_price    DOUBLE PRECISION,
	discount_percentage DOUBLE PRECISION,
	has_active_discount BOOLEAN NOT NULL DEFAULT FALSE,
	discount_source     JSONB,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_flyer_images_status ON flyer_images(processing_status);
CREATE INDEX IF NOT EXISTS idx_parsed_items_flyer ON parsed_items(flyer_image_id);
CREATE INDEX IF NOT EXISTS idx_parsed_items_extraction ON parsed_items(image_extraction_status);
CREATE INDEX IF NOT EXISTS idx_parsed_items_matching ON parsed_items(matching_status);
CREATE INDEX IF NOT EXISTS idx_catalog_products_category ON catalog_products(category);
CREATE INDEX IF NOT EXISTS idx_catalog_products_discount ON catalog_products(has_active_discount);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateFlyerImage(ctx context.Context, f model.FlyerImage) (*model.FlyerImage, error) {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	f.ProcessingStatus = model.ProcessingPending
	f.UploadedAt = now
	f.UpdatedAt = now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO flyer_images (id, storage_ref, file_name, content_type, uploaded_by, processing_status, uploaded_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		f.ID, f.StorageRef, f.FileName, f.ContentType, f.UploadedBy, string(f.ProcessingStatus), f.UploadedAt, f.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert flyer image")
	}
	return &f, nil
}

func (s *PostgresStore) GetFlyerImage(ctx context.Context, id string) (*model.FlyerImage, error) {
	var f model.FlyerImage
	var fileName, contentType, uploadedBy, failureReason *string

	err := s.pool.QueryRow(ctx,
		`SELECT id, storage_ref, file_name, content_type, uploaded_by, processing_status, failure_reason, item_count, uploaded_at, updated_at
		 FROM flyer_images WHERE id = $1`,
		id,
	).Scan(&f.ID, &f.StorageRef, &fileName, &contentType, &uploadedBy, &f.ProcessingStatus, &failureReason, &f.ItemCount, &f.UploadedAt, &f.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "postgres: get flyer image %s", id)
	}
	f.FileName = deref(fileName)
	f.ContentType = deref(contentType)
	f.UploadedBy = deref(uploadedBy)
	f.FailureReason = deref(failureReason)
	return &f, nil
}

func (s *PostgresStore) ListFlyerImages(ctx context.Context, filter FlyerFilter) ([]model.FlyerImage, error) {
	query := `SELECT id, storage_ref, file_name, content_type, uploaded_by, processing_status, failure_reason, item_count, uploaded_at, updated_at
	          FROM flyer_images WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND processing_status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY uploaded_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list flyer images")
	}
	defer rows.Close()

	var flyers []model.FlyerImage
	for rows.Next() {
		var f model.FlyerImage
		var fileName, contentType, uploadedBy, failureReason *string
		if err := rows.Scan(&f.ID, &f.StorageRef, &fileName, &contentType, &uploadedBy, &f.ProcessingStatus, &failureReason, &f.ItemCount, &f.UploadedAt, &f.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan flyer image")
		}
		f.FileName = deref(fileName)
		f.ContentType = deref(contentType)
		f.UploadedBy = deref(uploadedBy)
		f.FailureReason = deref(failureReason)
		flyers = append(flyers, f)
	}
	return flyers, eris.Wrap(rows.Err(), "postgres: list flyer images iterate")
}

func (s *PostgresStore) UpdateFlyerStatus(ctx context.Context, id string, status model.ProcessingStatus, failureReason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE flyer_images SET processing_status = $1, failure_reason = $2, updated_at = $3 WHERE id = $4`,
		string(status), failureReason, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update flyer status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetFlyerItemCount(ctx context.Context, id string, count int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE flyer_images SET item_count = $1, updated_at = $2 WHERE id = $3`,
		count, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set flyer item count %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateParsedItems(ctx context.Context, items []model.ParsedItem) error {
	if len(items) == 0 {
		return nil
	}
	now := time.Now().UTC()

	rows := make([][]any, 0, len(items))
	for _, item := range items {
		id := item.ID
		if id == "" {
			id = uuid.New().String()
		}
		rows = append(rows, []any{
			id, item.FlyerImageID, item.Name, item.NameSecondary,
			item.Price, item.RawPriceText, item.Confidence,
			string(model.ExtractionPending), string(model.MatchingPending),
			now, now,
		})
	}

	_, err := db.CopyFrom(ctx, s.pool, "parsed_items", []string{
		"id", "flyer_image_id", "name", "name_secondary",
		"price", "raw_price_text", "confidence",
		"image_extraction_status", "matching_status",
		"created_at", "updated_at",
	}, rows)
	return eris.Wrap(err, "postgres: create parsed items")
}

func (s *PostgresStore) GetParsedItem(ctx context.Context, id string) (*model.ParsedItem, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, flyer_image_id, name, name_secondary, price, raw_price_text, confidence,
		        image_extraction_status, extraction_error, extracted_image,
		        matching_status, matched_products,
		        selected_product_id, discount_applied, auto_discount_applied, verified,
		        created_at, updated_at
		 FROM parsed_items WHERE id = $1`,
		id,
	)
	item, err := scanParsedItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "postgres: get parsed item %s", id)
	}
	return item, nil
}

func (s *PostgresStore) ListParsedItems(ctx context.Context, filter ItemFilter) ([]model.ParsedItem, error) {
	query := `SELECT id, flyer_image_id, name, name_secondary, price, raw_price_text, confidence,
	                 image_extraction_status, extraction_error, extracted_image,
	                 matching_status, matched_products,
	                 selected_product_id, discount_applied, auto_discount_applied, verified,
	                 created_at, updated_at
	          FROM parsed_items WHERE true`
	args := []any{}
	argIdx := 1

	if filter.FlyerImageID != "" {
		query += fmt.Sprintf(` AND flyer_image_id = $%d`, argIdx)
		args = append(args, filter.FlyerImageID)
		argIdx++
	}
	if filter.ExtractionStatus != "" {
		query += fmt.Sprintf(` AND image_extraction_status = $%d`, argIdx)
		args = append(args, string(filter.ExtractionStatus))
		argIdx++
	}
	if filter.MatchingStatus != "" {
		query += fmt.Sprintf(` AND matching_status = $%d`, argIdx)
		args = append(args, string(filter.MatchingStatus))
		argIdx++
	}
	query += ` ORDER BY created_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list parsed items")
	}
	defer rows.Close()

	var items []model.ParsedItem
	for rows.Next() {
		item, err := scanParsedItem(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan parsed item")
		}
		items = append(items, *item)
	}
	return items, eris.Wrap(rows.Err(), "postgres: list parsed items iterate")
}

func (s *PostgresStore) UpdateItemExtraction(ctx context.Context, id string, status model.ExtractionStatus, img *model.ExtractedImage, extractionErr string) error {
	imgJSON, err := marshalNullable(img)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal extracted image")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE parsed_items SET image_extraction_status = $1, extracted_image = $2, extraction_error = $3, updated_at = $4
		 WHERE id = $5 AND NOT verified`,
		string(status), imgJSON, extractionErr, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update item extraction %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateItemMatches(ctx context.Context, id string, status model.MatchingStatus, matches []model.ProductMatch) error {
	matchJSON, err := marshalNullable(matches)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal matches")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE parsed_items SET matching_status = $1, matched_products = $2, updated_at = $3
		 WHERE id = $4 AND NOT verified`,
		string(status), matchJSON, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update item matches %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateItemExtractedImage(ctx context.Context, id string, img *model.ExtractedImage) error {
	imgJSON, err := marshalNullable(img)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal extracted image")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE parsed_items SET extracted_image = $1, updated_at = $2 WHERE id = $3`,
		imgJSON, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update item extracted image %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListExtractedImageRows(ctx context.Context) ([]ExtractedImageRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, extracted_image FROM parsed_items WHERE extracted_image IS NOT NULL ORDER BY created_at`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list extracted image rows")
	}
	defer rows.Close()

	var out []ExtractedImageRow
	for rows.Next() {
		var r ExtractedImageRow
		if err := rows.Scan(&r.ItemID, &r.Raw); err != nil {
			return nil, eris.Wrap(err, "postgres: scan extracted image row")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate extracted image rows")
	}
	return out, nil
}

func (s *PostgresStore) SetItemVerified(ctx context.Context, id string, verified bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE parsed_items SET verified = $1, updated_at = $2 WHERE id = $3`,
		verified, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set item verified %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpsertCatalogProducts(ctx context.Context, products []model.CatalogProduct) (int64, error) {
	if len(products) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()

	rows := make([][]any, 0, len(products))
	for _, p := range products {
		id := p.ID
		if id == "" {
			id = uuid.New().String()
		}
		rows = append(rows, []any{
			id, p.ProductID, p.Name, p.NameSecondary, p.Category, p.Price, now, now,
		})
	}

	// Discount fields are deliberately excluded from the update set: a
	// catalog re-import must not clear an active flyer discount.
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "catalog_products",
		Columns:      []string{"id", "product_id", "name", "name_secondary", "category", "price", "created_at", "updated_at"},
		ConflictKeys: []string{"product_id"},
		UpdateCols:   []string{"name", "name_secondary", "category", "price", "updated_at"},
	}, rows)
	return n, eris.Wrap(err, "postgres: upsert catalog products")
}

func (s *PostgresStore) GetCatalogProduct(ctx context.Context, productID string) (*model.CatalogProduct, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, product_id, name, name_secondary, category, price, discounted_price, discount_percentage, has_active_discount, discount_source, created_at, updated_at
		 FROM catalog_products WHERE product_id = $1`,
		productID,
	)
	p, err := scanCatalogProduct(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "postgres: get catalog product %s", productID)
	}
	return p, nil
}

func (s *PostgresStore) ListCatalogProducts(ctx context.Context, filter ProductFilter) ([]model.CatalogProduct, error) {
	query := `SELECT id, product_id, name, name_secondary, category, price, discounted_price, discount_percentage, has_active_discount, discount_source, created_at, updated_at
	          FROM catalog_products WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Category != "" {
		query += fmt.Sprintf(` AND category = $%d`, argIdx)
		args = append(args, filter.Category)
		argIdx++
	}
	if filter.ActiveDiscount != nil {
		query += fmt.Sprintf(` AND has_active_discount = $%d`, argIdx)
		args = append(args, *filter.ActiveDiscount)
		argIdx++
	}
	query += ` ORDER BY name ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list catalog products")
	}
	defer rows.Close()

	var products []model.CatalogProduct
	for rows.Next() {
		p, err := scanCatalogProduct(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan catalog product")
		}
		products = append(products, *p)
	}
	return products, eris.Wrap(rows.Err(), "postgres: list catalog products iterate")
}

// ApplyDiscount links a parsed item to a catalog product and applies the
// discount in a single serializable transaction. All reads come first with
// row locks, the discounted price is computed from the product's base price,
// then all writes are issued and committed together. Reassigning an item to
// a different product clears the discount it previously placed.
func (s *PostgresStore) ApplyDiscount(ctx context.Context, parsedItemID, productID string, percentage float64, auto bool) (*model.CatalogProduct, error) {
	if percentage <= 0 || percentage >= 100 {
		return nil, eris.Errorf("postgres: discount percentage out of range: %.2f", percentage)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin discount tx")
	}
	defer tx.Rollback(ctx)

	// Read phase: lock the item, the target product, and (on reassignment)
	// the previously discounted product.
	var prevProductID *string
	var verified bool
	err = tx.QueryRow(ctx,
		`SELECT selected_product_id, verified FROM parsed_items WHERE id = $1 FOR UPDATE`,
		parsedItemID,
	).Scan(&prevProductID, &verified)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, wrapTxErr(err, "postgres: lock parsed item")
	}
	if auto && verified {
		return nil, eris.Errorf("postgres: parsed item %s is verified, auto discount not allowed", parsedItemID)
	}

	product, err := scanCatalogProduct(tx.QueryRow(ctx,
		`SELECT id, product_id, name, name_secondary, category, price, discounted_price, discount_percentage, has_active_discount, discount_source, created_at, updated_at
		 FROM catalog_products WHERE product_id = $1 FOR UPDATE`,
		productID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, wrapTxErr(err, "postgres: lock catalog product")
	}

	var prev *model.CatalogProduct
	if prevProductID != nil && *prevProductID != "" && *prevProductID != productID {
		prev, err = scanCatalogProduct(tx.QueryRow(ctx,
			`SELECT id, product_id, name, name_secondary, category, price, discounted_price, discount_percentage, has_active_discount, discount_source, created_at, updated_at
			 FROM catalog_products WHERE product_id = $1 FOR UPDATE`,
			*prevProductID,
		))
		if err != nil {
			// A vanished previous product is not fatal to the reassignment.
			if !errors.Is(err, pgx.ErrNoRows) {
				return nil, wrapTxErr(err, "postgres: lock previous product")
			}
			prev = nil
		}
	}

	// Compute phase. BasePrice makes re-application idempotent: the original
	// price is always the anchor, never an already-discounted one.
	now := time.Now().UTC()
	base := product.BasePrice()
	discounted := math.Round(base*(1-percentage/100)*100) / 100
	source := model.DiscountSource{
		Type:          model.DiscountSourceFlyer,
		ParsedItemID:  parsedItemID,
		OriginalPrice: base,
		AppliedAt:     now,
	}
	sourceJSON, err := json.Marshal(source)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal discount source")
	}

	// Write phase.
	if prev != nil && prev.HasActiveDiscount {
		_, err = tx.Exec(ctx,
			`UPDATE catalog_products
			 SET price = $1, discounted_price = NULL, discount_percentage = NULL, has_active_discount = FALSE, discount_source = NULL, updated_at = $2
			 WHERE product_id = $3`,
			prev.BasePrice(), now, prev.ProductID,
		)
		if err != nil {
			return nil, wrapTxErr(err, "postgres: clear previous discount")
		}
	}

	// A product holds a flyer discount from at most one item. Taking it over
	// for this item releases the previous holder's link.
	if stale := product.DiscountSource; stale != nil &&
		stale.Type == model.DiscountSourceFlyer &&
		stale.ParsedItemID != "" && stale.ParsedItemID != parsedItemID {
		_, err = tx.Exec(ctx,
			`UPDATE parsed_items SET discount_applied = FALSE, auto_discount_applied = FALSE, updated_at = $1 WHERE id = $2`,
			now, stale.ParsedItemID,
		)
		if err != nil {
			return nil, wrapTxErr(err, "postgres: release previous discount holder")
		}
	}

	_, err = tx.Exec(ctx,
		`UPDATE catalog_products
		 SET price = $1, discounted_price = $2, discount_percentage = $3, has_active_discount = TRUE, discount_source = $4, updated_at = $5
		 WHERE product_id = $6`,
		base, discounted, percentage, sourceJSON, now, productID,
	)
	if err != nil {
		return nil, wrapTxErr(err, "postgres: apply product discount")
	}

	_, err = tx.Exec(ctx,
		`UPDATE parsed_items
		 SET selected_product_id = $1, discount_applied = TRUE, auto_discount_applied = $2, updated_at = $3
		 WHERE id = $4`,
		productID, auto, now, parsedItemID,
	)
	if err != nil {
		return nil, wrapTxErr(err, "postgres: link parsed item")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, wrapTxErr(err, "postgres: commit discount tx")
	}

	product.Price = base
	product.DiscountedPrice = discounted
	product.DiscountPercentage = percentage
	product.HasActiveDiscount = true
	product.DiscountSource = &source
	product.UpdatedAt = now
	return product, nil
}

// RemoveDiscount restores a product to its pre-discount price and unlinks the
// parsed item that placed the discount, if any.
func (s *PostgresStore) RemoveDiscount(ctx context.Context, productID string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return eris.Wrap(err, "postgres: begin remove tx")
	}
	defer tx.Rollback(ctx)

	product, err := scanCatalogProduct(tx.QueryRow(ctx,
		`SELECT id, product_id, name, name_secondary, category, price, discounted_price, discount_percentage, has_active_discount, discount_source, created_at, updated_at
		 FROM catalog_products WHERE product_id = $1 FOR UPDATE`,
		productID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return wrapTxErr(err, "postgres: lock catalog product")
	}
	if !product.HasActiveDiscount {
		return tx.Commit(ctx)
	}

	now := time.Now().UTC()
	_, err = tx.Exec(ctx,
		`UPDATE catalog_products
		 SET price = $1, discounted_price = NULL, discount_percentage = NULL, has_active_discount = FALSE, discount_source = NULL, updated_at = $2
		 WHERE product_id = $3`,
		product.BasePrice(), now, productID,
	)
	if err != nil {
		return wrapTxErr(err, "postgres: clear discount")
	}

	if product.DiscountSource != nil && product.DiscountSource.ParsedItemID != "" {
		_, err = tx.Exec(ctx,
			`UPDATE parsed_items SET discount_applied = FALSE, auto_discount_applied = FALSE, updated_at = $1 WHERE id = $2`,
			now, product.DiscountSource.ParsedItemID,
		)
		if err != nil {
			return wrapTxErr(err, "postgres: unlink parsed item")
		}
	}

	return wrapTxErr(tx.Commit(ctx), "postgres: commit remove tx")
}

// wrapTxErr maps serialization failures to ErrConflict so callers can retry.
func wrapTxErr(err error, msg string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "40001" {
		return ErrConflict
	}
	return eris.Wrap(err, msg)
}

func scanParsedItem(row pgx.Row) (*model.ParsedItem, error) {
	var item model.ParsedItem
	var nameSecondary, rawPriceText, extractionError, selectedProductID *string
	var imgJSON, matchJSON []byte

	err := row.Scan(
		&item.ID, &item.FlyerImageID, &item.Name, &nameSecondary,
		&item.Price, &rawPriceText, &item.Confidence,
		&item.ImageExtractionStatus, &extractionError, &imgJSON,
		&item.MatchingStatus, &matchJSON,
		&selectedProductID, &item.DiscountApplied, &item.AutoDiscountApplied, &item.Verified,
		&item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	item.NameSecondary = deref(nameSecondary)
	item.RawPriceText = deref(rawPriceText)
	item.ExtractionError = deref(extractionError)
	item.SelectedProductID = deref(selectedProductID)

	if len(imgJSON) > 0 {
		item.ExtractedImage = &model.ExtractedImage{}
		if err := json.Unmarshal(imgJSON, item.ExtractedImage); err != nil {
			return nil, eris.Wrap(err, "unmarshal extracted image")
		}
	}
	if len(matchJSON) > 0 {
		if err := json.Unmarshal(matchJSON, &item.MatchedProducts); err != nil {
			return nil, eris.Wrap(err, "unmarshal matched products")
		}
	}
	return &item, nil
}

func scanCatalogProduct(row pgx.Row) (*model.CatalogProduct, error) {
	var p model.CatalogProduct
	var nameSecondary, category *string
	var discountedPrice, discountPercentage *float64
	var sourceJSON []byte

	err := row.Scan(
		&p.ID, &p.ProductID, &p.Name, &nameSecondary, &category,
		&p.Price, &discountedPrice, &discountPercentage, &p.HasActiveDiscount, &sourceJSON,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.NameSecondary = deref(nameSecondary)
	p.Category = deref(category)
	if discountedPrice != nil {
		p.DiscountedPrice = *discountedPrice
	}
	if discountPercentage != nil {
		p.DiscountPercentage = *discountPercentage
	}
	if len(sourceJSON) > 0 {
		p.DiscountSource = &model.DiscountSource{}
		if err := json.Unmarshal(sourceJSON, p.DiscountSource); err != nil {
			return nil, eris.Wrap(err, "unmarshal discount source")
		}
	}
	return &p, nil
}

func marshalNullable(v any) ([]byte, error) {
	switch val := v.(type) {
	case *model.ExtractedImage:
		if val == nil {
			return nil, nil
		}
	case []model.ProductMatch:
		if val == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
