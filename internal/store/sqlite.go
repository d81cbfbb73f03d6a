package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/shelfwise/flyer-pipeline/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite, for local runs and
// development without a PostgreSQL instance.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS flyer_images (
	id                TEXT PRIMARY KEY,
	storage_ref       TEXT NOT NULL,
	file_name         TEXT,
	content_type      TEXT,
	uploaded_by       TEXT,
	processing_status TEXT NOT NULL DEFAULT 'pending',
	failure_reason    TEXT,
	item_count        INTEGER NOT NULL DEFAULT 0,
	uploaded_at       DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at        DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS parsed_items (
	id                      TEXT PRIMARY KEY,
	flyer_image_id          TEXT NOT NULL REFERENCES flyer_images(id),
	name                    TEXT NOT NULL,
	name_secondary          TEXT,
	price                   REAL NOT NULL,
	raw_price_text          TEXT,
	confidence              REAL NOT NULL DEFAULT 0,
	image_extraction_status TEXT NOT NULL DEFAULT 'pending',
	extraction_error        TEXT,
	extracted_image         TEXT,
	matching_status         TEXT NOT NULL DEFAULT 'pending',
	matched_products        TEXT,
	selected_product_id     TEXT,
	discount_applied        INTEGER NOT NULL DEFAULT 0,
	auto_discount_applied   INTEGER NOT NULL DEFAULT 0,
	verified                INTEGER NOT NULL DEFAULT 0,
	created_at              DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at              DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS catalog_products (
	id                  TEXT PRIMARY KEY,
	product_id          TEXT NOT NULL UNIQUE,
	name                TEXT NOT NULL,
	name_secondary      TEXT,
	category            TEXT,
	price               REAL NOT NULL,
	discounted_price    REAL,
	discount_percentage REAL,
	has_active_discount INTEGER NOT NULL DEFAULT 0,
	discount_source     TEXT,
	created_at          DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at          DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_flyer_images_status ON flyer_images(processing_status);
CREATE INDEX IF NOT EXISTS idx_parsed_items_flyer ON parsed_items(flyer_image_id);
CREATE INDEX IF NOT EXISTS idx_parsed_items_extraction ON parsed_items(image_extraction_status);
CREATE INDEX IF NOT EXISTS idx_parsed_items_matching ON parsed_items(matching_status);
CREATE INDEX IF NOT EXISTS idx_catalog_products_category ON catalog_products(category);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateFlyerImage(ctx context.Context, f model.FlyerImage) (*model.FlyerImage, error) {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	f.ProcessingStatus = model.ProcessingPending
	f.UploadedAt = now
	f.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO flyer_images (id, storage_ref, file_name, content_type, uploaded_by, processing_status, uploaded_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.StorageRef, f.FileName, f.ContentType, f.UploadedBy, string(f.ProcessingStatus), f.UploadedAt, f.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert flyer image")
	}
	return &f, nil
}

func (s *SQLiteStore) GetFlyerImage(ctx context.Context, id string) (*model.FlyerImage, error) {
	var f model.FlyerImage
	var fileName, contentType, uploadedBy, failureReason sql.NullString

	err := s.db.QueryRowContext(ctx,
		`SELECT id, storage_ref, file_name, content_type, uploaded_by, processing_status, failure_reason, item_count, uploaded_at, updated_at
		 FROM flyer_images WHERE id = ?`,
		id,
	).Scan(&f.ID, &f.StorageRef, &fileName, &contentType, &uploadedBy, &f.ProcessingStatus, &failureReason, &f.ItemCount, &f.UploadedAt, &f.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "sqlite: get flyer image %s", id)
	}
	f.FileName = fileName.String
	f.ContentType = contentType.String
	f.UploadedBy = uploadedBy.String
	f.FailureReason = failureReason.String
	return &f, nil
}

func (s *SQLiteStore) ListFlyerImages(ctx context.Context, filter FlyerFilter) ([]model.FlyerImage, error) {
	query := `SELECT id, storage_ref, file_name, content_type, uploaded_by, processing_status, failure_reason, item_count, uploaded_at, updated_at
	          FROM flyer_images WHERE 1=1`
	args := []any{}

	if filter.Status != "" {
		query += ` AND processing_status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY uploaded_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list flyer images")
	}
	defer rows.Close()

	var flyers []model.FlyerImage
	for rows.Next() {
		var f model.FlyerImage
		var fileName, contentType, uploadedBy, failureReason sql.NullString
		if err := rows.Scan(&f.ID, &f.StorageRef, &fileName, &contentType, &uploadedBy, &f.ProcessingStatus, &failureReason, &f.ItemCount, &f.UploadedAt, &f.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan flyer image")
		}
		f.FileName = fileName.String
		f.ContentType = contentType.String
		f.UploadedBy = uploadedBy.String
		f.FailureReason = failureReason.String
		flyers = append(flyers, f)
	}
	return flyers, eris.Wrap(rows.Err(), "sqlite: list flyer images iterate")
}

func (s *SQLiteStore) UpdateFlyerStatus(ctx context.Context, id string, status model.ProcessingStatus, failureReason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE flyer_images SET processing_status = ?, failure_reason = ?, updated_at = ? WHERE id = ?`,
		string(status), failureReason, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update flyer status %s", id)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) SetFlyerItemCount(ctx context.Context, id string, count int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE flyer_images SET item_count = ?, updated_at = ? WHERE id = ?`,
		count, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set flyer item count %s", id)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) CreateParsedItems(ctx context.Context, items []model.ParsedItem) error {
	if len(items) == 0 {
		return nil
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin insert tx")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO parsed_items (id, flyer_image_id, name, name_secondary, price, raw_price_text, confidence, image_extraction_status, matching_status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare insert item")
	}
	defer stmt.Close()

	for _, item := range items {
		id := item.ID
		if id == "" {
			id = uuid.New().String()
		}
		_, err := stmt.ExecContext(ctx,
			id, item.FlyerImageID, item.Name, item.NameSecondary,
			item.Price, item.RawPriceText, item.Confidence,
			string(model.ExtractionPending), string(model.MatchingPending),
			now, now,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert parsed item %s", id)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit insert tx")
}

func (s *SQLiteStore) GetParsedItem(ctx context.Context, id string) (*model.ParsedItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, flyer_image_id, name, name_secondary, price, raw_price_text, confidence,
		        image_extraction_status, extraction_error, extracted_image,
		        matching_status, matched_products,
		        selected_product_id, discount_applied, auto_discount_applied, verified,
		        created_at, updated_at
		 FROM parsed_items WHERE id = ?`,
		id,
	)
	item, err := scanSQLiteItem(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "sqlite: get parsed item %s", id)
	}
	return item, nil
}

func (s *SQLiteStore) ListParsedItems(ctx context.Context, filter ItemFilter) ([]model.ParsedItem, error) {
	query := `SELECT id, flyer_image_id, name, name_secondary, price, raw_price_text, confidence,
	                 image_extraction_status, extraction_error, extracted_image,
	                 matching_status, matched_products,
	                 selected_product_id, discount_applied, auto_discount_applied, verified,
	                 created_at, updated_at
	          FROM parsed_items WHERE 1=1`
	args := []any{}

	if filter.FlyerImageID != "" {
		query += ` AND flyer_image_id = ?`
		args = append(args, filter.FlyerImageID)
	}
	if filter.ExtractionStatus != "" {
		query += ` AND image_extraction_status = ?`
		args = append(args, string(filter.ExtractionStatus))
	}
	if filter.MatchingStatus != "" {
		query += ` AND matching_status = ?`
		args = append(args, string(filter.MatchingStatus))
	}
	query += ` ORDER BY created_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list parsed items")
	}
	defer rows.Close()

	var items []model.ParsedItem
	for rows.Next() {
		item, err := scanSQLiteItem(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan parsed item")
		}
		items = append(items, *item)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: list parsed items iterate")
}

func (s *SQLiteStore) UpdateItemExtraction(ctx context.Context, id string, status model.ExtractionStatus, img *model.ExtractedImage, extractionErr string) error {
	imgJSON, err := marshalNullable(img)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal extracted image")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE parsed_items SET image_extraction_status = ?, extracted_image = ?, extraction_error = ?, updated_at = ?
		 WHERE id = ? AND verified = 0`,
		string(status), nullableText(imgJSON), extractionErr, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update item extraction %s", id)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) UpdateItemMatches(ctx context.Context, id string, status model.MatchingStatus, matches []model.ProductMatch) error {
	matchJSON, err := marshalNullable(matches)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal matches")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE parsed_items SET matching_status = ?, matched_products = ?, updated_at = ?
		 WHERE id = ? AND verified = 0`,
		string(status), nullableText(matchJSON), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update item matches %s", id)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) UpdateItemExtractedImage(ctx context.Context, id string, img *model.ExtractedImage) error {
	imgJSON, err := marshalNullable(img)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal extracted image")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE parsed_items SET extracted_image = ?, updated_at = ? WHERE id = ?`,
		nullableText(imgJSON), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update item extracted image %s", id)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) ListExtractedImageRows(ctx context.Context) ([]ExtractedImageRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, extracted_image FROM parsed_items WHERE extracted_image IS NOT NULL ORDER BY created_at`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list extracted image rows")
	}
	defer rows.Close() //nolint:errcheck

	var out []ExtractedImageRow
	for rows.Next() {
		var r ExtractedImageRow
		if err := rows.Scan(&r.ItemID, &r.Raw); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan extracted image row")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate extracted image rows")
	}
	return out, nil
}

func (s *SQLiteStore) SetItemVerified(ctx context.Context, id string, verified bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE parsed_items SET verified = ?, updated_at = ? WHERE id = ?`,
		verified, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set item verified %s", id)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) UpsertCatalogProducts(ctx context.Context, products []model.CatalogProduct) (int64, error) {
	if len(products) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin upsert tx")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO catalog_products (id, product_id, name, name_secondary, category, price, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (product_id) DO UPDATE SET name = excluded.name, name_secondary = excluded.name_secondary, category = excluded.category, price = excluded.price, updated_at = excluded.updated_at`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare upsert product")
	}
	defer stmt.Close()

	var n int64
	for _, p := range products {
		id := p.ID
		if id == "" {
			id = uuid.New().String()
		}
		res, err := stmt.ExecContext(ctx, id, p.ProductID, p.Name, p.NameSecondary, p.Category, p.Price, now, now)
		if err != nil {
			return n, eris.Wrapf(err, "sqlite: upsert product %s", p.ProductID)
		}
		affected, _ := res.RowsAffected()
		n += affected
	}
	return n, eris.Wrap(tx.Commit(), "sqlite: commit upsert tx")
}

func (s *SQLiteStore) GetCatalogProduct(ctx context.Context, productID string) (*model.CatalogProduct, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, product_id, name, name_secondary, category, price, discounted_price, discount_percentage, has_active_discount, discount_source, created_at, updated_at
		 FROM catalog_products WHERE product_id = ?`,
		productID,
	)
	p, err := scanSQLiteProduct(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "sqlite: get catalog product %s", productID)
	}
	return p, nil
}

func (s *SQLiteStore) ListCatalogProducts(ctx context.Context, filter ProductFilter) ([]model.CatalogProduct, error) {
	query := `SELECT id, product_id, name, name_secondary, category, price, discounted_price, discount_percentage, has_active_discount, discount_source, created_at, updated_at
	          FROM catalog_products WHERE 1=1`
	args := []any{}

	if filter.Category != "" {
		query += ` AND category = ?`
		args = append(args, filter.Category)
	}
	if filter.ActiveDiscount != nil {
		query += ` AND has_active_discount = ?`
		args = append(args, *filter.ActiveDiscount)
	}
	query += ` ORDER BY name ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list catalog products")
	}
	defer rows.Close()

	var products []model.CatalogProduct
	for rows.Next() {
		p, err := scanSQLiteProduct(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan catalog product")
		}
		products = append(products, *p)
	}
	return products, eris.Wrap(rows.Err(), "sqlite: list catalog products iterate")
}

// ApplyDiscount mirrors the PostgreSQL implementation. SQLite has no row
// locks; BEGIN IMMEDIATE takes the write lock up front so the read-compute-
// write sequence runs without interleaved writers.
func (s *SQLiteStore) ApplyDiscount(ctx context.Context, parsedItemID, productID string, percentage float64, auto bool) (*model.CatalogProduct, error) {
	if percentage <= 0 || percentage >= 100 {
		return nil, eris.Errorf("sqlite: discount percentage out of range: %.2f", percentage)
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: acquire conn")
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return nil, eris.Wrap(err, "sqlite: begin discount tx")
	}
	commit := false
	defer func() {
		if !commit {
			conn.ExecContext(ctx, "ROLLBACK")
		}
	}()

	var prevProductID sql.NullString
	var verified bool
	err = conn.QueryRowContext(ctx,
		`SELECT selected_product_id, verified FROM parsed_items WHERE id = ?`,
		parsedItemID,
	).Scan(&prevProductID, &verified)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, eris.Wrap(err, "sqlite: read parsed item")
	}
	if auto && verified {
		return nil, eris.Errorf("sqlite: parsed item %s is verified, auto discount not allowed", parsedItemID)
	}

	product, err := scanSQLiteProduct(conn.QueryRowContext(ctx,
		`SELECT id, product_id, name, name_secondary, category, price, discounted_price, discount_percentage, has_active_discount, discount_source, created_at, updated_at
		 FROM catalog_products WHERE product_id = ?`,
		productID,
	))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, eris.Wrap(err, "sqlite: read catalog product")
	}

	var prev *model.CatalogProduct
	if prevProductID.String != "" && prevProductID.String != productID {
		prev, err = scanSQLiteProduct(conn.QueryRowContext(ctx,
			`SELECT id, product_id, name, name_secondary, category, price, discounted_price, discount_percentage, has_active_discount, discount_source, created_at, updated_at
			 FROM catalog_products WHERE product_id = ?`,
			prevProductID.String,
		))
		if err != nil {
			if err != sql.ErrNoRows {
				return nil, eris.Wrap(err, "sqlite: read previous product")
			}
			prev = nil
		}
	}

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
		return nil, eris.Wrap(err, "sqlite: marshal discount source")
	}

	if prev != nil && prev.HasActiveDiscount {
		_, err = conn.ExecContext(ctx,
			`UPDATE catalog_products
			 SET price = ?, discounted_price = NULL, discount_percentage = NULL, has_active_discount = 0, discount_source = NULL, updated_at = ?
			 WHERE product_id = ?`,
			prev.BasePrice(), now, prev.ProductID,
		)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: clear previous discount")
		}
	}

	// A product holds a flyer discount from at most one item. Taking it over
	// for this item releases the previous holder's link.
	if stale := product.DiscountSource; stale != nil &&
		stale.Type == model.DiscountSourceFlyer &&
		stale.ParsedItemID != "" && stale.ParsedItemID != parsedItemID {
		_, err = conn.ExecContext(ctx,
			`UPDATE parsed_items SET discount_applied = 0, auto_discount_applied = 0, updated_at = ? WHERE id = ?`,
			now, stale.ParsedItemID,
		)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: release previous discount holder")
		}
	}

	_, err = conn.ExecContext(ctx,
		`UPDATE catalog_products
		 SET price = ?, discounted_price = ?, discount_percentage = ?, has_active_discount = 1, discount_source = ?, updated_at = ?
		 WHERE product_id = ?`,
		base, discounted, percentage, string(sourceJSON), now, productID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: apply product discount")
	}

	_, err = conn.ExecContext(ctx,
		`UPDATE parsed_items
		 SET selected_product_id = ?, discount_applied = 1, auto_discount_applied = ?, updated_at = ?
		 WHERE id = ?`,
		productID, auto, now, parsedItemID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: link parsed item")
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit discount tx")
	}
	commit = true

	product.Price = base
	product.DiscountedPrice = discounted
	product.DiscountPercentage = percentage
	product.HasActiveDiscount = true
	product.DiscountSource = &source
	product.UpdatedAt = now
	return product, nil
}

func (s *SQLiteStore) RemoveDiscount(ctx context.Context, productID string) error {
	product, err := s.GetCatalogProduct(ctx, productID)
	if err != nil {
		return err
	}
	if !product.HasActiveDiscount {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin remove tx")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`UPDATE catalog_products
		 SET price = ?, discounted_price = NULL, discount_percentage = NULL, has_active_discount = 0, discount_source = NULL, updated_at = ?
		 WHERE product_id = ?`,
		product.BasePrice(), now, productID,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: clear discount")
	}

	if product.DiscountSource != nil && product.DiscountSource.ParsedItemID != "" {
		_, err = tx.ExecContext(ctx,
			`UPDATE parsed_items SET discount_applied = 0, auto_discount_applied = 0, updated_at = ? WHERE id = ?`,
			now, product.DiscountSource.ParsedItemID,
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: unlink parsed item")
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit remove tx")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteItem(row rowScanner) (*model.ParsedItem, error) {
	var item model.ParsedItem
	var nameSecondary, rawPriceText, extractionError, selectedProductID sql.NullString
	var imgJSON, matchJSON sql.NullString

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
	item.NameSecondary = nameSecondary.String
	item.RawPriceText = rawPriceText.String
	item.ExtractionError = extractionError.String
	item.SelectedProductID = selectedProductID.String

	if imgJSON.Valid && imgJSON.String != "" {
		item.ExtractedImage = &model.ExtractedImage{}
		if err := json.Unmarshal([]byte(imgJSON.String), item.ExtractedImage); err != nil {
			return nil, eris.Wrap(err, "unmarshal extracted image")
		}
	}
	if matchJSON.Valid && matchJSON.String != "" {
		if err := json.Unmarshal([]byte(matchJSON.String), &item.MatchedProducts); err != nil {
			return nil, eris.Wrap(err, "unmarshal matched products")
		}
	}
	return &item, nil
}

func scanSQLiteProduct(row rowScanner) (*model.CatalogProduct, error) {
	var p model.CatalogProduct
	var nameSecondary, category, sourceJSON sql.NullString
	var discountedPrice, discountPercentage sql.NullFloat64

	err := row.Scan(
		&p.ID, &p.ProductID, &p.Name, &nameSecondary, &category,
		&p.Price, &discountedPrice, &discountPercentage, &p.HasActiveDiscount, &sourceJSON,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.NameSecondary = nameSecondary.String
	p.Category = category.String
	p.DiscountedPrice = discountedPrice.Float64
	p.DiscountPercentage = discountPercentage.Float64
	if sourceJSON.Valid && sourceJSON.String != "" {
		p.DiscountSource = &model.DiscountSource{}
		if err := json.Unmarshal([]byte(sourceJSON.String), p.DiscountSource); err != nil {
			return nil, eris.Wrap(err, "unmarshal discount source")
		}
	}
	return &p, nil
}

func nullableText(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
