// Package catalog loads catalog products from supplier files and upserts
// them into the store keyed on the external product id.
package catalog

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/shelfwise/flyer-pipeline/internal/model"
)

// ProductUpserter is the slice of the store the importer needs.
type ProductUpserter interface {
	UpsertCatalogProducts(ctx context.Context, products []model.CatalogProduct) (int64, error)
}

// Importer loads product files into the store.
type Importer struct {
	store ProductUpserter
}

// NewImporter creates an Importer.
func NewImporter(st ProductUpserter) *Importer {
	return &Importer{store: st}
}

// ImportFile loads the file by extension (.xlsx, .yaml, .yml) and upserts its
// products. Returns the number of rows upserted. Re-importing an already
// discounted product updates its base fields without clearing the discount.
func (im *Importer) ImportFile(ctx context.Context, path string) (int64, error) {
	var (
		products []model.CatalogProduct
		err      error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		products, err = LoadXLSX(path)
	case ".yaml", ".yml":
		products, err = LoadYAML(path)
	default:
		return 0, eris.Errorf("catalog: unsupported file type %q", filepath.Ext(path))
	}
	if err != nil {
		return 0, err
	}

	products = validate(products)
	if len(products) == 0 {
		return 0, eris.Errorf("catalog: no valid products in %s", path)
	}

	n, err := im.store.UpsertCatalogProducts(ctx, products)
	if err != nil {
		return 0, eris.Wrapf(err, "catalog: upsert from %s", path)
	}

	zap.L().Info("catalog: import complete",
		zap.String("file", path),
		zap.Int64("upserted", n),
	)
	return n, nil
}

// xlsxColumns maps recognized header names to CatalogProduct fields.
var xlsxColumns = map[string]string{
	"product_id":     "product_id",
	"productid":      "product_id",
	"sku":            "product_id",
	"name":           "name",
	"product_name":   "name",
	"name_secondary": "name_secondary",
	"category":       "category",
	"price":          "price",
	"unit_price":     "price",
}

// LoadXLSX reads products from the first sheet of a supplier spreadsheet.
// The first row must be a header naming the columns.
func LoadXLSX(path string) ([]model.CatalogProduct, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "catalog: open xlsx")
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("catalog: xlsx has no sheets")
	}
	sheet := f.Sheets[0]
	if len(sheet.Rows) < 2 {
		return nil, eris.New("catalog: xlsx has no data rows")
	}

	fieldByCol := map[int]string{}
	for j, cell := range sheet.Rows[0].Cells {
		header := strings.ToLower(strings.TrimSpace(cell.String()))
		if field, ok := xlsxColumns[header]; ok {
			fieldByCol[j] = field
		}
	}
	if len(fieldByCol) == 0 {
		return nil, eris.New("catalog: xlsx header has no recognized columns")
	}

	var products []model.CatalogProduct
	for _, row := range sheet.Rows[1:] {
		var p model.CatalogProduct
		for j, cell := range row.Cells {
			val := strings.TrimSpace(cell.String())
			switch fieldByCol[j] {
			case "product_id":
				p.ProductID = val
			case "name":
				p.Name = val
			case "name_secondary":
				p.NameSecondary = val
			case "category":
				p.Category = val
			case "price":
				p.Price = parsePrice(val)
			}
		}
		products = append(products, p)
	}
	return products, nil
}

// yamlFile is the shape of a YAML seed file.
type yamlFile struct {
	Products []yamlProduct `yaml:"products"`
}

type yamlProduct struct {
	ProductID     string  `yaml:"product_id"`
	Name          string  `yaml:"name"`
	NameSecondary string  `yaml:"name_secondary"`
	Category      string  `yaml:"category"`
	Price         float64 `yaml:"price"`
}

// LoadYAML reads products from a YAML seed file.
func LoadYAML(path string) ([]model.CatalogProduct, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "catalog: read yaml")
	}

	var file yamlFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, eris.Wrap(err, "catalog: parse yaml")
	}

	products := make([]model.CatalogProduct, len(file.Products))
	for i, p := range file.Products {
		products[i] = model.CatalogProduct{
			ProductID:     p.ProductID,
			Name:          p.Name,
			NameSecondary: p.NameSecondary,
			Category:      p.Category,
			Price:         p.Price,
		}
	}
	return products, nil
}

// validate drops rows without a product id, a name, or a positive price.
func validate(products []model.CatalogProduct) []model.CatalogProduct {
	out := products[:0]
	for _, p := range products {
		if p.ProductID == "" || p.Name == "" || p.Price <= 0 {
			zap.L().Warn("catalog: skipping invalid product row",
				zap.String("product_id", p.ProductID),
				zap.String("name", p.Name),
				zap.Float64("price", p.Price),
			)
			continue
		}
		out = append(out, p)
	}
	return out
}

// parsePrice tolerates currency symbols and comma decimal separators.
func parsePrice(s string) float64 {
	s = strings.TrimSpace(strings.TrimLeft(s, "$€£ "))
	s = strings.ReplaceAll(s, ",", ".")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
