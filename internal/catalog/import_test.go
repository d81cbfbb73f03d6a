package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/shelfwise/flyer-pipeline/internal/model"
)

type importerStore struct {
	mock.Mock
}

func (m *importerStore) UpsertCatalogProducts(ctx context.Context, products []model.CatalogProduct) (int64, error) {
	args := m.Called(ctx, products)
	return args.Get(0).(int64), args.Error(1)
}

func writeTestXLSX(t *testing.T, rows [][]string) string {
	t.Helper()
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Products")
	require.NoError(t, err)
	for _, r := range rows {
		row := sheet.AddRow()
		for _, c := range r {
			row.AddCell().SetString(c)
		}
	}
	path := filepath.Join(t.TempDir(), "products.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func TestLoadXLSX(t *testing.T) {
	path := writeTestXLSX(t, [][]string{
		{"product_id", "name", "name_secondary", "category", "price"},
		{"prod-1", "Whole Milk 1L", "Leche Entera 1L", "dairy", "$4.99"},
		{"prod-2", "Fresh Bread", "", "bakery", "2,49"},
	})

	products, err := LoadXLSX(path)
	require.NoError(t, err)
	require.Len(t, products, 2)

	assert.Equal(t, "prod-1", products[0].ProductID)
	assert.Equal(t, "Leche Entera 1L", products[0].NameSecondary)
	assert.Equal(t, 4.99, products[0].Price)
	assert.Equal(t, 2.49, products[1].Price)
}

func TestLoadXLSXUnrecognizedHeader(t *testing.T) {
	path := writeTestXLSX(t, [][]string{
		{"foo", "bar"},
		{"a", "b"},
	})
	_, err := LoadXLSX(path)
	require.Error(t, err)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
products:
  - product_id: prod-1
    name: Whole Milk 1L
    name_secondary: Leche Entera 1L
    category: dairy
    price: 4.99
  - product_id: prod-2
    name: Fresh Bread
    price: 2.49
`), 0o644))

	products, err := LoadYAML(path)
	require.NoError(t, err)
	require.Len(t, products, 2)
	assert.Equal(t, "Whole Milk 1L", products[0].Name)
	assert.Equal(t, 2.49, products[1].Price)
}

func TestImportFileSkipsInvalidRows(t *testing.T) {
	path := writeTestXLSX(t, [][]string{
		{"product_id", "name", "price"},
		{"prod-1", "Whole Milk 1L", "4.99"},
		{"", "No ID", "1.00"},
		{"prod-3", "Free Sample", "0"},
	})

	st := new(importerStore)
	st.On("UpsertCatalogProducts", mock.Anything, mock.MatchedBy(func(products []model.CatalogProduct) bool {
		return len(products) == 1 && products[0].ProductID == "prod-1"
	})).Return(int64(1), nil)

	im := NewImporter(st)
	n, err := im.ImportFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	st.AssertExpectations(t)
}

func TestImportFileUnsupportedExtension(t *testing.T) {
	im := NewImporter(new(importerStore))
	_, err := im.ImportFile(context.Background(), "products.csv")
	require.Error(t, err)
}
