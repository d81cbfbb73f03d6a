package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyFrom_EmptyRows(t *testing.T) {
	n, err := CopyFrom(context.TODO(), nil, "catalog_products", []string{"a", "b"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCopyFrom_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"catalog_products"}, []string{"product_id", "name"}).WillReturnResult(3)

	rows := [][]any{{"p1", "Milk"}, {"p2", "Bread"}, {"p3", "Eggs"}}
	n, err := CopyFrom(context.Background(), mock, "catalog_products", []string{"product_id", "name"}, rows)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"catalog_products"}, []string{"product_id"}).WillReturnError(fmt.Errorf("copy failed"))

	rows := [][]any{{"p1"}}
	_, err = CopyFrom(context.Background(), mock, "catalog_products", []string{"product_id"}, rows)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO catalog_products")
	assert.NoError(t, mock.ExpectationsWereMet())
}
