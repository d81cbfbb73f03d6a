package pipeline

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/shelfwise/flyer-pipeline/internal/model"
	"github.com/shelfwise/flyer-pipeline/internal/store"
	"github.com/shelfwise/flyer-pipeline/pkg/anthropic"
	"github.com/shelfwise/flyer-pipeline/pkg/vision"
)

// --- Store Mock ---

type mockStore struct {
	mock.Mock
}

func (m *mockStore) CreateFlyerImage(ctx context.Context, f model.FlyerImage) (*model.FlyerImage, error) {
	args := m.Called(ctx, f)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.FlyerImage), args.Error(1)
}

func (m *mockStore) GetFlyerImage(ctx context.Context, id string) (*model.FlyerImage, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.FlyerImage), args.Error(1)
}

func (m *mockStore) ListFlyerImages(ctx context.Context, filter store.FlyerFilter) ([]model.FlyerImage, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.FlyerImage), args.Error(1)
}

func (m *mockStore) UpdateFlyerStatus(ctx context.Context, id string, status model.ProcessingStatus, failureReason string) error {
	args := m.Called(ctx, id, status, failureReason)
	return args.Error(0)
}

func (m *mockStore) SetFlyerItemCount(ctx context.Context, id string, count int) error {
	args := m.Called(ctx, id, count)
	return args.Error(0)
}

func (m *mockStore) CreateParsedItems(ctx context.Context, items []model.ParsedItem) error {
	args := m.Called(ctx, items)
	return args.Error(0)
}

func (m *mockStore) GetParsedItem(ctx context.Context, id string) (*model.ParsedItem, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ParsedItem), args.Error(1)
}

func (m *mockStore) ListParsedItems(ctx context.Context, filter store.ItemFilter) ([]model.ParsedItem, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.ParsedItem), args.Error(1)
}

func (m *mockStore) UpdateItemExtraction(ctx context.Context, id string, status model.ExtractionStatus, img *model.ExtractedImage, extractionErr string) error {
	args := m.Called(ctx, id, status, img, extractionErr)
	return args.Error(0)
}

func (m *mockStore) UpdateItemMatches(ctx context.Context, id string, status model.MatchingStatus, matches []model.ProductMatch) error {
	args := m.Called(ctx, id, status, matches)
	return args.Error(0)
}

func (m *mockStore) UpdateItemExtractedImage(ctx context.Context, id string, img *model.ExtractedImage) error {
	args := m.Called(ctx, id, img)
	return args.Error(0)
}

func (m *mockStore) SetItemVerified(ctx context.Context, id string, verified bool) error {
	args := m.Called(ctx, id, verified)
	return args.Error(0)
}

func (m *mockStore) ListExtractedImageRows(ctx context.Context) ([]store.ExtractedImageRow, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]store.ExtractedImageRow), args.Error(1)
}

func (m *mockStore) UpsertCatalogProducts(ctx context.Context, products []model.CatalogProduct) (int64, error) {
	args := m.Called(ctx, products)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockStore) GetCatalogProduct(ctx context.Context, productID string) (*model.CatalogProduct, error) {
	args := m.Called(ctx, productID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.CatalogProduct), args.Error(1)
}

func (m *mockStore) ListCatalogProducts(ctx context.Context, filter store.ProductFilter) ([]model.CatalogProduct, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.CatalogProduct), args.Error(1)
}

func (m *mockStore) ApplyDiscount(ctx context.Context, parsedItemID, productID string, percentage float64, auto bool) (*model.CatalogProduct, error) {
	args := m.Called(ctx, parsedItemID, productID, percentage, auto)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.CatalogProduct), args.Error(1)
}

func (m *mockStore) RemoveDiscount(ctx context.Context, productID string) error {
	args := m.Called(ctx, productID)
	return args.Error(0)
}

func (m *mockStore) Migrate(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}

// --- Vision Mock ---

type mockVisionClient struct {
	mock.Mock
}

func (m *mockVisionClient) Call(ctx context.Context, req vision.Request) (*vision.Result, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*vision.Result), args.Error(1)
}

// --- Anthropic Mock ---

type mockAnthropicClient struct {
	mock.Mock
}

func (m *mockAnthropicClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

// --- Fetcher Mock ---

type mockFetcher struct {
	mock.Mock
}

func (m *mockFetcher) FetchBytes(ctx context.Context, ref string) ([]byte, error) {
	args := m.Called(ctx, ref)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

// --- ImageStore Mock ---

type mockImageStore struct {
	mock.Mock
}

func (m *mockImageStore) Put(ctx context.Context, name string, data []byte) (string, error) {
	args := m.Called(ctx, name, data)
	return args.String(0), args.Error(1)
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
	}
}
