package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/shelfwise/flyer-pipeline/internal/model"
	"github.com/shelfwise/flyer-pipeline/internal/store"
)

func TestNormalizeExtractedImageBareString(t *testing.T) {
	img, changed, err := normalizeExtractedImage([]byte(`"https://cdn/old/item.png"`))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "https://cdn/old/item.png", img.CleanImageURL)
	assert.Equal(t, model.MethodDirectGeneration, img.ProcessingMethod)
	assert.Equal(t, 0.5, img.QualityScore)
	assert.True(t, img.ManualReviewRequired)
	assert.False(t, img.ExtractedAt.IsZero())
}

func TestNormalizeExtractedImageURLArray(t *testing.T) {
	img, changed, err := normalizeExtractedImage([]byte(`["https://cdn/old/item.png", "https://cdn/old/thumb.png"]`))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "https://cdn/old/item.png", img.CleanImageURL)
	assert.Equal(t, "https://cdn/old/thumb.png", img.ThumbnailURL)
}

func TestNormalizeExtractedImagePartialObject(t *testing.T) {
	img, changed, err := normalizeExtractedImage([]byte(`{"clean_image_url": "https://cdn/old/item.png", "confidence": 0.8}`))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 0.8, img.Confidence)
	assert.Equal(t, model.MethodDirectGeneration, img.ProcessingMethod)
	assert.Equal(t, 0.5, img.QualityScore)
	assert.True(t, img.ManualReviewRequired)
}

func TestNormalizeExtractedImageCurrentSchemaUntouched(t *testing.T) {
	current := model.ExtractedImage{
		CleanImageURL:    "https://cdn/clean/item.png",
		Confidence:       0.9,
		QualityScore:     0.8,
		ProcessingMethod: model.MethodDirectGeneration,
		ExtractedAt:      time.Now().UTC(),
	}
	raw, err := json.Marshal(current)
	require.NoError(t, err)

	_, changed, err := normalizeExtractedImage(raw)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestNormalizeExtractedImageIdempotent(t *testing.T) {
	img, changed, err := normalizeExtractedImage([]byte(`"https://cdn/old/item.png"`))
	require.NoError(t, err)
	require.True(t, changed)

	raw, err := json.Marshal(img)
	require.NoError(t, err)

	_, changed, err = normalizeExtractedImage(raw)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestNormalizeExtractedImageRejectsGarbage(t *testing.T) {
	_, _, err := normalizeExtractedImage([]byte(`42`))
	require.Error(t, err)

	_, _, err = normalizeExtractedImage([]byte(`{"confidence": 0.5}`))
	require.Error(t, err)
}

func TestRepairAllRewritesOnlyLegacyRows(t *testing.T) {
	st := new(mockStore)

	current, err := json.Marshal(model.ExtractedImage{
		CleanImageURL:    "https://cdn/clean/item-2.png",
		QualityScore:     0.9,
		ProcessingMethod: model.MethodDirectGeneration,
		ExtractedAt:      time.Now().UTC(),
	})
	require.NoError(t, err)

	st.On("ListExtractedImageRows", mock.Anything).Return([]store.ExtractedImageRow{
		{ItemID: "item-1", Raw: []byte(`"https://cdn/old/item-1.png"`)},
		{ItemID: "item-2", Raw: current},
	}, nil)
	st.On("UpdateItemExtractedImage", mock.Anything, "item-1", mock.MatchedBy(func(img *model.ExtractedImage) bool {
		return img.CleanImageURL == "https://cdn/old/item-1.png"
	})).Return(nil).Once()

	r := NewRepairer(st, 2)
	count, err := r.RepairAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	st.AssertExpectations(t)
}

func TestRepairItem(t *testing.T) {
	st := new(mockStore)
	st.On("ListExtractedImageRows", mock.Anything).Return([]store.ExtractedImageRow{
		{ItemID: "item-1", Raw: []byte(`"https://cdn/old/item-1.png"`)},
	}, nil)
	st.On("UpdateItemExtractedImage", mock.Anything, "item-1", mock.Anything).Return(nil).Once()

	r := NewRepairer(st, 0)
	changed, err := r.RepairItem(context.Background(), "item-1")
	require.NoError(t, err)
	assert.True(t, changed)

	_, err = r.RepairItem(context.Background(), "item-missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
